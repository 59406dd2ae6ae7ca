package propagator

import "voxelcraft.ai/chunksys/internal/coord"

const (
	windowRadius = 2
	windowWidth  = 2*windowRadius + 1
	windowCells  = windowWidth * SectionSize

	// flagWriteLevel restores a source's level before it propagates.
	flagWriteLevel = 1
	// flagRecheck drops the entry if the cell's level changed since queueing.
	flagRecheck = 2
)

var neighbours = [8][2]int32{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// flood is the scratch state of one section update: the 5x5 section window
// around the updated section and the increase/decrease work queues. Work
// entries pack window coordinates, level and flags into one word.
type flood struct {
	sections [windowWidth * windowWidth]*section
	originX  int32
	originZ  int32

	increase []uint64
	decrease []uint64
	updates  *Updates

	oldSources int
}

func newFlood() *flood {
	return &flood{
		increase: make([]uint64, 0, SectionSize*SectionSize),
		decrease: make([]uint64, 0, SectionSize*SectionSize),
		updates:  NewUpdates(),
	}
}

func encode(wx, wz int32, level uint8, flags uint64) uint64 {
	return uint64(uint16(wx)) | uint64(uint16(wz))<<16 | uint64(level)<<32 | flags<<40
}

func decode(v uint64) (wx, wz int32, level uint8, flags uint64) {
	return int32(uint16(v)), int32(uint16(v >> 16)), uint8(v >> 32), v >> 40
}

func (f *flood) setup(sectionX, sectionZ int32) {
	f.originX = (sectionX - windowRadius) << SectionShift
	f.originZ = (sectionZ - windowRadius) << SectionShift
	f.increase = f.increase[:0]
	f.decrease = f.decrease[:0]
	f.updates.Clear()
	f.oldSources = 0
}

func (f *flood) hasWork() bool { return len(f.increase) != 0 || len(f.decrease) != 0 }

func (f *flood) toWindow(x, z int32) (int32, int32) { return x - f.originX, z - f.originZ }

func (f *flood) key(wx, wz int32) int64 { return coord.Key(wx+f.originX, wz+f.originZ) }

func (f *flood) loadWindow(p interface{ sectionAt(int32, int32) *section }, sectionX, sectionZ int32) {
	for dz := int32(0); dz < windowWidth; dz++ {
		for dx := int32(0); dx < windowWidth; dx++ {
			f.sections[dx+dz*windowWidth] = p.sectionAt(sectionX-windowRadius+dx, sectionZ-windowRadius+dz)
		}
	}
}

func (f *flood) release() { clear(f.sections[:]) }

// cell returns the section holding window cell (wx, wz) and the cell's local
// index, or nil if the cell is outside the window or its section is absent.
func (f *flood) cell(wx, wz int32) (*section, int) {
	if wx < 0 || wz < 0 || wx >= windowCells || wz >= windowCells {
		return nil, 0
	}
	s := f.sections[(wx>>SectionShift)+(wz>>SectionShift)*windowWidth]
	if s == nil {
		return nil, 0
	}
	return s, int((wx & sectionMask) | ((wz & sectionMask) << SectionShift))
}

func (f *flood) level(wx, wz int32) uint8 {
	s, idx := f.cell(wx, wz)
	if s == nil {
		return 0
	}
	return uint8(s.levels[idx])
}

func (f *flood) setLevel(wx, wz int32, to uint8) {
	s, idx := f.cell(wx, wz)
	if s == nil {
		return
	}
	s.levels[idx] = s.levels[idx]&^0xFF | uint16(to)
	f.updates.Put(f.key(wx, wz), to)
}

func (f *flood) performIncrease() {
	for i := 0; i < len(f.increase); i++ {
		wx, wz, level, flags := decode(f.increase[i])
		if flags&flagRecheck != 0 {
			if f.level(wx, wz) != level {
				continue
			}
		} else if flags&flagWriteLevel != 0 {
			// A stronger neighbour may have raised the cell past its source
			// already; that write queued its own entry.
			if f.level(wx, wz) >= level {
				continue
			}
			f.setLevel(wx, wz, level)
		}
		if level <= 1 {
			continue
		}
		to := level - 1
		for _, d := range neighbours {
			nx, nz := wx+d[0], wz+d[1]
			s, idx := f.cell(nx, nz)
			if s == nil {
				continue
			}
			cur := s.levels[idx]
			if uint8(cur) >= to {
				continue
			}
			s.levels[idx] = cur&^0xFF | uint16(to)
			f.updates.PutLast(f.key(nx, nz), to)
			if to > 1 {
				f.increase = append(f.increase, encode(nx, nz, to, 0))
			}
		}
	}
	f.increase = f.increase[:0]
}

// performDecrease clears every cell that was fed by the decreasing wave,
// queueing re-propagation from cells still held up by other sources, then
// runs the increase phase.
func (f *flood) performDecrease() {
	for i := 0; i < len(f.decrease); i++ {
		wx, wz, level, _ := decode(f.decrease[i])
		to := level - 1
		for _, d := range neighbours {
			nx, nz := wx+d[0], wz+d[1]
			s, idx := f.cell(nx, nz)
			if s == nil {
				continue
			}
			cur := s.levels[idx]
			curLevel := uint8(cur)
			source := uint8(cur >> 8)
			if curLevel == 0 {
				continue
			}
			if curLevel > to {
				f.increase = append(f.increase, encode(nx, nz, curLevel, flagRecheck))
				continue
			}
			s.levels[idx] = cur &^ 0xFF
			f.updates.PutLast(f.key(nx, nz), 0)
			if source != 0 {
				f.increase = append(f.increase, encode(nx, nz, source, flagWriteLevel))
			}
			f.decrease = append(f.decrease, encode(nx, nz, to, 0))
		}
	}
	f.decrease = f.decrease[:0]
	f.performIncrease()
}
