// Package propagator maintains, for every chunk position, the level
// max(0, strength - chebyshev distance) of the strongest nearby source. Work
// is incremental: source changes are queued per 64x64 section and each
// section update floods only the cells whose level actually changes.
package propagator

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"voxelcraft.ai/chunksys/internal/chunksys/arealock"
	"voxelcraft.ai/chunksys/internal/coord"
)

const (
	SectionShift = 6
	SectionSize  = 1 << SectionShift
	sectionMask  = SectionSize - 1

	MinSource = 1
	// MaxSource is 62 so a decrease flood starting one above the weakest
	// level never reaches further than one section away.
	MaxSource = 62
)

// Hooks let the owner translate level changes into its own state while the
// propagator still holds the locks covering the changed positions.
type Hooks[B any] interface {
	// ProcessLevelUpdates runs with the ticket lock held for every section
	// containing a changed position. Entries may be deleted from updates.
	ProcessLevelUpdates(ctx context.Context, updates *Updates)
	// ProcessSchedulingUpdates additionally holds the scheduling lock out to
	// the scheduling radius around those sections.
	ProcessSchedulingUpdates(ctx context.Context, updates *Updates, batch B)
}

type section struct {
	x, z int32

	// source<<8 | level
	levels  [SectionSize * SectionSize]uint16
	sources map[uint16]struct{}

	// pending source changes keyed by local index, applied on update
	queued      map[uint16]uint8
	queuedOrder []uint16

	oneRadNeighboursWithSources int
}

func newSection(x, z int32) *section {
	return &section{x: x, z: z, sources: map[uint16]struct{}{}, queued: map[uint16]uint8{}}
}

func (s *section) queue(idx uint16, source uint8) (added bool) {
	if _, ok := s.queued[idx]; !ok {
		s.queuedOrder = append(s.queuedOrder, idx)
		added = true
	}
	s.queued[idx] = source
	return added
}

// replaceQueued overwrites a pending change without creating one.
func (s *section) replaceQueued(idx uint16, source uint8) {
	if _, ok := s.queued[idx]; ok {
		s.queued[idx] = source
	}
}

func (s *section) clearQueued() {
	clear(s.queued)
	s.queuedOrder = s.queuedOrder[:0]
}

func localIndex(x, z int32) uint16 {
	return uint16((x & sectionMask) | ((z & sectionMask) << SectionShift))
}

type Propagator[B any] struct {
	hooks            Hooks[B]
	schedulingRadius int32

	sections *xsync.Map[int64, *section]
	queue    *updateQueue
	floods   sync.Pool
}

// New returns a propagator. schedulingRadius is the chunk radius beyond the
// updated sections covered by the scheduling lock during
// ProcessSchedulingUpdates.
func New[B any](hooks Hooks[B], schedulingRadius int32) *Propagator[B] {
	p := &Propagator[B]{
		hooks:            hooks,
		schedulingRadius: schedulingRadius,
		sections:         xsync.NewMap[int64, *section](),
		queue: &updateQueue{
			intersectRadius: 2 + (schedulingRadius+sectionMask)>>SectionShift,
		},
	}
	p.floods.New = func() any { return newFlood() }
	return p
}

func (p *Propagator[B]) loadOrCreate(sx, sz int32) *section {
	key := coord.Key(sx, sz)
	if s, ok := p.sections.Load(key); ok {
		return s
	}
	s, _ := p.sections.LoadOrStore(key, newSection(sx, sz))
	return s
}

func (p *Propagator[B]) sectionAt(sx, sz int32) *section {
	s, _ := p.sections.Load(coord.Key(sx, sz))
	return s
}

// SetSource queues a source of the given strength at (x, z). The caller must
// hold the ticket lock covering the section containing (x, z).
func (p *Propagator[B]) SetSource(x, z int32, strength int) {
	if strength < MinSource || strength > MaxSource {
		panic(fmt.Sprintf("propagator: source strength %d out of range", strength))
	}
	sx, sz := x>>SectionShift, z>>SectionShift
	key := coord.Key(sx, sz)
	s, ok := p.sections.Load(key)
	if !ok {
		var loaded bool
		s, loaded = p.sections.LoadOrStore(key, newSection(sx, sz))
		if loaded {
			panic("propagator: section created concurrently with SetSource")
		}
	}
	idx := localIndex(x, z)
	to := uint8(strength)
	if uint8(s.levels[idx]>>8) == to {
		s.replaceQueued(idx, to)
		return
	}
	if s.queue(idx, to) && len(s.queued) == 1 {
		p.queue.append(s)
	}
}

// RemoveSource queues removal of any source at (x, z). The caller must hold
// the ticket lock covering the section containing (x, z).
func (p *Propagator[B]) RemoveSource(x, z int32) {
	s := p.sectionAt(x>>SectionShift, z>>SectionShift)
	if s == nil {
		return
	}
	idx := localIndex(x, z)
	if s.levels[idx]>>8 == 0 {
		s.replaceQueued(idx, 0)
		return
	}
	if s.queue(idx, 0) && len(s.queued) == 1 {
		p.queue.append(s)
	}
}

func (p *Propagator[B]) HasPendingUpdates() bool { return !p.queue.isEmpty() }

// Level returns the current propagated level at (x, z). The caller must hold
// the ticket lock for the position to get a consistent value.
func (p *Propagator[B]) Level(x, z int32) int {
	s := p.sectionAt(x>>SectionShift, z>>SectionShift)
	if s == nil {
		return 0
	}
	return int(s.levels[localIndex(x, z)] & 0xFF)
}

// Source returns the applied source strength at (x, z).
func (p *Propagator[B]) Source(x, z int32) int {
	s := p.sectionAt(x>>SectionShift, z>>SectionShift)
	if s == nil {
		return 0
	}
	return int(s.levels[localIndex(x, z)] >> 8)
}

// SectionCount returns the number of live sections.
func (p *Propagator[B]) SectionCount() int { return p.sections.Size() }

// PerformUpdate applies the pending changes of one section. The caller must
// hold the ticket lock for the sections in radius one around it. The queue
// entry for the section, if any, stays queued and later becomes a no-op.
func (p *Propagator[B]) PerformUpdate(ctx context.Context, sectionX, sectionZ int32, schedulingLock *arealock.AreaLock, batch B) bool {
	if !p.HasPendingUpdates() {
		return false
	}
	s := p.sectionAt(sectionX, sectionZ)
	if s == nil || len(s.queued) == 0 {
		return false
	}
	f := p.floods.Get().(*flood)
	defer p.floods.Put(f)
	return p.performUpdate(ctx, s, nil, f, nil, schedulingLock, batch)
}

// PerformUpdates drains every update queued before the call, running
// section updates whose lock ranges do not intersect in parallel with other
// callers.
func (p *Propagator[B]) PerformUpdates(ctx context.Context, ticketLock, schedulingLock *arealock.AreaLock, batch B) bool {
	if p.queue.isEmpty() {
		return false
	}
	maxOrder := p.queue.getLastOrder()
	updated := false
	var f *flood
	defer func() {
		if f != nil {
			p.floods.Put(f)
		}
	}()
	for {
		node, s := p.queue.acquireNextOrWait(maxOrder)
		if node == nil {
			if !p.queue.hasRemainingUpdates(maxOrder) {
				return updated
			}
			continue
		}
		if f == nil {
			f = p.floods.Get().(*flood)
		}
		if p.performUpdate(ctx, s, node, f, ticketLock, schedulingLock, batch) {
			updated = true
		}
	}
}

func (p *Propagator[B]) performUpdate(ctx context.Context, s *section, node *updateNode, f *flood,
	ticketLock, schedulingLock *arealock.AreaLock, batch B) bool {
	sx, sz := s.x, s.z
	rad1MinX := (sx - 1) << SectionShift
	rad1MinZ := (sz - 1) << SectionShift
	rad1MaxX := ((sx + 1) << SectionShift) | sectionMask
	rad1MaxZ := ((sz + 1) << SectionShift) | sectionMask

	f.setup(sx, sz)

	var ticketNode *arealock.Node
	if ticketLock != nil {
		ticketNode = ticketLock.Lock(ctx, rad1MinX, rad1MinZ, rad1MaxX, rad1MaxZ)
	}
	changed, stolen := func() (bool, bool) {
		if ticketNode != nil {
			defer ticketLock.Unlock(ctx, ticketNode)
		}
		if current := p.sectionAt(sx, sz); current != s {
			// a concurrent update removed this section; any newer queued
			// update refers to the replacement
			return false, true
		}
		p.applySources(s, f)
		newSources := len(s.sources)
		if f.hasWork() {
			f.loadWindow(p, sx, sz)
			f.performDecrease()
			f.release()
		}
		if newSources == 0 {
			p.releaseNeighbours(s, f.oldSources)
		}
		if f.updates.Len() == 0 {
			return false, false
		}
		p.hooks.ProcessLevelUpdates(ctx, f.updates)
		if f.updates.Len() > 0 {
			r := p.schedulingRadius
			schedNode := schedulingLock.Lock(ctx, rad1MinX-r, rad1MinZ-r, rad1MaxX+r, rad1MaxZ+r)
			func() {
				defer schedulingLock.Unlock(ctx, schedNode)
				p.hooks.ProcessSchedulingUpdates(ctx, f.updates, batch)
			}()
		}
		f.updates.Clear()
		return true, false
	}()
	if node != nil {
		p.queue.remove(node)
	}
	if stolen {
		return false
	}
	return changed
}

// applySources moves the section's queued source changes into its cells and
// seeds the flood queues.
func (p *Propagator[B]) applySources(s *section, f *flood) {
	f.oldSources = len(s.sources)
	baseX, baseZ := s.x<<SectionShift, s.z<<SectionShift
	for _, idx := range s.queuedOrder {
		newSource, ok := s.queued[idx]
		if !ok {
			continue
		}
		x := baseX | int32(idx&sectionMask)
		z := baseZ | int32(idx>>SectionShift)
		enc := s.levels[idx]
		currLevel := uint8(enc)
		prevSource := uint8(enc >> 8)
		if prevSource == newSource {
			continue
		}
		if (prevSource < currLevel && newSource <= currLevel) || newSource == currLevel {
			// the level is held up by another source, only the source changes
			s.levels[idx] = uint16(currLevel) | uint16(newSource)<<8
		} else {
			s.levels[idx] = uint16(newSource) | uint16(newSource)<<8
			f.updates.Put(coord.Key(x, z), newSource)
			wx, wz := f.toWindow(x, z)
			if newSource != 0 {
				f.increase = append(f.increase, encode(wx, wz, newSource, 0))
			}
			if newSource < currLevel {
				f.decrease = append(f.decrease, encode(wx, wz, currLevel, 0))
			}
		}
		if newSource == 0 {
			delete(s.sources, idx)
		} else if prevSource == 0 {
			s.sources[idx] = struct{}{}
		}
	}
	s.clearQueued()

	if f.oldSources == 0 && len(s.sources) != 0 {
		for dz := int32(-1); dz <= 1; dz++ {
			for dx := int32(-1); dx <= 1; dx++ {
				if dx == 0 && dz == 0 {
					continue
				}
				nx, nz := s.x+dx, s.z+dz
				n := p.loadOrCreate(nx, nz)
				n.oneRadNeighboursWithSources++
				if n.oneRadNeighboursWithSources <= 0 || n.oneRadNeighboursWithSources > 8 {
					panic(fmt.Sprintf("propagator: section (%d,%d) neighbour count %d", nx, nz, n.oneRadNeighboursWithSources))
				}
			}
		}
	}
}

// releaseNeighbours runs when s has no sources left: it drops the reference
// s held on its neighbours and evicts every section in the 3x3 area that no
// longer has sources, pending changes or referencing neighbours.
func (p *Propagator[B]) releaseNeighbours(s *section, oldSources int) {
	decrement := oldSources != 0
	for dz := int32(-1); dz <= 1; dz++ {
		for dx := int32(-1); dx <= 1; dx++ {
			self := dx == 0 && dz == 0
			key := coord.Key(s.x+dx, s.z+dz)
			n, ok := p.sections.Load(key)
			if !ok {
				if oldSources == 0 && !self {
					continue
				}
				panic(fmt.Sprintf("propagator: missing section (%d,%d) next to (%d,%d)", s.x+dx, s.z+dz, s.x, s.z))
			}
			if decrement && !self {
				n.oneRadNeighboursWithSources--
			}
			switch {
			case n.oneRadNeighboursWithSources == 0:
				if len(n.queued) == 0 && len(n.sources) == 0 {
					p.sections.Delete(key)
				}
			case n.oneRadNeighboursWithSources < 0 || n.oneRadNeighboursWithSources > 8:
				panic(fmt.Sprintf("propagator: section (%d,%d) neighbour count %d", n.x, n.z, n.oneRadNeighboursWithSources))
			}
		}
	}
}
