package scheduling

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"voxelcraft.ai/chunksys/internal/coord"
)

// unloadQueue holds the holders that are safe to unload, grouped by lock
// shard and ordered by when each shard first received a holder. Writes for
// one shard happen under the scheduling lock of that shard.
type unloadQueue struct {
	shift    uint
	order    atomic.Int64
	sections *xsync.Map[int64, *unloadSection]
}

type unloadSection struct {
	order int64

	mu     sync.Mutex
	chunks []int64
	index  map[int64]int
}

type sectionRef struct {
	x, z  int32
	order int64
	count int
}

func newUnloadQueue(shift uint) *unloadQueue {
	return &unloadQueue{shift: shift, sections: xsync.NewMap[int64, *unloadSection]()}
}

func (q *unloadQueue) sectionKey(x, z int32) int64 {
	return coord.Key(coord.Shard(x, q.shift), coord.Shard(z, q.shift))
}

func (q *unloadQueue) add(x, z int32) bool {
	key := q.sectionKey(x, z)
	s, ok := q.sections.Load(key)
	if !ok {
		s = &unloadSection{order: q.order.Add(1) - 1, index: make(map[int64]int)}
		q.sections.Store(key, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := coord.Key(x, z)
	if _, dup := s.index[ck]; dup {
		return false
	}
	s.index[ck] = len(s.chunks)
	s.chunks = append(s.chunks, ck)
	return true
}

func (q *unloadQueue) remove(x, z int32) bool {
	key := q.sectionKey(x, z)
	s, ok := q.sections.Load(key)
	if !ok {
		return false
	}
	s.mu.Lock()
	ck := coord.Key(x, z)
	i, found := s.index[ck]
	if !found {
		s.mu.Unlock()
		return false
	}
	s.chunks = slices.Delete(s.chunks, i, i+1)
	delete(s.index, ck)
	for j := i; j < len(s.chunks); j++ {
		s.index[s.chunks[j]] = j
	}
	empty := len(s.chunks) == 0
	s.mu.Unlock()
	if empty {
		q.sections.Delete(key)
	}
	return true
}

// pollFirst removes up to n coordinates from the front of a section.
func (s *unloadSection) pollFirst(n int) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n = min(n, len(s.chunks))
	out := slices.Clone(s.chunks[:n])
	s.chunks = slices.Delete(s.chunks, 0, n)
	for _, k := range out {
		delete(s.index, k)
	}
	for j, k := range s.chunks {
		s.index[k] = j
	}
	return out
}

func (s *unloadSection) all() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chunks)
}

func (s *unloadSection) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (q *unloadQueue) section(x, z int32) *unloadSection {
	s, _ := q.sections.Load(coord.Key(x, z))
	return s
}

func (q *unloadQueue) removeSection(x, z int32) {
	q.sections.Delete(coord.Key(x, z))
}

// retrieve lists the sections in insertion order.
func (q *unloadQueue) retrieve() []sectionRef {
	var out []sectionRef
	q.sections.Range(func(key int64, s *unloadSection) bool {
		out = append(out, sectionRef{x: coord.X(key), z: coord.Z(key), order: s.order, count: s.size()})
		return true
	})
	slices.SortFunc(out, func(a, b sectionRef) int { return cmp.Compare(a.order, b.order) })
	return out
}
