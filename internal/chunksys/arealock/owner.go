package arealock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

var ownerIDs atomic.Uint64

// Owner identifies the holder of area locks. A goroutine attaches one Owner
// to its context with WithOwner; locks acquired through that context are
// reentrant for it.
type Owner struct {
	id        uint64
	anonymous bool

	mu   sync.Mutex
	held map[*AreaLock]int
}

type ownerKey struct{}

func newOwner(anonymous bool) *Owner {
	return &Owner{id: ownerIDs.Add(1), anonymous: anonymous, held: map[*AreaLock]int{}}
}

// WithOwner returns ctx carrying a lock owner. If ctx already carries one it
// is returned unchanged.
func WithOwner(ctx context.Context) context.Context {
	if OwnerFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, newOwner(false))
}

// WithNewOwner always attaches a fresh owner, detaching the result from any
// locks held through ctx.
func WithNewOwner(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, newOwner(false))
}

func OwnerFrom(ctx context.Context) *Owner {
	if ctx == nil {
		return nil
	}
	o, _ := ctx.Value(ownerKey{}).(*Owner)
	return o
}

func (o *Owner) ID() uint64 { return o.id }

func (o *Owner) String() string { return fmt.Sprintf("owner#%d", o.id) }

// checkOrder panics when l ranks below a lock the owner currently holds.
func (o *Owner) checkOrder(l *AreaLock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for other, n := range o.held {
		if n > 0 && other != l && other.rank > l.rank {
			panic(fmt.Sprintf("arealock: %s acquiring %q (rank %d) while holding %q (rank %d)", o, l.name, l.rank, other.name, other.rank))
		}
	}
}

func (o *Owner) acquired(l *AreaLock) {
	o.mu.Lock()
	o.held[l]++
	o.mu.Unlock()
}

func (o *Owner) released(l *AreaLock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.held[l] - 1
	if n < 0 {
		panic(fmt.Sprintf("arealock: %s released %q more times than acquired", o, l.name))
	}
	if n == 0 {
		delete(o.held, l)
	} else {
		o.held[l] = n
	}
}

// Holds reports whether the owner holds any node of l.
func (o *Owner) Holds(l *AreaLock) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.held[l] > 0
}
