// Package arealock implements a reentrant lock over rectangular ranges of
// the chunk grid. The plane is divided into square shards of 1<<shift chunks;
// a lock claims every shard its range touches, all or nothing.
package arealock

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"voxelcraft.ai/chunksys/internal/coord"
)

type AreaLock struct {
	name   string
	shift  uint
	rank   int
	shards *xsync.Map[int64, *Node]
}

type Option func(*AreaLock)

// WithRank orders locks: an owner holding a lock of rank r may not acquire
// new shards of a lock with a lower rank.
func WithRank(rank int) Option { return func(l *AreaLock) { l.rank = rank } }

func WithName(name string) Option { return func(l *AreaLock) { l.name = name } }

func New(shift uint, opts ...Option) *AreaLock {
	l := &AreaLock{name: "area", shift: shift, shards: xsync.NewMap[int64, *Node]()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *AreaLock) Shift() uint  { return l.shift }
func (l *AreaLock) Name() string { return l.name }
func (l *AreaLock) Rank() int    { return l.rank }

// Node is one successful lock call. Shards already held by the same owner are
// not claimed again, so unlocking a nested node releases only what it added.
type Node struct {
	lock     *AreaLock
	owner    *Owner
	claimed  []int64
	done     chan struct{}
	unlocked atomic.Bool

	MinX, MinZ, MaxX, MaxZ int32
}

func (n *Node) Owner() *Owner { return n.owner }

// Reentrant reports whether the node claimed no shard of its own.
func (n *Node) Reentrant() bool { return len(n.claimed) == 0 }

func (n *Node) String() string {
	return fmt.Sprintf("%s[%d,%d..%d,%d] by %s", n.lock.name, n.MinX, n.MinZ, n.MaxX, n.MaxZ, n.owner)
}

func ownerOrAnonymous(ctx context.Context) *Owner {
	if o := OwnerFrom(ctx); o != nil {
		return o
	}
	return newOwner(true)
}

// Lock blocks until the chunk range [minX..maxX]x[minZ..maxZ] is held by the
// owner carried in ctx. The wait is not interrupted by ctx cancellation.
// Waiters are not queued: a waiter holds no shards and retries once the
// conflicting node is released, so smaller locks may keep overtaking it.
func (l *AreaLock) Lock(ctx context.Context, minX, minZ, maxX, maxZ int32) *Node {
	owner := ownerOrAnonymous(ctx)
	for {
		node, conflict := l.tryClaim(owner, minX, minZ, maxX, maxZ)
		if conflict == nil {
			return node
		}
		<-conflict.done
	}
}

func (l *AreaLock) LockPoint(ctx context.Context, x, z int32) *Node {
	return l.Lock(ctx, x, z, x, z)
}

func (l *AreaLock) LockRadius(ctx context.Context, x, z, radius int32) *Node {
	return l.Lock(ctx, x-radius, z-radius, x+radius, z+radius)
}

// TryLock acquires the range only if no other owner holds any part of it.
func (l *AreaLock) TryLock(ctx context.Context, minX, minZ, maxX, maxZ int32) (*Node, bool) {
	node, conflict := l.tryClaim(ownerOrAnonymous(ctx), minX, minZ, maxX, maxZ)
	return node, conflict == nil
}

func (l *AreaLock) tryClaim(owner *Owner, minX, minZ, maxX, maxZ int32) (*Node, *Node) {
	if minX > maxX || minZ > maxZ {
		panic(fmt.Sprintf("arealock: empty range [%d,%d..%d,%d]", minX, minZ, maxX, maxZ))
	}
	node := &Node{
		lock: l, owner: owner, done: make(chan struct{}),
		MinX: minX, MinZ: minZ, MaxX: maxX, MaxZ: maxZ,
	}
	sx0, sz0 := coord.Shard(minX, l.shift), coord.Shard(minZ, l.shift)
	sx1, sz1 := coord.Shard(maxX, l.shift), coord.Shard(maxZ, l.shift)

	var conflict *Node
claim:
	for sz := sz0; sz <= sz1; sz++ {
		for sx := sx0; sx <= sx1; sx++ {
			key := coord.Key(sx, sz)
			prev, loaded := l.shards.LoadOrStore(key, node)
			if !loaded {
				node.claimed = append(node.claimed, key)
				continue
			}
			if prev.owner == owner {
				continue
			}
			conflict = prev
			break claim
		}
	}

	if conflict == nil && len(node.claimed) > 0 {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.release(node)
					panic(r)
				}
			}()
			owner.checkOrder(l)
		}()
	}
	if conflict != nil {
		l.release(node)
		return nil, conflict
	}
	owner.acquired(l)
	return node, nil
}

func (l *AreaLock) release(node *Node) {
	for _, key := range node.claimed {
		l.shards.Delete(key)
	}
	node.claimed = nil
	close(node.done)
}

// Unlock releases node. Unlocking twice, or through a context carrying a
// different owner, panics.
func (l *AreaLock) Unlock(ctx context.Context, node *Node) {
	if node == nil {
		panic("arealock: unlock of nil node")
	}
	if node.lock != l {
		panic(fmt.Sprintf("arealock: node %s unlocked through %q", node, l.name))
	}
	if !node.owner.anonymous && OwnerFrom(ctx) != node.owner {
		panic(fmt.Sprintf("arealock: node %s unlocked by %v", node, OwnerFrom(ctx)))
	}
	if !node.unlocked.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("arealock: double unlock of %s", node))
	}
	node.owner.released(l)
	l.release(node)
}

// IsHeld reports whether every shard covering the range is held by the owner
// of ctx.
func (l *AreaLock) IsHeld(ctx context.Context, minX, minZ, maxX, maxZ int32) bool {
	owner := OwnerFrom(ctx)
	if owner == nil {
		return false
	}
	sx0, sz0 := coord.Shard(minX, l.shift), coord.Shard(minZ, l.shift)
	sx1, sz1 := coord.Shard(maxX, l.shift), coord.Shard(maxZ, l.shift)
	for sz := sz0; sz <= sz1; sz++ {
		for sx := sx0; sx <= sx1; sx++ {
			n, ok := l.shards.Load(coord.Key(sx, sz))
			if !ok || n.owner != owner {
				return false
			}
		}
	}
	return true
}

func (l *AreaLock) IsHeldPoint(ctx context.Context, x, z int32) bool {
	return l.IsHeld(ctx, x, z, x, z)
}

func (l *AreaLock) IsHeldRadius(ctx context.Context, x, z, radius int32) bool {
	return l.IsHeld(ctx, x-radius, z-radius, x+radius, z+radius)
}

// HeldShards returns the number of shards currently claimed by any owner.
func (l *AreaLock) HeldShards() int { return l.shards.Size() }
