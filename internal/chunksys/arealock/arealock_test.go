package arealock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDisjointRangesDoNotBlock(t *testing.T) {
	l := New(4)
	ctxA := WithOwner(context.Background())
	ctxB := WithOwner(context.Background())

	a := l.Lock(ctxA, 0, 0, 15, 15)
	done := make(chan *Node, 1)
	go func() { done <- l.Lock(ctxB, 16, 0, 31, 15) }()

	select {
	case b := <-done:
		l.Unlock(ctxB, b)
	case <-time.After(2 * time.Second):
		t.Fatal("disjoint lock blocked")
	}
	l.Unlock(ctxA, a)
	require.Equal(t, 0, l.HeldShards())
}

func TestOverlappingRangesSerialize(t *testing.T) {
	l := New(4)
	ctxA := WithOwner(context.Background())
	ctxB := WithOwner(context.Background())

	a := l.LockRadius(ctxA, 8, 8, 2)
	acquired := make(chan *Node, 1)
	go func() { acquired <- l.Lock(ctxB, 0, 0, 40, 40) }()

	select {
	case <-acquired:
		t.Fatal("overlapping lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	l.Unlock(ctxA, a)

	select {
	case b := <-acquired:
		require.True(t, l.IsHeld(ctxB, 0, 0, 40, 40))
		require.False(t, l.IsHeldPoint(ctxA, 8, 8))
		l.Unlock(ctxB, b)
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never acquired")
	}
}

func TestWaitingWideLockDoesNotReserveRange(t *testing.T) {
	l := New(4)
	ctxA := WithOwner(context.Background())
	ctxB := WithOwner(context.Background())
	ctxWide := WithOwner(context.Background())

	a := l.LockPoint(ctxA, 0, 0)
	acquired := make(chan *Node, 1)
	go func() { acquired <- l.Lock(ctxWide, 0, 0, 63, 63) }()
	time.Sleep(20 * time.Millisecond)

	// waiters are not queued, so a later point lock inside the range wins
	pointDone := make(chan *Node, 1)
	go func() { pointDone <- l.LockPoint(ctxB, 40, 40) }()
	var b *Node
	select {
	case b = <-pointDone:
	case <-time.After(2 * time.Second):
		t.Fatal("point lock blocked behind a waiting range lock")
	}

	l.Unlock(ctxA, a)
	select {
	case <-acquired:
		t.Fatal("range lock acquired while a point inside it is held")
	case <-time.After(50 * time.Millisecond):
	}
	l.Unlock(ctxB, b)

	select {
	case w := <-acquired:
		l.Unlock(ctxWide, w)
	case <-time.After(2 * time.Second):
		t.Fatal("range lock never acquired")
	}
	require.Equal(t, 0, l.HeldShards())
}

func TestReentrantNestedLock(t *testing.T) {
	l := New(4)
	ctx := WithOwner(context.Background())

	outer := l.Lock(ctx, 0, 0, 15, 15)
	inner := l.Lock(ctx, 0, 0, 31, 15)
	require.False(t, outer.Reentrant())
	require.False(t, inner.Reentrant(), "inner claimed the second shard")
	point := l.LockPoint(ctx, 3, 3)
	require.True(t, point.Reentrant())

	l.Unlock(ctx, point)
	l.Unlock(ctx, inner)
	require.True(t, l.IsHeldPoint(ctx, 3, 3))
	require.False(t, l.IsHeldPoint(ctx, 20, 3))
	l.Unlock(ctx, outer)
	require.Equal(t, 0, l.HeldShards())
}

func TestDoubleUnlockPanics(t *testing.T) {
	l := New(4)
	ctx := WithOwner(context.Background())
	n := l.LockPoint(ctx, 1, 1)
	l.Unlock(ctx, n)
	require.Panics(t, func() { l.Unlock(ctx, n) })
}

func TestUnlockFromOtherOwnerPanics(t *testing.T) {
	l := New(4)
	ctx := WithOwner(context.Background())
	n := l.LockPoint(ctx, 1, 1)
	require.Panics(t, func() { l.Unlock(WithOwner(context.Background()), n) })
	l.Unlock(ctx, n)
}

func TestLockOrderViolationPanics(t *testing.T) {
	ticket := New(4, WithName("ticket"), WithRank(0))
	sched := New(4, WithName("scheduling"), WithRank(1))
	ctx := WithOwner(context.Background())

	tn := ticket.LockPoint(ctx, 0, 0)
	sn := sched.LockPoint(ctx, 0, 0)

	// Reentrant acquisition of an already held ticket range is allowed.
	again := ticket.LockPoint(ctx, 0, 0)
	ticket.Unlock(ctx, again)

	require.Panics(t, func() { ticket.LockPoint(ctx, 100, 100) })
	require.Equal(t, 1, ticket.HeldShards(), "panicking lock call rolled back its claims")

	sched.Unlock(ctx, sn)
	ticket.Unlock(ctx, tn)
}

func TestTryLock(t *testing.T) {
	l := New(4)
	ctxA := WithOwner(context.Background())
	ctxB := WithOwner(context.Background())
	a := l.LockPoint(ctxA, 0, 0)

	_, ok := l.TryLock(ctxB, -5, -5, 5, 5)
	require.False(t, ok)
	require.Equal(t, 1, l.HeldShards())

	l.Unlock(ctxA, a)
	b, ok := l.TryLock(ctxB, -5, -5, 5, 5)
	require.True(t, ok)
	l.Unlock(ctxB, b)
}

func TestContendedCounter(t *testing.T) {
	l := New(2)
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int32) {
			defer wg.Done()
			ctx := WithOwner(context.Background())
			for j := 0; j < 200; j++ {
				n := l.LockRadius(ctx, i, -i, 8)
				counter++
				l.Unlock(ctx, n)
			}
		}(int32(i))
	}
	wg.Wait()
	require.Equal(t, 1600, counter)
	require.Equal(t, 0, l.HeldShards())
}
