package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueRunsByPriorityThenFIFO(t *testing.T) {
	q := NewQueue("test")
	var order []string
	add := func(name string, p Priority) Task {
		return q.QueueTask(func() { order = append(order, name) }, p)
	}
	add("low-1", Low)
	add("normal-1", Normal)
	add("low-2", Low)
	add("blocking", Blocking)
	add("normal-2", Normal)

	require.Equal(t, 5, q.Len())
	require.Equal(t, 5, q.Drain())
	require.Equal(t, []string{"blocking", "normal-1", "normal-2", "low-1", "low-2"}, order)
	require.Equal(t, 0, q.Len())
}

func TestQueuePriorityChangeMovesTask(t *testing.T) {
	q := NewQueue("test")
	var order []string
	a := q.QueueTask(func() { order = append(order, "a") }, Normal)
	q.QueueTask(func() { order = append(order, "b") }, Normal)
	c := q.QueueTask(func() { order = append(order, "c") }, Idle)

	require.True(t, c.RaisePriority(Highest))
	require.True(t, a.LowerPriority(Lowest))
	require.True(t, a.RaisePriority(Lowest), "already at least as urgent")
	require.Equal(t, Lowest, a.Priority())
	require.Equal(t, 3, q.Len())

	q.Drain()
	require.Equal(t, []string{"c", "b", "a"}, order)
}

func TestQueueCancelAndExecute(t *testing.T) {
	q := NewQueue("test")
	var ran atomic.Int32
	a := q.QueueTask(func() { ran.Add(1) }, Normal)
	b := q.QueueTask(func() { ran.Add(10) }, Normal)

	require.True(t, a.Cancel())
	require.False(t, a.Cancel())
	require.False(t, a.Execute())
	require.False(t, a.Queue())
	require.Equal(t, Completing, a.Priority())

	require.True(t, b.Execute())
	require.False(t, b.Cancel())
	require.False(t, q.ExecuteTask())
	require.Equal(t, int32(10), ran.Load())
	require.False(t, b.SetPriority(Normal))
}

func TestPoolDrainsQueue(t *testing.T) {
	q := NewQueue("pool")
	p := NewPool("pool", 4, q)
	p.Start()
	defer func() { require.NoError(t, p.Close(context.Background())) }()

	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		q.QueueTask(func() {
			defer wg.Done()
			n.Add(1)
		}, Priority(i%Schedulable))
	}
	waitTimeout(t, &wg, 5*time.Second)
	require.Equal(t, int32(100), n.Load())
}

func TestPoolRecoversPanics(t *testing.T) {
	q := NewQueue("pool")
	p := NewPool("pool", 1, q)
	recovered := make(chan any, 1)
	p.OnPanic = func(_ string, r any) { recovered <- r }
	p.Start()
	defer p.Close(context.Background())

	q.QueueTask(func() { panic("boom") }, Normal)
	done := make(chan struct{})
	q.QueueTask(func() { close(done) }, Normal)

	select {
	case r := <-recovered:
		require.Equal(t, "boom", r)
	case <-time.After(5 * time.Second):
		t.Fatal("panic not reported")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker stopped after panic")
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for tasks")
	}
}
