package executor

import (
	"context"
	"fmt"
	"sync"
)

// Pool runs a fixed number of worker goroutines draining one Queue.
type Pool struct {
	name    string
	workers int
	queue   *Queue

	// OnPanic receives values recovered from panicking tasks. The worker
	// keeps running afterwards.
	OnPanic func(pool string, recovered any)

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewPool(name string, workers int, queue *Queue) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{name: name, workers: workers, queue: queue}
}

func (p *Pool) Name() string  { return p.name }
func (p *Pool) Workers() int  { return p.workers }
func (p *Pool) Queue() *Queue { return p.queue }

func (p *Pool) Start() {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
	})
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		if p.runOne() {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Signal():
		}
	}
}

func (p *Pool) runOne() (ran bool) {
	defer func() {
		if r := recover(); r != nil {
			ran = true
			if p.OnPanic != nil {
				p.OnPanic(p.name, r)
				return
			}
			panic(fmt.Sprintf("executor: task in pool %s panicked: %v", p.name, r))
		}
	}()
	return p.queue.ExecuteTask()
}

// Close stops the workers after their current task and waits for them until
// ctx expires. Queued tasks are left in the queue.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: pool %s close: %w", p.name, ctx.Err())
	}
}
