package executor

import (
	"sync"
	"sync/atomic"
)

// Queue is a prioritised FIFO task queue. Tasks of the same priority run in
// submission order; more urgent priorities always run first.
type Queue struct {
	name string

	mu      sync.Mutex
	buckets [Schedulable][]*entry
	queued  int
	notify  chan struct{}

	executed atomic.Int64
}

// entry is a queue slot. A priority change abandons the old slot and appends
// a new one, so stale entries are skipped on poll.
type entry struct {
	task  *queueTask
	stale bool
}

func NewQueue(name string) *Queue {
	return &Queue{name: name, notify: make(chan struct{}, 1)}
}

func (q *Queue) Name() string { return q.name }

// Len returns the number of tasks currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued
}

// Executed returns the number of tasks run through ExecuteTask.
func (q *Queue) Executed() int64 { return q.executed.Load() }

// Signal is ready whenever tasks may be available.
func (q *Queue) Signal() <-chan struct{} { return q.notify }

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) CreateTask(fn func(), priority Priority) Task {
	mustValid(priority)
	return &queueTask{q: q, fn: fn, priority: priority}
}

// QueueTask creates and queues a task.
func (q *Queue) QueueTask(fn func(), priority Priority) Task {
	t := q.CreateTask(fn, priority)
	t.Queue()
	return t
}

// ExecuteTask runs the most urgent queued task on the calling goroutine and
// reports whether one ran.
func (q *Queue) ExecuteTask() bool {
	q.mu.Lock()
	t := q.pollLocked()
	if t == nil {
		q.mu.Unlock()
		return false
	}
	fn := t.fn
	t.fn = nil
	t.priority = Completing
	t.slot = nil
	more := q.queued > 0
	q.mu.Unlock()

	if more {
		q.wake()
	}
	q.executed.Add(1)
	fn()
	return true
}

// Drain runs queued tasks until the queue is empty and returns how many ran.
func (q *Queue) Drain() int {
	n := 0
	for q.ExecuteTask() {
		n++
	}
	return n
}

func (q *Queue) pollLocked() *queueTask {
	for p := range q.buckets {
		bucket := q.buckets[p]
		for len(bucket) > 0 {
			e := bucket[0]
			bucket[0] = nil
			bucket = bucket[1:]
			if e.stale {
				continue
			}
			q.buckets[p] = bucket
			q.queued--
			return e.task
		}
		q.buckets[p] = bucket[:0:0]
	}
	return nil
}

func (q *Queue) pushLocked(t *queueTask) {
	e := &entry{task: t}
	t.slot = e
	q.buckets[t.priority] = append(q.buckets[t.priority], e)
}

type queueTask struct {
	q *Queue

	// guarded by q.mu
	fn       func()
	priority Priority
	slot     *entry
}

func (t *queueTask) Queue() bool {
	t.q.mu.Lock()
	if t.slot != nil || t.priority == Completing {
		t.q.mu.Unlock()
		return false
	}
	t.q.pushLocked(t)
	t.q.queued++
	t.q.mu.Unlock()
	t.q.wake()
	return true
}

func (t *queueTask) Cancel() bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.priority == Completing {
		return false
	}
	t.priority = Completing
	t.fn = nil
	t.unslotLocked()
	return true
}

func (t *queueTask) Execute() bool {
	t.q.mu.Lock()
	if t.priority == Completing {
		t.q.mu.Unlock()
		return false
	}
	fn := t.fn
	t.fn = nil
	t.priority = Completing
	t.unslotLocked()
	t.q.mu.Unlock()
	fn()
	return true
}

func (t *queueTask) unslotLocked() {
	if t.slot != nil {
		t.slot.stale = true
		t.slot = nil
		t.q.queued--
	}
}

func (t *queueTask) Priority() Priority {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.priority
}

func (t *queueTask) SetPriority(p Priority) bool {
	return t.updatePriority(p, func(cur Priority) bool { return cur == p })
}

func (t *queueTask) RaisePriority(p Priority) bool {
	return t.updatePriority(p, func(cur Priority) bool { return cur.IsHigherOrEqual(p) })
}

func (t *queueTask) LowerPriority(p Priority) bool {
	return t.updatePriority(p, func(cur Priority) bool { return cur.IsLowerOrEqual(p) })
}

// updatePriority moves the task to p unless keep reports its current
// priority already satisfies the request.
func (t *queueTask) updatePriority(p Priority, keep func(Priority) bool) bool {
	mustValid(p)
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.priority == Completing {
		return false
	}
	if keep(t.priority) {
		return true
	}
	t.priority = p
	if t.slot != nil {
		t.slot.stale = true
		t.q.pushLocked(t)
	}
	return true
}
