package executor

import (
	"container/heap"
	"fmt"
	"sync"

	"voxelcraft.ai/chunksys/internal/coord"
)

// RadiusAware admits tasks to an underlying Queue so that no two tasks whose
// square footprints overlap run at the same time. Each priority has its own
// dependency tree; only one tree, the most urgent one with runnable work,
// feeds the queue at a time.
type RadiusAware struct {
	mu            sync.Mutex
	trees         [Schedulable]*dependencyTree
	selected      int
	canQueueTasks bool
}

const noTreeSelected = -1

// NewRadiusAware returns an executor submitting at most maxToSchedule
// concurrent tasks per tree to queue.
func NewRadiusAware(queue *Queue, maxToSchedule int) *RadiusAware {
	if maxToSchedule <= 0 {
		maxToSchedule = 1
	}
	r := &RadiusAware{selected: noTreeSelected, canQueueTasks: true}
	for i := range r.trees {
		r.trees[i] = &dependencyTree{
			exec:          r,
			queue:         queue,
			maxToSchedule: maxToSchedule,
			nodeByPos:     map[int64]*dependencyNode{},
		}
	}
	return r
}

// CreateTask returns an unqueued task occupying the square of the given
// radius around (x, z).
func (r *RadiusAware) CreateTask(x, z, radius int32, fn func(), priority Priority) Task {
	if radius < 0 {
		panic(fmt.Sprintf("executor: negative radius %d", radius))
	}
	mustValid(priority)
	return &radiusTask{exec: r, x: x, z: z, radius: radius, fn: fn, priority: priority}
}

// CreateInfiniteTask returns a task that runs exclusively within its tree.
func (r *RadiusAware) CreateInfiniteTask(fn func(), priority Priority) Task {
	mustValid(priority)
	return &radiusTask{exec: r, radius: -1, fn: fn, priority: priority}
}

func (r *RadiusAware) QueueTask(x, z, radius int32, fn func(), priority Priority) Task {
	t := r.CreateTask(x, z, radius, fn, priority)
	t.Queue()
	return t
}

// Stats is a snapshot of the trees for diagnostics.
type Stats struct {
	Selected  int   `json:"selected"`
	Executing []int `json:"executing"`
	Awaiting  []int `json:"awaiting"`
}

func (r *RadiusAware) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Selected: r.selected}
	for _, t := range r.trees {
		s.Executing = append(s.Executing, t.executing)
		s.Awaiting = append(s.Awaiting, t.awaiting.Len()+t.infinite.Len())
	}
	return s
}

// treeFinished selects the most urgent tree that can push work.
func (r *RadiusAware) treeFinished() []Task {
	r.canQueueTasks = true
	for i, tree := range r.trees {
		if !tree.hasWaitingTasks() {
			continue
		}
		// A tree whose waiting nodes were all purged pushes nothing and must
		// not stay selected, since only a completion unselects it.
		if pushed := tree.tryPushTasks(); len(pushed) > 0 {
			r.selected = i
			return pushed
		}
	}
	r.selected = noTreeSelected
	return nil
}

func (r *RadiusAware) queueLocked(t *radiusTask, p Priority) []Task {
	tree := r.trees[p]
	node := &dependencyNode{task: t, tree: tree, id: tree.nextID()}
	if t.node != nil {
		panic("executor: task already has a dependency node")
	}
	t.node = node
	tree.pushNode(node)

	idx := int(p)
	if r.selected == noTreeSelected {
		r.canQueueTasks = true
		r.selected = idx
		return tree.tryPushTasks()
	}
	if !r.canQueueTasks {
		return nil
	}
	if idx < r.selected {
		// stop the less urgent tree from admitting more work
		r.canQueueTasks = false
		return nil
	}
	if idx == r.selected {
		return tree.tryPushTasks()
	}
	return nil
}

type dependencyNode struct {
	task *radiusTask
	tree *dependencyTree
	id   uint64

	children []*dependencyNode
	// zero parents means the node is awaiting admission
	parents int
	purged  bool
	index   int
}

type nodeHeap []*dependencyNode

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return h[i].id < h[j].id }
func (h nodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *nodeHeap) Push(x any) {
	n := x.(*dependencyNode)
	n.index = len(*h)
	*h = append(*h, n)
}
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return n
}
func (h nodeHeap) peek() *dependencyNode {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// dependencyTree is guarded by the owning RadiusAware's mutex.
type dependencyTree struct {
	exec          *RadiusAware
	queue         *Queue
	maxToSchedule int

	executing      int
	ids            uint64
	awaiting       nodeHeap
	infinite       nodeHeap
	infiniteActive bool
	nodeByPos      map[int64]*dependencyNode
}

func (t *dependencyTree) nextID() uint64 {
	id := t.ids
	t.ids++
	return id
}

func (t *dependencyTree) hasWaitingTasks() bool {
	return t.awaiting.Len() > 0 || t.infinite.Len() > 0
}

func (t *dependencyTree) pushNode(n *dependencyNode) {
	task := n.task
	if !task.finite() {
		heap.Push(&t.infinite, n)
		return
	}
	var parents map[*dependencyNode]struct{}
	for z := task.z - task.radius; z <= task.z+task.radius; z++ {
		for x := task.x - task.radius; x <= task.x+task.radius; x++ {
			key := coord.Key(x, z)
			dep := t.nodeByPos[key]
			t.nodeByPos[key] = n
			if dep == nil {
				continue
			}
			if parents == nil {
				parents = map[*dependencyNode]struct{}{}
			}
			if _, ok := parents[dep]; !ok {
				parents[dep] = struct{}{}
				dep.children = append(dep.children, n)
			}
		}
	}
	if parents == nil {
		heap.Push(&t.awaiting, n)
		return
	}
	n.parents = len(parents)
}

// returnNode is called once a pushed task finished or was cancelled in the
// underlying queue.
func (t *dependencyTree) returnNode(n *dependencyNode) []Task {
	t.pushChildren(n)
	if n.task.finite() {
		t.removeFromMap(n)
	} else {
		if !t.infiniteActive {
			panic("executor: infinite task returned while none scheduled")
		}
		t.infiniteActive = false
	}
	t.executing--
	if t.executing == 0 {
		return t.exec.treeFinished()
	}
	if t.exec.canQueueTasks {
		return t.tryPushTasks()
	}
	return nil
}

func (t *dependencyTree) tryPushTasks() []Task {
	var out []Task
	for {
		task := t.tryPushTask()
		if task == nil {
			return out
		}
		out = append(out, task)
	}
}

func (t *dependencyTree) removeFromMap(n *dependencyNode) {
	task := n.task
	for z := task.z - task.radius; z <= task.z+task.radius; z++ {
		for x := task.x - task.radius; x <= task.x+task.radius; x++ {
			key := coord.Key(x, z)
			if t.nodeByPos[key] == n {
				delete(t.nodeByPos, key)
			}
		}
	}
}

func (t *dependencyTree) pushChildren(n *dependencyNode) {
	for _, child := range n.children {
		child.parents--
		switch {
		case child.parents == 0:
			// purged children are pushed too so their own children get released
			heap.Push(&t.awaiting, child)
		case child.parents < 0:
			panic("executor: dependency node parent count below zero")
		}
	}
	n.children = nil
}

func (t *dependencyTree) pollAwaiting() *dependencyNode {
	if t.awaiting.Len() == 0 {
		return nil
	}
	n := heap.Pop(&t.awaiting).(*dependencyNode)
	if n.parents != 0 {
		panic("executor: awaiting node still has parents")
	}
	if n.purged {
		t.pushChildren(n)
		t.removeFromMap(n)
	}
	return n
}

func (t *dependencyTree) tryPushTask() Task {
	if t.executing >= t.maxToSchedule || t.infiniteActive {
		return nil
	}
	firstInfinite := t.infinite.peek()
	for firstInfinite != nil && firstInfinite.purged {
		heap.Pop(&t.infinite)
		firstInfinite = t.infinite.peek()
	}
	firstAwaiting := t.awaiting.peek()
	for firstAwaiting != nil && firstAwaiting.purged {
		t.pollAwaiting()
		firstAwaiting = t.awaiting.peek()
	}
	if firstInfinite == nil && firstAwaiting == nil {
		return nil
	}

	chooseInfinite := firstAwaiting == nil || (firstInfinite != nil && firstInfinite.id < firstAwaiting.id)
	if chooseInfinite {
		if t.executing != 0 {
			return nil
		}
		t.executing++
		heap.Pop(&t.infinite)
		t.infiniteActive = true
		return firstInfinite.task.push(t.queue)
	}
	t.executing++
	t.pollAwaiting()
	return firstAwaiting.task.push(t.queue)
}

type radiusTask struct {
	exec   *RadiusAware
	x, z   int32
	radius int32

	// guarded by exec.mu
	fn       func()
	priority Priority
	node     *dependencyNode
	queued   Task
}

func (t *radiusTask) finite() bool { return t.radius >= 0 }

func (t *radiusTask) push(q *Queue) Task {
	t.queued = q.CreateTask(t.run, t.priority)
	return t.queued
}

func (t *radiusTask) run() {
	t.exec.mu.Lock()
	fn := t.fn
	t.fn = nil
	t.exec.mu.Unlock()
	defer t.returnNode()
	if fn != nil {
		fn()
	}
}

func (t *radiusTask) returnNode() {
	t.exec.mu.Lock()
	n := t.node
	t.node = nil
	toSchedule := n.tree.returnNode(n)
	t.exec.mu.Unlock()
	schedule(toSchedule)
}

func schedule(tasks []Task) {
	for _, t := range tasks {
		t.Queue()
	}
}

func (t *radiusTask) Queue() bool {
	t.exec.mu.Lock()
	if t.queued != nil || t.node != nil || t.priority == Completing {
		t.exec.mu.Unlock()
		return false
	}
	toSchedule := t.exec.queueLocked(t, t.priority)
	t.exec.mu.Unlock()
	schedule(toSchedule)
	return true
}

// purgeLocked detaches the task from its tree; the node stays in place until
// polled so its children are still released in order.
func (t *radiusTask) purgeLocked() {
	if t.node != nil {
		t.node.purged = true
		t.node = nil
	}
}

func (t *radiusTask) Cancel() bool {
	t.exec.mu.Lock()
	queued := t.queued
	if queued == nil {
		defer t.exec.mu.Unlock()
		if t.priority == Completing {
			return false
		}
		t.priority = Completing
		t.fn = nil
		t.purgeLocked()
		return true
	}
	t.exec.mu.Unlock()

	if queued.Cancel() {
		t.exec.mu.Lock()
		t.fn = nil
		t.priority = Completing
		t.exec.mu.Unlock()
		t.returnNode()
		return true
	}
	return false
}

func (t *radiusTask) Execute() bool {
	t.exec.mu.Lock()
	queued := t.queued
	if queued != nil {
		t.exec.mu.Unlock()
		return queued.Execute()
	}
	if t.priority == Completing {
		t.exec.mu.Unlock()
		return false
	}
	t.priority = Completing
	t.purgeLocked()
	fn := t.fn
	t.fn = nil
	t.exec.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}

func (t *radiusTask) Priority() Priority {
	t.exec.mu.Lock()
	queued := t.queued
	p := t.priority
	t.exec.mu.Unlock()
	if queued != nil {
		return queued.Priority()
	}
	return p
}

func (t *radiusTask) SetPriority(p Priority) bool {
	return t.updatePriority(p, func(cur Priority) bool { return cur == p }, Task.SetPriority)
}

func (t *radiusTask) RaisePriority(p Priority) bool {
	return t.updatePriority(p, func(cur Priority) bool { return cur.IsHigherOrEqual(p) }, Task.RaisePriority)
}

func (t *radiusTask) LowerPriority(p Priority) bool {
	return t.updatePriority(p, func(cur Priority) bool { return cur.IsLowerOrEqual(p) }, Task.LowerPriority)
}

// updatePriority re-inserts an unadmitted node into the tree of the new
// priority; admitted tasks forward the change to the underlying queue.
func (t *radiusTask) updatePriority(p Priority, keep func(Priority) bool, forward func(Task, Priority) bool) bool {
	mustValid(p)
	t.exec.mu.Lock()
	if queued := t.queued; queued != nil {
		t.exec.mu.Unlock()
		return forward(queued, p)
	}
	if t.priority == Completing {
		t.exec.mu.Unlock()
		return false
	}
	if keep(t.priority) {
		t.exec.mu.Unlock()
		return true
	}
	t.priority = p
	var toSchedule []Task
	if t.node != nil {
		t.purgeLocked()
		toSchedule = t.exec.queueLocked(t, p)
	}
	t.exec.mu.Unlock()
	schedule(toSchedule)
	return true
}
