package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voxelcraft.ai/chunksys/internal/chunksys/executor"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
)

// progressionTask advances one holder by exactly one stage. A completion
// with a nil chunk and nil error means the task was cancelled.
type progressionTask interface {
	targetStage() status.Stage
	// schedule submits the task. It is called once, after every area lock
	// taken to build the task has been released.
	schedule(ctx context.Context)
	// cancel may be called any number of times, before or after schedule.
	cancel(ctx context.Context)
	isScheduled() bool
	priority() executor.Priority
	setPriority(p executor.Priority)
	raisePriority(p executor.Priority)
	lowerPriority(p executor.Priority)
	onComplete(ctx context.Context, fn func(ctx context.Context, c Chunk, err error))
	String() string
}

type completion func(ctx context.Context, c Chunk, err error)

type taskBase struct {
	s         *Scheduler
	pos       coord.Pos
	to        status.Stage
	task      executor.Task
	scheduled atomic.Bool

	mu        sync.Mutex
	completed bool
	waiters   []completion
	chunk     Chunk
	err       error
}

func (t *taskBase) targetStage() status.Stage { return t.to }
func (t *taskBase) isScheduled() bool         { return t.scheduled.Load() }
func (t *taskBase) priority() executor.Priority {
	return t.task.Priority()
}

func (t *taskBase) setPriority(p executor.Priority)   { t.task.SetPriority(p) }
func (t *taskBase) raisePriority(p executor.Priority) { t.task.RaisePriority(p) }
func (t *taskBase) lowerPriority(p executor.Priority) { t.task.LowerPriority(p) }

func (t *taskBase) markScheduled() {
	if t.scheduled.Swap(true) {
		panic(fmt.Sprintf("scheduling: double schedule of task for %s", t.pos))
	}
}

func (t *taskBase) onComplete(ctx context.Context, fn func(ctx context.Context, c Chunk, err error)) {
	t.mu.Lock()
	if !t.completed {
		t.waiters = append(t.waiters, fn)
		t.mu.Unlock()
		return
	}
	c, err := t.chunk, t.err
	t.mu.Unlock()
	fn(ctx, c, err)
}

func (t *taskBase) complete(ctx context.Context, c Chunk, err error) {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		panic(fmt.Sprintf("scheduling: task for %s to %s completed twice", t.pos, t.to))
	}
	t.completed = true
	t.chunk, t.err = c, err
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, fn := range waiters {
		fn(ctx, c, err)
	}
}

func (t *taskBase) cancel(ctx context.Context) {
	if t.task.Cancel() {
		t.complete(ctx, nil, nil)
	}
}

func (t *taskBase) describe(kind string) string {
	return fmt.Sprintf("%s{pos=%s, to=%s, scheduled=%t}", kind, t.pos, t.to, t.isScheduled())
}

// loadTask brings a holder to Empty by reading its payloads from storage,
// or by creating a fresh chunk when nothing is stored.
type loadTask struct {
	taskBase
	holder *Holder
	// pending unload saves at the time the task was created; their data
	// supersedes what storage returns
	unloads [len(regionio.Kinds)]*unloadTask

	slices Slices
}

func (s *Scheduler) newLoadTask(h *Holder, p executor.Priority) *loadTask {
	t := &loadTask{taskBase: taskBase{s: s, pos: h.pos, to: status.Empty}, holder: h}
	for _, k := range regionio.Kinds {
		t.unloads[k] = h.unloadTasks[k]
	}
	t.task = s.loadQueue.CreateTask(t.run, p)
	return t
}

func (t *loadTask) String() string { return t.describe("loadTask") }

func (t *loadTask) schedule(ctx context.Context) {
	t.markScheduled()
	t.task.Queue()
}

func (t *loadTask) read(ctx context.Context, kind regionio.Kind) ([]byte, error) {
	if u := t.unloads[kind]; u != nil {
		<-u.done
		if u.data != nil {
			return u.data, nil
		}
	}
	return t.s.storage.LoadData(ctx, t.pos, kind)
}

func (t *loadTask) run() {
	ctx := t.s.workerContext()
	start := time.Now()
	c, err := t.load(ctx)
	if err != nil {
		t.complete(ctx, nil, fmt.Errorf("load %s: %w", t.pos, err))
		return
	}
	t.s.metrics.StageCompleted(status.Empty.String(), time.Since(start))
	t.complete(ctx, c, nil)
}

func (t *loadTask) load(ctx context.Context) (c Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	data, err := t.read(ctx, regionio.KindChunk)
	if err != nil {
		return nil, err
	}
	if data == nil {
		c = t.s.generator.NewChunk(t.pos)
	} else if c, err = t.s.codec.UnmarshalChunk(t.pos, data); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New("codec returned no chunk")
	}
	for _, k := range [...]regionio.Kind{regionio.KindEntity, regionio.KindPOI} {
		raw, err := t.read(ctx, k)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		if k == regionio.KindEntity {
			t.slices.Entities = NewRawSlice(raw, false)
		} else {
			t.slices.POI = NewRawSlice(raw, false)
		}
	}
	return c, nil
}

// upgradeTask computes one stage after Empty and before Full.
type upgradeTask struct {
	taskBase
	from       Chunk
	fromStage  status.Stage
	neighbours NeighbourView
}

func (s *Scheduler) newUpgradeTask(h *Holder, c Chunk, neighbours NeighbourView, to status.Stage, p executor.Priority) *upgradeTask {
	t := &upgradeTask{
		taskBase:   taskBase{s: s, pos: h.pos, to: to},
		from:       c,
		fromStage:  c.Stage(),
		neighbours: neighbours,
	}
	if to.Parallel() {
		t.task = s.genQueue.CreateTask(t.run, p)
	} else {
		t.task = s.radius.CreateTask(h.pos.X, h.pos.Z, int32(to.WriteRadius()), t.run, p)
	}
	return t
}

func (t *upgradeTask) String() string { return t.describe("upgradeTask") }

// emptyTask reports whether the task only records the stage; those run
// inline instead of going through an executor.
func (t *upgradeTask) emptyTask() bool {
	generation := !t.fromStage.IsOrAfter(t.to)
	return !generation || t.to.EmptyWork()
}

func (t *upgradeTask) schedule(ctx context.Context) {
	t.markScheduled()
	if t.emptyTask() {
		if t.task.Cancel() {
			t.runContext(ctx)
		}
		return
	}
	t.task.Queue()
}

func (t *upgradeTask) run() { t.runContext(t.s.workerContext()) }

func (t *upgradeTask) runContext(ctx context.Context) {
	c := t.from
	if c.Stage().IsOrAfter(t.to) {
		// already persisted past the target: loading needs no work
		t.complete(ctx, c, nil)
		return
	}
	if t.to.EmptyWork() {
		c.SetStage(t.to)
		t.complete(ctx, c, nil)
		return
	}
	start := time.Now()
	next, err := t.generate(ctx, c)
	if err != nil {
		t.complete(ctx, nil, fmt.Errorf("generate %s to %s: %w", t.pos, t.to, err))
		return
	}
	if next == nil {
		t.complete(ctx, nil, fmt.Errorf("generate %s to %s: generator returned no chunk", t.pos, t.to))
		return
	}
	next.SetStage(t.to)
	t.s.metrics.StageCompleted(t.to.String(), time.Since(start))
	t.complete(ctx, next, nil)
}

func (t *upgradeTask) generate(ctx context.Context, c Chunk) (next Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.s.generator.Generate(ctx, StageRequest{Pos: t.pos, Stage: t.to, Chunk: c, Neighbours: t.neighbours})
}

// fullTask promotes a chunk to Full on the tick goroutine.
type fullTask struct {
	taskBase
	holder *Holder
	from   Chunk
}

func (s *Scheduler) newFullTask(h *Holder, c Chunk, p executor.Priority) *fullTask {
	t := &fullTask{taskBase: taskBase{s: s, pos: h.pos, to: status.Full}, holder: h, from: c}
	t.task = s.createMainTask(t.run, p)
	return t
}

func (t *fullTask) String() string { return t.describe("fullTask") }

func (t *fullTask) schedule(ctx context.Context) {
	t.markScheduled()
	t.task.Queue()
}

func (t *fullTask) run(ctx context.Context) {
	start := time.Now()
	slices := t.holder.lockedSlices(ctx)
	c, slices, err := t.s.generator.Promote(ctx, t.from, slices)
	if err != nil {
		t.complete(ctx, nil, fmt.Errorf("promote %s: %w", t.pos, err))
		return
	}
	if c == nil {
		t.complete(ctx, nil, fmt.Errorf("promote %s: generator returned no chunk", t.pos))
		return
	}
	c.SetStage(status.Full)
	t.holder.setSlices(ctx, slices)
	t.s.metrics.StageCompleted(status.Full.String(), time.Since(start))
	t.complete(ctx, c, nil)
}

// neighbourCache is the NeighbourView handed to a stage.
type neighbourCache struct {
	cx, cz int32
	radius int
	chunks []Chunk
}

func newNeighbourCache(cx, cz int32, radius int) *neighbourCache {
	w := 2*radius + 1
	return &neighbourCache{cx: cx, cz: cz, radius: radius, chunks: make([]Chunk, w*w)}
}

func (n *neighbourCache) index(x, z int32) (int, bool) {
	dx, dz := int(x-n.cx), int(z-n.cz)
	if dx < -n.radius || dx > n.radius || dz < -n.radius || dz > n.radius {
		return 0, false
	}
	w := 2*n.radius + 1
	return (dx + n.radius) + (dz+n.radius)*w, true
}

func (n *neighbourCache) set(x, z int32, c Chunk) {
	if i, ok := n.index(x, z); ok {
		n.chunks[i] = c
	}
}

func (n *neighbourCache) Radius() int { return n.radius }

func (n *neighbourCache) Chunk(x, z int32) Chunk {
	if i, ok := n.index(x, z); ok {
		return n.chunks[i]
	}
	return nil
}
