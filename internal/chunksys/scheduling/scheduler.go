package scheduling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"voxelcraft.ai/chunksys/internal/chunksys/arealock"
	"voxelcraft.ai/chunksys/internal/chunksys/executor"
	"voxelcraft.ai/chunksys/internal/chunksys/propagator"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/logging"
	"voxelcraft.ai/chunksys/internal/metrics"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
)

var (
	// ErrNotLoaded is returned by SyncLoad when the chunk could not be
	// brought to the requested stage.
	ErrNotLoaded = errors.New("scheduling: chunk did not reach the requested stage")
	// ErrFailed is returned once the chunk system stopped after a task
	// failure.
	ErrFailed = errors.New("scheduling: chunk system failed")
)

const (
	DefaultLockShift = 6

	defaultUnloadMinPerTick   = 50
	defaultUnloadFraction     = 0.05
	defaultUnloadCooldown     = 5 * 20
	defaultAutoSaveInterval   = 5 * 60 * 20
	defaultAutoSaveMaxPerTick = 24
)

type UnloadOptions struct {
	// MinPerTick is the least number of holders ProcessUnloads handles when
	// any are queued.
	MinPerTick int
	// Fraction of the queued holders handled per call.
	Fraction float64
	// CooldownTicks is the lifetime of the ticket applied when an unload
	// races a reload.
	CooldownTicks int64
}

type AutoSaveOptions struct {
	IntervalTicks int64
	MaxPerTick    int
}

type Options struct {
	Generator Generator
	Codec     ChunkCodec
	Storage   Storage
	Log       logging.Logger
	Metrics   metrics.Collector
	Events    EventSink

	// LockShift is the shard shift of the ticket and scheduling locks.
	LockShift         uint
	LoadWorkers       int
	GenWorkers        int
	RadiusParallelism int

	Unload   UnloadOptions
	AutoSave AutoSaveOptions

	// OnFailure is called once, on the tick goroutine, after the first task
	// failure.
	OnFailure func(FailureReport)
}

func (o *Options) applyDefaults() {
	if o.LockShift == 0 {
		o.LockShift = DefaultLockShift
	}
	if o.LoadWorkers <= 0 {
		o.LoadWorkers = 1
	}
	if o.GenWorkers <= 0 {
		o.GenWorkers = 1
	}
	if o.RadiusParallelism <= 0 {
		o.RadiusParallelism = o.GenWorkers
	}
	if o.Unload.MinPerTick <= 0 {
		o.Unload.MinPerTick = defaultUnloadMinPerTick
	}
	if o.Unload.Fraction <= 0 {
		o.Unload.Fraction = defaultUnloadFraction
	}
	if o.Unload.CooldownTicks <= 0 {
		o.Unload.CooldownTicks = defaultUnloadCooldown
	}
	if o.AutoSave.IntervalTicks <= 0 {
		o.AutoSave.IntervalTicks = defaultAutoSaveInterval
	}
	if o.AutoSave.MaxPerTick <= 0 {
		o.AutoSave.MaxPerTick = defaultAutoSaveMaxPerTick
	}
}

// Scheduler turns stage requests into a tree of per-holder tasks and runs
// them on its executors.
type Scheduler struct {
	log       logging.Logger
	metrics   metrics.Collector
	events    EventSink
	generator Generator
	codec     ChunkCodec
	storage   Storage
	onFailure func(FailureReport)

	lockShift      uint
	schedulingLock *arealock.AreaLock
	manager        *Manager

	mainQueue *executor.Queue
	loadQueue *executor.Queue
	genQueue  *executor.Queue
	radius    *executor.RadiusAware
	loadPool  *executor.Pool
	genPool   *executor.Pool

	base context.Context
	// context of the tick goroutine while it executes main tasks
	mainCtx context.Context

	loadIDs atomic.Int64
	failed  atomic.Bool
	report  atomic.Pointer[FailureReport]

	waitMu    sync.Mutex
	syncWaits []*coord.Pos
}

func New(opts Options) (*Scheduler, error) {
	if opts.Generator == nil || opts.Codec == nil || opts.Storage == nil {
		return nil, errors.New("scheduling: generator, codec and storage are required")
	}
	opts.applyDefaults()
	if opts.LockShift < propagator.SectionShift {
		// a point ticket lock must cover a whole propagator section
		return nil, fmt.Errorf("scheduling: lock shift %d is below the propagator section shift %d", opts.LockShift, propagator.SectionShift)
	}
	s := &Scheduler{
		log:       logging.OrNop(opts.Log),
		metrics:   metrics.OrNop(opts.Metrics),
		events:    opts.Events,
		generator: opts.Generator,
		codec:     opts.Codec,
		storage:   opts.Storage,
		onFailure: opts.OnFailure,
		lockShift: opts.LockShift,
		schedulingLock: arealock.New(opts.LockShift,
			arealock.WithRank(1), arealock.WithName("scheduling")),
		mainQueue: executor.NewQueue("main"),
		loadQueue: executor.NewQueue("load"),
		genQueue:  executor.NewQueue("gen"),
		base:      context.Background(),
	}
	if s.events == nil {
		s.events = nopSink{}
	}
	s.radius = executor.NewRadiusAware(s.genQueue, opts.RadiusParallelism)
	s.loadPool = executor.NewPool("load", opts.LoadWorkers, s.loadQueue)
	s.genPool = executor.NewPool("gen", opts.GenWorkers, s.genQueue)
	s.loadPool.OnPanic = s.onWorkerPanic
	s.genPool.OnPanic = s.onWorkerPanic
	s.manager = newManager(s, opts)
	return s, nil
}

func (s *Scheduler) Manager() *Manager { return s.manager }

func (s *Scheduler) Start() {
	s.loadPool.Start()
	s.genPool.Start()
}

// halt stops the worker pools. Queued tasks stay queued.
func (s *Scheduler) halt(ctx context.Context) error {
	return errors.Join(s.genPool.Close(ctx), s.loadPool.Close(ctx))
}

// Failed reports whether a task failure stopped the chunk system.
func (s *Scheduler) Failed() bool { return s.failed.Load() }

// Failure returns the report of the first task failure, if any.
func (s *Scheduler) Failure() *FailureReport { return s.report.Load() }

func (s *Scheduler) onWorkerPanic(pool string, recovered any) {
	s.log.Error("worker task panicked", "pool", pool, "panic", fmt.Sprint(recovered))
}

func (s *Scheduler) workerContext() context.Context { return arealock.WithNewOwner(s.base) }

// main queue

func (s *Scheduler) createMainTask(fn func(ctx context.Context), p executor.Priority) executor.Task {
	return s.mainQueue.CreateTask(func() { fn(s.mainCtx) }, p)
}

func (s *Scheduler) queueMainTask(fn func(ctx context.Context), p executor.Priority) executor.Task {
	return s.mainQueue.QueueTask(func() { fn(s.mainCtx) }, p)
}

// ExecuteMainTasks runs queued tick goroutine work until the queue is empty
// and returns the number of tasks run.
func (s *Scheduler) ExecuteMainTasks(ctx context.Context) int {
	mustTickThread(ctx, "main task execution")
	prev := s.mainCtx
	s.mainCtx = ctx
	defer func() { s.mainCtx = prev }()
	return s.mainQueue.Drain()
}

// MainQueue is signalled whenever tick goroutine work is queued.
func (s *Scheduler) MainQueue() *executor.Queue { return s.mainQueue }

// QueueDepths returns the number of queued tasks per executor queue.
func (s *Scheduler) QueueDepths() map[string]int {
	return map[string]int{
		s.mainQueue.Name(): s.mainQueue.Len(),
		s.loadQueue.Name(): s.loadQueue.Len(),
		s.genQueue.Name():  s.genQueue.Len(),
	}
}

func (s *Scheduler) executeMainTask(ctx context.Context) bool {
	prev := s.mainCtx
	s.mainCtx = ctx
	defer func() { s.mainCtx = prev }()
	return s.mainQueue.ExecuteTask()
}

func (s *Scheduler) dispatchCallbacks(pos coord.Pos, consumers []func(Chunk), c Chunk) {
	s.queueMainTask(func(context.Context) {
		for _, fn := range consumers {
			s.runCallback(pos, fn, c)
		}
	}, executor.Highest)
}

func (s *Scheduler) runCallback(pos coord.Pos, fn func(Chunk), c Chunk) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("chunk status callback failed", "pos", pos.String(), "panic", fmt.Sprint(r))
		}
	}()
	fn(c)
}

func (s *Scheduler) emit(kind EventKind, pos coord.Pos, fields map[string]any) {
	s.events.Emit(Event{Tick: s.manager.CurrentTick(), Kind: kind, Pos: pos, Fields: fields})
}

// save hands one payload to storage, falling back to a synchronous write
// when the async queue is full.
func (s *Scheduler) save(pos coord.Pos, kind regionio.Kind, data []byte) bool {
	err := s.storage.ScheduleSave(pos, kind, data)
	if errors.Is(err, regionio.ErrQueueFull) {
		s.log.Warn("save queue full, saving synchronously", "pos", pos.String(), "kind", kind.String())
		err = s.storage.SaveNow(pos, kind, data)
	}
	if err != nil {
		s.log.Error("failed to save chunk data", "pos", pos.String(), "kind", kind.String(), "err", err)
		s.metrics.SaveFailed(kind.String())
		return false
	}
	s.metrics.Saved(kind.String(), len(data))
	s.emit(EventSaved, pos, map[string]any{"kind": kind.String(), "bytes": len(data)})
	return true
}

// requests

func (s *Scheduler) nextLoadID() int64 { return s.loadIDs.Add(1) }

func (s *Scheduler) checkNotLocked(ctx context.Context, x, z int32, radius int) {
	r := int32(radius)
	if s.manager.ticketLock.IsHeldRadius(ctx, x, z, r) {
		panic("scheduling: cannot schedule chunk load during ticket level update")
	}
	if s.schedulingLock.IsHeldRadius(ctx, x, z, r) {
		panic("scheduling: cannot schedule chunk loading recursively")
	}
}

// ScheduleChunkLoad brings the chunk at (x, z) to stage and calls onComplete
// with the chunk, or with nil if the chunk's ticket level does not allow the
// stage. With addTicket a load ticket keeps the chunk loaded until
// onComplete returns. Called off the tick goroutine, the request is handed
// to it.
func (s *Scheduler) ScheduleChunkLoad(ctx context.Context, x, z int32, stage status.Stage, addTicket bool,
	p executor.Priority, onComplete func(Chunk)) {
	if !IsTickThread(ctx) {
		s.queueMainTask(func(ctx context.Context) {
			s.ScheduleChunkLoad(ctx, x, z, stage, addTicket, p, onComplete)
		}, p)
		return
	}
	accessRadius := status.AccessRadius(stage)
	s.checkNotLocked(ctx, x, z, accessRadius)
	if stage == status.Full {
		s.ScheduleTickingState(ctx, x, z, status.FullBorder, addTicket, p, onComplete)
		return
	}

	m := s.manager
	minLevel := status.LevelForStage(stage)
	var id int64
	if addTicket {
		id = s.nextLoadID()
		m.AddTicketAtLevel(ctx, TicketChunkLoad, x, z, minLevel, id)
		m.ProcessTicketUpdates(ctx)
	}
	callback := func(c Chunk) {
		if addTicket {
			defer m.RemoveTicketAtLevel(ctx, TicketChunkLoad, x, z, minLevel, id)
		}
		if onComplete != nil {
			onComplete(c)
		}
	}

	batch := &updateBatch{}
	scheduled := false
	var chunk Chunk
	r := int32(accessRadius)
	ticketNode := m.ticketLock.LockRadius(ctx, x, z, r)
	schedNode := s.schedulingLock.LockRadius(ctx, x, z, r)
	h := m.Holder(x, z)
	switch {
	case h == nil || h.TicketLevel() > minLevel:
	case h.currentStage != status.None && h.currentStage.IsOrAfter(stage):
		chunk = h.chunk
	default:
		scheduled = true
		h.RaisePriority(p)
		if !h.upgradeGenTarget(stage) {
			s.schedule(ctx, h, stage, batch)
		}
		h.addStatusConsumer(stage, callback)
	}
	s.schedulingLock.Unlock(ctx, schedNode)
	m.ticketLock.Unlock(ctx, ticketNode)

	batch.scheduleTasks(ctx)
	if !scheduled {
		s.runCallback(coord.Pos{X: x, Z: z}, callback, chunk)
	}
}

// ScheduleTickingState waits for the chunk at (x, z) to reach the full
// status f. The ticket level drives the generation; onComplete receives nil
// if the level is too low for f.
func (s *Scheduler) ScheduleTickingState(ctx context.Context, x, z int32, f status.FullStatus, addTicket bool,
	p executor.Priority, onComplete func(Chunk)) {
	if f == status.Inaccessible {
		panic("scheduling: cannot wait for the inaccessible status")
	}
	if !IsTickThread(ctx) {
		s.queueMainTask(func(ctx context.Context) {
			s.ScheduleTickingState(ctx, x, z, f, addTicket, p, onComplete)
		}, p)
		return
	}
	accessRadius := status.FullStatusAccessRadius(f)
	s.checkNotLocked(ctx, x, z, accessRadius)

	m := s.manager
	radius := int32(f) - 1
	minLevel := status.FullLevel - int(radius)
	var id int64
	if addTicket {
		id = s.nextLoadID()
		m.AddTicketAtLevel(ctx, TicketChunkLoad, x, z, minLevel, id)
		m.ProcessTicketUpdates(ctx)
	}
	var callback func(Chunk)
	if onComplete != nil || addTicket {
		callback = func(c Chunk) {
			if addTicket {
				defer m.RemoveTicketAtLevel(ctx, TicketChunkLoad, x, z, minLevel, id)
			}
			if onComplete != nil {
				onComplete(c)
			}
		}
	}

	scheduled := false
	var chunk Chunk
	r := int32(accessRadius)
	ticketNode := m.ticketLock.LockRadius(ctx, x, z, r)
	schedNode := s.schedulingLock.LockRadius(ctx, x, z, r)
	h := m.Holder(x, z)
	switch {
	case h == nil || h.TicketLevel() > minLevel:
	case h.FullStatus().IsOrAfter(f):
		chunk = h.chunk
	default:
		scheduled = true
		for dz := -radius; dz <= radius; dz++ {
			for dx := -radius; dx <= radius; dx++ {
				n := h
				if dx != 0 || dz != 0 {
					n = m.Holder(x+dx, z+dz)
				}
				if n != nil {
					n.RaisePriority(p)
				}
			}
		}
		if callback != nil {
			h.addFullStatusConsumer(f, callback)
		}
	}
	s.schedulingLock.Unlock(ctx, schedNode)
	m.ticketLock.Unlock(ctx, ticketNode)

	if callback != nil && !scheduled {
		s.runCallback(coord.Pos{X: x, Z: z}, callback, chunk)
	}
}

// SyncLoad brings the chunk at (x, z) to stage and blocks until it is there.
// On the tick goroutine it keeps executing main tasks while it waits.
func (s *Scheduler) SyncLoad(ctx context.Context, x, z int32, stage status.Stage) (Chunk, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("scheduling: sync load to %s", stage)
	}
	if c := s.loadedAt(x, z, stage); c != nil {
		return c, nil
	}
	if s.failed.Load() {
		return nil, ErrFailed
	}
	pos := &coord.Pos{X: x, Z: z}
	s.pushSyncWait(pos)
	defer s.popSyncWait(pos)

	done := make(chan Chunk, 1)
	deliver := func(c Chunk) { done <- c }

	if !IsTickThread(ctx) {
		s.ScheduleChunkLoad(ctx, x, z, stage, true, executor.Blocking, deliver)
		select {
		case c := <-done:
			return s.syncResult(*pos, stage, c)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m := s.manager
	level := status.LevelForStage(stage)
	id := s.nextLoadID()
	m.AddTicketAtLevel(ctx, TicketSyncLoad, x, z, level, id)
	defer m.RemoveTicketAtLevel(ctx, TicketSyncLoad, x, z, level, id)
	m.ProcessTicketUpdates(ctx)
	s.ScheduleChunkLoad(ctx, x, z, stage, false, executor.Blocking, deliver)

	backoff := 10 * time.Microsecond
	for {
		select {
		case c := <-done:
			return s.syncResult(*pos, stage, c)
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if s.failed.Load() {
			return nil, ErrFailed
		}
		if s.executeMainTask(ctx) {
			backoff = 10 * time.Microsecond
			continue
		}
		time.Sleep(backoff)
		backoff = min(2*backoff, time.Millisecond)
	}
}

func (s *Scheduler) loadedAt(x, z int32, stage status.Stage) Chunk {
	h := s.manager.Holder(x, z)
	if h == nil {
		return nil
	}
	if stage == status.Full && !h.FullStatus().IsOrAfter(status.FullBorder) {
		return nil
	}
	return h.ChunkAt(stage)
}

func (s *Scheduler) syncResult(pos coord.Pos, stage status.Stage, c Chunk) (Chunk, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: %s to %s", ErrNotLoaded, pos, stage)
	}
	return c, nil
}

func (s *Scheduler) pushSyncWait(p *coord.Pos) {
	s.waitMu.Lock()
	s.syncWaits = append(s.syncWaits, p)
	s.waitMu.Unlock()
}

func (s *Scheduler) popSyncWait(p *coord.Pos) {
	s.waitMu.Lock()
	if i := slices.Index(s.syncWaits, p); i >= 0 {
		s.syncWaits = slices.Delete(s.syncWaits, i, i+1)
	}
	s.waitMu.Unlock()
}

// SyncLoadsBlocked lists the coordinates SyncLoad callers are waiting on,
// oldest first.
func (s *Scheduler) SyncLoadsBlocked() []coord.Pos {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	out := make([]coord.Pos, len(s.syncWaits))
	for i, p := range s.syncWaits {
		out[i] = *p
	}
	return out
}

// task tree

func (s *Scheduler) schedule(ctx context.Context, h *Holder, target status.Stage, batch *updateBatch) {
	s.scheduleWithPriority(ctx, h, target, batch, h.effectivePriority(executor.Normal))
}

// scheduleWithPriority creates the next task toward target for h, or the
// tasks of the neighbours h waits on. It requires the scheduling lock over
// the access radius of target and does not check target against the
// holder's ticket level. minPriority is passed on to neighbours.
func (s *Scheduler) scheduleWithPriority(ctx context.Context, h *Holder, target status.Stage, batch *updateBatch, minPriority executor.Priority) {
	x, z := h.pos.X, h.pos.Z
	if !s.schedulingLock.IsHeldRadius(ctx, x, z, int32(status.AccessRadius(target))) {
		panic(fmt.Sprintf("scheduling: scheduling %s without the scheduling lock", h.pos))
	}
	if h.hasGenerationTask() {
		h.upgradeGenTarget(target)
		return
	}
	requested := executor.Max(minPriority, h.effectivePriority(executor.Normal))
	current := h.currentStage

	if current == status.None {
		task := s.newLoadTask(h, requested)
		batch.tasks = append(batch.tasks, task)
		h.setGenerationTarget(target)
		h.setGenerationTask(ctx, task, status.Empty, []*Holder{h})
		return
	}
	if current.IsOrAfter(target) {
		return
	}
	h.setGenerationTarget(target)

	c := h.chunk
	to := current.Next()
	readRadius := 0
	if !c.Stage().IsOrAfter(to) {
		readRadius = to.ReadRadius()
	}

	unGenerated := false
	for d := 1; d <= readRadius; d++ {
		required := to.DirectRequirement(d)
		forRing(int32(d), func(dx, dz int32) {
			if s.checkNeighbour(ctx, x+dx, z+dz, required, h, batch, requested) {
				unGenerated = true
			}
		})
	}
	if unGenerated {
		// the last neighbour to complete schedules us
		h.recalculateNeighbourPriorities()
		return
	}

	w := 2*readRadius + 1
	neighbours := make([]*Holder, 0, w*w)
	view := newNeighbourCache(x, z, readRadius)
	r := int32(readRadius)
	for dz := -r; dz <= r; dz++ {
		for dx := -r; dx <= r; dx++ {
			n := h
			if dx != 0 || dz != 0 {
				n = s.manager.Holder(x+dx, z+dz)
			}
			neighbours = append(neighbours, n)
			view.set(x+dx, z+dz, n.chunk)
		}
	}
	task := s.createTask(h, c, view, to, h.effectivePriority(executor.Normal))
	batch.tasks = append(batch.tasks, task)
	h.setGenerationTask(ctx, task, to, neighbours)
}

func (s *Scheduler) createTask(h *Holder, c Chunk, view NeighbourView, to status.Stage, p executor.Priority) progressionTask {
	switch to {
	case status.Empty:
		return s.newLoadTask(h, p)
	case status.Full:
		return s.newFullTask(h, c, p)
	default:
		return s.newUpgradeTask(h, c, view, to, p)
	}
}

// checkNeighbour reports whether the neighbour at (x, z) is below required.
// If it is, the blocking edge is recorded and the neighbour is scheduled.
func (s *Scheduler) checkNeighbour(ctx context.Context, x, z int32, required status.Stage, center *Holder,
	batch *updateBatch, minPriority executor.Priority) bool {
	n := s.manager.Holder(x, z)
	if n == nil {
		panic(fmt.Sprintf("scheduling: missing holder at [%d, %d] required by %s", x, z, center.pos))
	}
	if n.currentStage != status.None && n.currentStage.IsOrAfter(required) {
		return false
	}
	if n.hasFailed() {
		return true
	}
	center.addBlockingNeighbour(n)
	n.addWaitingNeighbour(center, required)
	if n.upgradeGenTarget(required) {
		return true
	}
	s.scheduleWithPriority(ctx, n, required, batch, minPriority)
	return true
}

// forRing calls fn for every offset at chebyshev distance d.
func forRing(d int32, fn func(dx, dz int32)) {
	for dx := -d; dx <= d; dx++ {
		fn(dx, -d)
		fn(dx, d)
	}
	for dz := -d + 1; dz < d; dz++ {
		fn(-d, dz)
		fn(d, dz)
	}
}
