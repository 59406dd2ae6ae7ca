// Package engine runs the chunk system: it owns the tick goroutine and
// hands work from other goroutines to it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voxelcraft.ai/chunksys/internal/chunksys/arealock"
	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/config"
	"voxelcraft.ai/chunksys/internal/logging"
	"voxelcraft.ai/chunksys/internal/metrics"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
	"voxelcraft.ai/chunksys/internal/worldgen"
)

var (
	// TicketSpawn keeps the spawn area loaded.
	TicketSpawn = &scheduling.TicketType{Name: "spawn"}
	// TicketDebug is applied through the debug endpoint.
	TicketDebug = &scheduling.TicketType{Name: "debug"}

	ErrNotRunning = errors.New("engine: not running")
	ErrStarted    = errors.New("engine: already started")
)

type Options struct {
	Storage   regionio.Store
	Generator scheduling.Generator
	Codec     scheduling.ChunkCodec
	Log       logging.Logger
	Metrics   metrics.Collector
	Events    scheduling.EventSink
}

type request struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

type Engine struct {
	cfg     config.Config
	log     logging.Logger
	metrics metrics.Collector
	storage regionio.Store
	sched   *scheduling.Scheduler
	mgr     *scheduling.Manager
	tickets map[string]*scheduling.TicketType

	requests chan request
	failures chan scheduling.FailureReport

	started atomic.Bool
	running atomic.Bool
	stopped chan struct{}
	mu      sync.Mutex
	closed  bool

	tickInterval time.Duration
	overruns     atomic.Int64
}

func New(cfg config.Config, opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, errors.New("engine: storage is required")
	}
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("engine: tick rate %d", cfg.TickRateHz)
	}
	if opts.Generator == nil {
		wo := worldgen.DefaultOptions(cfg.Seed)
		opts.Generator = worldgen.New(wo)
	}
	if opts.Codec == nil {
		opts.Codec = worldgen.Codec{}
	}
	e := &Engine{
		cfg:          cfg,
		log:          logging.With(logging.OrNop(opts.Log), "world", cfg.WorldID),
		metrics:      metrics.OrNop(opts.Metrics),
		storage:      opts.Storage,
		requests:     make(chan request, 64),
		failures:     make(chan scheduling.FailureReport, 1),
		stopped:      make(chan struct{}),
		tickInterval: time.Second / time.Duration(cfg.TickRateHz),
		tickets: map[string]*scheduling.TicketType{
			TicketSpawn.Name: TicketSpawn,
			TicketDebug.Name: TicketDebug,
		},
	}

	so := cfg.SchedulingOptions()
	so.Generator = opts.Generator
	so.Codec = opts.Codec
	so.Storage = opts.Storage
	so.Log = e.log
	so.Metrics = e.metrics
	so.Events = opts.Events
	so.OnFailure = e.onFailure
	s, err := scheduling.New(so)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.sched, e.mgr = s, s.Manager()
	return e, nil
}

func (e *Engine) Scheduler() *scheduling.Scheduler { return e.sched }
func (e *Engine) Manager() *scheduling.Manager     { return e.mgr }
func (e *Engine) Config() config.Config            { return e.cfg }

// TicketType looks up a ticket type the engine accepts from outside.
func (e *Engine) TicketType(name string) (*scheduling.TicketType, bool) {
	t, ok := e.tickets[name]
	return t, ok
}

// onFailure runs on the tick goroutine.
func (e *Engine) onFailure(r scheduling.FailureReport) {
	select {
	case e.failures <- r:
	default:
	}
}

func tickContext(ctx context.Context) context.Context {
	return arealock.WithOwner(scheduling.WithTickThread(ctx))
}

// Run drives the tick loop on the calling goroutine until ctx is done or a
// task fails. A failure is returned as a *scheduling.FailureReport.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	e.running.Store(true)
	defer func() {
		e.running.Store(false)
		close(e.stopped)
	}()
	tctx := tickContext(ctx)

	e.sched.Start()
	e.addSpawnTickets(tctx)
	e.log.Info("engine started", "tick_rate_hz", e.cfg.TickRateHz, "lock_shift", e.cfg.LockShift)

	t := time.NewTicker(e.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			e.drainRequests(tctx)
			e.log.Info("engine stopping", "tick", e.mgr.CurrentTick())
			return nil
		case r := <-e.failures:
			e.drainRequests(tctx)
			e.log.Error("engine stopped by task failure", "pos", r.Pos.String(), "err", r.Message)
			return &r
		case r := <-e.requests:
			e.runRequest(tctx, r)
			e.sched.ExecuteMainTasks(tctx)
		case <-t.C:
			e.tick(tctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	e.mgr.Tick(ctx)
	e.sched.ExecuteMainTasks(ctx)
	e.mgr.ProcessUnloads(ctx)
	e.mgr.AutoSave(ctx)
	e.sched.ExecuteMainTasks(ctx)

	if took := time.Since(start); took > e.tickInterval {
		if n := e.overruns.Add(1); n == 1 || n%100 == 0 {
			e.log.Warn("tick overran", "took", took.String(), "budget", e.tickInterval.String(), "overruns", n)
		}
	}
	if e.mgr.CurrentTick()%int64(e.cfg.TickRateHz) == 0 {
		for q, n := range e.sched.QueueDepths() {
			e.metrics.QueueDepth(q, n)
		}
		e.metrics.QueueDepth("storage", e.storage.Stats().QueueDepth)
	}
}

func (e *Engine) runRequest(ctx context.Context, r request) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("submitted task panicked", "panic", fmt.Sprint(rec))
		}
	}()
	r.fn(ctx)
}

// drainRequests runs whatever was submitted before the loop stopped so no
// Submit call is left waiting.
func (e *Engine) drainRequests(ctx context.Context) {
	for {
		select {
		case r := <-e.requests:
			e.runRequest(ctx, r)
		default:
			return
		}
	}
}

// Submit runs fn on the tick goroutine and waits for it. Called from the
// tick goroutine it runs fn directly.
func (e *Engine) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	if scheduling.IsTickThread(ctx) {
		fn(ctx)
		return nil
	}
	if !e.running.Load() {
		return ErrNotRunning
	}
	r := request{fn: fn, done: make(chan struct{})}
	select {
	case e.requests <- r:
	case <-e.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return nil
	case <-e.stopped:
		// The loop may have drained r before stopping.
		select {
		case <-r.done:
			return nil
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) spawnLevel() int {
	return status.EntityTickingLevel - e.cfg.Spawn.Radius
}

func (e *Engine) addSpawnTickets(ctx context.Context) {
	sp := e.cfg.Spawn
	e.mgr.AddTicketAtLevel(ctx, TicketSpawn, sp.X, sp.Z, e.spawnLevel(), 0)
	e.log.Info("spawn ticket added", "x", sp.X, "z", sp.Z, "radius", sp.Radius)
}

// SyncLoad blocks until the chunk at x, z reaches stage. Off the tick
// goroutine the request is handed to the tick loop.
func (e *Engine) SyncLoad(ctx context.Context, x, z int32, stage status.Stage) (scheduling.Chunk, error) {
	return e.sched.SyncLoad(ctx, x, z, stage)
}

// Close saves every chunk and stops the workers. It must not overlap Run.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if e.running.Load() {
		return errors.New("engine: close while running")
	}
	e.closed = true
	err := e.mgr.Close(tickContext(ctx), true)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.log.Info("engine closed", "tick", e.mgr.CurrentTick(), "storage", e.storage.Stats())
	return nil
}
