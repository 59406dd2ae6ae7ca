package scheduling

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"voxelcraft.ai/chunksys/internal/chunksys/executor"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
)

// noPriority marks an unset holder priority.
const noPriority executor.Priority = -128

// fullNeighbourRadius is the radius of the full-loaded neighbour bitset.
const fullNeighbourRadius = 2

var (
	fullMaskRad0 = fullLoadedMask(0)
	fullMaskRad1 = fullLoadedMask(1)
	fullMaskRad2 = fullLoadedMask(2)
)

func fullNeighbourIndex(dx, dz int32) uint {
	const w = 2*fullNeighbourRadius + 1
	return uint((dx + fullNeighbourRadius) + (dz+fullNeighbourRadius)*w)
}

func fullLoadedMask(radius int32) uint32 {
	var mask uint32
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			mask |= 1 << fullNeighbourIndex(dx, dz)
		}
	}
	return mask
}

func fullStatusForBitset(bits uint32) status.FullStatus {
	switch {
	case bits&fullMaskRad2 == fullMaskRad2:
		return status.EntityTicking
	case bits&fullMaskRad1 == fullMaskRad1:
		return status.BlockTicking
	case bits&fullMaskRad0 == fullMaskRad0:
		return status.FullBorder
	default:
		return status.Inaccessible
	}
}

type chunkCompletion struct {
	chunk Chunk
	stage status.Stage
}

type waitingNeighbour struct {
	holder *Holder
	stage  status.Stage
}

// unloadTask is a pending save of one payload kind of an unloading holder.
// done is closed once data is final; nil data means nothing was written.
type unloadTask struct {
	done chan struct{}
	data []byte
}

type unloadState struct {
	holder   *Holder
	chunk    Chunk
	entities DataSlice
	poi      DataSlice
}

// SaveStat reports which payloads a save wrote.
type SaveStat struct {
	Chunk    bool
	Entities bool
	POI      bool
}

func (s SaveStat) Any() bool { return s.Chunk || s.Entities || s.POI }

// Holder is the per-coordinate state machine. Unless noted, fields are
// guarded by the scheduling lock covering pos.
type Holder struct {
	s   *Scheduler
	pos coord.Pos

	chunk          Chunk
	currentStage   status.Stage
	requestedStage status.Stage
	genTask        progressionTask
	genTaskStage   status.Stage
	completions    [status.StageCount]atomic.Pointer[chunkCompletion]
	lastCompletion atomic.Pointer[chunkCompletion]

	// holders this holder's next stage waits on
	neighboursBlocking []*Holder
	// holders waiting on this holder, with the stage each needs
	neighboursWaiting []waitingNeighbour

	priority          executor.Priority
	neighbourPriority executor.Priority
	priorityLocked    bool

	failedStage status.Stage
	genErr      error

	// oldTicketLevel is the level the state machine last acted on;
	// currentTicketLevel is written under the ticket lock.
	oldTicketLevel     int
	currentTicketLevel atomic.Int32
	neighboursUsing    int

	unloaded      bool
	inUnloadQueue bool
	unloadTasks   [len(regionio.Kinds)]*unloadTask
	unloadState   *unloadState

	fullNeighbours uint32
	pendingFull    atomic.Int32
	currentFull    atomic.Int32

	waitersMu     sync.Mutex
	statusWaiters map[status.Stage][]func(Chunk)
	fullWaiters   map[status.FullStatus][]func(Chunk)

	entities DataSlice
	poi      DataSlice

	// tick goroutine only
	processingFull bool
	lastAutoSave   int64
	inAutoSave     bool
}

func newHolder(s *Scheduler, pos coord.Pos) *Holder {
	h := &Holder{
		s:                 s,
		pos:               pos,
		currentStage:      status.None,
		requestedStage:    status.None,
		genTaskStage:      status.None,
		failedStage:       status.None,
		priority:          noPriority,
		neighbourPriority: noPriority,
		oldTicketLevel:    status.MaxLevel + 1,
		statusWaiters:     map[status.Stage][]func(Chunk){},
		fullWaiters:       map[status.FullStatus][]func(Chunk){},
	}
	h.currentTicketLevel.Store(int32(status.MaxLevel + 1))
	return h
}

func (h *Holder) Pos() coord.Pos { return h.pos }

func (h *Holder) TicketLevel() int { return int(h.currentTicketLevel.Load()) }

func (h *Holder) FullStatus() status.FullStatus { return status.FullStatus(h.currentFull.Load()) }

func (h *Holder) PendingFullStatus() status.FullStatus { return status.FullStatus(h.pendingFull.Load()) }

// Stage returns the last completed stage, or None.
func (h *Holder) Stage() status.Stage {
	if c := h.lastCompletion.Load(); c != nil {
		return c.stage
	}
	return status.None
}

// Chunk returns the chunk of the last completed stage.
func (h *Holder) Chunk() Chunk {
	if c := h.lastCompletion.Load(); c != nil {
		return c.chunk
	}
	return nil
}

// ChunkAt returns the chunk if it has completed at least stage s.
func (h *Holder) ChunkAt(s status.Stage) Chunk {
	if !s.Valid() {
		return nil
	}
	if c := h.completions[s].Load(); c != nil {
		return c.chunk
	}
	return nil
}

func (h *Holder) String() string {
	return fmt.Sprintf("Holder{pos=%s, stage=%s, requested=%s, ticket=%d, full=%s}",
		h.pos, h.Stage(), h.requestedStage, h.TicketLevel(), h.FullStatus())
}

func (h *Holder) hasGenerationTask() bool { return h.genTask != nil }
func (h *Holder) hasFailed() bool         { return h.genErr != nil }

func (h *Holder) addBlockingNeighbour(n *Holder) {
	if !slices.Contains(h.neighboursBlocking, n) {
		h.neighboursBlocking = append(h.neighboursBlocking, n)
	}
}

func (h *Holder) removeBlockingNeighbour(n *Holder) bool {
	i := slices.Index(h.neighboursBlocking, n)
	if i < 0 {
		return false
	}
	h.neighboursBlocking = slices.Delete(h.neighboursBlocking, i, i+1)
	return true
}

func (h *Holder) addWaitingNeighbour(n *Holder, stage status.Stage) {
	wasEmpty := len(h.neighboursWaiting) == 0
	if i := h.waitingIndex(n); i >= 0 {
		h.neighboursWaiting[i].stage = stage
	} else {
		h.neighboursWaiting = append(h.neighboursWaiting, waitingNeighbour{holder: n, stage: stage})
	}
	if wasEmpty {
		h.checkUnload()
	}
}

func (h *Holder) waitingIndex(n *Holder) int {
	return slices.IndexFunc(h.neighboursWaiting, func(w waitingNeighbour) bool { return w.holder == n })
}

func (h *Holder) removeWaitingNeighbour(n *Holder) bool {
	i := h.waitingIndex(n)
	if i < 0 {
		return false
	}
	h.neighboursWaiting = slices.Delete(h.neighboursWaiting, i, i+1)
	return true
}

// priority

func (h *Holder) effectivePriority(dfl executor.Priority) executor.Priority {
	us, neighbour := h.priority, h.neighbourPriority
	if neighbour == noPriority {
		if us == noPriority {
			return dfl
		}
		return us
	}
	if us == noPriority {
		return neighbour
	}
	return executor.Max(us, neighbour)
}

func (h *Holder) recalculateNeighbourRequestedPriority() {
	if len(h.neighboursWaiting) == 0 {
		h.neighbourPriority = noPriority
		return
	}
	best := noPriority
	for _, w := range h.neighboursWaiting {
		p := w.holder.effectivePriority(noPriority)
		if p != noPriority && (best == noPriority || p.IsHigherThan(best)) {
			best = p
		}
	}
	current := h.effectivePriority(executor.Normal)
	h.neighbourPriority = best
	next := h.effectivePriority(executor.Normal)
	if current == next {
		return
	}
	if h.genTask != nil {
		h.genTask.setPriority(next)
	}
	h.recalculateNeighbourPriorities()
}

func (h *Holder) recalculateNeighbourPriorities() {
	for _, n := range h.neighboursBlocking {
		n.recalculateNeighbourRequestedPriority()
	}
}

// RaisePriority requires the scheduling lock covering the holder.
func (h *Holder) RaisePriority(p executor.Priority) {
	if h.priority != noPriority && h.priority.IsHigherOrEqual(p) {
		return
	}
	h.SetPriority(p)
}

func (h *Holder) SetPriority(p executor.Priority) {
	if h.priorityLocked {
		return
	}
	old := h.effectivePriority(noPriority)
	h.priority = p
	next := h.effectivePriority(executor.Normal)
	if old != next && h.genTask != nil {
		h.genTask.setPriority(next)
	}
	h.recalculateNeighbourPriorities()
}

func (h *Holder) LowerPriority(p executor.Priority) {
	if h.priority != noPriority && h.priority.IsLowerOrEqual(p) {
		return
	}
	h.SetPriority(p)
}

func (h *Holder) lockPriority() {
	h.priority = noPriority
	h.priorityLocked = true
}

// neighbour use

func (h *Holder) addNeighbourUsingChunk() {
	h.neighboursUsing++
	if h.neighboursUsing == 1 {
		h.checkUnload()
	}
}

func (h *Holder) removeNeighbourUsingChunk() {
	h.neighboursUsing--
	if h.neighboursUsing < 0 {
		panic(fmt.Sprintf("scheduling: negative neighbour use count at %s", h.pos))
	}
	if h.neighboursUsing == 0 {
		h.checkUnload()
	}
}

// unload

// isSafeToUnload returns why the holder must stay loaded, or "".
func (h *Holder) isSafeToUnload() string {
	switch {
	case h.oldTicketLevel <= status.MaxLevel:
		return "ticket_level"
	case h.neighboursUsing != 0:
		return "neighbours_generating"
	case len(h.neighboursWaiting) != 0:
		return "neighbours_waiting"
	case h.FullStatus() != status.Inaccessible:
		return "fullchunkstatus"
	case h.genTask != nil:
		return "generating"
	case h.requestedStage != status.None:
		return "requested_generation"
	case h.unloadTasks[regionio.KindEntity] != nil:
		return "entity_serialization"
	case h.unloadTasks[regionio.KindPOI] != nil:
		return "poi_serialization"
	case h.unloadTasks[regionio.KindChunk] != nil:
		return "chunk_serialization"
	}
	return ""
}

func (h *Holder) checkUnload() {
	if h.unloaded {
		return
	}
	q := h.s.manager.unloadQueue
	if h.isSafeToUnload() == "" {
		if !h.inUnloadQueue {
			h.inUnloadQueue = true
			q.add(h.pos.X, h.pos.Z)
		}
		return
	}
	if h.inUnloadQueue {
		h.inUnloadQueue = false
		q.remove(h.pos.X, h.pos.Z)
	}
}

// unloadStage1 nulls the holder's data and sets up the pending saves that
// later loads of the coordinate wait on. It runs under the ticket and
// scheduling locks and returns nil if there is nothing to save.
func (h *Holder) unloadStage1() *unloadState {
	st := &unloadState{holder: h, chunk: h.chunk, entities: h.entities, poi: h.poi}
	h.chunk = nil
	h.currentStage = status.None
	for i := range h.completions {
		h.completions[i].Store(nil)
	}
	h.lastCompletion.Store(nil)
	h.entities, h.poi = nil, nil
	h.priorityLocked = false

	if st.chunk != nil {
		h.unloadTasks[regionio.KindChunk] = &unloadTask{done: make(chan struct{})}
	}
	if st.entities != nil {
		h.unloadTasks[regionio.KindEntity] = &unloadTask{done: make(chan struct{})}
	}
	if st.poi != nil {
		h.unloadTasks[regionio.KindPOI] = &unloadTask{done: make(chan struct{})}
	}
	if st.chunk == nil && st.entities == nil && st.poi == nil {
		return nil
	}
	h.unloadState = st
	return st
}

// unloadStage2 serializes and saves the detached data without holding any
// lock.
func (h *Holder) unloadStage2(ctx context.Context, st *unloadState) {
	if st.chunk != nil {
		var data []byte
		if st.chunk.Dirty() {
			data = h.marshalChunk(st.chunk)
		}
		h.completeUnloadSave(ctx, regionio.KindChunk, data)
	}
	if st.entities != nil {
		h.completeUnloadSave(ctx, regionio.KindEntity, h.marshalSlice(regionio.KindEntity, st.entities))
	}
	if st.poi != nil {
		h.completeUnloadSave(ctx, regionio.KindPOI, h.marshalSlice(regionio.KindPOI, st.poi))
	}
}

func (h *Holder) marshalChunk(c Chunk) []byte {
	data, err := h.s.codec.MarshalChunk(c)
	if err != nil {
		h.s.log.Error("marshal chunk failed, data will be lost", "pos", h.pos.String(), "err", err)
		h.s.metrics.SaveFailed(regionio.KindChunk.String())
		return nil
	}
	c.MarkSaved()
	return data
}

func (h *Holder) marshalSlice(kind regionio.Kind, d DataSlice) []byte {
	if !d.Dirty() {
		return nil
	}
	data, err := d.Marshal()
	if err != nil {
		h.s.log.Error("marshal slice failed, data will be lost", "pos", h.pos.String(), "kind", kind.String(), "err", err)
		h.s.metrics.SaveFailed(kind.String())
		return nil
	}
	d.MarkSaved()
	return data
}

// completeUnloadSave publishes the final payload of an unload save and
// retires the pending task.
func (h *Holder) completeUnloadSave(ctx context.Context, kind regionio.Kind, data []byte) {
	if data != nil {
		h.s.save(h.pos, kind, data)
	}
	u := h.unloadTasks[kind]
	u.data = data
	close(u.done)

	node := h.s.schedulingLock.LockPoint(ctx, h.pos.X, h.pos.Z)
	h.unloadTasks[kind] = nil
	h.checkUnload()
	h.s.schedulingLock.Unlock(ctx, node)
}

// unloadStage3 drops the detached unload state and reports whether the
// holder can be removed now. It runs under the ticket and scheduling locks.
func (h *Holder) unloadStage3() bool {
	h.unloadState = nil
	if h.chunk != nil || h.entities != nil || h.poi != nil {
		return false
	}
	return h.isSafeToUnload() == ""
}

func (h *Holder) cancelGenTask(ctx context.Context) {
	if h.genTask != nil {
		h.genTask.cancel(ctx)
		return
	}
	if len(h.neighboursBlocking) == 0 {
		return
	}
	for _, n := range h.neighboursBlocking {
		if !n.removeWaitingNeighbour(h) {
			panic(fmt.Sprintf("scheduling: corrupt neighbour state between %s and %s", h.pos, n.pos))
		}
		if len(n.neighboursWaiting) == 0 {
			n.checkUnload()
		}
	}
	h.neighboursBlocking = h.neighboursBlocking[:0]
	h.checkUnload()
}

// processTicketLevelUpdate applies the latest ticket level to the state
// machine. It runs with both the ticket and the scheduling lock held.
func (h *Holder) processTicketLevelUpdate(ctx context.Context, batch *updateBatch) {
	oldLevel := h.oldTicketLevel
	newLevel := h.TicketLevel()
	if oldLevel == newLevel {
		return
	}
	h.oldTicketLevel = newLevel

	oldState := status.FullStatusForLevel(oldLevel)
	newState := status.FullStatusForLevel(newLevel)
	oldUnloaded := status.IsUnloaded(oldLevel)
	newUnloaded := status.IsUnloaded(newLevel)
	maxStageNew := status.StageForLevel(newLevel)

	if h.requestedStage != status.None && !newState.IsOrAfter(status.FullBorder) && newLevel > oldLevel {
		if newUnloaded {
			// requested is cleared first so the cancellation does not reschedule
			h.requestedStage = status.None
			h.cancelGenTask(ctx)
		} else {
			toCancel := maxStageNew.Next()
			if h.requestedStage.IsOrAfter(toCancel) {
				if h.currentStage != status.None && h.currentStage.IsOrAfter(maxStageNew) {
					h.requestedStage = status.None
					h.cancelGenTask(ctx)
				} else {
					h.requestedStage = maxStageNew
					if h.genTaskStage != status.None && h.genTaskStage.IsOrAfter(toCancel) {
						panic(fmt.Sprintf("scheduling: generation task at %s runs past the ticket level", h.pos))
					}
				}
			}
		}
	}

	if oldState != newState {
		if newState.IsOrAfter(oldState) {
			if !oldState.IsOrAfter(status.FullBorder) && newState.IsOrAfter(status.FullBorder) && h.currentStage != status.Full {
				if h.requestedStage != status.None {
					h.requestedStage = status.Full
				} else {
					h.s.schedule(ctx, h, status.Full, batch)
				}
			}
		} else {
			for _, f := range [...]status.FullStatus{status.EntityTicking, status.BlockTicking, status.FullBorder} {
				if !newState.IsOrAfter(f) && oldState.IsOrAfter(f) {
					h.completeFullStatusConsumers(f, nil)
				}
			}
		}
		if h.updatePendingStatus() {
			batch.changed = append(batch.changed, h)
		}
	}

	if oldUnloaded != newUnloaded {
		h.checkUnload()
	}
}

// full status

func (h *Holder) setNeighbourFullLoaded(dx, dz int32) bool {
	h.fullNeighbours |= 1 << fullNeighbourIndex(dx, dz)
	return h.updatePendingStatus()
}

func (h *Holder) setNeighbourFullUnloaded(dx, dz int32) bool {
	h.fullNeighbours &^= 1 << fullNeighbourIndex(dx, dz)
	return h.updatePendingStatus()
}

// updatePendingStatus reports whether the pending full status changed.
func (h *Holder) updatePendingStatus() bool {
	byTicket := status.FullStatusForLevel(h.oldTicketLevel)
	pending := fullStatusForBitset(h.fullNeighbours)
	if pending == status.Inaccessible && byTicket.IsOrAfter(status.FullBorder) && h.currentStage == status.Full {
		// the bitset only counts chunks that went through the status updater
		pending = status.FullBorder
	}
	if pending.IsOrAfter(byTicket) {
		pending = byTicket
	}
	if h.PendingFullStatus() == pending {
		return false
	}
	h.pendingFull.Store(int32(pending))
	return true
}

func (h *Holder) onFullChunkLoadChange(ctx context.Context, loaded bool, changed *[]*Holder) {
	node := h.s.schedulingLock.LockRadius(ctx, h.pos.X, h.pos.Z, fullNeighbourRadius)
	defer h.s.schedulingLock.Unlock(ctx, node)
	for dz := int32(-fullNeighbourRadius); dz <= fullNeighbourRadius; dz++ {
		for dx := int32(-fullNeighbourRadius); dx <= fullNeighbourRadius; dx++ {
			n := h
			if dx != 0 || dz != 0 {
				n = h.s.manager.Holder(h.pos.X+dx, h.pos.Z+dz)
			}
			if loaded {
				if n == nil {
					panic(fmt.Sprintf("scheduling: missing holder next to full chunk %s", h.pos))
				}
				if n.setNeighbourFullLoaded(-dx, -dz) {
					*changed = append(*changed, n)
				}
			} else if n != nil && n.setNeighbourFullUnloaded(-dx, -dz) {
				*changed = append(*changed, n)
			}
		}
	}
}

// handleFullStatusChange walks currentFull toward pendingFull one tier at a
// time. Tick goroutine only; no locks may be held.
func (h *Holder) handleFullStatusChange(ctx context.Context, changed *[]*Holder) bool {
	mustTickThread(ctx, "full status update")
	if h.processingFull {
		return false
	}
	h.processingFull = true
	defer func() { h.processingFull = false }()

	ret := false
	for {
		pending := h.PendingFullStatus()
		current := h.FullStatus()
		if pending == current {
			if pending == status.Inaccessible {
				node := h.s.schedulingLock.LockPoint(ctx, h.pos.X, h.pos.Z)
				h.checkUnload()
				h.s.schedulingLock.Unlock(ctx, node)
			}
			return ret
		}
		ret = true
		c := h.Chunk()

		if pending.IsOrAfter(current) {
			if !current.IsOrAfter(status.FullBorder) && pending.IsOrAfter(status.FullBorder) {
				h.setFull(status.FullBorder)
				h.s.manager.ensureInAutosave(h)
				h.onFullChunkLoadChange(ctx, true, changed)
				h.completeFullStatusConsumers(status.FullBorder, c)
			}
			if !current.IsOrAfter(status.BlockTicking) && pending.IsOrAfter(status.BlockTicking) {
				h.setFull(status.BlockTicking)
				h.completeFullStatusConsumers(status.BlockTicking, c)
			}
			if !current.IsOrAfter(status.EntityTicking) && pending.IsOrAfter(status.EntityTicking) {
				h.setFull(status.EntityTicking)
				h.completeFullStatusConsumers(status.EntityTicking, c)
			}
			continue
		}
		if current.IsOrAfter(status.EntityTicking) && !pending.IsOrAfter(status.EntityTicking) {
			h.setFull(status.BlockTicking)
		}
		if current.IsOrAfter(status.BlockTicking) && !pending.IsOrAfter(status.BlockTicking) {
			h.setFull(status.FullBorder)
		}
		if current.IsOrAfter(status.FullBorder) && !pending.IsOrAfter(status.FullBorder) {
			h.onFullChunkLoadChange(ctx, false, changed)
			h.setFull(status.Inaccessible)
		}
	}
}

func (h *Holder) setFull(f status.FullStatus) {
	h.currentFull.Store(int32(f))
	h.s.emit(EventFullStatus, h.pos, map[string]any{"status": f.String()})
}

// generation target

// upgradeGenTarget raises the requested stage of a holder that is already
// progressing. It reports false if the holder needs scheduling.
func (h *Holder) upgradeGenTarget(to status.Stage) bool {
	if h.requestedStage == status.None && h.genTask == nil {
		return false
	}
	if h.requestedStage == status.None || !h.requestedStage.IsOrAfter(to) {
		h.requestedStage = to
	}
	return true
}

func (h *Holder) setGenerationTarget(to status.Stage) { h.requestedStage = to }

// consumers

func (h *Holder) addStatusConsumer(s status.Stage, fn func(Chunk)) {
	h.waitersMu.Lock()
	h.statusWaiters[s] = append(h.statusWaiters[s], fn)
	h.waitersMu.Unlock()
}

// completeStatusConsumers completes the waiters of s. A nil chunk means
// the generation was cancelled, which also fails every later stage.
func (h *Holder) completeStatusConsumers(s status.Stage, c Chunk) {
	for {
		h.completeStatusConsumers0(s, c)
		if c != nil || s == status.Full {
			return
		}
		s = s.Next()
	}
}

func (h *Holder) completeStatusConsumers0(s status.Stage, c Chunk) {
	h.waitersMu.Lock()
	consumers := h.statusWaiters[s]
	delete(h.statusWaiters, s)
	h.waitersMu.Unlock()
	if len(consumers) == 0 {
		return
	}
	h.s.dispatchCallbacks(h.pos, consumers, c)
}

func (h *Holder) addFullStatusConsumer(f status.FullStatus, fn func(Chunk)) {
	h.waitersMu.Lock()
	h.fullWaiters[f] = append(h.fullWaiters[f], fn)
	h.waitersMu.Unlock()
}

func (h *Holder) completeFullStatusConsumers(f status.FullStatus, c Chunk) {
	h.waitersMu.Lock()
	consumers := h.fullWaiters[f]
	delete(h.fullWaiters, f)
	h.waitersMu.Unlock()
	if len(consumers) == 0 {
		return
	}
	h.s.dispatchCallbacks(h.pos, consumers, c)
}

// generation completion

// onChunkGenComplete runs under the scheduling lock out to twice the
// maximum access radius. A nil chunk means the task was cancelled.
func (h *Holder) onChunkGenComplete(ctx context.Context, c Chunk, stage status.Stage, batch *updateBatch) {
	if len(h.neighboursBlocking) != 0 {
		panic(fmt.Sprintf("scheduling: %s completed %s while blocked on neighbours", h.pos, stage))
	}
	if c != nil || h.requestedStage == status.None || !h.requestedStage.IsOrAfter(stage) {
		h.completeStatusConsumers(stage, c)
	}
	h.genTask = nil
	h.genTaskStage = status.None

	if c == nil {
		h.onGenCancelled(ctx, batch)
		return
	}

	h.chunk = c
	h.currentStage = stage
	done := &chunkCompletion{chunk: c, stage: stage}
	h.completions[stage].Store(done)
	h.lastCompletion.Store(done)
	h.s.emit(EventStageComplete, h.pos, map[string]any{"stage": stage.String()})

	requested := h.requestedStage
	var needsScheduling []*Holder
	recalculate := false
	kept := h.neighboursWaiting[:0]
	for _, w := range h.neighboursWaiting {
		n := w.holder
		if !stage.IsOrAfter(w.stage) {
			if requested == status.None || !requested.IsOrAfter(w.stage) {
				// we will never reach what the neighbour needs
				if !n.removeBlockingNeighbour(h) {
					panic(fmt.Sprintf("scheduling: %s is not waiting on %s", n.pos, h.pos))
				}
				if len(n.neighboursBlocking) == 0 {
					n.checkUnload()
				}
				continue
			}
			kept = append(kept, w)
			continue
		}
		recalculate = true
		if !n.removeBlockingNeighbour(h) {
			panic(fmt.Sprintf("scheduling: %s is not waiting on %s", n.pos, h.pos))
		}
		if len(n.neighboursBlocking) == 0 {
			if n.requestedStage != status.None {
				needsScheduling = append(needsScheduling, n)
			} else {
				n.checkUnload()
			}
		}
	}
	clear(h.neighboursWaiting[len(kept):])
	h.neighboursWaiting = kept

	if stage == status.Full {
		h.lockPriority()
		if h.updatePendingStatus() {
			batch.changed = append(batch.changed, h)
		}
	}
	if recalculate {
		h.recalculateNeighbourRequestedPriority()
	}

	if requested != status.None && !stage.IsOrAfter(requested) {
		h.scheduleNeighbours(ctx, needsScheduling, batch)
		h.s.schedule(ctx, h, requested, batch)
		return
	}
	h.requestedStage = status.None
	h.SetPriority(noPriority)
	h.checkUnload()
	h.scheduleNeighbours(ctx, needsScheduling, batch)
}

func (h *Holder) onGenCancelled(ctx context.Context, batch *updateBatch) {
	requested := h.requestedStage
	h.requestedStage = status.None
	if requested != status.None {
		// a cancelled task may still be wanted; drop only the waiters we
		// will no longer satisfy, then reschedule
		kept := h.neighboursWaiting[:0]
		for _, w := range h.neighboursWaiting {
			if !requested.IsOrAfter(w.stage) {
				if !w.holder.removeBlockingNeighbour(h) {
					panic(fmt.Sprintf("scheduling: corrupt neighbour state between %s and %s", h.pos, w.holder.pos))
				}
				if len(w.holder.neighboursBlocking) == 0 {
					w.holder.checkUnload()
				}
				continue
			}
			kept = append(kept, w)
		}
		clear(h.neighboursWaiting[len(kept):])
		h.neighboursWaiting = kept
		h.s.schedule(ctx, h, requested, batch)
		return
	}

	for _, w := range h.neighboursWaiting {
		if !w.holder.removeBlockingNeighbour(h) {
			panic(fmt.Sprintf("scheduling: corrupt neighbour state between %s and %s", h.pos, w.holder.pos))
		}
		if len(w.holder.neighboursBlocking) == 0 {
			w.holder.checkUnload()
		}
	}
	h.neighboursWaiting = nil
	h.SetPriority(noPriority)
	h.checkUnload()
}

func (h *Holder) scheduleNeighbours(ctx context.Context, needs []*Holder, batch *updateBatch) {
	for _, n := range needs {
		h.s.schedule(ctx, n, n.requestedStage, batch)
	}
}

// setGenerationTask installs task as the holder's one in-flight stage and
// marks every holder it reads as in use until it completes.
func (h *Holder) setGenerationTask(ctx context.Context, task progressionTask, stage status.Stage, neighbours []*Holder) {
	if h.genTask != nil || (h.currentStage != status.None && h.currentStage.IsOrAfter(stage)) {
		panic(fmt.Sprintf("scheduling: %s already generating or already at %s", h.pos, stage))
	}
	if h.requestedStage == status.None || !h.requestedStage.IsOrAfter(stage) {
		panic(fmt.Sprintf("scheduling: %s scheduled to %s without a request", h.pos, stage))
	}
	h.genTask = task
	h.genTaskStage = stage
	for _, n := range neighbours {
		n.addNeighbourUsingChunk()
	}
	h.checkUnload()

	task.onComplete(ctx, func(ctx context.Context, c Chunk, err error) {
		h.onTaskComplete(ctx, task, stage, neighbours, c, err)
	})
}

func (h *Holder) onTaskComplete(ctx context.Context, task progressionTask, stage status.Stage, neighbours []*Holder, c Chunk, err error) {
	s := h.s
	if err != nil {
		node := s.schedulingLock.LockPoint(ctx, h.pos.X, h.pos.Z)
		if h.genErr != nil {
			s.schedulingLock.Unlock(ctx, node)
			s.log.Warn("ignoring further task failure", "pos", h.pos.String(), "err", err)
			return
		}
		// the task stays installed so nothing schedules past the failure
		h.genErr = err
		h.failedStage = stage
		s.schedulingLock.Unlock(ctx, node)
		s.metrics.TaskFailed(stage.String())
		s.unrecoverableFailure(ctx, h.pos, map[string]any{
			"generation_task": task.String(),
			"task_to_stage":   stage.String(),
		}, err)
		return
	}

	batch := ticketUpdateFrom(ctx)
	own := batch == nil
	if own {
		batch = &updateBatch{}
	}
	radius := int32(2 * status.MaxAccessRadius())
	node := s.schedulingLock.LockRadius(ctx, h.pos.X, h.pos.Z, radius)
	if h.genTask != task {
		s.schedulingLock.Unlock(ctx, node)
		panic(fmt.Sprintf("scheduling: %s completed %s but the holder waits on %s", h.pos, task, h.genTask))
	}
	for _, n := range neighbours {
		n.removeNeighbourUsingChunk()
	}
	if lt, ok := task.(*loadTask); ok && c != nil {
		h.entities, h.poi = lt.slices.Entities, lt.slices.POI
	}
	h.onChunkGenComplete(ctx, c, stage, batch)
	s.schedulingLock.Unlock(ctx, node)

	if own {
		s.manager.addChangedStatuses(ctx, batch.changed)
		batch.changed = nil
		batch.scheduleTasks(ctx)
	}
}

// slices

func (h *Holder) lockedSlices(ctx context.Context) Slices {
	node := h.s.schedulingLock.LockPoint(ctx, h.pos.X, h.pos.Z)
	defer h.s.schedulingLock.Unlock(ctx, node)
	return Slices{Entities: h.entities, POI: h.poi}
}

func (h *Holder) setSlices(ctx context.Context, sl Slices) {
	node := h.s.schedulingLock.LockPoint(ctx, h.pos.X, h.pos.Z)
	defer h.s.schedulingLock.Unlock(ctx, node)
	h.entities, h.poi = sl.Entities, sl.POI
}

// Save writes every dirty payload of the holder. Chunks below Full are only
// written on shutdown, when no stage task can be touching them. Tick
// goroutine only.
func (h *Holder) Save(ctx context.Context, shutdown bool) SaveStat {
	mustTickThread(ctx, "save")
	node := h.s.schedulingLock.LockPoint(ctx, h.pos.X, h.pos.Z)
	c, entities, poi := h.chunk, h.entities, h.poi
	if shutdown && h.unloadState != nil {
		// an unload failed between stages
		c, entities, poi = h.unloadState.chunk, h.unloadState.entities, h.unloadState.poi
	}
	h.s.schedulingLock.Unlock(ctx, node)

	var stat SaveStat
	if c != nil && c.Dirty() && (shutdown || c.Stage() == status.Full) {
		if data := h.marshalChunk(c); data != nil {
			stat.Chunk = h.s.save(h.pos, regionio.KindChunk, data)
		}
	}
	if entities != nil {
		if data := h.marshalSlice(regionio.KindEntity, entities); data != nil {
			stat.Entities = h.s.save(h.pos, regionio.KindEntity, data)
		}
	}
	if poi != nil {
		if data := h.marshalSlice(regionio.KindPOI, poi); data != nil {
			stat.POI = h.s.save(h.pos, regionio.KindPOI, data)
		}
	}
	return stat
}
