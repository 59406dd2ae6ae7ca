package scheduling

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"voxelcraft.ai/chunksys/internal/chunksys/arealock"
	"voxelcraft.ai/chunksys/internal/chunksys/executor"
	"voxelcraft.ai/chunksys/internal/chunksys/propagator"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/logging"
	"voxelcraft.ai/chunksys/internal/metrics"
)

// Manager owns the holders and the tickets that keep them loaded.
//
// Ticket sets and the expiry index are guarded by the ticket lock; holder
// state by the scheduling lock. Fields marked tick are only touched on the
// tick goroutine.
type Manager struct {
	s       *Scheduler
	log     logging.Logger
	metrics metrics.Collector

	ticketLock *arealock.AreaLock
	shift      uint
	levels     *propagator.Propagator[*updateBatch]

	holders *xsync.Map[int64, *Holder]
	tickets *xsync.Map[int64, *ticketSet]
	// lock section -> position -> number of expiring tickets there
	expiry      *xsync.Map[int64, map[int64]int]
	ticketCount atomic.Int64

	unloadQueue *unloadQueue
	unload      UnloadOptions
	autoSave    AutoSaveOptions
	cooldown    *TicketType

	currentTick atomic.Int64

	unloading     bool      // tick
	autoSaveQueue []*Holder // tick, ordered by (lastAutoSave, key)
	pendingFull   []*Holder // tick
}

func newManager(s *Scheduler, opts Options) *Manager {
	m := &Manager{
		s:       s,
		log:     s.log,
		metrics: s.metrics,
		ticketLock: arealock.New(opts.LockShift,
			arealock.WithRank(0), arealock.WithName("ticket")),
		shift:       opts.LockShift,
		holders:     xsync.NewMap[int64, *Holder](),
		tickets:     xsync.NewMap[int64, *ticketSet](),
		expiry:      xsync.NewMap[int64, map[int64]int](),
		unloadQueue: newUnloadQueue(opts.LockShift),
		unload:      opts.Unload,
		autoSave:    opts.AutoSave,
		cooldown:    &TicketType{Name: "unload_cooldown", Timeout: opts.Unload.CooldownTicks},
	}
	m.levels = propagator.New[*updateBatch](ticketHooks{m}, int32(status.MaxSchedulingRadius()))
	return m
}

func (m *Manager) CurrentTick() int64 { return m.currentTick.Load() }

// Holder returns the holder at (x, z) or nil.
func (m *Manager) Holder(x, z int32) *Holder {
	h, _ := m.holders.Load(coord.Key(x, z))
	return h
}

func (m *Manager) HolderCount() int { return m.holders.Size() }

// Holders returns a snapshot of every holder, ordered by coordinate key.
func (m *Manager) Holders() []*Holder {
	out := make([]*Holder, 0, m.holders.Size())
	m.holders.Range(func(_ int64, h *Holder) bool {
		out = append(out, h)
		return true
	})
	slices.SortFunc(out, func(a, b *Holder) int { return cmp.Compare(a.pos.Key(), b.pos.Key()) })
	return out
}

func (m *Manager) TicketCount() int64 { return m.ticketCount.Load() }

// TicketsAt returns the tickets at (x, z) ordered by level, type and id.
func (m *Manager) TicketsAt(ctx context.Context, x, z int32) []Ticket {
	node := m.ticketLock.LockPoint(ctx, x, z)
	defer m.ticketLock.Unlock(ctx, node)
	if set, ok := m.tickets.Load(coord.Key(x, z)); ok {
		return set.snapshot()
	}
	return nil
}

// PropagatedLevel returns the propagator level at (x, z); 0 means unloaded.
func (m *Manager) PropagatedLevel(ctx context.Context, x, z int32) int {
	node := m.ticketLock.LockPoint(ctx, x, z)
	defer m.ticketLock.Unlock(ctx, node)
	return m.levels.Level(x, z)
}

// tickets

func newTicket(typ *TicketType, level int, id int64) Ticket {
	delay := int64(noTimeout)
	if typ.Timeout > 0 {
		delay = typ.Timeout
	}
	return Ticket{Type: typ, Level: level, ID: id, removeDelay: delay}
}

func (m *Manager) expirySection(x, z int32) int64 {
	return coord.Key(coord.Shard(x, m.shift), coord.Shard(z, m.shift))
}

func (m *Manager) addExpire(x, z int32) {
	sk := m.expirySection(x, z)
	counts, ok := m.expiry.Load(sk)
	if !ok {
		counts, _ = m.expiry.LoadOrStore(sk, map[int64]int{})
	}
	counts[coord.Key(x, z)]++
}

func (m *Manager) removeExpire(x, z int32) {
	sk := m.expirySection(x, z)
	counts, ok := m.expiry.Load(sk)
	if !ok {
		panic(fmt.Sprintf("scheduling: no expiring tickets indexed at [%d, %d]", x, z))
	}
	key := coord.Key(x, z)
	n := counts[key] - 1
	switch {
	case n < 0:
		panic(fmt.Sprintf("scheduling: expiring ticket count below zero at [%d, %d]", x, z))
	case n == 0:
		delete(counts, key)
	default:
		counts[key] = n
	}
	if len(counts) == 0 {
		m.expiry.Delete(sk)
	}
}

// updateTicketLevel pushes a coordinate's effective ticket level to the
// propagator.
func (m *Manager) updateTicketLevel(x, z int32, level int) {
	if status.IsUnloaded(level) {
		m.levels.RemoveSource(x, z)
		return
	}
	m.levels.SetSource(x, z, status.ConvertLevel(level))
}

// addTicket requires the ticket lock covering (x, z). It reports whether
// the ticket was new.
func (m *Manager) addTicket(typ *TicketType, x, z int32, level int, id int64) bool {
	if level < 0 || level > status.MaxLevel {
		return false
	}
	key := coord.Key(x, z)
	set, ok := m.tickets.Load(key)
	if !ok {
		set, _ = m.tickets.LoadOrStore(key, &ticketSet{})
	}
	before := set.level()
	t := newTicket(typ, level, id)
	old, replaced := set.replace(t)
	after := set.level()

	if replaced {
		switch {
		case old.expires() && !t.expires():
			m.removeExpire(x, z)
		case !old.expires() && t.expires():
			m.addExpire(x, z)
		}
	} else {
		m.ticketCount.Add(1)
		m.metrics.TicketsChanged(1)
		if t.expires() {
			m.addExpire(x, z)
		}
	}
	if before != after {
		m.updateTicketLevel(x, z, after)
	}
	return !replaced
}

// removeTicket requires the ticket lock covering (x, z).
func (m *Manager) removeTicket(typ *TicketType, x, z int32, level int, id int64) bool {
	if level < 0 || level > status.MaxLevel {
		return false
	}
	key := coord.Key(x, z)
	set, ok := m.tickets.Load(key)
	if !ok {
		return false
	}
	before := set.level()
	old, found := set.remove(Ticket{Type: typ, Level: level, ID: id})
	if !found {
		return false
	}
	if len(set.tickets) == 0 {
		m.tickets.Delete(key)
	}
	m.ticketCount.Add(-1)
	m.metrics.TicketsChanged(-1)
	if old.expires() {
		m.removeExpire(x, z)
	}
	if after := set.level(); after != before {
		m.updateTicketLevel(x, z, after)
	}
	return true
}

// AddTicketAtLevel adds a ticket, replacing an equal one and refreshing its
// expiry. It reports whether the ticket was new. On the tick goroutine the
// coordinate's section is propagated right away; otherwise the change is
// applied by the next ProcessTicketUpdates.
func (m *Manager) AddTicketAtLevel(ctx context.Context, typ *TicketType, x, z int32, level int, id int64) bool {
	node := m.ticketLock.LockPoint(ctx, x, z)
	added := m.addTicket(typ, x, z, level, id)
	m.ticketLock.Unlock(ctx, node)
	m.afterTicketChange(ctx, x, z)
	return added
}

func (m *Manager) RemoveTicketAtLevel(ctx context.Context, typ *TicketType, x, z int32, level int, id int64) bool {
	node := m.ticketLock.LockPoint(ctx, x, z)
	removed := m.removeTicket(typ, x, z, level, id)
	m.ticketLock.Unlock(ctx, node)
	if removed {
		m.afterTicketChange(ctx, x, z)
	}
	return removed
}

// AddAndRemoveTickets adds one ticket and removes another atomically, so the
// coordinate is never observed without either.
func (m *Manager) AddAndRemoveTickets(ctx context.Context, x, z int32, add, remove Ticket) {
	node := m.ticketLock.LockPoint(ctx, x, z)
	m.addTicket(add.Type, x, z, add.Level, add.ID)
	m.removeTicket(remove.Type, x, z, remove.Level, remove.ID)
	m.ticketLock.Unlock(ctx, node)
	m.afterTicketChange(ctx, x, z)
}

// AddIfRemovedTicket adds add only if remove existed and was removed.
func (m *Manager) AddIfRemovedTicket(ctx context.Context, x, z int32, add, remove Ticket) bool {
	node := m.ticketLock.LockPoint(ctx, x, z)
	ok := m.removeTicket(remove.Type, x, z, remove.Level, remove.ID)
	if ok {
		m.addTicket(add.Type, x, z, add.Level, add.ID)
	}
	m.ticketLock.Unlock(ctx, node)
	if ok {
		m.afterTicketChange(ctx, x, z)
	}
	return ok
}

// RemoveAllTicketsFor removes the ticket (typ, level, id) everywhere.
func (m *Manager) RemoveAllTicketsFor(ctx context.Context, typ *TicketType, level int, id int64) {
	if m.tickets.Size() == 0 {
		return
	}
	bySection := map[int64][]int64{}
	m.tickets.Range(func(key int64, _ *ticketSet) bool {
		sk := m.expirySection(coord.X(key), coord.Z(key))
		bySection[sk] = append(bySection[sk], key)
		return true
	})
	for sk, keys := range bySection {
		node := m.ticketLock.LockPoint(ctx, coord.X(sk)<<m.shift, coord.Z(sk)<<m.shift)
		for _, key := range keys {
			m.removeTicket(typ, coord.X(key), coord.Z(key), level, id)
		}
		m.ticketLock.Unlock(ctx, node)
	}
	if IsTickThread(ctx) {
		m.ProcessTicketUpdates(ctx)
	}
}

// PerformTicketOps applies ops in order, each under the ticket lock of its
// coordinate, then runs one propagation pass on the tick goroutine. An add
// and remove of the same ticket within one call leave no trace.
func (m *Manager) PerformTicketOps(ctx context.Context, ops ...TicketOp) {
	for _, op := range ops {
		node := m.ticketLock.LockPoint(ctx, op.X, op.Z)
		t, second := op.Ticket, op.Second
		switch op.Kind {
		case OpAdd:
			m.addTicket(t.Type, op.X, op.Z, t.Level, t.ID)
		case OpRemove:
			m.removeTicket(t.Type, op.X, op.Z, t.Level, t.ID)
		case OpAddIfRemoved:
			if m.removeTicket(second.Type, op.X, op.Z, second.Level, second.ID) {
				m.addTicket(t.Type, op.X, op.Z, t.Level, t.ID)
			}
		case OpAddAndRemove:
			m.addTicket(t.Type, op.X, op.Z, t.Level, t.ID)
			m.removeTicket(second.Type, op.X, op.Z, second.Level, second.ID)
		default:
			m.ticketLock.Unlock(ctx, node)
			panic(fmt.Sprintf("scheduling: unknown ticket op %d", op.Kind))
		}
		m.ticketLock.Unlock(ctx, node)
	}
	if IsTickThread(ctx) {
		m.ProcessTicketUpdates(ctx)
	}
}

func (m *Manager) afterTicketChange(ctx context.Context, x, z int32) {
	if IsTickThread(ctx) && !m.unloading {
		m.processTicketUpdatesAt(ctx, x, z)
	}
}

// Tick advances the tick counter, expires timed tickets and propagates the
// result.
func (m *Manager) Tick(ctx context.Context) {
	mustTickThread(ctx, "ticket expiry")
	m.currentTick.Add(1)

	var sections []int64
	m.expiry.Range(func(sk int64, _ map[int64]int) bool {
		sections = append(sections, sk)
		return true
	})
	for _, sk := range sections {
		node := m.ticketLock.LockPoint(ctx, coord.X(sk)<<m.shift, coord.Z(sk)<<m.shift)
		m.expireSection(sk)
		m.ticketLock.Unlock(ctx, node)
	}
	m.ProcessTicketUpdates(ctx)
}

func (m *Manager) expireSection(sk int64) {
	counts, ok := m.expiry.Load(sk)
	if !ok {
		return
	}
	for key, n := range counts {
		set, ok := m.tickets.Load(key)
		if !ok {
			delete(counts, key)
			continue
		}
		before := set.level()
		removed := set.expire()
		if len(set.tickets) == 0 {
			m.tickets.Delete(key)
		}
		if after := set.level(); after != before {
			m.updateTicketLevel(coord.X(key), coord.Z(key), after)
		}
		if removed == 0 {
			continue
		}
		m.ticketCount.Add(int64(-removed))
		m.metrics.TicketsChanged(-removed)
		if n-removed <= 0 {
			delete(counts, key)
		} else {
			counts[key] = n - removed
		}
	}
	if len(counts) == 0 {
		m.expiry.Delete(sk)
	}
}

// propagation

// ticketHooks keeps the propagator callbacks off the Manager API.
type ticketHooks struct{ m *Manager }

func (k ticketHooks) ProcessLevelUpdates(_ context.Context, updates *propagator.Updates) {
	m := k.m
	updates.Range(func(key int64, propagated uint8) bool {
		level := status.ConvertLevel(int(propagated))
		h, ok := m.holders.Load(key)
		if !ok {
			if status.IsUnloaded(level) {
				updates.Delete(key)
				return true
			}
			h = m.createHolder(key)
		}
		if h.TicketLevel() == level {
			updates.Delete(key)
			return true
		}
		h.currentTicketLevel.Store(int32(level))
		return true
	})
}

func (k ticketHooks) ProcessSchedulingUpdates(ctx context.Context, updates *propagator.Updates, batch *updateBatch) {
	m := k.m
	ctx = withTicketUpdate(ctx, batch)
	updates.Range(func(key int64, _ uint8) bool {
		h, ok := m.holders.Load(key)
		if !ok {
			panic(fmt.Sprintf("scheduling: missing holder at %s during ticket update", coord.FromKey(key)))
		}
		h.processTicketLevelUpdate(ctx, batch)
		return true
	})
}

func (m *Manager) createHolder(key int64) *Holder {
	pos := coord.FromKey(key)
	h := newHolder(m.s, pos)
	m.holders.Store(key, h)
	m.metrics.HolderCreated()
	m.s.emit(EventHolderCreated, pos, nil)
	return h
}

// ProcessTicketUpdates drains every pending ticket change, schedules the
// resulting tasks and applies full status changes. Tick goroutine only.
func (m *Manager) ProcessTicketUpdates(ctx context.Context) bool {
	mustTickThread(ctx, "ticket update")
	if m.unloading {
		panic("scheduling: cannot process ticket updates while unloading")
	}
	batch := &updateBatch{}
	ret := m.levels.PerformUpdates(ctx, m.ticketLock, m.s.schedulingLock, batch)
	m.metrics.PropagationPass(ret)
	m.addChangedStatuses(ctx, batch.changed)
	batch.scheduleTasks(ctx)
	if m.processPendingFullUpdate(ctx) {
		ret = true
	}
	return ret
}

// processTicketUpdatesAt runs the pending update of the propagator section
// containing (x, z), if any.
func (m *Manager) processTicketUpdatesAt(ctx context.Context, x, z int32) bool {
	sx, sz := x>>propagator.SectionShift, z>>propagator.SectionShift
	const mask = propagator.SectionSize - 1
	batch := &updateBatch{}
	node := m.ticketLock.Lock(ctx,
		(sx-1)<<propagator.SectionShift, (sz-1)<<propagator.SectionShift,
		((sx+1)<<propagator.SectionShift)|mask, ((sz+1)<<propagator.SectionShift)|mask)
	ret := m.levels.PerformUpdate(ctx, sx, sz, m.s.schedulingLock, batch)
	m.ticketLock.Unlock(ctx, node)
	if !ret {
		return false
	}
	m.addChangedStatuses(ctx, batch.changed)
	batch.scheduleTasks(ctx)
	if IsTickThread(ctx) {
		m.processPendingFullUpdate(ctx)
	}
	return true
}

// full status

// addChangedStatuses queues holders whose pending full status changed. Off
// the tick goroutine they are handed to it.
func (m *Manager) addChangedStatuses(ctx context.Context, changed []*Holder) {
	if len(changed) == 0 {
		return
	}
	if !IsTickThread(ctx) {
		changed = slices.Clone(changed)
		m.s.queueMainTask(func(ctx context.Context) {
			m.pendingFull = append(m.pendingFull, changed...)
			m.processPendingFullUpdate(ctx)
		}, executor.Highest)
		return
	}
	m.pendingFull = append(m.pendingFull, changed...)
}

func (m *Manager) processPendingFullUpdate(ctx context.Context) bool {
	ret := false
	var changed []*Holder
	for len(m.pendingFull) > 0 {
		h := m.pendingFull[0]
		m.pendingFull[0] = nil
		m.pendingFull = m.pendingFull[1:]
		if h.handleFullStatusChange(ctx, &changed) {
			ret = true
		}
		if len(changed) > 0 {
			m.pendingFull = append(m.pendingFull, changed...)
			changed = changed[:0]
		}
	}
	return ret
}

// priority

func (m *Manager) withHolder(ctx context.Context, x, z int32, fn func(h *Holder)) {
	lock := m.s.schedulingLock
	node := lock.LockPoint(ctx, x, z)
	defer lock.Unlock(ctx, node)
	if h := m.Holder(x, z); h != nil {
		fn(h)
	}
}

func (m *Manager) RaisePriority(ctx context.Context, x, z int32, p executor.Priority) {
	m.withHolder(ctx, x, z, func(h *Holder) { h.RaisePriority(p) })
}

func (m *Manager) SetPriority(ctx context.Context, x, z int32, p executor.Priority) {
	m.withHolder(ctx, x, z, func(h *Holder) { h.SetPriority(p) })
}

func (m *Manager) LowerPriority(ctx context.Context, x, z int32, p executor.Priority) {
	m.withHolder(ctx, x, z, func(h *Holder) { h.LowerPriority(p) })
}

// unload

// ProcessUnloads unloads a share of the holders in the unload queue and
// returns how many were removed. Serialization and saving run without
// holding any area lock. Tick goroutine only.
func (m *Manager) ProcessUnloads(ctx context.Context) int {
	mustTickThread(ctx, "unload")
	if m.unloading {
		panic("scheduling: recursive unload")
	}
	refs := m.unloadQueue.retrieve()
	tentative := 0
	for _, r := range refs {
		tentative += r.count
	}
	if tentative <= 0 {
		return 0
	}
	// an addTicket that happened before this call must not be missed
	m.ProcessTicketUpdates(ctx)

	toUnload := max(m.unload.MinPerTick, int(float64(tentative)*m.unload.Fraction))
	processed, removed := 0, 0
	for _, r := range refs {
		n, rm := m.unloadSection(ctx, r, toUnload-processed)
		processed += n
		removed += rm
		if processed >= toUnload {
			break
		}
	}
	if removed > 0 {
		m.metrics.Unloaded(removed)
	}
	return removed
}

// unloadSection runs the three unload stages on up to limit holders of one
// lock section.
func (m *Manager) unloadSection(ctx context.Context, r sectionRef, limit int) (processed, removed int) {
	sched := m.s.schedulingLock
	lx, lz := r.x<<m.unloadQueue.shift, r.z<<m.unloadQueue.shift

	var stage1 []*Holder
	var stage2 []*unloadState
	ticketNode := m.ticketLock.LockPoint(ctx, lx, lz)
	schedNode := sched.LockPoint(ctx, lx, lz)
	section := m.unloadQueue.section(r.x, r.z)
	if section == nil {
		// removed concurrently
		sched.Unlock(ctx, schedNode)
		m.ticketLock.Unlock(ctx, ticketNode)
		return 0, 0
	}
	var keys []int64
	if section.size() <= limit {
		keys = section.all()
		m.unloadQueue.removeSection(r.x, r.z)
	} else {
		keys = section.pollFirst(limit)
	}
	for _, key := range keys {
		h, ok := m.holders.Load(key)
		if !ok {
			panic(fmt.Sprintf("scheduling: unload queue holds missing holder %s", coord.FromKey(key)))
		}
		stage1 = append(stage1, h)
	}
	for _, h := range stage1 {
		h.inUnloadQueue = false
		if reason := h.isSafeToUnload(); reason != "" {
			m.log.Error("holder in unload queue is not safe to unload", "pos", h.pos.String(), "reason", reason)
			continue
		}
		st := h.unloadStage1()
		if st == nil {
			m.removeHolder(h)
			removed++
			continue
		}
		stage2 = append(stage2, st)
	}
	sched.Unlock(ctx, schedNode)
	m.ticketLock.Unlock(ctx, ticketNode)

	m.runUnloadStage2(ctx, stage2)

	ticketNode = m.ticketLock.LockPoint(ctx, lx, lz)
	schedNode = sched.LockPoint(ctx, lx, lz)
	for _, st := range stage2 {
		h := st.holder
		if h.unloadStage3() {
			m.removeHolder(h)
			removed++
			continue
		}
		// keep the holder out of the next unload pass
		m.addTicket(m.cooldown, h.pos.X, h.pos.Z, status.MaxLevel, 0)
	}
	sched.Unlock(ctx, schedNode)
	m.ticketLock.Unlock(ctx, ticketNode)
	return len(stage1), removed
}

func (m *Manager) runUnloadStage2(ctx context.Context, states []*unloadState) {
	m.unloading = true
	defer func() { m.unloading = false }()
	for _, st := range states {
		st.holder.unloadStage2(ctx, st)
		m.s.emit(EventUnload, st.holder.pos, nil)
	}
}

// removeHolder requires the ticket and scheduling locks covering h.
func (m *Manager) removeHolder(h *Holder) {
	h.unloaded = true
	if h.inUnloadQueue {
		h.inUnloadQueue = false
		m.unloadQueue.remove(h.pos.X, h.pos.Z)
	}
	m.removeFromAutoSave(h)
	m.holders.Delete(h.pos.Key())
	m.metrics.HolderRemoved()
	m.s.emit(EventHolderRemoved, h.pos, nil)
}

// saving

func compareAutoSave(a, b *Holder) int {
	if c := cmp.Compare(a.lastAutoSave, b.lastAutoSave); c != 0 {
		return c
	}
	return cmp.Compare(a.pos.Key(), b.pos.Key())
}

func (m *Manager) ensureInAutosave(h *Holder) {
	if h.inAutoSave {
		return
	}
	h.lastAutoSave = m.CurrentTick()
	m.insertAutoSave(h)
}

func (m *Manager) insertAutoSave(h *Holder) {
	i, _ := slices.BinarySearchFunc(m.autoSaveQueue, h, compareAutoSave)
	m.autoSaveQueue = slices.Insert(m.autoSaveQueue, i, h)
	h.inAutoSave = true
}

func (m *Manager) removeFromAutoSave(h *Holder) {
	if !h.inAutoSave {
		return
	}
	if i, found := slices.BinarySearchFunc(m.autoSaveQueue, h, compareAutoSave); found {
		m.autoSaveQueue = slices.Delete(m.autoSaveQueue, i, i+1)
	}
	h.inAutoSave = false
}

// AutoSave saves the holders that went longest without a save, at most
// MaxPerTick of them. Holders that are still Full re-enter the queue.
func (m *Manager) AutoSave(ctx context.Context) int {
	mustTickThread(ctx, "autosave")
	now := m.CurrentTick()
	maxSaveTime := now - max(1, m.autoSave.IntervalTicks)
	var reschedule []*Holder
	saved := 0
	for saved < m.autoSave.MaxPerTick && len(m.autoSaveQueue) > 0 {
		h := m.autoSaveQueue[0]
		if h.lastAutoSave > maxSaveTime {
			break
		}
		m.autoSaveQueue = slices.Delete(m.autoSaveQueue, 0, 1)
		h.inAutoSave = false
		h.lastAutoSave = now
		if m.saveHolder(ctx, h, false).Any() {
			saved++
		}
		if h.FullStatus().IsOrAfter(status.FullBorder) {
			reschedule = append(reschedule, h)
		}
	}
	for _, h := range reschedule {
		if h.FullStatus().IsOrAfter(status.FullBorder) {
			m.insertAutoSave(h)
		}
	}
	return saved
}

// SaveSummary counts the payloads a SaveAllChunks call wrote.
type SaveSummary struct {
	Holders  int
	Chunks   int
	Entities int
	POI      int
}

func (m *Manager) saveHolder(ctx context.Context, h *Holder, shutdown bool) (stat SaveStat) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("failed to save holder", "pos", h.pos.String(), "panic", fmt.Sprint(r))
		}
	}()
	return h.Save(ctx, shutdown)
}

// SaveAllChunks saves every holder. A failing holder is logged and skipped.
// With flush the storage is flushed afterwards.
func (m *Manager) SaveAllChunks(ctx context.Context, flush, shutdown bool) (SaveSummary, error) {
	mustTickThread(ctx, "save all")
	holders := m.Holders()
	sum := SaveSummary{Holders: len(holders)}
	for _, h := range holders {
		stat := m.saveHolder(ctx, h, shutdown)
		if stat.Chunk {
			sum.Chunks++
		}
		if stat.Entities {
			sum.Entities++
		}
		if stat.POI {
			sum.POI++
		}
	}
	m.log.Info("saved chunks", "holders", sum.Holders, "chunks", sum.Chunks, "entities", sum.Entities, "poi", sum.POI)
	if !flush {
		return sum, nil
	}
	if err := m.s.storage.Flush(ctx); err != nil {
		return sum, fmt.Errorf("scheduling: flush storage: %w", err)
	}
	return sum, nil
}

// Close stops the worker pools and, with save, writes every holder and
// flushes storage. Tick goroutine only.
func (m *Manager) Close(ctx context.Context, save bool) error {
	mustTickThread(ctx, "close")
	haltErr := m.s.halt(ctx)
	if haltErr != nil {
		m.log.Warn("workers did not stop in time", "err", haltErr)
	}
	if !save {
		return haltErr
	}
	_, err := m.SaveAllChunks(ctx, true, true)
	if err != nil {
		return err
	}
	return haltErr
}
