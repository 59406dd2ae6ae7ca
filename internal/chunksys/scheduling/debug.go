package scheduling

import (
	"cmp"
	"context"
	_ "embed"
	"slices"

	"voxelcraft.ai/chunksys/internal/chunksys/executor"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
)

// DumpSchema is the JSON schema a marshalled Dump satisfies.
//
//go:embed dump.schema.json
var DumpSchema string

// HolderDump is a point-in-time view of one holder.
type HolderDump struct {
	Pos                coord.Pos         `json:"pos"`
	OldTicketLevel     int               `json:"old_ticket_level"`
	TicketLevel        int               `json:"ticket_level"`
	Stage              status.Stage      `json:"stage"`
	RequestedStage     status.Stage      `json:"requested_stage"`
	GenerationTask     string            `json:"generation_task,omitempty"`
	GenerationStage    status.Stage      `json:"generation_stage"`
	FailedStage        status.Stage      `json:"failed_stage"`
	Error              string            `json:"error,omitempty"`
	Priority           string            `json:"priority,omitempty"`
	NeighbourPriority  string            `json:"neighbour_priority,omitempty"`
	PriorityLocked     bool              `json:"priority_locked"`
	PendingFullStatus  status.FullStatus `json:"pending_full_status"`
	FullStatus         status.FullStatus `json:"full_status"`
	FullNeighbours     uint32            `json:"full_neighbours"`
	BlockingNeighbours []coord.Pos       `json:"blocking_neighbours"`
	WaitingNeighbours  []WaitingDump     `json:"waiting_neighbours"`
	NeighboursUsing    int               `json:"neighbours_using"`
	UnloadReason       string            `json:"unload_reason,omitempty"`
	InUnloadQueue      bool              `json:"in_unload_queue"`
	Unloaded           bool              `json:"unloaded"`
	PendingSaves       []string          `json:"pending_saves,omitempty"`
}

type WaitingDump struct {
	Pos   coord.Pos    `json:"pos"`
	Stage status.Stage `json:"stage"`
}

func priorityName(p executor.Priority) string {
	if p == noPriority {
		return ""
	}
	return p.String()
}

// dump requires the scheduling lock covering the holder.
func (h *Holder) dump() HolderDump {
	d := HolderDump{
		Pos:                h.pos,
		OldTicketLevel:     h.oldTicketLevel,
		TicketLevel:        h.TicketLevel(),
		Stage:              h.currentStage,
		RequestedStage:     h.requestedStage,
		GenerationStage:    h.genTaskStage,
		FailedStage:        h.failedStage,
		Priority:           priorityName(h.priority),
		NeighbourPriority:  priorityName(h.neighbourPriority),
		PriorityLocked:     h.priorityLocked,
		PendingFullStatus:  h.PendingFullStatus(),
		FullStatus:         h.FullStatus(),
		FullNeighbours:     h.fullNeighbours,
		BlockingNeighbours: make([]coord.Pos, 0, len(h.neighboursBlocking)),
		WaitingNeighbours:  make([]WaitingDump, 0, len(h.neighboursWaiting)),
		NeighboursUsing:    h.neighboursUsing,
		UnloadReason:       h.isSafeToUnload(),
		InUnloadQueue:      h.inUnloadQueue,
		Unloaded:           h.unloaded,
	}
	if h.genTask != nil {
		d.GenerationTask = h.genTask.String()
	}
	if h.genErr != nil {
		d.Error = h.genErr.Error()
	}
	for _, n := range h.neighboursBlocking {
		d.BlockingNeighbours = append(d.BlockingNeighbours, n.pos)
	}
	for _, w := range h.neighboursWaiting {
		d.WaitingNeighbours = append(d.WaitingNeighbours, WaitingDump{Pos: w.holder.pos, Stage: w.stage})
	}
	for i, t := range h.unloadTasks {
		if t != nil {
			d.PendingSaves = append(d.PendingSaves, regionio.Kinds[i].String())
		}
	}
	return d
}

// Dump describes the whole chunk system for diagnostics.
type Dump struct {
	Tick             int64          `json:"tick"`
	LockShift        uint           `json:"lock_shift"`
	Failed           bool           `json:"failed"`
	Holders          []HolderDump   `json:"holders"`
	Tickets          []TicketsDump  `json:"tickets"`
	UnloadQueue      []UnloadDump   `json:"unload_queue"`
	SyncLoadsBlocked []coord.Pos    `json:"sync_loads_blocked"`
	Queues           map[string]int `json:"queues"`
	Radius           executor.Stats `json:"radius_executor"`
	Sections         int            `json:"propagator_sections"`
	Failure          *FailureReport `json:"failure,omitempty"`
}

type TicketsDump struct {
	Pos     coord.Pos    `json:"pos"`
	Tickets []TicketDump `json:"tickets"`
}

type TicketDump struct {
	Type        string `json:"type"`
	Level       int    `json:"level"`
	ID          int64  `json:"id"`
	RemoveDelay int64  `json:"remove_delay,omitempty"`
}

type UnloadDump struct {
	Section coord.Pos   `json:"section"`
	Order   int64       `json:"order"`
	Chunks  []coord.Pos `json:"chunks"`
}

// DebugDump snapshots every holder, ticket and unload queue section. Each
// entry is read under its own lock, so the dump as a whole is not atomic.
func (m *Manager) DebugDump(ctx context.Context) Dump {
	s := m.s
	d := Dump{
		Tick:             m.CurrentTick(),
		LockShift:        m.shift,
		Failed:           s.Failed(),
		Holders:          []HolderDump{},
		Tickets:          []TicketsDump{},
		UnloadQueue:      []UnloadDump{},
		SyncLoadsBlocked: s.SyncLoadsBlocked(),
		Queues:           s.QueueDepths(),
		Radius:           s.radius.Stats(),
		Sections:         m.levels.SectionCount(),
		Failure:          s.Failure(),
	}
	if d.SyncLoadsBlocked == nil {
		d.SyncLoadsBlocked = []coord.Pos{}
	}

	for _, h := range m.Holders() {
		node := s.schedulingLock.LockPoint(ctx, h.pos.X, h.pos.Z)
		d.Holders = append(d.Holders, h.dump())
		s.schedulingLock.Unlock(ctx, node)
	}

	var keys []int64
	m.tickets.Range(func(k int64, _ *ticketSet) bool {
		keys = append(keys, k)
		return true
	})
	slices.Sort(keys)
	for _, k := range keys {
		x, z := coord.X(k), coord.Z(k)
		node := m.ticketLock.LockPoint(ctx, x, z)
		var tickets []Ticket
		if set, ok := m.tickets.Load(k); ok {
			tickets = set.snapshot()
		}
		m.ticketLock.Unlock(ctx, node)
		if len(tickets) == 0 {
			continue
		}
		td := TicketsDump{Pos: coord.Pos{X: x, Z: z}, Tickets: make([]TicketDump, 0, len(tickets))}
		for _, t := range tickets {
			e := TicketDump{Type: t.Type.Name, Level: t.Level, ID: t.ID}
			if t.expires() {
				e.RemoveDelay = t.removeDelay
			}
			td.Tickets = append(td.Tickets, e)
		}
		d.Tickets = append(d.Tickets, td)
	}

	for _, ref := range m.unloadQueue.retrieve() {
		sec := m.unloadQueue.section(ref.x, ref.z)
		if sec == nil {
			continue
		}
		ud := UnloadDump{Section: coord.Pos{X: ref.x, Z: ref.z}, Order: ref.order, Chunks: []coord.Pos{}}
		for _, k := range sec.all() {
			ud.Chunks = append(ud.Chunks, coord.FromKey(k))
		}
		slices.SortFunc(ud.Chunks, func(a, b coord.Pos) int { return cmp.Compare(a.Key(), b.Key()) })
		d.UnloadQueue = append(d.UnloadQueue, ud)
	}
	return d
}

// HolderDump snapshots the holder at x, z.
func (m *Manager) HolderDump(ctx context.Context, x, z int32) (HolderDump, bool) {
	h := m.Holder(x, z)
	if h == nil {
		return HolderDump{}, false
	}
	node := m.s.schedulingLock.LockPoint(ctx, x, z)
	defer m.s.schedulingLock.Unlock(ctx, node)
	return h.dump(), true
}
