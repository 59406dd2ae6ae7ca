package scheduling

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"voxelcraft.ai/chunksys/internal/chunksys/executor"
	"voxelcraft.ai/chunksys/internal/coord"
)

// FailureReport describes the task failure that stopped the chunk system.
type FailureReport struct {
	Time              time.Time         `json:"time"`
	Pos               coord.Pos         `json:"pos"`
	Holder            *HolderDump       `json:"holder,omitempty"`
	ObjectsOfInterest map[string]string `json:"objects_of_interest,omitempty"`
	Message           string            `json:"error"`
	// coordinates SyncLoad callers were blocked on, oldest first
	SyncLoadsBlocked []coord.Pos `json:"sync_loads_blocked,omitempty"`

	Err error `json:"-"`
}

func (r *FailureReport) Error() string {
	return fmt.Sprintf("chunk system failure at %s: %s", r.Pos, r.Message)
}

func (r *FailureReport) Unwrap() error { return r.Err }

// String renders the report for logs.
func (r *FailureReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Chunk system failure --\n")
	fmt.Fprintf(&b, "Time: %s\n", r.Time.Format(time.RFC3339))
	fmt.Fprintf(&b, "Coordinate: %s\n", r.Pos)
	fmt.Fprintf(&b, "Error: %s\n", r.Message)
	if r.Holder != nil {
		fmt.Fprintf(&b, "Holder: stage=%s requested=%s ticket=%d full=%s task=%s\n",
			r.Holder.Stage, r.Holder.RequestedStage, r.Holder.TicketLevel, r.Holder.FullStatus, r.Holder.GenerationTask)
	} else {
		fmt.Fprintf(&b, "Holder: null\n")
	}
	if len(r.ObjectsOfInterest) > 0 {
		fmt.Fprintf(&b, "-- Objects of interest --\n")
		for _, k := range slices.Sorted(maps.Keys(r.ObjectsOfInterest)) {
			fmt.Fprintf(&b, "%s: %s\n", k, r.ObjectsOfInterest[k])
		}
	}
	if len(r.SyncLoadsBlocked) > 0 {
		fmt.Fprintf(&b, "-- Blocked sync loads --\n")
		for _, p := range r.SyncLoadsBlocked {
			fmt.Fprintf(&b, "%s\n", p)
		}
	}
	return b.String()
}

func stringIfNil(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprint(v)
}

// unrecoverableFailure stops the chunk system after a task failure. Only
// the first failure builds a report.
func (s *Scheduler) unrecoverableFailure(ctx context.Context, pos coord.Pos, objects map[string]any, err error) {
	h := s.manager.Holder(pos.X, pos.Z)
	s.log.Error("chunk system error", "pos", pos.String(), "holder", stringIfNil(h), "err", err)
	if s.failed.Swap(true) {
		return
	}
	report := &FailureReport{
		Time:              time.Now().UTC(),
		Pos:               pos,
		ObjectsOfInterest: make(map[string]string, len(objects)),
		Message:           err.Error(),
		SyncLoadsBlocked:  s.SyncLoadsBlocked(),
		Err:               err,
	}
	if h != nil {
		node := s.schedulingLock.LockPoint(ctx, pos.X, pos.Z)
		d := h.dump()
		s.schedulingLock.Unlock(ctx, node)
		report.Holder = &d
	}
	for k, v := range objects {
		report.ObjectsOfInterest[k] = stringIfNil(v)
	}
	s.report.Store(report)
	s.log.Error(report.String())
	s.emit(EventFailure, pos, map[string]any{"error": report.Message})

	// the tick goroutine picks the failure up before any other queued work
	s.queueMainTask(func(context.Context) {
		if s.onFailure != nil {
			s.onFailure(*report)
		}
	}, executor.Blocking)
}
