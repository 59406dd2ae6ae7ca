package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelcraft.ai/chunksys/internal/chunksys/arealock"
	"voxelcraft.ai/chunksys/internal/chunksys/executor"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
)

func (f *fixture) settled() bool {
	for _, h := range f.m.Holders() {
		s := h.Stage()
		if s == status.None || !s.IsOrAfter(status.StageForLevel(h.TicketLevel())) {
			return false
		}
	}
	return true
}

func forSquare(r int32, fn func(x, z int32)) {
	for z := -r; z <= r; z++ {
		for x := -r; x <= r; x++ {
			fn(x, z)
		}
	}
}

func validateDump(t *testing.T, d Dump) {
	t.Helper()
	schema, err := jsonschema.CompileString("dump.schema.json", DumpSchema)
	require.NoError(t, err)
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	var v any
	require.NoError(t, json.Unmarshal(raw, &v))
	require.NoError(t, schema.Validate(v))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Generator: newTestGenerator(), Codec: testCodec{}, Storage: newMemStorage(), LockShift: 4})
	require.Error(t, err)
}

func TestTicketLevelsCreateHolders(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1))
	f.m.ProcessTicketUpdates(f.ctx)

	require.Equal(t, 121, f.m.HolderCount())
	require.Equal(t, status.FullLevel, f.m.Holder(0, 0).TicketLevel())
	require.Equal(t, status.MaxLevel, f.m.Holder(5, 0).TicketLevel())
	require.Equal(t, status.MaxLevel, f.m.Holder(-5, 3).TicketLevel())
	require.Nil(t, f.m.Holder(6, 0))
	require.Equal(t, status.ConvertLevel(status.FullLevel), f.m.PropagatedLevel(f.ctx, 0, 0))
	require.Equal(t, 121, f.events.count(EventHolderCreated))
}

func TestAddTicketBoundsAndReplace(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, -1, 1))
	require.False(t, f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.MaxLevel+1, 1))
	require.Zero(t, f.m.TicketCount())

	require.True(t, f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.MaxLevel, 1))
	require.False(t, f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.MaxLevel, 1))
	require.EqualValues(t, 1, f.m.TicketCount())
	require.Len(t, f.m.TicketsAt(f.ctx, 0, 0), 1)

	require.False(t, f.m.RemoveTicketAtLevel(f.ctx, testTicket, 0, 0, status.MaxLevel, 2))
	require.True(t, f.m.RemoveTicketAtLevel(f.ctx, testTicket, 0, 0, status.MaxLevel, 1))
	require.Zero(t, f.m.TicketCount())
}

func TestTicketsOrderedByLevel(t *testing.T) {
	f := newFixture(t)
	other := &TicketType{Name: "other"}
	f.m.AddTicketAtLevel(f.ctx, testTicket, 3, 3, 36, 1)
	f.m.AddTicketAtLevel(f.ctx, other, 3, 3, 34, 1)
	f.m.AddTicketAtLevel(f.ctx, testTicket, 3, 3, 34, 7)
	f.m.ProcessTicketUpdates(f.ctx)

	got := f.m.TicketsAt(f.ctx, 3, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "other", got[0].Type.Name)
	assert.Equal(t, "test", got[1].Type.Name)
	assert.Equal(t, 36, got[2].Level)
	require.Equal(t, 34, f.m.Holder(3, 3).TicketLevel())
}

func TestAddAndRemoveTicketsInOneStep(t *testing.T) {
	f := newFixture(t)
	a := Ticket{Type: testTicket, Level: 35, ID: 1}
	b := Ticket{Type: testTicket, Level: 36, ID: 2}

	require.False(t, f.m.AddIfRemovedTicket(f.ctx, 0, 0, b, a))
	require.Empty(t, f.m.TicketsAt(f.ctx, 0, 0))

	f.m.AddTicketAtLevel(f.ctx, a.Type, 0, 0, a.Level, a.ID)
	require.True(t, f.m.AddIfRemovedTicket(f.ctx, 0, 0, b, a))
	got := f.m.TicketsAt(f.ctx, 0, 0)
	require.Len(t, got, 1)
	require.Equal(t, 36, got[0].Level)

	f.m.AddAndRemoveTickets(f.ctx, 0, 0, a, b)
	f.m.ProcessTicketUpdates(f.ctx)
	got = f.m.TicketsAt(f.ctx, 0, 0)
	require.Len(t, got, 1)
	require.Equal(t, 35, got[0].Level)
	require.Equal(t, 35, f.m.Holder(0, 0).TicketLevel())
}

func TestPerformTicketOpsCoalescesAddAndRemove(t *testing.T) {
	f := newFixture(t)
	f.m.PerformTicketOps(f.ctx,
		AddOp(10, 10, testTicket, status.FullLevel, 1),
		RemoveOp(10, 10, testTicket, status.FullLevel, 1),
	)
	require.Zero(t, f.m.TicketCount())
	require.Zero(t, f.m.HolderCount())
	require.Zero(t, f.m.PropagatedLevel(f.ctx, 10, 10))
	require.Zero(t, f.events.count(EventHolderCreated))
}

func TestRemoveAllTicketsFor(t *testing.T) {
	f := newFixture(t)
	f.m.PerformTicketOps(f.ctx,
		AddOp(0, 0, testTicket, 37, 9),
		AddOp(200, -300, testTicket, 37, 9),
		AddOp(0, 0, testTicket, 37, 10),
	)
	f.m.RemoveAllTicketsFor(f.ctx, testTicket, 37, 9)
	require.EqualValues(t, 1, f.m.TicketCount())
	require.Empty(t, f.m.TicketsAt(f.ctx, 200, -300))
	require.Len(t, f.m.TicketsAt(f.ctx, 0, 0), 1)
}

func TestTimedTicketsExpire(t *testing.T) {
	f := newFixture(t)
	timed := &TicketType{Name: "timed", Timeout: 3}
	f.m.AddTicketAtLevel(f.ctx, timed, 0, 0, status.MaxLevel, 1)

	f.m.Tick(f.ctx)
	f.m.Tick(f.ctx)
	require.Len(t, f.m.TicketsAt(f.ctx, 0, 0), 1)
	require.NotNil(t, f.m.Holder(0, 0))

	f.m.Tick(f.ctx)
	require.Empty(t, f.m.TicketsAt(f.ctx, 0, 0))
	require.Zero(t, f.m.TicketCount())

	f.runUntil("holder removal", func() bool { return f.m.HolderCount() == 0 })
}

func TestReAddingTimedTicketRefreshesExpiry(t *testing.T) {
	f := newFixture(t)
	timed := &TicketType{Name: "timed", Timeout: 2}
	f.m.AddTicketAtLevel(f.ctx, timed, 0, 0, status.MaxLevel, 1)
	f.m.Tick(f.ctx)
	f.m.AddTicketAtLevel(f.ctx, timed, 0, 0, status.MaxLevel, 1)
	f.m.Tick(f.ctx)
	require.Len(t, f.m.TicketsAt(f.ctx, 0, 0), 1)
	f.m.Tick(f.ctx)
	require.Empty(t, f.m.TicketsAt(f.ctx, 0, 0))
}

func TestCancelledLoadsUnloadWithoutSaving(t *testing.T) {
	f := newFixture(t)
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.m.ProcessTicketUpdates(f.ctx)
	require.Equal(t, 121, f.s.loadQueue.Len())

	f.m.RemoveTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.m.ProcessTicketUpdates(f.ctx)
	require.Zero(t, f.s.loadQueue.Len())

	f.runUntil("holder removal", func() bool { return f.m.HolderCount() == 0 })
	scheduled, immediate := f.store.counts()
	require.Zero(t, scheduled+immediate)
	require.Equal(t, 121, f.events.count(EventHolderRemoved))
}

func TestUnloadStateKeptUntilFinalStage(t *testing.T) {
	f := newFixture(t)
	f.s.Start()
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.runUntil("full chunk", func() bool { return f.fullStatus(0, 0) == status.FullBorder && f.settled() })
	h := f.m.Holder(0, 0)
	require.NotNil(t, h)

	var during []bool
	f.store.onSave = func(pos coord.Pos, kind regionio.Kind) {
		if pos != (coord.Pos{}) || kind != regionio.KindChunk {
			return
		}
		node := f.s.schedulingLock.LockPoint(f.ctx, 0, 0)
		// a shutdown save between stages reads the detached chunk from here
		during = append(during, h.unloadState != nil && h.unloadState.chunk != nil)
		f.s.schedulingLock.Unlock(f.ctx, node)
	}
	f.m.RemoveTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.runUntil("unload", func() bool { return f.m.HolderCount() == 0 })

	require.Equal(t, []bool{true}, during)
	require.Nil(t, h.unloadState)
}

func TestRerequestAfterCancelCompletes(t *testing.T) {
	f := newFixture(t)
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.m.ProcessTicketUpdates(f.ctx)
	f.m.RemoveTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.m.ProcessTicketUpdates(f.ctx)

	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 2)
	f.s.Start()
	f.runUntil("full chunk", func() bool { return f.fullStatus(0, 0) == status.FullBorder })
	require.Equal(t, 1, f.gen.freshAt(coord.Pos{}))
	require.Empty(t, f.gen.problems())
}

func TestRerequestWhileStageInFlight(t *testing.T) {
	f := newFixture(t)
	reached, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	f.gen.hold = func(pos coord.Pos, s status.Stage) {
		if pos == (coord.Pos{}) && s == status.Noise {
			once.Do(func() {
				close(reached)
				<-release
			})
		}
	}
	f.s.Start()
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.runUntil("noise in flight", func() bool {
		select {
		case <-reached:
			return true
		default:
			return false
		}
	})

	f.m.RemoveTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.m.ProcessTicketUpdates(f.ctx)
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.m.ProcessTicketUpdates(f.ctx)
	close(release)

	f.runUntil("full chunk", func() bool { return f.fullStatus(0, 0) == status.FullBorder && f.settled() })
	for _, h := range f.m.Holders() {
		d, ok := f.m.HolderDump(f.ctx, h.Pos().X, h.Pos().Z)
		require.True(t, ok)
		require.Empty(t, d.BlockingNeighbours, "blocking neighbours at %s", h.Pos())
		require.Empty(t, d.WaitingNeighbours, "waiting neighbours at %s", h.Pos())
	}
	require.Equal(t, status.Spawn, f.gen.stagesAt(coord.Pos{})[len(f.gen.stagesAt(coord.Pos{}))-1])
	require.Empty(t, f.gen.problems())
}

func TestGenerationRespectsNeighbourRequirements(t *testing.T) {
	f := newFixture(t)
	f.gen.delay = 50 * time.Microsecond
	f.s.Start()
	f.m.PerformTicketOps(f.ctx,
		AddOp(0, 0, testTicket, status.FullLevel, 1),
		AddOp(9, 4, testTicket, status.FullLevel, 1),
	)
	f.runUntil("both full", func() bool {
		return f.fullStatus(0, 0) == status.FullBorder && f.fullStatus(9, 4) == status.FullBorder
	})
	require.Empty(t, f.gen.problems())

	want := []status.Stage{
		status.StructureStarts, status.StructureReferences, status.Biomes, status.Noise,
		status.Surface, status.Carvers, status.Features, status.Light, status.Spawn,
	}
	require.Equal(t, want, f.gen.stagesAt(coord.Pos{}))
	require.Equal(t, want, f.gen.stagesAt(coord.Pos{X: 9, Z: 4}))
}

func TestLoadUnloadLifecycle(t *testing.T) {
	f := newFixture(t)
	f.s.Start()
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.EntityTickingLevel, 1)
	f.runUntil("entity ticking", func() bool {
		return f.fullStatus(0, 0) == status.EntityTicking &&
			f.fullStatus(1, -1) == status.BlockTicking &&
			f.fullStatus(2, 2) == status.FullBorder &&
			f.settled()
	})
	require.Equal(t, 225, f.m.HolderCount())
	require.Equal(t, status.Inaccessible, f.fullStatus(3, 0))
	require.Empty(t, f.gen.problems())
	generated := len(f.gen.stagesAt(coord.Pos{}))

	f.m.RemoveTicketAtLevel(f.ctx, testTicket, 0, 0, status.EntityTickingLevel, 1)
	f.runUntil("unload", func() bool { return f.m.HolderCount() == 0 })

	forSquare(7, func(x, z int32) {
		pos := coord.Pos{X: x, Z: z}
		assert.Equal(t, 1, f.store.saves(pos, regionio.KindChunk), "chunk saves at %s", pos)
		wantEntities := 0
		if coord.Chebyshev(x, z, 0, 0) <= 2 {
			wantEntities = 1
		}
		assert.Equal(t, wantEntities, f.store.saves(pos, regionio.KindEntity), "entity saves at %s", pos)
	})
	require.Equal(t, 225, f.events.count(EventHolderRemoved))

	// the saved stage is picked up again without regenerating
	c, err := f.s.SyncLoad(f.ctx, 0, 0, status.Full)
	require.NoError(t, err)
	require.Equal(t, status.Full, c.Stage())
	require.Equal(t, 1, f.gen.freshAt(coord.Pos{}))
	require.Len(t, f.gen.stagesAt(coord.Pos{}), generated)
	require.Empty(t, f.s.SyncLoadsBlocked())
	for _, tk := range f.m.TicketsAt(f.ctx, 0, 0) {
		require.NotEqual(t, TicketSyncLoad, tk.Type)
	}
}

func TestScheduleTickingStateWithTicket(t *testing.T) {
	f := newFixture(t)
	f.s.Start()
	var got Chunk
	called := false
	f.s.ScheduleTickingState(f.ctx, 0, 0, status.BlockTicking, true, executor.Normal, func(c Chunk) {
		got, called = c, true
	})
	require.Len(t, f.m.TicketsAt(f.ctx, 0, 0), 1)
	f.runUntil("callback", func() bool { return called })
	require.NotNil(t, got)
	require.Equal(t, status.Full, got.Stage())
	require.Empty(t, f.m.TicketsAt(f.ctx, 0, 0))
}

func TestScheduleChunkLoadWithoutTicketLevel(t *testing.T) {
	f := newFixture(t)
	called := false
	f.s.ScheduleChunkLoad(f.ctx, 100, 100, status.Noise, false, executor.Normal, func(c Chunk) {
		require.Nil(t, c)
		called = true
	})
	require.True(t, called)
}

func TestScheduleChunkLoadOffTickIsHandedToTick(t *testing.T) {
	f := newFixture(t)
	called := false
	f.s.ScheduleChunkLoad(context.Background(), 100, 100, status.Noise, false, executor.Normal, func(c Chunk) {
		called = true
	})
	require.False(t, called)
	require.Equal(t, 1, f.s.MainQueue().Len())
	f.s.ExecuteMainTasks(f.ctx)
	require.True(t, called)
}

func TestScheduleChunkLoadUnderLockPanics(t *testing.T) {
	f := newFixture(t)
	// one point lock covers the whole shard around (32, 32)
	node := f.m.ticketLock.LockPoint(f.ctx, 32, 32)
	defer f.m.ticketLock.Unlock(f.ctx, node)
	require.Panics(t, func() {
		f.s.ScheduleChunkLoad(f.ctx, 32, 32, status.Noise, false, executor.Normal, nil)
	})
}

func TestSyncLoadOffTick(t *testing.T) {
	f := newFixture(t)
	f.s.Start()

	type result struct {
		c   Chunk
		err error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(arealock.WithNewOwner(context.Background()), 10*time.Second)
		defer cancel()
		c, err := f.s.SyncLoad(ctx, 4, 4, status.Surface)
		done <- result{c, err}
	}()

	var res result
	f.runUntil("sync load", func() bool {
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	})
	require.NoError(t, res.err)
	require.True(t, res.c.Stage().IsOrAfter(status.Surface))
	require.Empty(t, f.m.TicketsAt(f.ctx, 4, 4))
}

func TestSyncLoadRejectsInvalidStage(t *testing.T) {
	f := newFixture(t)
	_, err := f.s.SyncLoad(f.ctx, 0, 0, status.None)
	require.Error(t, err)
}

func TestTaskFailureStopsChunkSystem(t *testing.T) {
	injected := errors.New("noise exploded")
	reports := make(chan FailureReport, 1)
	f := newFixture(t, func(o *Options) {
		o.OnFailure = func(r FailureReport) { reports <- r }
	})
	f.gen.fail = func(pos coord.Pos, s status.Stage) error {
		if pos == (coord.Pos{}) && s == status.Noise {
			return injected
		}
		return nil
	}
	f.s.Start()
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.runUntil("failure report", func() bool { return len(reports) == 1 })

	r := <-reports
	require.ErrorIs(t, &r, injected)
	require.Equal(t, coord.Pos{}, r.Pos)
	require.Equal(t, "noise", r.ObjectsOfInterest["task_to_stage"])
	require.NotNil(t, r.Holder)
	require.Equal(t, status.Noise, r.Holder.FailedStage)
	require.Contains(t, r.Holder.Error, "noise exploded")
	require.Contains(t, r.String(), "Chunk system failure")

	require.True(t, f.s.Failed())
	require.NotNil(t, f.s.Failure())
	require.Equal(t, 1, f.events.count(EventFailure))

	_, err := f.s.SyncLoad(f.ctx, 50, 50, status.Empty)
	require.ErrorIs(t, err, ErrFailed)

	d := f.m.DebugDump(f.ctx)
	require.True(t, d.Failed)
	require.NotNil(t, d.Failure)
	validateDump(t, d)
}

func TestDebugDumpMatchesSchema(t *testing.T) {
	f := newFixture(t)
	f.s.Start()
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.m.AddTicketAtLevel(f.ctx, &TicketType{Name: "timed", Timeout: 100}, 0, 0, status.MaxLevel, 2)
	f.runUntil("full chunk", func() bool { return f.fullStatus(0, 0) == status.FullBorder })

	d := f.m.DebugDump(f.ctx)
	require.Equal(t, f.m.HolderCount(), len(d.Holders))
	require.Len(t, d.Tickets, 1)
	require.Len(t, d.Tickets[0].Tickets, 2)
	require.False(t, d.Failed)
	validateDump(t, d)

	raw, err := json.Marshal(d.Holders[0])
	require.NoError(t, err)
	require.Contains(t, string(raw), `"stage":`)
}

func TestSaveFallsBackWhenQueueFull(t *testing.T) {
	f := newFixture(t)
	f.store.queueFull.Store(true)
	f.s.Start()
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.runUntil("full chunk", func() bool { return f.fullStatus(0, 0) == status.FullBorder })

	sum, err := f.m.SaveAllChunks(f.ctx, true, false)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Chunks)
	require.Equal(t, 1, sum.Entities)
	scheduled, immediate := f.store.counts()
	require.Zero(t, scheduled)
	require.Equal(t, 2, immediate)
	require.Equal(t, 1, f.store.flushes)

	sum, err = f.m.SaveAllChunks(f.ctx, false, false)
	require.NoError(t, err)
	require.Zero(t, sum.Chunks)
}

func TestAutoSaveWaitsForInterval(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.AutoSave = AutoSaveOptions{IntervalTicks: 3, MaxPerTick: 1}
	})
	f.s.Start()
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.runUntil("full chunk", func() bool { return f.fullStatus(0, 0) == status.FullBorder })
	require.Zero(t, f.m.AutoSave(f.ctx))

	for range 3 {
		f.m.Tick(f.ctx)
	}
	require.Equal(t, 1, f.m.AutoSave(f.ctx))
	require.Zero(t, f.m.AutoSave(f.ctx))
	require.Equal(t, 1, f.store.saves(coord.Pos{}, regionio.KindChunk))
}

func TestCloseSavesEveryChunk(t *testing.T) {
	f := newFixture(t)
	f.s.Start()
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.runUntil("settled", func() bool { return f.fullStatus(0, 0) == status.FullBorder && f.settled() })

	require.NoError(t, f.m.Close(f.ctx, true))
	forSquare(5, func(x, z int32) {
		assert.Equal(t, 1, f.store.saves(coord.Pos{X: x, Z: z}, regionio.KindChunk))
	})
	require.Equal(t, 1, f.store.flushes)
}

func TestPriorityChanges(t *testing.T) {
	f := newFixture(t)
	f.m.AddTicketAtLevel(f.ctx, testTicket, 0, 0, status.FullLevel, 1)
	f.m.ProcessTicketUpdates(f.ctx)

	f.m.RaisePriority(f.ctx, 0, 0, executor.Blocking)
	d := f.m.DebugDump(f.ctx)
	for _, h := range d.Holders {
		if h.Pos == (coord.Pos{}) {
			require.Equal(t, executor.Blocking.String(), h.Priority)
		}
	}
	f.m.LowerPriority(f.ctx, 0, 0, executor.Low)
	f.m.SetPriority(f.ctx, 0, 0, executor.Idle)
	d = f.m.DebugDump(f.ctx)
	for _, h := range d.Holders {
		if h.Pos == (coord.Pos{}) {
			require.Equal(t, executor.Idle.String(), h.Priority)
		}
	}
}
