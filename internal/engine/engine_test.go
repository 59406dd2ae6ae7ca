package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/config"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/logging"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
	"voxelcraft.ai/chunksys/internal/worldgen"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
tick_rate_hz: 200
storage:
  backend: memory
spawn:
  x: 3
  z: -2
  radius: 1
`))
	require.NoError(t, err)
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, opts Options) (*Engine, *regionio.AsyncStore) {
	t.Helper()
	store, err := regionio.NewMemory(regionio.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	opts.Storage = store
	opts.Log = logging.Testing(t)
	e, err := New(cfg, opts)
	require.NoError(t, err)
	return e, store
}

type runResult struct{ err error }

func start(t *testing.T, e *Engine) (context.CancelFunc, <-chan runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() { done <- runResult{e.Run(ctx)} }()
	require.Eventually(t, e.running.Load, 5*time.Second, time.Millisecond)
	return cancel, done
}

func TestSpawnAreaBecomesTicking(t *testing.T) {
	cfg := testConfig(t)
	e, store := newTestEngine(t, cfg, Options{})
	cancel, done := start(t, e)

	spawn := coord.Pos{X: 3, Z: -2}
	require.Eventually(t, func() bool {
		h := e.Manager().Holder(spawn.X, spawn.Z)
		return h != nil && h.FullStatus() == status.EntityTicking
	}, 20*time.Second, 5*time.Millisecond)
	// radius 1 keeps the ring around spawn at least block ticking
	require.Eventually(t, func() bool {
		h := e.Manager().Holder(spawn.X+1, spawn.Z+1)
		return h != nil && h.FullStatus().IsOrAfter(status.BlockTicking)
	}, 20*time.Second, 5*time.Millisecond)

	var tickets []scheduling.Ticket
	require.NoError(t, e.Submit(context.Background(), func(ctx context.Context) {
		tickets = e.Manager().TicketsAt(ctx, spawn.X, spawn.Z)
	}))
	require.Len(t, tickets, 1)
	require.Equal(t, TicketSpawn, tickets[0].Type)

	cancel()
	res := <-done
	require.NoError(t, res.err)
	require.ErrorIs(t, e.Run(context.Background()), ErrStarted)
	require.ErrorIs(t, e.Submit(context.Background(), func(context.Context) {}), ErrNotRunning)

	require.NoError(t, e.Close(context.Background()))
	data, err := store.LoadData(context.Background(), spawn, regionio.KindChunk)
	require.NoError(t, err)
	require.NotNil(t, data)
	c, err := worldgen.Codec{}.UnmarshalChunk(spawn, data)
	require.NoError(t, err)
	require.Equal(t, status.Full, c.Stage())
}

func TestSyncLoadFromAnotherGoroutine(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t), Options{})
	cancel, done := start(t, e)
	defer func() {
		cancel()
		<-done
		require.NoError(t, e.Close(context.Background()))
	}()

	ctx, stop := context.WithTimeout(context.Background(), 20*time.Second)
	defer stop()
	c, err := e.SyncLoad(ctx, 40, 40, status.Features)
	require.NoError(t, err)
	require.True(t, c.Stage().IsOrAfter(status.Features))
}

type failingGenerator struct {
	*worldgen.Generator
}

func (g failingGenerator) Generate(ctx context.Context, req scheduling.StageRequest) (scheduling.Chunk, error) {
	if req.Stage == status.Noise && req.Pos == (coord.Pos{X: 3, Z: -2}) {
		return nil, errors.New("noise exploded")
	}
	return g.Generator.Generate(ctx, req)
}

func TestTaskFailureStopsRun(t *testing.T) {
	cfg := testConfig(t)
	e, _ := newTestEngine(t, cfg, Options{
		Generator: failingGenerator{worldgen.New(worldgen.DefaultOptions(cfg.Seed))},
	})
	_, done := start(t, e)

	var res runResult
	select {
	case res = <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("engine did not stop after the failure")
	}
	var report *scheduling.FailureReport
	require.ErrorAs(t, res.err, &report)
	require.Equal(t, coord.Pos{X: 3, Z: -2}, report.Pos)
	require.Contains(t, report.Error(), "noise exploded")
	require.True(t, e.Scheduler().Failed())
	require.NoError(t, e.Close(context.Background()))
}

func TestSubmitBeforeRun(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(t), Options{})
	require.ErrorIs(t, e.Submit(context.Background(), func(context.Context) {}), ErrNotRunning)

	ran := false
	require.NoError(t, e.Submit(scheduling.WithTickThread(context.Background()), func(context.Context) { ran = true }))
	require.True(t, ran)

	_, ok := e.TicketType("debug")
	require.True(t, ok)
	_, ok = e.TicketType("chunk_load")
	require.False(t, ok)
}
