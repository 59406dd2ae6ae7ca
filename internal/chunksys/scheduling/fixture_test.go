package scheduling

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voxelcraft.ai/chunksys/internal/chunksys/arealock"
	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
)

type testChunk struct {
	pos   coord.Pos
	stage atomic.Int32
	dirty atomic.Bool
}

func newTestChunk(pos coord.Pos, s status.Stage, dirty bool) *testChunk {
	c := &testChunk{pos: pos}
	c.stage.Store(int32(s))
	c.dirty.Store(dirty)
	return c
}

func (c *testChunk) Pos() coord.Pos      { return c.pos }
func (c *testChunk) Stage() status.Stage { return status.Stage(c.stage.Load()) }
func (c *testChunk) Dirty() bool         { return c.dirty.Load() }
func (c *testChunk) MarkSaved()          { c.dirty.Store(false) }

func (c *testChunk) SetStage(s status.Stage) {
	c.stage.Store(int32(s))
	c.dirty.Store(true)
}

type testCodec struct{}

func (testCodec) MarshalChunk(c Chunk) ([]byte, error) {
	return []byte(c.Stage().String()), nil
}

func (testCodec) UnmarshalChunk(pos coord.Pos, data []byte) (Chunk, error) {
	s, err := status.ParseStage(string(data))
	if err != nil {
		return nil, err
	}
	return newTestChunk(pos, s, false), nil
}

// testGenerator records every call and checks that each stage sees its
// neighbours at the stages it requires.
type testGenerator struct {
	fail func(pos coord.Pos, s status.Stage) error
	// delay, if set, is slept inside every Generate call
	delay time.Duration
	// hold, if set, runs first in every Generate call and may block
	hold func(pos coord.Pos, s status.Stage)

	mu         sync.Mutex
	fresh      map[coord.Pos]int
	generated  map[coord.Pos][]status.Stage
	promoted   map[coord.Pos]int
	violations []string
}

func newTestGenerator() *testGenerator {
	return &testGenerator{
		fresh:     map[coord.Pos]int{},
		generated: map[coord.Pos][]status.Stage{},
		promoted:  map[coord.Pos]int{},
	}
}

func (g *testGenerator) NewChunk(pos coord.Pos) Chunk {
	g.mu.Lock()
	g.fresh[pos]++
	g.mu.Unlock()
	return newTestChunk(pos, status.Empty, true)
}

func (g *testGenerator) Generate(_ context.Context, req StageRequest) (Chunk, error) {
	if g.hold != nil {
		g.hold(req.Pos, req.Stage)
	}
	var problems []string
	if req.Neighbours.Radius() != req.Stage.ReadRadius() {
		problems = append(problems, fmt.Sprintf("%s %s: view radius %d", req.Pos, req.Stage, req.Neighbours.Radius()))
	}
	for d := 1; d <= req.Stage.ReadRadius(); d++ {
		required := req.Stage.DirectRequirement(d)
		forRing(int32(d), func(dx, dz int32) {
			n := req.Neighbours.Chunk(req.Pos.X+dx, req.Pos.Z+dz)
			switch {
			case n == nil:
				problems = append(problems, fmt.Sprintf("%s %s: no neighbour at %+d,%+d", req.Pos, req.Stage, dx, dz))
			case !n.Stage().IsOrAfter(required):
				problems = append(problems, fmt.Sprintf("%s %s: neighbour %s at %s, needs %s",
					req.Pos, req.Stage, n.Pos(), n.Stage(), required))
			}
		})
	}
	if req.Chunk.Stage() != req.Stage.Prev() {
		problems = append(problems, fmt.Sprintf("%s %s: input chunk at %s", req.Pos, req.Stage, req.Chunk.Stage()))
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	g.generated[req.Pos] = append(g.generated[req.Pos], req.Stage)
	g.violations = append(g.violations, problems...)
	g.mu.Unlock()

	if g.fail != nil {
		if err := g.fail(req.Pos, req.Stage); err != nil {
			return nil, err
		}
	}
	return req.Chunk, nil
}

func (g *testGenerator) Promote(_ context.Context, c Chunk, sl Slices) (Chunk, Slices, error) {
	g.mu.Lock()
	g.promoted[c.Pos()]++
	g.mu.Unlock()
	if sl.Entities == nil {
		sl.Entities = NewRawSlice([]byte("entities"), true)
	}
	return c, sl, nil
}

func (g *testGenerator) stagesAt(pos coord.Pos) []status.Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.generated[pos])
}

func (g *testGenerator) freshAt(pos coord.Pos) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fresh[pos]
}

func (g *testGenerator) problems() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.violations)
}

type storedKey struct {
	pos  coord.Pos
	kind regionio.Kind
}

type memStorage struct {
	queueFull atomic.Bool
	// onSave, if set, runs before every save is recorded
	onSave func(pos coord.Pos, kind regionio.Kind)

	mu        sync.Mutex
	data      map[storedKey][]byte
	scheduled map[storedKey]int
	immediate map[storedKey]int
	flushes   int
}

func newMemStorage() *memStorage {
	return &memStorage{
		data:      map[storedKey][]byte{},
		scheduled: map[storedKey]int{},
		immediate: map[storedKey]int{},
	}
}

func (m *memStorage) ScheduleSave(pos coord.Pos, kind regionio.Kind, payload []byte) error {
	if m.onSave != nil {
		m.onSave(pos, kind)
	}
	if m.queueFull.Load() {
		return regionio.ErrQueueFull
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storedKey{pos, kind}
	m.data[k] = slices.Clone(payload)
	m.scheduled[k]++
	return nil
}

func (m *memStorage) SaveNow(pos coord.Pos, kind regionio.Kind, payload []byte) error {
	if m.onSave != nil {
		m.onSave(pos, kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storedKey{pos, kind}
	m.data[k] = slices.Clone(payload)
	m.immediate[k]++
	return nil
}

func (m *memStorage) LoadData(_ context.Context, pos coord.Pos, kind regionio.Kind) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.data[storedKey{pos, kind}]), nil
}

func (m *memStorage) Flush(context.Context) error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

func (m *memStorage) saves(pos coord.Pos, kind regionio.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storedKey{pos, kind}
	return m.scheduled[k] + m.immediate[k]
}

func (m *memStorage) counts() (scheduled, immediate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.scheduled {
		scheduled += n
	}
	for _, n := range m.immediate {
		immediate += n
	}
	return scheduled, immediate
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	t      *testing.T
	s      *Scheduler
	m      *Manager
	gen    *testGenerator
	store  *memStorage
	events *recordingSink
	ctx    context.Context
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		gen:    newTestGenerator(),
		store:  newMemStorage(),
		events: &recordingSink{},
		ctx:    arealock.WithOwner(WithTickThread(context.Background())),
	}
	opts := Options{
		Generator:   f.gen,
		Codec:       testCodec{},
		Storage:     f.store,
		Events:      f.events,
		LoadWorkers: 2,
		GenWorkers:  4,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	f.s, f.m = s, s.Manager()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.halt(ctx)
	})
	return f
}

// step runs one tick of the tick goroutine.
func (f *fixture) step() {
	f.m.Tick(f.ctx)
	f.s.ExecuteMainTasks(f.ctx)
	f.m.ProcessUnloads(f.ctx)
}

// runUntil steps until cond holds, failing the test after a timeout.
func (f *fixture) runUntil(what string, cond func() bool) {
	f.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		f.s.ExecuteMainTasks(f.ctx)
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			f.t.Fatalf("timed out waiting for %s", what)
		}
		f.step()
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) fullStatus(x, z int32) status.FullStatus {
	if h := f.m.Holder(x, z); h != nil {
		return h.FullStatus()
	}
	return status.Inaccessible
}

var testTicket = &TicketType{Name: "test"}
