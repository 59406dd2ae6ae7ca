// Package scheduling owns chunk holders, tickets and the generation task
// tree. A Manager turns ticket levels into holders; a Scheduler walks each
// holder up the stage pipeline one stage at a time, waiting on neighbours
// through explicit blocking edges.
package scheduling

import (
	"context"

	"voxelcraft.ai/chunksys/internal/chunksys/status"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/persistence/regionio"
)

// Chunk is chunk data at some persisted stage.
type Chunk interface {
	Pos() coord.Pos
	// Stage is the last stage the data was generated to.
	Stage() status.Stage
	SetStage(s status.Stage)
	// Dirty reports whether the chunk changed since it was last saved.
	Dirty() bool
	MarkSaved()
}

// NeighbourView exposes the chunks around a stage request. Only neighbours
// within Radius that have reached the stage the request needs are visible.
type NeighbourView interface {
	Radius() int
	// Chunk returns the chunk at absolute coordinates, or nil outside the
	// view.
	Chunk(x, z int32) Chunk
}

type StageRequest struct {
	Pos        coord.Pos
	Stage      status.Stage
	Chunk      Chunk
	Neighbours NeighbourView
}

// Slices are the entity and POI payloads that travel with a chunk.
type Slices struct {
	Entities DataSlice
	POI      DataSlice
}

// Generator computes stages. Generate runs on worker goroutines and must
// only touch the request's chunk and, for stages with a write radius, the
// neighbours in view. Promote runs on the tick goroutine.
type Generator interface {
	NewChunk(pos coord.Pos) Chunk
	Generate(ctx context.Context, req StageRequest) (Chunk, error)
	Promote(ctx context.Context, chunk Chunk, slices Slices) (Chunk, Slices, error)
}

type ChunkCodec interface {
	MarshalChunk(c Chunk) ([]byte, error)
	UnmarshalChunk(pos coord.Pos, data []byte) (Chunk, error)
}

// Storage is the persistence layer. LoadData returns nil, nil for absent
// payloads. ScheduleSave may reject with regionio.ErrQueueFull.
type Storage interface {
	ScheduleSave(pos coord.Pos, kind regionio.Kind, payload []byte) error
	SaveNow(pos coord.Pos, kind regionio.Kind, payload []byte) error
	LoadData(ctx context.Context, pos coord.Pos, kind regionio.Kind) ([]byte, error)
	Flush(ctx context.Context) error
}

// DataSlice is an entity or POI payload attached to a holder.
type DataSlice interface {
	Dirty() bool
	Marshal() ([]byte, error)
	MarkSaved()
}

// RawSlice holds a payload exactly as it was loaded.
type RawSlice struct {
	Data  []byte
	dirty bool
}

func NewRawSlice(data []byte, dirty bool) *RawSlice { return &RawSlice{Data: data, dirty: dirty} }

func (r *RawSlice) Dirty() bool              { return r.dirty }
func (r *RawSlice) Marshal() ([]byte, error) { return r.Data, nil }
func (r *RawSlice) MarkSaved()               { r.dirty = false }

type EventKind string

const (
	EventHolderCreated EventKind = "holder_created"
	EventHolderRemoved EventKind = "holder_removed"
	EventStageComplete EventKind = "stage_complete"
	EventFullStatus    EventKind = "full_status"
	EventSaved         EventKind = "saved"
	EventUnload        EventKind = "unload"
	EventFailure       EventKind = "failure"
)

type Event struct {
	Tick   int64          `json:"tick"`
	Kind   EventKind      `json:"kind"`
	Pos    coord.Pos      `json:"pos"`
	Fields map[string]any `json:"fields,omitempty"`
}

// EventSink receives holder lifecycle events. Emit may be called from any
// goroutine and must not block on chunk system locks.
type EventSink interface {
	Emit(e Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}
