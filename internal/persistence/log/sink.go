package log

import (
	"time"

	"github.com/google/uuid"

	"voxelcraft.ai/chunksys/internal/chunksys/scheduling"
	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/logging"
)

// Record is one line of the chunk event log.
type Record struct {
	Instance string               `json:"instance"`
	Time     time.Time            `json:"time"`
	Tick     int64                `json:"tick"`
	Kind     scheduling.EventKind `json:"kind"`
	Pos      coord.Pos            `json:"pos"`
	Fields   map[string]any       `json:"fields,omitempty"`
}

// Sink writes chunk system events to events-*.jsonl.zst files in dir.
type Sink struct {
	instance string
	w        *JSONLZstdWriter
	log      logging.Logger
}

var _ scheduling.EventSink = (*Sink)(nil)

func NewSink(dir string, log logging.Logger) *Sink {
	return &Sink{
		instance: uuid.NewString(),
		w:        NewJSONLZstdWriter(dir, "events"),
		log:      logging.OrNop(log),
	}
}

// Instance identifies this process in every record it writes.
func (s *Sink) Instance() string { return s.instance }

func (s *Sink) Emit(e scheduling.Event) {
	err := s.w.Write(Record{
		Instance: s.instance,
		Time:     s.w.now().UTC(),
		Tick:     e.Tick,
		Kind:     e.Kind,
		Pos:      e.Pos,
		Fields:   e.Fields,
	})
	if err != nil && err != errClosed {
		s.log.Warn("event log write failed", "kind", string(e.Kind), "pos", e.Pos.String(), "err", err)
	}
}

func (s *Sink) Sync() error  { return s.w.Sync() }
func (s *Sink) Close() error { return s.w.Close() }
