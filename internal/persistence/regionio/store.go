package regionio

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/logging"
)

// Store persists chunk payloads by coordinate and kind.
type Store interface {
	// ScheduleSave queues payload for an asynchronous write. It returns
	// ErrQueueFull without queueing anything when the writer is behind.
	ScheduleSave(pos coord.Pos, kind Kind, payload []byte) error
	// SaveNow writes payload and returns once it is durable.
	SaveNow(pos coord.Pos, kind Kind, payload []byte) error
	// LoadData returns the latest payload, including writes that are still
	// queued. It returns nil, nil when nothing is stored.
	LoadData(ctx context.Context, pos coord.Pos, kind Kind) ([]byte, error)
	// Flush waits until every write queued before the call has been applied.
	Flush(ctx context.Context) error
	Stats() Stats
	Close() error
}

// Entry describes one stored payload.
type Entry struct {
	Pos      coord.Pos `json:"pos"`
	Kind     Kind      `json:"-"`
	KindName string    `json:"kind"`
	Size     int       `json:"size"`
	Checksum uint64    `json:"checksum"`
	SavedAt  time.Time `json:"saved_at"`
}

type Stats struct {
	Backend       string `json:"backend"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Pending       int    `json:"pending"`
	Saves         uint64 `json:"saves"`
	Loads         uint64 `json:"loads"`
	BytesWritten  uint64 `json:"bytes_written"`
	BytesRead     uint64 `json:"bytes_read"`
	Failures      uint64 `json:"failures"`
	Drops         uint64 `json:"drops"`
}

type Options struct {
	// QueueCapacity bounds the number of queued writes. Default 4096.
	QueueCapacity int
	// BatchSize caps how many writes are committed together. Default 256.
	BatchSize   int
	Compression Compression
	Log         logging.Logger
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	o.Log = logging.OrNop(o.Log)
	return o
}

type recordKey struct {
	x, z int32
	kind Kind
}

func keyFor(pos coord.Pos, kind Kind) recordKey {
	return recordKey{x: pos.X, z: pos.Z, kind: kind}
}

func (k recordKey) pos() coord.Pos { return coord.Pos{X: k.x, Z: k.z} }

type record struct {
	key     recordKey
	frame   []byte
	savedAt time.Time
	seq     uint64
}

// backend is the storage engine behind an AsyncStore. put is only called
// from the writer goroutine.
type backend interface {
	name() string
	put(batch []record) error
	get(ctx context.Context, key recordKey) ([]byte, error)
	scan(ctx context.Context, fn func(key recordKey, frame []byte, savedAt time.Time) error) error
	close() error
}

func sortKeys(keys []recordKey) {
	slices.SortFunc(keys, func(a, b recordKey) int {
		return cmp.Or(cmp.Compare(a.x, b.x), cmp.Compare(a.z, b.z), cmp.Compare(a.kind, b.kind))
	})
}

// Open opens a store by backend name: sqlite, leveldb or memory.
func Open(name, path string, opts Options) (*AsyncStore, error) {
	switch name {
	case "sqlite":
		return OpenSQLite(path, opts)
	case "leveldb":
		return OpenLevelDB(path, opts)
	case "memory":
		return NewMemory(opts)
	}
	return nil, fmt.Errorf("regionio: unknown backend %q", name)
}
