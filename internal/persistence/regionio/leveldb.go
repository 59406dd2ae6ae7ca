package regionio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"
)

// LevelDB keys are x(4) z(4) kind(1), big endian. Values carry the save time
// in unix nanoseconds ahead of the frame.
const (
	levelKeySize   = 9
	levelStampSize = 8
)

type levelBackend struct {
	db *leveldb.DB
}

func OpenLevelDB(path string, opts Options) (*AsyncStore, error) {
	if path == "" {
		return nil, fmt.Errorf("regionio: empty leveldb path")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	// Frames are already compressed.
	db, err := leveldb.OpenFile(path, &opt.Options{Compression: opt.NoCompression})
	if err != nil {
		return nil, fmt.Errorf("regionio: open leveldb %s: %w", path, err)
	}
	s, err := newAsyncStore(&levelBackend{db: db}, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func levelKey(k recordKey) []byte {
	b := make([]byte, levelKeySize)
	binary.BigEndian.PutUint32(b[0:], uint32(k.x))
	binary.BigEndian.PutUint32(b[4:], uint32(k.z))
	b[8] = byte(k.kind)
	return b
}

func parseLevelKey(b []byte) (recordKey, bool) {
	if len(b) != levelKeySize {
		return recordKey{}, false
	}
	return recordKey{
		x:    int32(binary.BigEndian.Uint32(b[0:])),
		z:    int32(binary.BigEndian.Uint32(b[4:])),
		kind: Kind(b[8]),
	}, true
}

func (l *levelBackend) name() string { return "leveldb" }
func (l *levelBackend) close() error { return l.db.Close() }

func (l *levelBackend) put(batch []record) error {
	b := new(leveldb.Batch)
	for _, rec := range batch {
		v := make([]byte, levelStampSize, levelStampSize+len(rec.frame))
		binary.BigEndian.PutUint64(v, uint64(rec.savedAt.UnixNano()))
		b.Put(levelKey(rec.key), append(v, rec.frame...))
	}
	return l.db.Write(b, nil)
}

func (l *levelBackend) get(_ context.Context, key recordKey) ([]byte, error) {
	v, err := l.db.Get(levelKey(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	case len(v) < levelStampSize:
		return nil, fmt.Errorf("%w: short leveldb value", ErrCorrupt)
	}
	return v[levelStampSize:], nil
}

func (l *levelBackend) scan(ctx context.Context, fn func(recordKey, []byte, time.Time) error) error {
	it := l.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, ok := parseLevelKey(it.Key())
		v := it.Value()
		if !ok || len(v) < levelStampSize {
			continue
		}
		savedAt := time.Unix(0, int64(binary.BigEndian.Uint64(v))).UTC()
		// Iterator buffers are reused; fn must not keep the frame.
		if err := fn(key, v[levelStampSize:], savedAt); err != nil {
			return err
		}
	}
	return it.Error()
}
