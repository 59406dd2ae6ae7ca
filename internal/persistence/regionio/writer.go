package regionio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voxelcraft.ai/chunksys/internal/coord"
	"voxelcraft.ai/chunksys/internal/logging"
)

// AsyncStore queues writes to a single writer goroutine that commits them
// in batches. Queued writes stay visible to LoadData until committed.
type AsyncStore struct {
	b     backend
	codec *Codec
	log   logging.Logger

	ch        chan req
	batchSize int
	wg        sync.WaitGroup
	once      sync.Once

	// mu guards pending, seq, closed and sends on ch.
	mu      sync.Mutex
	closed  bool
	pending map[recordKey]record
	seq     uint64

	saves        atomic.Uint64
	loads        atomic.Uint64
	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
	failures     atomic.Uint64
	drops        atomic.Uint64
}

type req struct {
	rec  *record
	done chan error
}

var _ Store = (*AsyncStore)(nil)

func newAsyncStore(b backend, opts Options) (*AsyncStore, error) {
	opts = opts.withDefaults()
	codec, err := NewCodec(opts.Compression)
	if err != nil {
		return nil, err
	}
	s := &AsyncStore{
		b:         b,
		codec:     codec,
		log:       logging.With(opts.Log, "store", b.name()),
		ch:        make(chan req, opts.QueueCapacity),
		batchSize: opts.BatchSize,
		pending:   make(map[recordKey]record),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

// send hands r to the writer. A record is numbered and marked pending while
// mu is held so the queue order matches sequence order. With block unset a
// full queue is reported as ErrQueueFull.
func (s *AsyncStore) send(ctx context.Context, rec *record, done chan error, block bool) error {
	var retry *time.Ticker
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if rec != nil {
			s.seq++
			rec.seq = s.seq
		}
		select {
		case s.ch <- req{rec: rec, done: done}:
			if rec != nil {
				s.pending[rec.key] = *rec
			}
			s.mu.Unlock()
			return nil
		default:
		}
		s.mu.Unlock()
		if !block {
			s.drops.Add(1)
			return ErrQueueFull
		}
		if retry == nil {
			retry = time.NewTicker(time.Millisecond)
			defer retry.Stop()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry.C:
		}
	}
}

func (s *AsyncStore) newRecord(pos coord.Pos, kind Kind, payload []byte) *record {
	return &record{key: keyFor(pos, kind), frame: s.codec.Encode(kind, payload), savedAt: time.Now().UTC()}
}

func (s *AsyncStore) ScheduleSave(pos coord.Pos, kind Kind, payload []byte) error {
	return s.send(context.Background(), s.newRecord(pos, kind, payload), nil, false)
}

func (s *AsyncStore) SaveNow(pos coord.Pos, kind Kind, payload []byte) error {
	done := make(chan error, 1)
	if err := s.send(context.Background(), s.newRecord(pos, kind, payload), done, true); err != nil {
		return err
	}
	return <-done
}

func (s *AsyncStore) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	if err := s.send(ctx, nil, done, true); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncStore) LoadData(ctx context.Context, pos coord.Pos, kind Kind) ([]byte, error) {
	key := keyFor(pos, kind)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	rec, ok := s.pending[key]
	s.mu.Unlock()

	frame := rec.frame
	if !ok {
		var err error
		if frame, err = s.b.get(ctx, key); err != nil {
			return nil, fmt.Errorf("regionio: load %s %s: %w", pos, kind, err)
		}
		if frame == nil {
			return nil, nil
		}
	}
	s.loads.Add(1)
	s.bytesRead.Add(uint64(len(frame)))
	payload, err := s.codec.Decode(kind, frame)
	if err != nil {
		return nil, fmt.Errorf("regionio: load %s %s: %w", pos, kind, err)
	}
	return payload, nil
}

// Scan calls fn for every stored payload. Queued writes are not included.
func (s *AsyncStore) Scan(ctx context.Context, fn func(Entry) error) error {
	return s.b.scan(ctx, func(key recordKey, frame []byte, savedAt time.Time) error {
		return fn(Entry{
			Pos:      key.pos(),
			Kind:     key.kind,
			KindName: key.kind.String(),
			Size:     len(frame),
			Checksum: frameChecksum(frame),
			SavedAt:  savedAt,
		})
	})
}

func (s *AsyncStore) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return Stats{
		Backend:       s.b.name(),
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Pending:       pending,
		Saves:         s.saves.Load(),
		Loads:         s.loads.Load(),
		BytesWritten:  s.bytesWritten.Load(),
		BytesRead:     s.bytesRead.Load(),
		Failures:      s.failures.Load(),
		Drops:         s.drops.Load(),
	}
}

// Close drains the queue, then closes the backend.
func (s *AsyncStore) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.b.close()
		s.codec.Close()
	})
	return err
}

func (s *AsyncStore) loop() {
	batch := make([]record, 0, s.batchSize)
	var waiters []chan error
	for r := range s.ch {
		batch, waiters = collect(r, batch, waiters)
	drain:
		for len(batch) < s.batchSize {
			select {
			case next, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch, waiters = collect(next, batch, waiters)
			default:
				break drain
			}
		}
		err := s.commit(batch)
		for _, w := range waiters {
			w <- err
		}
		clear(batch)
		batch, waiters = batch[:0], waiters[:0]
	}
}

func collect(r req, batch []record, waiters []chan error) ([]record, []chan error) {
	if r.rec != nil {
		batch = append(batch, *r.rec)
	}
	if r.done != nil {
		waiters = append(waiters, r.done)
	}
	return batch, waiters
}

// commit writes the newest record of each key in batch. Records superseded
// by a later queued write are skipped; the later one is still in the queue.
func (s *AsyncStore) commit(batch []record) error {
	if len(batch) == 0 {
		return nil
	}
	latest := make(map[recordKey]int, len(batch))
	for i, rec := range batch {
		latest[rec.key] = i
	}
	s.mu.Lock()
	write := batch[:0:0]
	for i, rec := range batch {
		if latest[rec.key] != i {
			continue
		}
		if p, ok := s.pending[rec.key]; ok && p.seq != rec.seq {
			continue
		}
		write = append(write, rec)
	}
	s.mu.Unlock()
	if len(write) == 0 {
		return nil
	}

	err := s.b.put(write)
	if err != nil {
		s.failures.Add(uint64(len(write)))
		for _, rec := range write {
			s.log.Error("chunk payload write failed", "pos", rec.key.pos().String(), "kind", rec.key.kind.String(), "err", err)
		}
		err = fmt.Errorf("regionio: write %d payloads: %w", len(write), err)
	} else {
		s.saves.Add(uint64(len(write)))
		for _, rec := range write {
			s.bytesWritten.Add(uint64(len(rec.frame)))
		}
	}

	s.mu.Lock()
	for _, rec := range write {
		if p, ok := s.pending[rec.key]; ok && p.seq == rec.seq {
			delete(s.pending, rec.key)
		}
	}
	s.mu.Unlock()
	return err
}
