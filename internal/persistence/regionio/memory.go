package regionio

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memoryBackend struct {
	mu   sync.RWMutex
	data map[recordKey]memoryValue
}

type memoryValue struct {
	frame   []byte
	savedAt time.Time
}

// NewMemory returns a store that keeps payloads in memory.
func NewMemory(opts Options) (*AsyncStore, error) {
	return newAsyncStore(&memoryBackend{data: make(map[recordKey]memoryValue)}, opts)
}

func (m *memoryBackend) name() string { return "memory" }
func (m *memoryBackend) close() error { return nil }

func (m *memoryBackend) put(batch []record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range batch {
		m.data[rec.key] = memoryValue{frame: bytes.Clone(rec.frame), savedAt: rec.savedAt}
	}
	return nil
}

func (m *memoryBackend) get(_ context.Context, key recordKey) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return bytes.Clone(v.frame), nil
}

func (m *memoryBackend) scan(ctx context.Context, fn func(recordKey, []byte, time.Time) error) error {
	m.mu.RLock()
	keys := make([]recordKey, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sortKeys(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.RLock()
		v, ok := m.data[k]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(k, v.frame, v.savedAt); err != nil {
			return err
		}
	}
	return nil
}
