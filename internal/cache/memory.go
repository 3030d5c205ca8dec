package cache

import (
	"context"
	"sync"
)

// MemoryBackend implements Backend using sync.Map. When maxSize is set, a
// write that grows the map past it evicts the oldest write.
type MemoryBackend struct {
	data    sync.Map
	maxSize int

	mu   sync.Mutex // serializes writes so size stays exact
	size int
	seq  uint64
}

type memoryEntry struct {
	value []byte
	seq   uint64 // write order
}

// NewMemoryBackend creates an in-memory backend. maxSize <= 0 disables the
// size bound.
func NewMemoryBackend(maxSize int) *MemoryBackend {
	return &MemoryBackend{maxSize: maxSize}
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	return val.(*memoryEntry).value, true, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	if _, loaded := m.data.Swap(key, &memoryEntry{value: value, seq: m.seq}); !loaded {
		m.size++
	}
	if m.maxSize > 0 && m.size > m.maxSize {
		m.evictOldest()
	}
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, loaded := m.data.LoadAndDelete(key); loaded {
		m.size--
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// Len reports the number of stored entries.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// evictOldest drops the entry with the lowest write sequence. Callers hold mu.
func (m *MemoryBackend) evictOldest() {
	var (
		oldestKey string
		oldestSeq uint64
		found     bool
	)
	m.data.Range(func(key, value any) bool {
		e := value.(*memoryEntry)
		if !found || e.seq < oldestSeq {
			oldestKey, oldestSeq, found = key.(string), e.seq, true
		}
		return true
	})
	if found {
		m.data.Delete(oldestKey)
		m.size--
	}
}
