package store

import (
	"context"
	"sync"
)

// MemoryStore implements RecordStore with an in-memory map. Used for
// testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
	}
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to avoid external mutation.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, key string, size int) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, ok := s.records[key]; ok {
		out := make([]byte, len(data))
		copy(out, data)
		return out, false, nil
	}
	s.records[key] = make([]byte, size)
	return make([]byte, size), true, nil
}

func (s *MemoryStore) Store(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.records[key] = stored
	return nil
}

func (s *MemoryStore) StoreAll(_ context.Context, records map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, data := range records {
		stored := make([]byte, len(data))
		copy(stored, data)
		s.records[key] = stored
	}
	return nil
}
