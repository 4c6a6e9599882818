package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store with quota accounting.
// Values are copied on the way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	used  int64
	quota int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store bounded by quotaBytes (0 = unbounded).
func NewMemoryStore(quotaBytes int64) *MemoryStore {
	return &MemoryStore{
		data:  make(map[string][]byte),
		quota: quotaBytes,
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	need := entrySize(key, value)
	var old int64
	if prev, ok := s.data[key]; ok {
		old = entrySize(key, prev)
	}
	if s.quota > 0 && s.used-old+need > s.quota {
		return capacityError(key, s.used, need, s.quota)
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	s.data[key] = buf
	s.used += need - old
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.data[key]; ok {
		s.used -= entrySize(key, prev)
		delete(s.data, key)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *MemoryStore) UsedBytes(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used, nil
}

func (s *MemoryStore) QuotaBytes() int64 {
	return s.quota
}

func (s *MemoryStore) Close() error {
	return nil
}
