package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore keeps entries in an embedded Pebble database.
// Used bytes are counted once on open and maintained in memory afterwards,
// so the database must not be shared with other writers.
type PebbleStore struct {
	db    *pebble.DB
	path  string
	quota int64

	// mu serializes writers so the quota check and the write are atomic.
	mu   sync.Mutex
	used int64
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (creating if needed) a Pebble database at path.
func NewPebbleStore(ctx context.Context, path string, quotaBytes int64) (*PebbleStore, error) {
	if path == "" {
		return nil, errors.New("pebble path cannot be empty")
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble database %s: %w", path, err)
	}

	s := &PebbleStore{
		db:    db,
		path:  path,
		quota: quotaBytes,
	}

	iter, err := db.NewIterWithContext(ctx, &pebble.IterOptions{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pebble iterator: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		value, valueErr := iter.ValueAndErr()
		if valueErr != nil {
			continue
		}
		s.used += int64(len(iter.Key()) + len(value))
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pebble iterator close: %w", err)
	}

	return s, nil
}

func (s *PebbleStore) Put(_ context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.sizeOf(key)
	if err != nil {
		return err
	}
	need := entrySize(key, value)
	if s.quota > 0 && s.used-old+need > s.quota {
		return capacityError(key, s.used, need, s.quota)
	}

	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	s.used += need - old
	return nil
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

func (s *PebbleStore) Remove(_ context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.sizeOf(key)
	if err != nil {
		return err
	}
	if old == 0 {
		return nil
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	s.used -= old
	return nil
}

func (s *PebbleStore) Keys(ctx context.Context) ([]string, error) {
	iter, err := s.db.NewIterWithContext(ctx, &pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("pebble iterator: %w", err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, nil
}

func (s *PebbleStore) UsedBytes(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, nil
}

func (s *PebbleStore) QuotaBytes() int64 {
	return s.quota
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// sizeOf returns the accounted size of key, or 0 if it is absent. Callers hold mu.
func (s *PebbleStore) sizeOf(key string) (int64, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("pebble get: %w", err)
	}
	size := entrySize(key, value)
	closer.Close()
	return size, nil
}
