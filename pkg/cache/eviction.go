package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/Sternrassler/fetchcache/pkg/store"
)

// entryMeta is the timestamp part of the wire record; the value is not decoded.
type entryMeta struct {
	CreatedAt      int64 `json:"createdAt"`
	ExpiresAt      int64 `json:"expiresAt"`
	LastAccessedAt int64 `json:"lastAccessedAt"`
}

// candidate is an entry considered for eviction or status reporting.
type candidate struct {
	key      string
	storeKey string
	size     int64

	// corrupted entries could not be decoded and hold no value
	corrupted bool

	// stale is corrupted or expired at the time of ordering
	stale bool

	createdAt      time.Time
	expiresAt      time.Time
	lastAccessedAt time.Time
}

// scan reads the metadata of every entry in the manager's namespace.
func (m *Manager[T]) scan(ctx context.Context) ([]candidate, error) {
	keys, err := m.ownKeys(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(keys))
	for _, key := range keys {
		storeKey := m.storeKey(key)
		data, err := m.store.Get(ctx, storeKey)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				CacheErrors.WithLabelValues("scan").Inc()
				m.logger.Debug().Err(err).Str("key", key).Msg("Skipping unreadable entry during scan")
			}
			continue
		}

		c := candidate{
			key:      key,
			storeKey: storeKey,
			size:     int64(len(storeKey) + len(data)),
		}

		var meta entryMeta
		if err := json.Unmarshal(data, &meta); err != nil || meta.CreatedAt <= 0 || meta.ExpiresAt <= meta.CreatedAt {
			c.corrupted = true
		} else {
			c.createdAt = time.UnixMilli(meta.CreatedAt)
			c.expiresAt = time.UnixMilli(meta.ExpiresAt)
			c.lastAccessedAt = time.UnixMilli(max(meta.LastAccessedAt, meta.CreatedAt))
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// evictionOrder returns every entry in the order it should be evicted at now:
// stale (expired or corrupted) entries first regardless of recency, then by
// LastAccessedAt ascending, ties broken by CreatedAt ascending.
func (m *Manager[T]) evictionOrder(ctx context.Context, now time.Time) ([]candidate, error) {
	candidates, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		c := &candidates[i]
		c.stale = c.corrupted || !now.Before(c.expiresAt)
	}

	sortForEviction(candidates)
	return candidates, nil
}

func sortForEviction(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.stale != b.stale {
			return a.stale
		}
		if !a.lastAccessedAt.Equal(b.lastAccessedAt) {
			return a.lastAccessedAt.Before(b.lastAccessedAt)
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return a.key < b.key
	})
}
