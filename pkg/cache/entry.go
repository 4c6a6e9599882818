package cache

import (
	"encoding/json"
	"errors"
	"time"
)

// Entry is a cached value with freshness metadata.
//
// Timestamps are kept at millisecond precision so an entry survives a
// round trip through its wire format unchanged.
type Entry[T any] struct {
	// Key is the derived cache key. It is carried by the store key, not the record.
	Key string `json:"-"`

	// Value is the cached payload
	Value T

	// CreatedAt is when the entry was written
	CreatedAt time.Time

	// ExpiresAt is when the entry stops being served
	ExpiresAt time.Time

	// LastAccessedAt is the last read hit; it drives LRU ordering
	LastAccessedAt time.Time
}

// wireEntry is the persisted record: {value, createdAt, expiresAt, lastAccessedAt} in ms since epoch.
type wireEntry[T any] struct {
	Value          T     `json:"value"`
	CreatedAt      int64 `json:"createdAt"`
	ExpiresAt      int64 `json:"expiresAt"`
	LastAccessedAt int64 `json:"lastAccessedAt"`
}

// NewEntry creates an entry written at now that lives for ttl.
func NewEntry[T any](key string, value T, now time.Time, ttl time.Duration) *Entry[T] {
	created := truncateMillis(now)
	return &Entry[T]{
		Key:            key,
		Value:          value,
		CreatedAt:      created,
		ExpiresAt:      truncateMillis(created.Add(ttl)),
		LastAccessedAt: created,
	}
}

// IsExpired reports whether the entry is stale at now.
func (e *Entry[T]) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Remaining returns the time left until expiration, or 0 if expired.
func (e *Entry[T]) Remaining(now time.Time) time.Duration {
	remaining := e.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Touch records a read hit at now. LastAccessedAt never moves before CreatedAt.
func (e *Entry[T]) Touch(now time.Time) {
	accessed := truncateMillis(now)
	if accessed.Before(e.CreatedAt) {
		accessed = e.CreatedAt
	}
	e.LastAccessedAt = accessed
}

// MarshalJSON implements json.Marshaler using millisecond timestamps.
func (e *Entry[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntry[T]{
		Value:          e.Value,
		CreatedAt:      e.CreatedAt.UnixMilli(),
		ExpiresAt:      e.ExpiresAt.UnixMilli(),
		LastAccessedAt: e.LastAccessedAt.UnixMilli(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. Records that do not expire after
// they were created are rejected; a last access before creation is clamped.
func (e *Entry[T]) UnmarshalJSON(data []byte) error {
	if e == nil {
		return errors.New("cannot unmarshal into nil Entry")
	}

	var w wireEntry[T]
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.CreatedAt <= 0 || w.ExpiresAt <= w.CreatedAt {
		return errors.New("entry timestamps out of order")
	}
	if w.LastAccessedAt < w.CreatedAt {
		w.LastAccessedAt = w.CreatedAt
	}

	e.Value = w.Value
	e.CreatedAt = time.UnixMilli(w.CreatedAt)
	e.ExpiresAt = time.UnixMilli(w.ExpiresAt)
	e.LastAccessedAt = time.UnixMilli(w.LastAccessedAt)
	return nil
}

func truncateMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}
