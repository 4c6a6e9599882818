// Package store provides the durable key-value media that back the cache.
//
// A Store only persists raw bytes by key. It has no knowledge of TTL or LRU
// semantics; it enforces an optional byte quota and reports quota exhaustion
// with ErrCapacityExceeded so callers can evict and retry instead of failing.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the key does not exist in the store.
	ErrNotFound = errors.New("key not found")

	// ErrCapacityExceeded indicates a write would push the store over its quota.
	ErrCapacityExceeded = errors.New("store capacity exceeded")

	// ErrInvalidKey indicates an empty key.
	ErrInvalidKey = errors.New("store key cannot be empty")
)

// Store is a bounded key-value medium.
//
// Put and Remove are atomic per key: readers never observe a partially
// written value. Keys returns keys in no particular order.
type Store interface {
	// Put writes value under key, replacing any previous value.
	// Returns an error wrapping ErrCapacityExceeded when the quota would be exceeded.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists every key currently held.
	Keys(ctx context.Context) ([]string, error)

	// UsedBytes reports the bytes accounted against the quota (len(key)+len(value) per entry).
	UsedBytes(ctx context.Context) (int64, error)

	// QuotaBytes reports the configured quota. Zero means unbounded.
	QuotaBytes() int64

	// Close releases the underlying medium.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendPebble = "pebble"
)

// Options selects and configures a backend for Open.
type Options struct {
	// Backend is one of BackendMemory, BackendFile, BackendRedis, BackendPebble.
	Backend string

	// QuotaBytes bounds the store size. Zero means unbounded.
	QuotaBytes int64

	// Path is the directory for the file and pebble backends.
	Path string

	// RedisURL is the connection URL for the redis backend.
	RedisURL string

	// Namespace prefixes every redis key so several stores can share one database.
	Namespace string
}

// Open constructs the store selected by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(opts.QuotaBytes), nil
	case BackendFile:
		return NewFileStore(opts.Path, opts.QuotaBytes)
	case BackendPebble:
		return NewPebbleStore(ctx, opts.Path, opts.QuotaBytes)
	case BackendRedis:
		return DialRedisStore(ctx, opts.RedisURL, opts.Namespace, opts.QuotaBytes)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// entrySize is the number of bytes an entry counts against the quota.
func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// capacityError wraps ErrCapacityExceeded with the numbers that caused it.
func capacityError(key string, used, need, quota int64) error {
	capacityErrors.Inc()
	return fmt.Errorf("%w: put %q needs %d bytes, %d of %d used", ErrCapacityExceeded, key, need, used, quota)
}
