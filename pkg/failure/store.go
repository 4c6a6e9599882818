package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultLRUSize bounds the number of markers kept in memory.
const DefaultLRUSize = 1024

// RedisKeyPrefix namespaces markers in redis.
const RedisKeyPrefix = "fetchcache:failure:"

// Store persists markers. Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the marker for key; ok is false when none exists.
	Load(ctx context.Context, key string) (m Marker, ok bool, err error)

	// Save overwrites the marker for m.Key.
	Save(ctx context.Context, m Marker) error

	// Delete removes the marker for key. Deleting a missing marker is not an error.
	Delete(ctx context.Context, key string) error
}

// LRUStore keeps markers in a bounded in-process LRU map. When full, the
// least recently used marker is dropped.
type LRUStore struct {
	cache *lru.Cache[string, Marker]
}

var _ Store = (*LRUStore)(nil)

// NewLRUStore creates an LRU store holding at most size markers
// (DefaultLRUSize when size <= 0).
func NewLRUStore(size int) (*LRUStore, error) {
	if size <= 0 {
		size = DefaultLRUSize
	}
	cache, err := lru.New[string, Marker](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &LRUStore{cache: cache}, nil
}

func (s *LRUStore) Load(_ context.Context, key string) (Marker, bool, error) {
	m, ok := s.cache.Get(key)
	return m, ok, nil
}

func (s *LRUStore) Save(_ context.Context, m Marker) error {
	s.cache.Add(m.Key, m)
	return nil
}

func (s *LRUStore) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Len returns the number of markers held.
func (s *LRUStore) Len() int {
	return s.cache.Len()
}

// RedisStore shares markers between processes through redis. Each marker is a
// JSON value whose PX expiry equals its cooldown.
type RedisStore struct {
	redis *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a marker store over redisClient.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

func (s *RedisStore) Load(ctx context.Context, key string) (Marker, bool, error) {
	data, err := s.redis.Get(ctx, RedisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, fmt.Errorf("redis get marker: %w", err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, false, fmt.Errorf("decode marker %q: %w", key, err)
	}
	return m, true, nil
}

func (s *RedisStore) Save(ctx context.Context, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	if err := s.redis.Set(ctx, RedisKeyPrefix+m.Key, data, m.Cooldown).Err(); err != nil {
		return fmt.Errorf("redis set marker: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, RedisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del marker: %w", err)
	}
	return nil
}
