package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis key suffixes for store bookkeeping.
const (
	redisSizesSuffix = "__sizes"
	redisUsedSuffix  = "__used"
)

// putScript writes a value only if the quota allows it and keeps the
// per-key size hash and the used counter in step.
//
// KEYS: sizes hash, used counter, data key. ARGV: logical key, value, quota, size.
var putScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[2]) or '0')
local old = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local quota = tonumber(ARGV[3])
local size = tonumber(ARGV[4])
if quota > 0 and used - old + size > quota then
	return -1
end
redis.call('SET', KEYS[3], ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], size)
redis.call('INCRBY', KEYS[2], size - old)
return used - old + size
`)

// removeScript deletes a value and its bookkeeping.
//
// KEYS: sizes hash, used counter, data key. ARGV: logical key.
var removeScript = redis.NewScript(`
local old = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
redis.call('DEL', KEYS[3])
redis.call('HDEL', KEYS[1], ARGV[1])
if old > 0 then
	redis.call('DECRBY', KEYS[2], old)
end
return old
`)

// RedisStore keeps entries in redis under a namespace.
// Quota checks and writes run in a single Lua script so they are atomic
// across clients sharing the namespace.
type RedisStore struct {
	redis     *redis.Client
	namespace string
	quota     int64
	owned     bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. The caller keeps ownership of the client.
func NewRedisStore(redisClient *redis.Client, namespace string, quotaBytes int64) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if namespace == "" {
		namespace = "fetchcache"
	}
	return &RedisStore{
		redis:     redisClient,
		namespace: namespace,
		quota:     quotaBytes,
	}
}

// DialRedisStore connects to redisURL, verifies the connection and returns a
// store that closes the client on Close.
func DialRedisStore(ctx context.Context, redisURL, namespace string, quotaBytes int64) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewRedisStore(client, namespace, quotaBytes)
	s.owned = true
	return s, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}

	size := entrySize(key, value)
	res, err := putScript.Run(ctx, s.redis, s.scriptKeys(key), key, value, s.quota, size).Int64()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if res < 0 {
		used, _ := s.UsedBytes(ctx)
		return capacityError(key, used, size, s.quota)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	data, err := s.redis.Get(ctx, s.dataKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if err := removeScript.Run(ctx, s.redis, s.scriptKeys(key), key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis remove: %w", err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.redis.HKeys(ctx, s.sizesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	return keys, nil
}

func (s *RedisStore) UsedBytes(ctx context.Context) (int64, error) {
	used, err := s.redis.Get(ctx, s.usedKey()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get used: %w", err)
	}
	return used, nil
}

func (s *RedisStore) QuotaBytes() int64 {
	return s.quota
}

// Close closes the client if the store created it.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.redis.Close()
	}
	return nil
}

func (s *RedisStore) dataKey(key string) string {
	return s.namespace + ":" + key
}

func (s *RedisStore) sizesKey() string {
	return s.namespace + redisSizesSuffix
}

func (s *RedisStore) usedKey() string {
	return s.namespace + redisUsedSuffix
}

func (s *RedisStore) scriptKeys(key string) []string {
	return []string{s.sizesKey(), s.usedKey(), s.dataKey(key)}
}
