package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fetchcache/pkg/logging"
	"github.com/Sternrassler/fetchcache/pkg/store"
)

var (
	// ErrCacheMiss indicates the requested key was not found, expired or unreadable
	ErrCacheMiss = errors.New("cache miss")

	// ErrCorrupted indicates the stored bytes could not be decoded; it always comes wrapped with ErrCacheMiss
	ErrCorrupted = errors.New("corrupted cache entry")

	// ErrWriteDropped indicates a write was abandoned; the cache stays usable
	ErrWriteDropped = errors.New("cache write dropped")

	// ErrInvalidTTL indicates a non-positive TTL
	ErrInvalidTTL = errors.New("ttl must be positive")
)

// Config holds cache manager configuration.
type Config struct {
	// Namespace prefixes every store key owned by the manager.
	Namespace string

	// HighWaterMark is the usage ratio that triggers cleanup after a write.
	HighWaterMark float64

	// MaxEvictionRounds bounds the evict-and-retry loop of a single Put.
	MaxEvictionRounds int

	// Now returns the current time (default: time.Now).
	Now func() time.Time

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default cache manager configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:         "cache:",
		HighWaterMark:     DefaultHighWaterMark,
		MaxEvictionRounds: 16,
		Now:               time.Now,
	}
}

// StatusEntry describes one live entry.
type StatusEntry struct {
	Key       string        `json:"key"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Remaining time.Duration `json:"msRemaining"`
}

// MarshalJSON reports Remaining in milliseconds.
func (s StatusEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key         string    `json:"key"`
		ExpiresAt   time.Time `json:"expiresAt"`
		MsRemaining int64     `json:"msRemaining"`
	}{s.Key, s.ExpiresAt, s.Remaining.Milliseconds()})
}

// CleanupResult summarizes a Cleanup pass.
type CleanupResult struct {
	Expired int    `json:"expired"`
	Evicted int    `json:"evicted"`
	Budget  Budget `json:"budget"`
}

// Manager owns the lifecycle of cache entries in a durable store.
//
// Cache faults never escape Get: a missing, expired or unreadable entry is
// reported as ErrCacheMiss. Put is best-effort; when the store stays full
// after eviction it returns ErrWriteDropped and the caller carries on uncached.
//
// Writes made by one Manager are serialized. A hit only records its access
// time when the entry is still the one it read.
type Manager[T any] struct {
	store  store.Store
	cfg    Config
	logger zerolog.Logger

	// mu guards store writes; reads go straight to the store.
	mu sync.Mutex
}

// NewManager creates a cache manager over s. Zero config fields take defaults.
func NewManager[T any](s store.Store, cfg Config) *Manager[T] {
	if s == nil {
		panic("store cannot be nil")
	}

	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.HighWaterMark <= 0 || cfg.HighWaterMark > 1 {
		cfg.HighWaterMark = def.HighWaterMark
	}
	if cfg.MaxEvictionRounds <= 0 {
		cfg.MaxEvictionRounds = def.MaxEvictionRounds
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	logger := logging.NewLogger("cache")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Manager[T]{
		store:  s,
		cfg:    cfg,
		logger: logger,
	}
}

// Get returns the value cached under key.
func (m *Manager[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	storeKey := m.storeKey(key)

	data, err := m.store.Get(ctx, storeKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			CacheErrors.WithLabelValues("get").Inc()
			m.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		}
		CacheMisses.WithLabelValues("absent").Inc()
		return zero, ErrCacheMiss
	}

	var entry Entry[T]
	if err := json.Unmarshal(data, &entry); err != nil {
		m.removeIfUnchanged(ctx, storeKey, data)
		CacheMisses.WithLabelValues("corrupted").Inc()
		m.logger.Warn().Err(err).Str("key", key).Msg("Dropped corrupted cache entry")
		return zero, fmt.Errorf("%w: %w: %v", ErrCacheMiss, ErrCorrupted, err)
	}
	entry.Key = key

	now := m.cfg.Now()
	if entry.IsExpired(now) {
		m.removeIfUnchanged(ctx, storeKey, data)
		CacheMisses.WithLabelValues("expired").Inc()
		m.logger.Debug().Str("key", key).Time("expires_at", entry.ExpiresAt).Msg("Cache entry expired")
		return zero, ErrCacheMiss
	}

	// Record the hit for LRU ordering. Losing this write only skews eviction order.
	entry.Touch(now)
	if touched, err := json.Marshal(&entry); err == nil {
		m.touch(ctx, storeKey, data, touched)
	}

	CacheHits.WithLabelValues(namespaceOf(key)).Inc()
	m.logger.Debug().Str("key", key).Dur("ttl", entry.Remaining(now)).Msg("Cache hit")
	return entry.Value, nil
}

// Put stores value under key for ttl.
//
// When the store is full, entries are evicted one at a time (expired first,
// then least recently accessed) and the write is retried, up to
// MaxEvictionRounds times.
func (m *Manager[T]) Put(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidTTL, ttl)
	}

	now := m.cfg.Now()
	entry := NewEntry(key, value, now, ttl)
	if !entry.ExpiresAt.After(entry.CreatedAt) {
		return fmt.Errorf("%w: got %v", ErrInvalidTTL, ttl)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	storeKey := m.storeKey(key)
	m.mu.Lock()
	err = m.store.Put(ctx, storeKey, data)
	if errors.Is(err, store.ErrCapacityExceeded) {
		err = m.putWithEviction(ctx, storeKey, data, now)
	}
	m.mu.Unlock()
	if err != nil {
		if errors.Is(err, store.ErrCapacityExceeded) {
			CacheDroppedWrites.Inc()
		} else {
			CacheErrors.WithLabelValues("set").Inc()
		}
		m.logger.Warn().Err(err).Str("key", key).Msg("Cache write dropped")
		return fmt.Errorf("%w: %v", ErrWriteDropped, err)
	}

	m.logger.Debug().Str("key", key).Dur("ttl", ttl).Int("bytes", len(data)).Msg("Cached value")

	m.maybeCleanup(ctx)
	return nil
}

// Invalidate removes the entry named keyOrPrefix and every entry whose key
// starts with it. A prefix ending in ":" also matches the bare namespace key.
// An empty argument clears the whole cache. Returns the number of entries removed.
func (m *Manager[T]) Invalidate(ctx context.Context, keyOrPrefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.ownKeys(ctx)
	if err != nil {
		return 0, err
	}

	bare := strings.TrimSuffix(keyOrPrefix, ":")
	removed := 0
	for _, key := range keys {
		if key == keyOrPrefix || key == bare || strings.HasPrefix(key, keyOrPrefix) {
			if err := m.store.Remove(ctx, m.storeKey(key)); err != nil {
				CacheErrors.WithLabelValues("delete").Inc()
				return removed, fmt.Errorf("remove %q: %w", key, err)
			}
			removed++
		}
	}

	m.logger.Debug().Str("prefix", keyOrPrefix).Int("removed", removed).Msg("Invalidated cache entries")
	return removed, nil
}

// Status returns the live entries and their remaining TTL, soonest expiry first.
func (m *Manager[T]) Status(ctx context.Context) ([]StatusEntry, error) {
	candidates, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}

	now := m.cfg.Now()
	status := make([]StatusEntry, 0, len(candidates))
	for _, c := range candidates {
		if c.corrupted || !now.Before(c.expiresAt) {
			continue
		}
		status = append(status, StatusEntry{
			Key:       c.key,
			ExpiresAt: c.expiresAt,
			Remaining: c.expiresAt.Sub(now),
		})
	}

	sort.Slice(status, func(i, j int) bool {
		if status[i].ExpiresAt.Equal(status[j].ExpiresAt) {
			return status[i].Key < status[j].Key
		}
		return status[i].ExpiresAt.Before(status[j].ExpiresAt)
	})
	return status, nil
}

// Budget reports store usage against its quota.
func (m *Manager[T]) Budget(ctx context.Context) (Budget, error) {
	used, err := m.store.UsedBytes(ctx)
	if err != nil {
		return Budget{}, fmt.Errorf("store used bytes: %w", err)
	}
	b := Budget{
		UsedBytes:     used,
		QuotaBytes:    m.store.QuotaBytes(),
		HighWaterMark: m.cfg.HighWaterMark,
	}
	CacheUsage.Set(b.Ratio())
	return b, nil
}

// Cleanup removes every expired or unreadable entry, then evicts least
// recently accessed entries until usage drops below the high-water mark.
func (m *Manager[T]) Cleanup(ctx context.Context) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result CleanupResult

	candidates, err := m.evictionOrder(ctx, m.cfg.Now())
	if err != nil {
		return result, err
	}

	budget, err := m.Budget(ctx)
	if err != nil {
		return result, err
	}

	for _, c := range candidates {
		if !c.stale {
			if !budget.NeedsCleanup() {
				break
			}
		}
		if err := m.store.Remove(ctx, c.storeKey); err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
			return result, fmt.Errorf("remove %q: %w", c.key, err)
		}
		budget.UsedBytes -= c.size
		if c.stale {
			result.Expired++
			CacheEvictions.WithLabelValues("expired").Inc()
		} else {
			result.Evicted++
			CacheEvictions.WithLabelValues("lru").Inc()
		}
	}

	result.Budget, err = m.Budget(ctx)
	if err != nil {
		return result, err
	}

	m.logger.Info().
		Int("expired", result.Expired).
		Int("evicted", result.Evicted).
		Float64("usage_ratio", result.Budget.Ratio()).
		Msg("Cache cleanup complete")
	return result, nil
}

// putWithEviction frees space one victim at a time and retries the write.
func (m *Manager[T]) putWithEviction(ctx context.Context, storeKey string, data []byte, now time.Time) error {
	candidates, err := m.evictionOrder(ctx, now)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrCapacityExceeded, err)
	}

	lastErr := error(store.ErrCapacityExceeded)
	for round := 0; round < m.cfg.MaxEvictionRounds && round < len(candidates); round++ {
		victim := candidates[round]
		if err := m.store.Remove(ctx, victim.storeKey); err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
			return fmt.Errorf("evict %q: %w", victim.key, err)
		}

		reason := "lru"
		if victim.stale {
			reason = "expired"
		}
		CacheEvictions.WithLabelValues(reason).Inc()
		m.logger.Debug().
			Str("victim", victim.key).
			Str("reason", reason).
			Int("round", round+1).
			Msg("Evicted cache entry")

		lastErr = m.store.Put(ctx, storeKey, data)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, store.ErrCapacityExceeded) {
			return lastErr
		}
	}
	return lastErr
}

func (m *Manager[T]) maybeCleanup(ctx context.Context) {
	budget, err := m.Budget(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Failed to read store budget")
		return
	}
	if !budget.NeedsCleanup() {
		return
	}

	m.logger.Info().
		Int64("used_bytes", budget.UsedBytes).
		Int64("quota_bytes", budget.QuotaBytes).
		Msg("Cache reached high-water mark, cleaning up")
	if _, err := m.Cleanup(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Cache cleanup failed")
	}
}

// touch writes the access-stamped record back, unless the entry changed
// since Get read it.
func (m *Manager[T]) touch(ctx context.Context, storeKey string, read, touched []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.unchanged(ctx, storeKey, read) {
		return
	}
	if err := m.store.Put(ctx, storeKey, touched); err != nil {
		m.logger.Debug().Err(err).Str("store_key", storeKey).Msg("Failed to record cache access")
	}
}

// removeIfUnchanged drops an unusable entry unless a writer replaced it.
func (m *Manager[T]) removeIfUnchanged(ctx context.Context, storeKey string, read []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.unchanged(ctx, storeKey, read) {
		return
	}
	if err := m.store.Remove(ctx, storeKey); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		m.logger.Warn().Err(err).Str("store_key", storeKey).Msg("Failed to remove cache entry")
	}
}

// unchanged reports whether storeKey still holds read. Callers hold mu.
func (m *Manager[T]) unchanged(ctx context.Context, storeKey string, read []byte) bool {
	current, err := m.store.Get(ctx, storeKey)
	return err == nil && bytes.Equal(current, read)
}

func (m *Manager[T]) storeKey(key string) string {
	return m.cfg.Namespace + key
}

// ownKeys lists the logical keys in the manager's namespace.
func (m *Manager[T]) ownKeys(ctx context.Context) ([]string, error) {
	storeKeys, err := m.store.Keys(ctx)
	if err != nil {
		CacheErrors.WithLabelValues("scan").Inc()
		return nil, fmt.Errorf("list store keys: %w", err)
	}

	keys := make([]string, 0, len(storeKeys))
	for _, storeKey := range storeKeys {
		if key, ok := strings.CutPrefix(storeKey, m.cfg.Namespace); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func namespaceOf(key string) string {
	if ns, _, ok := strings.Cut(key, ":"); ok {
		return ns
	}
	return key
}
