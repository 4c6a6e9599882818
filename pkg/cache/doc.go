// Package cache provides a durable, quota-aware response cache.
//
// The manager stores typed values behind deterministic keys in any
// store.Store and owns their whole lifecycle:
//
// - TTL expiry checked on every read
// - LRU bookkeeping (LastAccessedAt is refreshed on each hit)
// - Evict-and-retry when the store rejects a write for capacity
// - High-water-mark cleanup after writes
// - Prefix invalidation and status reporting
//
// # Basic Usage
//
//	s := store.NewMemoryStore(5 << 20)
//	manager := cache.NewManager[[]Candle](s, cache.DefaultConfig())
//
//	key := cache.Key{
//		Namespace: "chart",
//		Symbols:   []string{"aapl"},
//		Params:    url.Values{"interval": []string{"1d"}},
//	}
//
//	candles, err := manager.Get(ctx, key.String())
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch upstream, then
//		_ = manager.Put(ctx, key.String(), fresh, 5*time.Minute)
//	}
//
// # Failure Model
//
// Get never surfaces store faults. Absent, expired and undecodable entries are
// all reported as ErrCacheMiss; an undecodable entry is also removed and the
// error additionally matches ErrCorrupted.
//
// Put returns ErrWriteDropped when the store stays full after
// Config.MaxEvictionRounds evictions. The cache is still usable afterwards;
// callers log the error and return the fresh value uncached.
//
// # Eviction Order
//
// Expired and corrupted entries go first regardless of recency. Live entries
// follow by LastAccessedAt ascending, ties broken by CreatedAt ascending.
//
// # Metrics
//
//   - fetchcache_cache_hits_total{namespace}
//   - fetchcache_cache_misses_total{reason}
//   - fetchcache_cache_evictions_total{reason}
//   - fetchcache_cache_dropped_writes_total
//   - fetchcache_cache_usage_ratio
//   - fetchcache_cache_errors_total{operation}
package cache
