package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by namespace
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcache_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"namespace"},
	)

	// CacheMisses tracks cache misses by reason
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcache_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"reason"}, // "absent", "expired", "corrupted"
	)

	// CacheEvictions tracks entries removed to make room
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcache_cache_evictions_total",
			Help: "Total number of evicted cache entries",
		},
		[]string{"reason"}, // "expired", "lru"
	)

	// CacheDroppedWrites tracks writes given up after eviction rounds
	CacheDroppedWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchcache_cache_dropped_writes_total",
			Help: "Total number of cache writes dropped because the store stayed full",
		},
	)

	// CacheUsage tracks the last observed store usage ratio
	CacheUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetchcache_cache_usage_ratio",
			Help: "Last observed store usage as a fraction of its quota",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchcache_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "scan"
	)
)
