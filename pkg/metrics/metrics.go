// Package metrics exposes the fetchcache Prometheus metrics over HTTP.
//
// Counters and histograms are defined next to the code that updates them
// (cache, fetch, client, failure, throttle, store) and registered via promauto.
// This package adds scrape-time store budget gauges and the HTTP handler.
//
// Cache Metrics (pkg/cache):
//   - fetchcache_cache_hits_total{namespace} (Counter)
//   - fetchcache_cache_misses_total{reason} (Counter): absent, expired, corrupted
//   - fetchcache_cache_evictions_total{reason} (Counter): expired, lru
//   - fetchcache_cache_dropped_writes_total (Counter)
//   - fetchcache_cache_usage_ratio (Gauge)
//   - fetchcache_cache_errors_total{operation} (Counter)
//
// Fetch Metrics (pkg/fetch):
//   - fetchcache_fetch_attempts_total{outcome} (Counter)
//   - fetchcache_fetch_retries_total{error_class} (Counter)
//   - fetchcache_fetch_retry_backoff_seconds{error_class} (Histogram)
//   - fetchcache_fetch_retry_exhausted_total{error_class} (Counter)
//   - fetchcache_upstream_requests_total{status} (Counter)
//   - fetchcache_upstream_request_duration_seconds (Histogram)
//
// Client, failure and throttle metrics:
//   - fetchcache_client_requests_total{result} (Counter): hit, miss, skipped, error
//   - fetchcache_client_request_duration_seconds (Histogram)
//   - fetchcache_failure_markers_recorded_total{reason} (Counter)
//   - fetchcache_failure_skips_total (Counter)
//   - fetchcache_throttle_decisions_total{decision} (Counter)
//
// Store budget (this package, read on every scrape):
//   - fetchcache_store_used_bytes (Gauge)
//   - fetchcache_store_quota_bytes (Gauge)
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate
//	sum(rate(fetchcache_cache_hits_total[5m])) /
//	(sum(rate(fetchcache_cache_hits_total[5m])) + sum(rate(fetchcache_cache_misses_total[5m])))
//
//	# Store nearly full
//	fetchcache_store_used_bytes / fetchcache_store_quota_bytes > 0.8
//
//	# Upstreams being skipped after rate limiting
//	rate(fetchcache_failure_skips_total[5m])
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sternrassler/fetchcache/pkg/cache"
	"github.com/Sternrassler/fetchcache/pkg/logging"
)

// Registry is the registerer every fetchcache metric is registered with.
var Registry = prometheus.DefaultRegisterer

// BudgetSource reports store usage. *cache.Manager satisfies it.
type BudgetSource interface {
	Budget(ctx context.Context) (cache.Budget, error)
}

// BudgetCollector reads the store budget when Prometheus scrapes.
type BudgetCollector struct {
	source  BudgetSource
	timeout time.Duration
	used    *prometheus.Desc
	quota   *prometheus.Desc
}

// NewBudgetCollector creates a collector for source.
func NewBudgetCollector(source BudgetSource) *BudgetCollector {
	return &BudgetCollector{
		source:  source,
		timeout: 5 * time.Second,
		used: prometheus.NewDesc(
			"fetchcache_store_used_bytes",
			"Bytes currently held by the store",
			nil, nil,
		),
		quota: prometheus.NewDesc(
			"fetchcache_store_quota_bytes",
			"Store quota in bytes (0 means unbounded)",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *BudgetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.used
	ch <- c.quota
}

// Collect implements prometheus.Collector. A failed read emits nothing.
func (c *BudgetCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	budget, err := c.source.Budget(ctx)
	if err != nil {
		logger := logging.NewLogger("metrics")
		logger.Warn().Err(err).Msg("Failed to read store budget")
		return
	}

	ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(budget.UsedBytes))
	ch <- prometheus.MustNewConstMetric(c.quota, prometheus.GaugeValue, float64(budget.QuotaBytes))
}

// RegisterBudget registers a BudgetCollector for source with Registry.
func RegisterBudget(source BudgetSource) error {
	return Registry.Register(NewBudgetCollector(source))
}

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
