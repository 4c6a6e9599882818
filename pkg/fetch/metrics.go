package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_fetch_attempts_total",
		Help: "Total fetch attempts by outcome",
	}, []string{"outcome"}) // "success", "terminal", "transient", "rate_limited"

	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_fetch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	fetchRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetchcache_fetch_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	fetchRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_fetch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})

	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_upstream_requests_total",
		Help: "Total upstream HTTP requests by status",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchcache_upstream_request_duration_seconds",
		Help:    "Upstream HTTP request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})
)
