package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clientRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_client_requests_total",
		Help: "Total client calls by result",
	}, []string{"result"}) // "hit", "miss", "skipped", "error"

	clientRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchcache_client_request_duration_seconds",
		Help:    "Client call duration in seconds, cache lookups included",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
	})
)

type callOptions struct {
	ttl        time.Duration
	failureKey string
}

// Option customizes a single call.
type Option func(*callOptions)

// WithTTL overrides the TTL of the value written back.
func WithTTL(ttl time.Duration) Option {
	return func(o *callOptions) {
		o.ttl = ttl
	}
}

// WithFailureKey scopes the failure marker to key instead of the cache key,
// e.g. the upstream host, so one rate limit pauses every request to it.
func WithFailureKey(key string) Option {
	return func(o *callOptions) {
		if key != "" {
			o.failureKey = key
		}
	}
}
