package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// capacityErrors counts writes rejected for exceeding the quota
	capacityErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchcache_store_capacity_errors_total",
			Help: "Total number of store writes rejected because the quota was exceeded",
		},
	)
)
