package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptrack_rate_limit_decisions_total",
		Help: "Rate limit decisions by result and caller type",
	}, []string{"result", "identity"})

	backendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iptrack_rate_limit_backend_errors_total",
		Help: "Rate limit backend failures (requests were allowed)",
	})

	trackedKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iptrack_rate_limit_tracked_keys",
		Help: "Number of keys being tracked",
	})

	backendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iptrack_rate_limit_backend_duration_seconds",
		Help:    "Duration of backend operations",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"operation"})
)
