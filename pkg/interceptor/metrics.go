package interceptor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptrack_intercepted_requests_total",
		Help: "Intercepted requests by decision",
	}, []string{"decision"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptrack_interceptor_store_errors_total",
		Help: "Store failures on the request path",
	}, []string{"store"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iptrack_interceptor_step_duration_seconds",
		Help:    "Time spent in each interceptor step",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"step"})
)
