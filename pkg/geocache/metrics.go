package geocache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptrack_geocache_lookups_total",
		Help: "Geolocation cache lookups by result",
	}, []string{"result"})

	cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptrack_geocache_errors_total",
		Help: "Geolocation cache backend errors by operation",
	}, []string{"operation"})

	negativeEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iptrack_geocache_negative_entries_total",
		Help: "Negative entries written after a failed provider lookup",
	})

	providerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iptrack_geo_provider_duration_seconds",
		Help:    "Duration of geolocation provider lookups",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
	}, []string{"outcome"})
)
