package detector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptrack_detector_runs_total",
		Help: "Anomaly detector runs by result",
	}, []string{"result"})

	flagsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptrack_detector_flags_total",
		Help: "Suspicious IP flags raised by rule",
	}, []string{"rule"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iptrack_detector_run_duration_seconds",
		Help:    "Duration of anomaly detector runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
