package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ensembled",
			Subsystem: "rotation",
			Name:      "runs_total",
			Help:      "Total rotations by outcome",
		},
		[]string{"outcome"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ensembled",
			Subsystem: "rotation",
			Name:      "run_duration_seconds",
			Help:      "Duration of rotations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"outcome"},
	)

	runInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ensembled",
			Subsystem: "rotation",
			Name:      "in_progress",
			Help:      "1 while a rotation is running",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, runDuration, runInProgress)
}
