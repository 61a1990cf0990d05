package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepNegativeRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tallyd",
		Subsystem: "reconcile",
		Name:      "negative_records",
		Help:      "Number of balance or held records below zero in the last sweep.",
	})

	sweepHoldMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tallyd",
		Subsystem: "reconcile",
		Name:      "hold_mismatches",
		Help:      "Number of accounts whose holds disagree with prepared transfers in the last sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tallyd",
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of conservation sweeps in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tallyd",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Total conservation sweep errors.",
	})
)

func init() {
	prometheus.MustRegister(
		sweepNegativeRecords,
		sweepHoldMismatches,
		sweepDuration,
		sweepErrors,
	)
}
