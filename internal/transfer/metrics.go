package transfer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransitionsTotal counts state transitions by the state entered.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tallyd",
			Name:      "transfer_transitions_total",
			Help:      "Total transfer state transitions by resulting state.",
		},
		[]string{"state"},
	)

	// SettlementDuration observes time from proposal to completion.
	SettlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tallyd",
			Name:      "transfer_settlement_seconds",
			Help:      "Time from transfer creation to completion in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 3600},
		},
	)

	// ExpiryQueueDepth tracks transfers awaiting their deadline.
	ExpiryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tallyd",
			Name:      "transfer_expiry_queue_depth",
			Help:      "Number of transfers tracked by the expiry monitor.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TransitionsTotal,
		SettlementDuration,
		ExpiryQueueDepth,
	)
}

func recordTransition(t *Transfer, now time.Time) {
	TransitionsTotal.WithLabelValues(string(t.State)).Inc()
	if t.State == StateCompleted {
		SettlementDuration.Observe(now.Sub(t.CreatedAt).Seconds())
	}
}
