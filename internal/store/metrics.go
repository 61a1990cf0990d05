package store

import "github.com/prometheus/client_golang/prometheus"

var (
	// TxOutcomesTotal counts transaction outcomes after retries.
	TxOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tallyd",
			Name:      "store_transactions_total",
			Help:      "Total store transactions by final outcome.",
		},
		[]string{"outcome"},
	)

	// TxConflictsTotal counts serialization conflicts. Each one either
	// triggers a retry or, past the attempt limit, surfaces to the caller.
	TxConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tallyd",
			Name:      "store_conflicts_total",
			Help:      "Serialization conflicts observed during commits.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TxOutcomesTotal,
		TxConflictsTotal,
	)
}
