package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	// DeliveriesTotal counts finished delivery attempts by result:
	// delivered, failed (will retry), abandoned.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tallyd",
		Name:      "notify_deliveries_total",
		Help:      "Notification delivery attempts by result.",
	}, []string{"result"})

	// EnqueuedTotal counts notifications inserted into the queue.
	EnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tallyd",
		Name:      "notify_enqueued_total",
		Help:      "Notifications enqueued for delivery.",
	})
)

func init() {
	prometheus.MustRegister(DeliveriesTotal, EnqueuedTotal)
}
