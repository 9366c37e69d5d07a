package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingIntents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis",
		Subsystem: "reconciliation",
		Name:      "pending_intents",
		Help:      "Pending crypto payment intents seen in the last poll cycle.",
	})

	parkedEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis",
		Subsystem: "reconciliation",
		Name:      "parked_events",
		Help:      "Processor updates waiting for their subscription to be bound.",
	})

	lapsedSubscriptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "reconciliation",
		Name:      "lapsed_subscriptions_total",
		Help:      "Subscriptions moved to past_due or canceled by the sweep.",
	})

	reapplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "reconciliation",
		Name:      "reapplied_intents_total",
		Help:      "Confirmed intents whose ledger activation was retried by the poller.",
	})
)

func init() {
	prometheus.MustRegister(
		pendingIntents,
		parkedEvents,
		lapsedSubscriptions,
		reapplied,
	)
}
