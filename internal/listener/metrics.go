package listener

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "listener",
		Name:      "events_applied_total",
		Help:      "Ledger events that produced a status transition, by event name.",
	}, []string{"event"})

	eventsDuplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "listener",
		Name:      "events_duplicate_total",
		Help:      "Event deliveries dropped as already applied.",
	})

	eventsDeferredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "listener",
		Name:      "events_deferred_total",
		Help:      "Out-of-order events parked until their predecessor applies.",
	})

	eventsOrphanedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "listener",
		Name:      "events_orphaned_total",
		Help:      "Events with no matching escrow row, or dropped after exhausting deferrals.",
	})

	eventsConflictTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "listener",
		Name:      "events_conflict_total",
		Help:      "Events whose transition contradicts the stored status.",
	})

	pollErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "listener",
		Name:      "poll_errors_total",
		Help:      "Failed poll cycles.",
	})

	watermarkBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowsync",
		Subsystem: "listener",
		Name:      "watermark_block",
		Help:      "Highest fully processed block number.",
	})
)

func init() {
	prometheus.MustRegister(
		eventsAppliedTotal,
		eventsDuplicateTotal,
		eventsDeferredTotal,
		eventsOrphanedTotal,
		eventsConflictTotal,
		pollErrorsTotal,
		watermarkBlock,
	)
}
