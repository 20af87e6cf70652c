package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborbpe_connection_state",
			Help: "1 for the current state of each subscription connection, 0 otherwise.",
		},
		[]string{"connection", "state"},
	)

	SubscriptionRetrievalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbpe_subscription_retrievals_total",
			Help: "Total number of subscription retrieval attempts by result.",
		},
		[]string{"result"}, // found, not_found, ambiguous, error
	)

	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbpe_reconnects_total",
			Help: "Total number of connection restarts by failing stage.",
		},
		[]string{"stage"}, // backfill, channel
	)

	BackfillResourcesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbpe_backfill_resources_total",
			Help: "Total number of resources handed to handlers during backfill.",
		},
		[]string{"resource_type"},
	)

	BackfillPagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborbpe_backfill_pages_total",
			Help: "Total number of backfill search pages read.",
		},
	)

	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbpe_events_dispatched_total",
			Help: "Total number of events accepted by the dispatch pool.",
		},
		[]string{"kind"}, // resource, ping
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbpe_events_dropped_total",
			Help: "Total number of events dropped because the dispatch pool rejected them.",
		},
		[]string{"kind"},
	)

	HandlerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbpe_handler_failures_total",
			Help: "Total number of handler invocations that returned an error or panicked.",
		},
		[]string{"kind", "reason"}, // reason: error, panic
	)

	HandlerDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborbpe_handler_duration_seconds",
			Help:    "Handler invocation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborbpe_dispatch_queue_depth",
			Help: "Number of events waiting for a dispatch worker.",
		},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbpe_tasks_total",
			Help: "Total number of tasks handled by the correlator by outcome.",
		},
		[]string{"outcome"}, // started, correlated, failed
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborbpe_dlq_total",
			Help: "Total number of dropped events published to the dead letter topic.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		ConnectionState,
		SubscriptionRetrievalsTotal,
		ReconnectsTotal,
		BackfillResourcesTotal,
		BackfillPagesTotal,
		EventsDispatchedTotal,
		EventsDroppedTotal,
		HandlerFailuresTotal,
		HandlerDurationSeconds,
		DispatchQueueDepth,
		TasksTotal,
		DLQTotal,
	)
}

// SetConnectionState marks state as the only active state of a connection
func SetConnectionState(connection, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(connection, s).Set(v)
	}
}

func RecordRetrieval(result string) {
	SubscriptionRetrievalsTotal.WithLabelValues(result).Inc()
}

func RecordReconnect(stage string) {
	ReconnectsTotal.WithLabelValues(stage).Inc()
}

func RecordBackfillPage(resources map[string]int) {
	BackfillPagesTotal.Inc()
	for resourceType, n := range resources {
		BackfillResourcesTotal.WithLabelValues(resourceType).Add(float64(n))
	}
}

func RecordDispatched(kind string) {
	EventsDispatchedTotal.WithLabelValues(kind).Inc()
}

func RecordDropped(kind string) {
	EventsDroppedTotal.WithLabelValues(kind).Inc()
}

func RecordHandler(kind string, duration time.Duration, reason string) {
	HandlerDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	if reason != "" {
		HandlerFailuresTotal.WithLabelValues(kind, reason).Inc()
	}
}

func UpdateQueueDepth(depth float64) {
	DispatchQueueDepth.Set(depth)
}

func RecordTask(outcome string) {
	TasksTotal.WithLabelValues(outcome).Inc()
}

func RecordDLQ() {
	DLQTotal.Inc()
}
