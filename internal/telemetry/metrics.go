package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsPublished   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_events_published_total", Help: "Outbox events published successfully"})
	EventsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_events_retried_total", Help: "Outbox events scheduled for retry after a publish failure"})
	EventsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_events_failed_total", Help: "Outbox events that exhausted max attempts"})
	EventsReclaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_events_reclaimed_total", Help: "Stuck claims returned to pending by reconciliation"})
	JobsSucceeded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Consumer jobs completed successfully"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Consumer jobs rescheduled after a retryable failure"})
	JobsThrottled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_throttled_total", Help: "Consumer jobs rescheduled by tenant throttling"})
	JobsDeadLettered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_lettered_total", Help: "Consumer jobs escalated to the dead-letter store"})
	ThrottleFailOpen  = prometheus.NewCounter(prometheus.CounterOpts{Name: "throttle_fail_open_total", Help: "Throttle decisions allowed because the counter store was unavailable"})
	PendingEventsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outbox_pending_events", Help: "Outbox events awaiting dispatch"})
	InFlightJobsGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Consumer jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsPublished,
			EventsRetried,
			EventsFailed,
			EventsReclaimed,
			JobsSucceeded,
			JobsRetried,
			JobsThrottled,
			JobsDeadLettered,
			ThrottleFailOpen,
			PendingEventsGauge,
			InFlightJobsGauge,
		)
	})
	return promhttp.Handler()
}
