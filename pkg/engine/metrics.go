package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Engine activity counters, exposed through the default registry so the dev
// relay's /metrics endpoint picks them up without extra wiring.
var (
	metricEventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_applied_total",
		Help: "Realtime events applied to reducers, by event type.",
	}, []string{"type"})
	metricFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_coalescer_flushes_total",
		Help: "Coalescer batch flushes.",
	})
	metricReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_channel_reconnects_total",
		Help: "Channel reconnect attempts scheduled after transient failures.",
	})
	metricSendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_send_failures_total",
		Help: "Message submissions that ended in the failed state.",
	})
	metricStaleFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_stale_fetches_dropped_total",
		Help: "Completed fetches discarded because focus moved on.",
	})
)

func init() {
	prometheus.MustRegister(
		metricEventsApplied,
		metricFlushes,
		metricReconnects,
		metricSendFailures,
		metricStaleFetches,
	)
}
