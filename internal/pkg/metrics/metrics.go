package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tripsync"

var (
	// RealtimeState reports the realtime channel state: 0 disconnected, 1 connecting, 2 connected, 3 backoff.
	RealtimeState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_state",
			Help:      "Realtime channel state (0=disconnected, 1=connecting, 2=connected, 3=backoff).",
		},
	)

	// RealtimeReconnects counts connection attempts after the first.
	RealtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Total number of realtime reconnection attempts.",
		},
	)

	// RealtimeEvents counts decoded realtime events by kind.
	RealtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Total number of realtime events received.",
		},
		[]string{"kind"},
	)

	// RealtimeDropped counts events dropped because a subscriber queue was full or filtered out.
	RealtimeDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_dropped_total",
			Help:      "Total number of realtime events dropped.",
		},
		[]string{"reason"}, // reason: queue_full, gps_precision
	)

	// RefreshTotal counts coordinator refreshes.
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Total number of coordinator refreshes.",
		},
		[]string{"coordinator", "status"}, // status: success/failed
	)

	// RefreshLatency measures coordinator fetch duration.
	RefreshLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_latency_seconds",
			Help:      "Latency of coordinator fetches.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"coordinator"},
	)

	// Notifications counts emitted engine notifications by kind.
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notifications emitted by the engine.",
		},
		[]string{"kind"},
	)

	// DataInconsistency counts discarded samples.
	DataInconsistency = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_inconsistency_total",
			Help:      "Total number of samples discarded as inconsistent.",
		},
		[]string{"source"},
	)

	// Degraded is 1 while the sync daemon serves stale data or has lost its session.
	Degraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "Whether the daemon is degraded (1) or healthy (0).",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RealtimeState,
		RealtimeReconnects,
		RealtimeEvents,
		RealtimeDropped,
		RefreshTotal,
		RefreshLatency,
		Notifications,
		DataInconsistency,
		Degraded,
	)
}
