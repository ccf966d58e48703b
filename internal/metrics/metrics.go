package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors of one backplane instance.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	SweptConnections  prometheus.Counter
	PurgedMessages    prometheus.Counter
	CleanupRuns       *prometheus.CounterVec
	HeartbeatFlushes  *prometheus.CounterVec
	HeartbeatsWritten prometheus.Counter
	DeliveryAttempts  *prometheus.CounterVec
	MessagesSaved     prometheus.Counter

	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration, which keeps tests free of global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backplane_active_connections",
			Help: "Connections marked active in the shared store, as of the last cleanup tick",
		}),
		SweptConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backplane_swept_connections_total",
			Help: "Connections marked inactive by the stale sweep",
		}),
		PurgedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backplane_purged_messages_total",
			Help: "Messages deleted by the expiry purge",
		}),
		CleanupRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backplane_cleanup_runs_total",
				Help: "Cleanup ticks by result",
			},
			[]string{"result"},
		),
		HeartbeatFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backplane_heartbeat_flushes_total",
				Help: "Heartbeat batch flushes by result",
			},
			[]string{"result"},
		),
		HeartbeatsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backplane_heartbeats_written_total",
			Help: "Connection rows touched by heartbeat flushes",
		}),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backplane_delivery_attempts_total",
				Help: "Push attempts to connections by result",
			},
			[]string{"result"},
		),
		MessagesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backplane_messages_saved_total",
			Help: "Messages persisted",
		}),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backplane_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backplane_http_request_duration_seconds",
				Help:    "Histogram of response durations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActiveConnections,
			m.SweptConnections,
			m.PurgedMessages,
			m.CleanupRuns,
			m.HeartbeatFlushes,
			m.HeartbeatsWritten,
			m.DeliveryAttempts,
			m.MessagesSaved,
			m.RequestCount,
			m.RequestDuration,
		)
	}
	return m
}

// Result labels shared by the counters above.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)
