// Package metrics exposes Prometheus instrumentation for the trading server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream metrics
	TicksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thetad_stream_ticks_total",
			Help: "Total number of market data ticks processed",
		},
		[]string{"symbol"},
	)

	StreamConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thetad_stream_connected",
			Help: "WebSocket connection status (1=authenticated, 0=down)",
		},
	)

	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thetad_stream_reconnects_total",
			Help: "Total number of websocket reconnection attempts",
		},
	)

	UpdatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thetad_stream_updates_dropped_total",
			Help: "Market data updates dropped because a subscriber queue was full",
		},
		[]string{"subscriber"},
	)

	// Session metrics
	HandshakeSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thetad_session_handshake_steps_total",
			Help: "Auth handshake step outcomes",
		},
		[]string{"step", "outcome"},
	)

	SessionKeepalives = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thetad_session_keepalives_total",
			Help: "Total number of session keep-alive tickles",
		},
	)

	// Order metrics
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thetad_orders_submitted_total",
			Help: "Orders submitted to the broker by side and type",
		},
		[]string{"side", "order_type"},
	)

	OrdersRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thetad_orders_rejected_total",
			Help: "Orders rejected by the broker or failed resolution",
		},
	)

	// Job metrics
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thetad_job_runs_total",
			Help: "Scheduled job outcomes",
		},
		[]string{"job", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thetad_job_duration_seconds",
			Help:    "Scheduled job execution time",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"job"},
	)
)

// RecordStreamConnected records the websocket authenticated state.
func RecordStreamConnected(connected bool) {
	if connected {
		StreamConnected.Set(1)
	} else {
		StreamConnected.Set(0)
	}
}
