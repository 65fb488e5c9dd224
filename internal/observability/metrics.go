package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks gateway connection health per account.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ConnectionOpened("main")
//	metrics.HeartbeatSent("main")
//
// All recording methods are no-ops on a nil *Metrics.
type Metrics struct {
	// ConnectionAttempts counts dial attempts.
	// Labels: account, result (success|error)
	ConnectionAttempts *prometheus.CounterVec

	// Disconnects counts ended connections by websocket close code.
	// Labels: account, code ("none" when the transport failed without a close frame)
	Disconnects *prometheus.CounterVec

	// HeartbeatsSent counts keep-alive frames written.
	// Labels: account
	HeartbeatsSent *prometheus.CounterVec

	// FramesReceived counts decodable inbound frames.
	// Labels: account, op
	FramesReceived *prometheus.CounterVec

	// FramesSkipped counts inbound frames that could not be decoded.
	// Labels: account
	FramesSkipped *prometheus.CounterVec

	// LastSequence is the newest sequence number seen.
	// Labels: account
	LastSequence *prometheus.GaugeVec

	// ActiveSessions is 1 while an account's client is running.
	// Labels: account
	ActiveSessions *prometheus.GaugeVec

	// ConnectionDuration measures how long each connection stayed up.
	// Labels: account
	// Buckets: 1s, 10s, 60s, 300s, 1800s, 3600s, 14400s, 86400s
	ConnectionDuration *prometheus.HistogramVec

	// AvatarRotations counts avatar changes.
	// Labels: account, status (success|error)
	AvatarRotations *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates all metrics and registers them with reg. When reg is also
// a prometheus.Gatherer, Handler serves from it.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ConnectionAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoclient_connection_attempts_total",
				Help: "Total number of gateway dial attempts by account and result",
			},
			[]string{"account", "result"},
		),

		Disconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoclient_disconnects_total",
				Help: "Total number of gateway disconnects by account and close code",
			},
			[]string{"account", "code"},
		),

		HeartbeatsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoclient_heartbeats_sent_total",
				Help: "Total number of heartbeat frames sent",
			},
			[]string{"account"},
		),

		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoclient_frames_received_total",
				Help: "Total number of gateway frames received by opcode",
			},
			[]string{"account", "op"},
		),

		FramesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoclient_frames_skipped_total",
				Help: "Total number of inbound frames that could not be decoded",
			},
			[]string{"account"},
		),

		LastSequence: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autoclient_last_sequence",
				Help: "Newest gateway sequence number observed",
			},
			[]string{"account"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autoclient_active_sessions",
				Help: "Whether the account's gateway client is running",
			},
			[]string{"account"},
		),

		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autoclient_connection_duration_seconds",
				Help:    "Lifetime of gateway connections in seconds",
				Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400, 86400},
			},
			[]string{"account"},
		),

		AvatarRotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoclient_avatar_rotations_total",
				Help: "Total number of avatar rotations by account and status",
			},
			[]string{"account", "status"},
		),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registered metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ConnectionOpened records a successful dial.
func (m *Metrics) ConnectionOpened(account string) {
	if m == nil {
		return
	}
	m.ConnectionAttempts.WithLabelValues(account, "success").Inc()
}

// ConnectionFailed records a failed dial.
func (m *Metrics) ConnectionFailed(account string) {
	if m == nil {
		return
	}
	m.ConnectionAttempts.WithLabelValues(account, "error").Inc()
}

// Disconnected records the end of a connection. code is the websocket close
// code, or 0 when none was received.
func (m *Metrics) Disconnected(account string, code int, durationSeconds float64) {
	if m == nil {
		return
	}
	label := "none"
	if code != 0 {
		label = strconv.Itoa(code)
	}
	m.Disconnects.WithLabelValues(account, label).Inc()
	m.ConnectionDuration.WithLabelValues(account).Observe(durationSeconds)
}

func (m *Metrics) HeartbeatSent(account string) {
	if m == nil {
		return
	}
	m.HeartbeatsSent.WithLabelValues(account).Inc()
}

func (m *Metrics) FrameReceived(account string, op int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(account, strconv.Itoa(op)).Inc()
}

func (m *Metrics) FrameSkipped(account string) {
	if m == nil {
		return
	}
	m.FramesSkipped.WithLabelValues(account).Inc()
}

func (m *Metrics) SequenceObserved(account string, seq int64) {
	if m == nil {
		return
	}
	m.LastSequence.WithLabelValues(account).Set(float64(seq))
}

// SessionStarted marks an account's client as running.
func (m *Metrics) SessionStarted(account string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(account).Set(1)
}

// SessionStopped marks an account's client as stopped.
func (m *Metrics) SessionStopped(account string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(account).Set(0)
}

// AvatarRotated records an avatar change attempt.
func (m *Metrics) AvatarRotated(account string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.AvatarRotations.WithLabelValues(account, status).Inc()
}
