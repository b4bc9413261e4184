package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Server owns its
// own registry so several servers (tests) can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions      prometheus.Gauge
	sessionsCreated     prometheus.Counter
	sessionsClosed      prometheus.Counter
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	handshakeFailures   *prometheus.CounterVec
	broadcastFanout     prometheus.Histogram
	broadcastDuration   prometheus.Histogram
	broadcastFailures   prometheus.Counter
	queueDepth          prometheus.Gauge
	tasksDropped        *prometheus.CounterVec
	cryptoErrors        *prometheus.CounterVec
	connectionsAccepted *prometheus.CounterVec
}

// NewMetrics creates and registers every collector
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cipherchat_active_sessions",
			Help: "Number of registered sessions",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherchat_sessions_created_total",
			Help: "Sessions that completed the handshake",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherchat_sessions_disconnected_total",
			Help: "Sessions removed from the registry",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherchat_messages_received_total",
			Help: "Inbound frames by kind",
		}, []string{"kind"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherchat_messages_sent_total",
			Help: "Outbound frames by kind",
		}, []string{"kind"}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherchat_handshake_failures_total",
			Help: "Aborted handshakes by reason",
		}, []string{"reason"}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cipherchat_broadcast_fanout",
			Help:    "Recipients reached per broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cipherchat_broadcast_duration_seconds",
			Help:    "Time to deliver one broadcast to every recipient",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherchat_broadcast_delivery_failures_total",
			Help: "Broadcast copies that could not be delivered",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cipherchat_task_queue_depth",
			Help: "Tasks waiting for a worker",
		}),
		tasksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherchat_tasks_dropped_total",
			Help: "Tasks rejected by a full queue",
		}, []string{"kind"}),
		cryptoErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherchat_crypto_errors_total",
			Help: "Payloads that failed to decrypt",
		}, []string{"mode"}),
		connectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherchat_connections_accepted_total",
			Help: "Accepted connections by transport",
		}, []string{"transport"}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsClosed,
		m.messagesReceived,
		m.messagesSent,
		m.handshakeFailures,
		m.broadcastFanout,
		m.broadcastDuration,
		m.broadcastFailures,
		m.queueDepth,
		m.tasksDropped,
		m.cryptoErrors,
		m.connectionsAccepted,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordMessageReceived(kind string) {
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageSent(kind string) {
	m.messagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessagesSent(kind string, n int) {
	m.messagesSent.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordHandshakeFailure(reason string) {
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBroadcastFanout(recipients int) {
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordBroadcastDuration(d time.Duration) {
	m.broadcastDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordBroadcastFailures(n int) {
	m.broadcastFailures.Add(float64(n))
}

func (m *Metrics) RecordQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) RecordTaskDropped(kind string) {
	m.tasksDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCryptoError(mode string) {
	m.cryptoErrors.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordConnectionAccepted(transport string) {
	m.connectionsAccepted.WithLabelValues(transport).Inc()
}
