package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// Message metrics
	MessagesInTotal  *prometheus.CounterVec
	MessagesOutTotal *prometheus.CounterVec

	// Audio metrics
	AudioBytesTotal *prometheus.CounterVec

	// Error metrics
	DecodeErrorsTotal    prometheus.Counter
	WSConnectErrorsTotal prometheus.Counter

	// Conversation metrics
	BargeInsTotal prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicerelay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active voice sessions",
		},
	)

	sessionsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of voice sessions accepted",
		},
	)

	messagesInTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_in_total",
			Help:      "Total client messages received",
		},
		[]string{"type"},
	)

	messagesOutTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_out_total",
			Help:      "Total server messages written",
		},
		[]string{"type"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio payload bytes on the wire, base64 encoded",
		},
		[]string{"direction"},
	)

	decodeErrorsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total client frames that failed to decode",
		},
	)

	wsConnectErrorsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connect_errors_total",
			Help:      "Total websocket upgrade failures",
		},
	)

	bargeInsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total barge-in interruptions requested by clients",
		},
	)

	// Register all metrics
	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		messagesInTotal,
		messagesOutTotal,
		audioBytesTotal,
		decodeErrorsTotal,
		wsConnectErrorsTotal,
		bargeInsTotal,
	)

	return &Metrics{
		registry:             registry,
		SessionsActive:       sessionsActive,
		SessionsTotal:        sessionsTotal,
		MessagesInTotal:      messagesInTotal,
		MessagesOutTotal:     messagesOutTotal,
		AudioBytesTotal:      audioBytesTotal,
		DecodeErrorsTotal:    decodeErrorsTotal,
		WSConnectErrorsTotal: wsConnectErrorsTotal,
		BargeInsTotal:        bargeInsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a new voice session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionEnd records a voice session ending.
func (m *Metrics) RecordSessionEnd() {
	m.SessionsActive.Dec()
}

// RecordMessageIn records a decoded client message.
func (m *Metrics) RecordMessageIn(msgType string) {
	m.MessagesInTotal.WithLabelValues(msgType).Inc()
}

// RecordMessageOut records a server message written to the client.
func (m *Metrics) RecordMessageOut(msgType string) {
	m.MessagesOutTotal.WithLabelValues(msgType).Inc()
}

// RecordAudioBytes records audio payload bytes for one direction.
func (m *Metrics) RecordAudioBytes(direction string, bytes int) {
	if bytes > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordDecodeError records a client frame that failed to decode.
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrorsTotal.Inc()
}

// RecordConnectError records a failed websocket upgrade.
func (m *Metrics) RecordConnectError() {
	m.WSConnectErrorsTotal.Inc()
}

// RecordBargeIn records a client-requested interruption.
func (m *Metrics) RecordBargeIn() {
	m.BargeInsTotal.Inc()
}
