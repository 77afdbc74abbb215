// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_speech_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Connection metrics
	ConnectionsTotal   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ConnectionsFailed  *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Recognition session metrics
	SessionsStarted  *prometheus.CounterVec
	SessionsStopped  *prometheus.CounterVec
	StartFailures    *prometheus.CounterVec
	StartLatency     *prometheus.HistogramVec
	TeardownTimeouts prometheus.Counter

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioChunksReceived prometheus.Counter
	FramesSent          *prometheus.CounterVec

	// Relay metrics
	EventsRelayed  *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	StaleCallbacks prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT metrics
	STTErrors      *prometheus.CounterVec
	TokenRefreshes *prometheus.CounterVec

	// gRPC metrics
	GRPCRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Connection metrics
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of audio connections accepted",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open audio connections",
		}),
		ConnectionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_failed_total",
			Help:      "Total number of connections rejected or ended with an error",
		}, []string{"reason"}),
		ConnectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of audio connections in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		// Recognition session metrics
		SessionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_sessions_started_total",
			Help:      "Total number of recognition sessions started",
		}, []string{"provider"}),
		SessionsStopped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_sessions_stopped_total",
			Help:      "Total number of recognition sessions stopped",
		}, []string{"provider", "reason"}),
		StartFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_start_failures_total",
			Help:      "Total number of failed recognition session starts",
		}, []string{"provider"}),
		StartLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_start_latency_seconds",
			Help:      "Time taken by the provider to open a recognition session",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider"}),
		TeardownTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_timeouts_total",
			Help:      "Total number of sessions whose worker was abandoned at teardown",
		}),

		// Audio metrics
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_received_total",
			Help:      "Total audio chunks received from clients",
		}),
		FramesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total audio frames forwarded to the provider",
		}, []string{"provider"}),

		// Relay metrics
		EventsRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Total recognition events forwarded to consumers",
		}, []string{"kind"}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total recognition events dropped before reaching consumers",
		}, []string{"reason"}),
		StaleCallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_callbacks_total",
			Help:      "Total provider callbacks that arrived after their session was gone",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// STT metrics
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		TokenRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Total number of vendor token refresh attempts",
		}, []string{"result"}),

		// gRPC metrics
		GRPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC calls served",
		}, []string{"method", "code"}),
	}
}

// RecordConnectionStart records a new connection being accepted.
func (m *Metrics) RecordConnectionStart() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionEnd records a connection ending.
func (m *Metrics) RecordConnectionEnd(durationSeconds float64) {
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordConnectionFailed records a rejected or failed connection.
func (m *Metrics) RecordConnectionFailed(reason string) {
	m.ConnectionsFailed.WithLabelValues(reason).Inc()
}

// RecordSessionStarted records a recognition session start and how long it took.
func (m *Metrics) RecordSessionStarted(provider string, latencySeconds float64) {
	m.SessionsStarted.WithLabelValues(provider).Inc()
	m.StartLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordSessionStopped records a recognition session stop.
func (m *Metrics) RecordSessionStopped(provider, reason string) {
	m.SessionsStopped.WithLabelValues(provider, reason).Inc()
}

// RecordStartFailure records a failed recognition session start.
func (m *Metrics) RecordStartFailure(provider string) {
	m.StartFailures.WithLabelValues(provider).Inc()
}

// RecordTeardownTimeout records an abandoned session worker.
func (m *Metrics) RecordTeardownTimeout() {
	m.TeardownTimeouts.Inc()
}

// RecordAudioReceived records an audio chunk received from a client.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioChunksReceived.Inc()
}

// RecordFrameSent records a frame forwarded to the provider.
func (m *Metrics) RecordFrameSent(provider string) {
	m.FramesSent.WithLabelValues(provider).Inc()
}

// RecordEventRelayed records an event delivered to consumers.
func (m *Metrics) RecordEventRelayed(kind string) {
	m.EventsRelayed.WithLabelValues(kind).Inc()
}

// RecordEventDropped records an event filtered out by the relay.
func (m *Metrics) RecordEventDropped(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordStaleCallback records a callback for a session that no longer exists.
func (m *Metrics) RecordStaleCallback() {
	m.StaleCallbacks.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordTokenRefresh records a token refresh attempt.
func (m *Metrics) RecordTokenRefresh(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

// RecordGRPCRequest records a served gRPC call.
func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
}
