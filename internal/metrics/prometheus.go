package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio ingestion service
type Metrics struct {
	// Connection metrics
	ConnectionsAccepted prometheus.Counter
	AcceptErrors        prometheus.Counter

	// Worker pool metrics
	BusyWorkers    prometheus.Gauge
	QueuedSessions prometheus.Gauge

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCompleted prometheus.Counter
	SessionsFailed    *prometheus.CounterVec
	BytesReceived     prometheus.Counter
	AudioDuration     prometheus.Histogram
	SessionDuration   prometheus.Histogram

	// Encoding metrics
	EncodeDuration   prometheus.Histogram
	EncodeFailures   prometheus.Counter
	CompressionRatio prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionEmpty     prometheus.Counter
	TranscriptionDuration  prometheus.Histogram

	// Publish metrics
	EventsPublished prometheus.Counter
	PublishFailures prometheus.Counter
	BrokerConnected prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_connections_accepted_total",
			Help: "Total number of device connections accepted",
		}),
		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_accept_errors_total",
			Help: "Total number of failed accept calls",
		}),

		BusyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audio_ingest_workers_busy",
			Help: "Number of workers currently running a session pipeline",
		}),
		QueuedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audio_ingest_sessions_queued",
			Help: "Number of accepted sessions waiting for a free worker",
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audio_ingest_sessions_active",
			Help: "Number of sessions not yet in a terminal state",
		}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_sessions_completed_total",
			Help: "Total number of sessions that completed",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_ingest_sessions_failed_total",
			Help: "Total number of failed sessions by stage",
		}, []string{"stage"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_bytes_received_total",
			Help: "Total raw audio bytes received from devices",
		}),
		AudioDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_ingest_recording_duration_seconds",
			Help:    "Audio duration of received recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_ingest_session_duration_seconds",
			Help:    "Wall time from accept to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		EncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_ingest_encode_duration_seconds",
			Help:    "Time spent encoding raw captures",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		EncodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_encode_failures_total",
			Help: "Total number of failed encodings",
		}),
		CompressionRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_ingest_compression_ratio_percent",
			Help:    "Size reduction achieved by encoding",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),

		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionEmpty: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_transcription_empty_total",
			Help: "Total number of transcriptions with no text",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_ingest_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),

		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_events_published_total",
			Help: "Total number of transcription events published",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_ingest_publish_failures_total",
			Help: "Total number of failed event publishes",
		}),
		BrokerConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audio_ingest_broker_connected",
			Help: "1 when the broker connection is up",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_ingest_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audio_ingest_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_ingest_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionAccepted increments the accepted connections counter
func (m *Metrics) RecordConnectionAccepted() {
	m.ConnectionsAccepted.Inc()
}

// RecordAcceptError increments the accept error counter
func (m *Metrics) RecordAcceptError() {
	m.AcceptErrors.Inc()
}

// SetPoolState publishes the worker pool occupancy
func (m *Metrics) SetPoolState(busy, queued int) {
	m.BusyWorkers.Set(float64(busy))
	m.QueuedSessions.Set(float64(queued))
}

// SetActiveSessions sets the current number of live sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordBytesReceived adds n raw bytes to the received counter
func (m *Metrics) RecordBytesReceived(n int) {
	m.BytesReceived.Add(float64(n))
}

// RecordSessionCompleted records a completed session
func (m *Metrics) RecordSessionCompleted(audioSeconds, wallSeconds float64) {
	m.SessionsCompleted.Inc()
	m.AudioDuration.Observe(audioSeconds)
	m.SessionDuration.Observe(wallSeconds)
}

// RecordSessionFailed records a session that failed in stage
func (m *Metrics) RecordSessionFailed(stage string, wallSeconds float64) {
	m.SessionsFailed.WithLabelValues(stage).Inc()
	m.SessionDuration.Observe(wallSeconds)
}

// RecordEncode records a successful encoding
func (m *Metrics) RecordEncode(durationSeconds, compressionPercent float64) {
	m.EncodeDuration.Observe(durationSeconds)
	m.CompressionRatio.Observe(compressionPercent)
}

// RecordEncodeFailure increments the encode failure counter
func (m *Metrics) RecordEncodeFailure() {
	m.EncodeFailures.Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64, empty bool) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
	if empty {
		m.TranscriptionEmpty.Inc()
	}
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordPublish records the outcome of one event publish
func (m *Metrics) RecordPublish(err error) {
	if err != nil {
		m.PublishFailures.Inc()
		return
	}
	m.EventsPublished.Inc()
}

// SetBrokerConnected reflects the broker connection state
func (m *Metrics) SetBrokerConnected(connected bool) {
	if connected {
		m.BrokerConnected.Set(1)
		return
	}
	m.BrokerConnected.Set(0)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
