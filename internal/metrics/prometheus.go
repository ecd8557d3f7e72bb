package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription stream service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Gateway metrics
	ActiveConnections  prometheus.Gauge
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	ConnectionDuration prometheus.Histogram
	FramesReceived     *prometheus.CounterVec
	ControlCommands    *prometheus.CounterVec
	ChunkBytes         prometheus.Histogram

	// Queue metrics
	QueueDepth      *prometheus.GaugeVec
	ChunksEnqueued  *prometheus.CounterVec
	ChunksDiscarded *prometheus.CounterVec

	// Converter metrics
	Conversions        *prometheus.CounterVec
	ConversionDuration prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter
	SegmentsProduced       prometheus.Counter
	WorkerPanics           *prometheus.CounterVec

	// Correction metrics
	Corrections        *prometheus.CounterVec
	CorrectionDuration prometheus.Histogram

	// Delivery metrics
	UpdatesDelivered prometheus.Counter
	UpdatesDropped   *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Gateway metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stt_active_connections",
			Help: "Current number of open streaming connections",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_connections_opened_total",
			Help: "Total number of streaming connections accepted",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_connections_closed_total",
			Help: "Total number of streaming connections closed",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_connection_duration_seconds",
			Help:    "Lifetime of streaming connections in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_frames_received_total",
			Help: "Total number of WebSocket frames received by type",
		}, []string{"type"}),
		ControlCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_control_commands_total",
			Help: "Total number of text control commands received",
		}, []string{"command"}),
		ChunkBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_chunk_size_bytes",
			Help:    "Size of received audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Queue metrics
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stt_queue_depth",
			Help: "Current number of chunks waiting in a queue",
		}, []string{"queue"}),
		ChunksEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_chunks_enqueued_total",
			Help: "Total number of chunks accepted by a queue",
		}, []string{"queue"}),
		ChunksDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_chunks_discarded_total",
			Help: "Total number of chunks discarded before processing",
		}, []string{"queue", "reason"}),

		// Converter metrics
		Conversions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_conversions_total",
			Help: "Total number of transcoder runs by outcome",
		}, []string{"outcome"}),
		ConversionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_conversion_duration_seconds",
			Help:    "Duration of transcoder runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_requests_total",
			Help: "Total number of transcription engine calls",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_successes_total",
			Help: "Total number of successful transcription engine calls",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_failures_total",
			Help: "Total number of failed transcription engine calls",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_transcription_duration_seconds",
			Help:    "Duration of transcription engine calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),
		SegmentsProduced: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_segments_produced_total",
			Help: "Total number of recognized segments",
		}),
		WorkerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_worker_panics_total",
			Help: "Total number of recovered panics while processing a chunk",
		}, []string{"worker"}),

		// Correction metrics
		Corrections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_corrections_total",
			Help: "Total number of correction passes by outcome",
		}, []string{"outcome"}),
		CorrectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_correction_duration_seconds",
			Help:    "Duration of correction passes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		// Delivery metrics
		UpdatesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "stt_updates_delivered_total",
			Help: "Total number of transcript updates written to a socket",
		}),
		UpdatesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_updates_dropped_total",
			Help: "Total number of transcript updates not delivered",
		}, []string{"reason"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened increments the opened counter and the active gauge
func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed records connection teardown and its lifetime
func (m *Metrics) RecordConnectionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.Inc()
	m.ActiveConnections.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// RecordFrame counts a received frame of the given type ("binary", "text", "empty")
func (m *Metrics) RecordFrame(frameType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordControlCommand counts a text control command
func (m *Metrics) RecordControlCommand(command string) {
	if m == nil {
		return
	}
	m.ControlCommands.WithLabelValues(command).Inc()
}

// RecordChunkReceived records the size of an accepted audio chunk
func (m *Metrics) RecordChunkReceived(sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunkBytes.Observe(float64(sizeBytes))
}

// SetQueueDepth sets the current depth of a queue
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordEnqueued counts a chunk accepted by a queue
func (m *Metrics) RecordEnqueued(queue string) {
	if m == nil {
		return
	}
	m.ChunksEnqueued.WithLabelValues(queue).Inc()
}

// RecordDiscarded counts a chunk dropped before it was processed
func (m *Metrics) RecordDiscarded(queue, reason string) {
	if m == nil {
		return
	}
	m.ChunksDiscarded.WithLabelValues(queue, reason).Inc()
}

// RecordConversion records one transcoder run
func (m *Metrics) RecordConversion(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Conversions.WithLabelValues(outcome).Inc()
	m.ConversionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordSegment counts a recognized segment
func (m *Metrics) RecordSegment() {
	if m == nil {
		return
	}
	m.SegmentsProduced.Inc()
}

// RecordWorkerPanic counts a recovered panic
func (m *Metrics) RecordWorkerPanic(worker string) {
	if m == nil {
		return
	}
	m.WorkerPanics.WithLabelValues(worker).Inc()
}

// RecordCorrection records one correction pass
func (m *Metrics) RecordCorrection(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Corrections.WithLabelValues(outcome).Inc()
	m.CorrectionDuration.Observe(durationSeconds)
}

// RecordUpdateDelivered counts an update written to a socket
func (m *Metrics) RecordUpdateDelivered() {
	if m == nil {
		return
	}
	m.UpdatesDelivered.Inc()
}

// RecordUpdateDropped counts an update that had no live destination
func (m *Metrics) RecordUpdateDropped(reason string) {
	if m == nil {
		return
	}
	m.UpdatesDropped.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
