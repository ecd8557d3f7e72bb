package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/stt-stream-service/internal/chunk"
	"github.com/skypro1111/stt-stream-service/internal/config"
	"github.com/skypro1111/stt-stream-service/internal/metrics"
	"github.com/skypro1111/stt-stream-service/internal/pipeline"
	"github.com/skypro1111/stt-stream-service/internal/stream"
	"github.com/skypro1111/stt-stream-service/internal/transcode"
	"github.com/skypro1111/stt-stream-service/internal/transcription"
)

const (
	serviceName    = "stt-stream-service"
	serviceVersion = "1.0.0"
)

// Components are the running parts of the service reported by the monitoring API.
// Transcoder and Engine are optional.
type Components struct {
	Gateway     *Gateway
	Registry    *stream.Registry
	Store       *chunk.Store
	Converter   *pipeline.ConverterWorker
	Transcriber *pipeline.TranscriptionWorker
	Transcoder  interface{ GetStats() transcode.Stats }
	Engine      transcription.StatsProvider
}

// HTTPServer serves the WebSocket stream endpoint and the monitoring API
type HTTPServer struct {
	server     *http.Server
	listener   net.Listener
	logger     *slog.Logger
	config     *config.Config
	components Components
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	// Server state
	startTime time.Time
}

// NewHTTPServer creates the HTTP server. A nil gatherer exposes the default
// Prometheus registry on /metrics.
func NewHTTPServer(appConfig *config.Config, components Components, logger *slog.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:     logger.With("component", "http_server"),
		config:     appConfig,
		components: components,
		metrics:    m,
		gatherer:   gatherer,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", appConfig.Server.BindAddress, appConfig.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// Handler returns the root handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Audio stream endpoint; metrics for it are recorded per connection
	mux.Handle(h.config.Server.StreamPath, h.components.Gateway)

	if !h.config.Server.MonitoringEnabled {
		return
	}

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/connections", h.withMetrics("/connections", h.handleConnections))
	mux.HandleFunc("/connections/", h.withMetrics("/connections/{id}", h.handleConnectionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	h.logger.Info("HTTP server started",
		slog.String("address", ln.Addr().String()),
		slog.String("stream_path", h.config.Server.StreamPath),
		slog.Bool("monitoring", h.config.Server.MonitoringEnabled),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop stops accepting requests. Hijacked WebSocket connections are not
// affected and must be closed through the registry.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	storeStats := h.components.Store.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"gateway": map[string]interface{}{
				"status":             "running",
				"active_connections": h.components.Registry.Count(),
			},
			"chunk_store": map[string]interface{}{
				"status":          "running",
				"raw_depth":       storeStats.RawDepth,
				"converted_depth": storeStats.ConvertedDepth,
				"capacity":        storeStats.Capacity,
			},
			"transcription": map[string]interface{}{
				"status": "running",
				"engine": h.config.Transcription.Engine,
			},
		},
	}

	writeJSON(w, health)
}

// handleConnections implements the /connections endpoint
func (h *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.components.Registry.All()

	writeJSON(w, map[string]interface{}{
		"total_connections": len(infos),
		"timestamp":         time.Now().UTC(),
		"connections":       infos,
	})
}

// handleConnectionDetail implements the /connections/{id} endpoint
func (h *HTTPServer) handleConnectionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/connections/")
	if id == "" {
		http.Error(w, "Connection ID required", http.StatusBadRequest)
		return
	}

	conn, exists := h.components.Registry.Get(id)
	if !exists {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}

	writeJSON(w, conn.Info())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.config

	// API keys are never exposed
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":               cfg.Server.Port,
			"bind_address":       cfg.Server.BindAddress,
			"stream_path":        cfg.Server.StreamPath,
			"max_frame_bytes":    cfg.Server.MaxFrameBytes,
			"idle_timeout":       cfg.Server.IdleTimeout,
			"shutdown_timeout":   cfg.Server.ShutdownTimeout,
			"monitoring_enabled": cfg.Server.MonitoringEnabled,
		},
		"scratch": map[string]interface{}{
			"raw_dir":       cfg.Scratch.RawDir,
			"converted_dir": cfg.Scratch.ConvertedDir,
		},
		"pipeline": map[string]interface{}{
			"queue_capacity":  cfg.Pipeline.QueueCapacity,
			"overflow_policy": cfg.Pipeline.OverflowPolicy,
		},
		"converter": map[string]interface{}{
			"binary":        cfg.Converter.Binary,
			"sample_rate":   cfg.Converter.SampleRate,
			"channels":      cfg.Converter.Channels,
			"bit_depth":     cfg.Converter.BitDepth,
			"timeout":       cfg.Converter.Timeout,
			"max_processes": cfg.Converter.MaxProcesses,
		},
		"transcription": map[string]interface{}{
			"engine":      cfg.Transcription.Engine,
			"endpoint":    cfg.Transcription.Endpoint,
			"model":       cfg.Transcription.Model,
			"language":    cfg.Transcription.Language,
			"timeout":     cfg.Transcription.Timeout,
			"max_retries": cfg.Transcription.MaxRetries,
			"warmup":      cfg.Transcription.Warmup,
		},
		"correction": map[string]interface{}{
			"enabled":     cfg.Correction.Enabled,
			"endpoint":    cfg.Correction.Endpoint,
			"model":       cfg.Correction.Model,
			"temperature": cfg.Correction.Temperature,
			"timeout":     cfg.Correction.Timeout,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	writeJSON(w, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":      time.Since(h.startTime).String(),
		"timestamp":   time.Now().UTC(),
		"gateway":     h.components.Gateway.GetStatistics(),
		"chunk_store": h.components.Store.Stats(),
	}

	if h.components.Converter != nil {
		stats["converter_worker"] = h.components.Converter.Stats()
	}
	if h.components.Transcriber != nil {
		stats["transcription_worker"] = h.components.Transcriber.Stats()
	}
	if h.components.Transcoder != nil {
		stats["transcoder"] = h.components.Transcoder.GetStats()
	}
	if h.components.Engine != nil {
		stats["transcription"] = h.components.Engine.GetStats()
	}

	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	endpoints := map[string]interface{}{
		"GET /":                 "API documentation",
		"GET /health":           "Service health check",
		"GET /connections":      "List all active connections",
		"GET /connections/{id}": "Get detailed connection information",
		"GET /config":           "Get service configuration",
		"GET /stats":            "Get service statistics",
		"GET /metrics":          "Prometheus metrics",
	}
	endpoints["GET "+h.config.Server.StreamPath] = "WebSocket audio stream (binary audio, text \"stop\" or \"pause\")"

	apiDoc := map[string]interface{}{
		"service":   "Speech Transcription Stream Service",
		"version":   serviceVersion,
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}
