package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benvonhandorf/esp32-audio-stream/internal/config"
	"github.com/benvonhandorf/esp32-audio-stream/internal/metrics"
	"github.com/benvonhandorf/esp32-audio-stream/internal/pipeline"
	"github.com/benvonhandorf/esp32-audio-stream/internal/publish"
	"github.com/benvonhandorf/esp32-audio-stream/internal/session"
	"github.com/benvonhandorf/esp32-audio-stream/internal/transcription"
)

// TranscriptionStats exposes transcription client counters.
type TranscriptionStats interface {
	GetStats() transcription.ClientStats
}

// PublisherStats exposes publisher counters.
type PublisherStats interface {
	Stats() publish.Stats
}

// HTTPDeps are the read-only views the monitoring API reports on.
type HTTPDeps struct {
	Config        *config.Config
	Registry      *session.Registry
	TCP           *TCPServer
	Transcription TranscriptionStats // optional
	Publisher     PublisherStats     // optional
	Capabilities  pipeline.Capabilities
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server *http.Server
	logger *slog.Logger
	deps   HTTPDeps

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, deps HTTPDeps, logger *slog.Logger) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		deps:      deps,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the route handler, for tests and embedding.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
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

// Start binds the HTTP listener and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return &BindError{Addr: h.server.Addr, Err: err}
	}

	h.logger.Info("Starting HTTP API server", slog.String("address", listener.Addr().String()))

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := map[string]any{
		"sessions": map[string]any{
			"status": "running",
			"active": h.deps.Registry.ActiveCount(),
		},
		"capabilities": map[string]any{
			"encoding": h.deps.Capabilities.Encoding,
			"publish":  h.deps.Capabilities.Publish,
		},
	}
	if h.deps.TCP != nil {
		stats := h.deps.TCP.GetStatistics()
		components["tcp_server"] = map[string]any{
			"status":       "running",
			"accepted":     stats.Accepted,
			"busy_workers": stats.BusyWorkers,
			"queue_size":   stats.QueueSize,
		}
	}
	if h.deps.Publisher != nil {
		stats := h.deps.Publisher.Stats()
		status := "connected"
		if !stats.Connected {
			status = "disconnected"
		}
		components["publisher"] = map[string]any{
			"status": status,
			"topic":  stats.Topic,
		}
	}

	writeJSON(w, map[string]any{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(h.startTime).String(),
		"service":    map[string]any{"name": "esp32-audio-stream", "version": "1.0.0"},
		"components": components,
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.deps.Registry.List()
	writeJSON(w, map[string]any{
		"active_sessions": h.deps.Registry.ActiveCount(),
		"total_listed":    len(sessions),
		"timestamp":       time.Now().UTC(),
		"sessions":        sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr := r.URL.Path[len("/sessions/"):]
	if idStr == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	info, ok := h.deps.Registry.Get(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, info)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.deps.Config.Redacted())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.deps.Registry.Stats(),
	}
	if h.deps.TCP != nil {
		stats["tcp"] = h.deps.TCP.GetStatistics()
	}
	if h.deps.Transcription != nil {
		stats["transcription"] = h.deps.Transcription.GetStats()
	}
	if h.deps.Publisher != nil {
		stats["publisher"] = h.deps.Publisher.Stats()
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

	writeJSON(w, map[string]any{
		"service": "ESP32 Audio Stream Ingestion Service",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"GET /":              "API documentation",
			"GET /health":        "Service health check",
			"GET /sessions":      "List live and recently finished sessions",
			"GET /sessions/{id}": "Get one session",
			"GET /config":        "Get service configuration (secrets redacted)",
			"GET /stats":         "Get service statistics",
			"GET /metrics":       "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
