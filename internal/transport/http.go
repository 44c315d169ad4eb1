// Package transport serves run status, history, metrics and the live
// entry stream over HTTP.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/rpctester/internal/storage"
	"github.com/gateway-fm/rpctester/pkg/types"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	shutdownTimeout = 5 * time.Second
)

// StatusFunc returns the current run status.
type StatusFunc func() types.RunStatus

// Config for creating a Server.
type Config struct {
	Status             StatusFunc
	History            storage.Storage     // nil disables the history routes
	Gatherer           prometheus.Gatherer // nil uses the default registry
	CORSAllowedOrigins string              // Comma-separated; empty or "*" allows all
	Logger             *slog.Logger
}

// Server handles HTTP requests for a tester process.
type Server struct {
	status    StatusFunc
	history   storage.Storage
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server and starts its WebSocket broadcaster.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	status := cfg.Status
	if status == nil {
		status = func() types.RunStatus { return types.RunStatus{State: types.StateIdle} }
	}

	wsServer := NewWebSocketServer(logger)
	wsServer.Start()

	s := &Server{
		status:    status,
		history:   cfg.History,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			s.corsAllowedOrigins = append(s.corsAllowedOrigins, strings.TrimSpace(o))
		}
	}

	return s
}

// Emit forwards an executed entry to WebSocket clients.
func (s *Server) Emit(ev types.EntryEvent) {
	s.wsServer.Emit(ev)
}

// Close stops the WebSocket broadcaster and disconnects clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())
	mux.HandleFunc("/ws", s.wsServer.Handler())

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleStatus returns the current run status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

// handleHistory returns a page of stored runs.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		s.writeJSONError(w, "Run history is disabled", http.StatusNotFound)
		return
	}

	limit, offset := pagination(r)
	result, err := s.history.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail handles /v1/history/{id} and /v1/history/{id}/entries.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSONError(w, "Run history is disabled", http.StatusNotFound)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/history/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	if len(parts) > 1 && parts[1] == "entries" {
		s.handleRunEntries(w, r, runID)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.history.DeleteRun(r.Context(), runID); err != nil {
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	case http.MethodPatch:
		var update storage.RunMetadataUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.history.UpdateRunMetadata(r.Context(), runID, &update); err != nil {
			s.writeStorageError(w, "Failed to update run", err)
			return
		}
		run, err := s.history.GetRun(r.Context(), runID)
		if err != nil {
			s.writeStorageError(w, "Failed to get updated run", err)
			return
		}
		s.writeJSON(w, http.StatusOK, run)

	case http.MethodGet:
		run, err := s.history.GetRun(r.Context(), runID)
		if err != nil {
			s.writeStorageError(w, "Failed to get run", err)
			return
		}
		outcomes, err := s.history.GetOutcomes(r.Context(), runID)
		if err != nil {
			s.writeJSONError(w, "Failed to get outcomes: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, storage.RunDetail{Run: run, Outcomes: outcomes})

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunEntries handles GET /v1/history/{id}/entries.
func (s *Server) handleRunEntries(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := pagination(r)
	result, err := s.history.GetEntries(r.Context(), runID, limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get entries: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= maxPageSize {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "failed"
	Error  string `json:"error,omitempty"`
}

// handleReady reports ready once the connection phase left at least one
// live connection.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.status()

	check := ReadinessCheck{Name: "connections", Status: "ok"}
	switch {
	case st.State == types.StateIdle || st.State == types.StateConnecting:
		check.Status = "failed"
		check.Error = "connection phase not complete"
	case st.Connected == 0:
		check.Status = "failed"
		check.Error = "no connections survived"
	}

	code := http.StatusOK
	if check.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"ready":  check.Status == "ok",
		"state":  st.State,
		"checks": []ReadinessCheck{check},
	})
}

func (s *Server) writeStorageError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSONError(w, msg+": "+err.Error(), http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response.
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}
