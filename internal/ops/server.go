// Package ops serves the operational HTTP endpoints of the indexer daemon:
// Prometheus metrics and health probes.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionStatus reports whether a long-lived connection is currently up.
type ConnectionStatus interface {
	IsConnected() bool
}

// Config configures the ops listener.
type Config struct {
	Addr     string
	Registry *prometheus.Registry

	// Store is probed by the readiness endpoint when set.
	Store HealthChecker

	// Gateway is consulted by the readiness endpoint when set.
	Gateway ConnectionStatus
}

// Server serves /metrics, /healthz and /ready.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// NewServer creates the ops listener. It does not bind until Run is called.
// If logger is nil, slog.Default() is used.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops listener started", slog.String("addr", s.cfg.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("ops listener forced shutdown", slog.String("error", err.Error()))
		return err
	}
	<-errCh
	return ctx.Err()
}

// handleHealthz is the liveness probe. If the process can respond, it is alive.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	s.writeResponse(w, http.StatusOK, response)
}

// handleReady is the readiness probe. It checks the document store and the
// gateway connection and returns 503 if either is unavailable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if s.cfg.Store != nil {
		if err := s.cfg.Store.HealthCheck(ctx); err != nil {
			checks["mongodb"] = "error"
			healthy = false
			s.logger.Warn("mongodb health check failed", slog.String("error", err.Error()))
		} else {
			checks["mongodb"] = "ok"
		}
	}

	if s.cfg.Gateway != nil {
		if s.cfg.Gateway.IsConnected() {
			checks["gateway"] = "ok"
		} else {
			checks["gateway"] = "down"
			healthy = false
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	s.writeResponse(w, statusCode, response)
}

func (s *Server) writeResponse(w http.ResponseWriter, statusCode int, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode health response", slog.String("error", err.Error()))
	}
}
