// Package http serves the operational endpoints of the ingestion service:
// liveness, readiness, the outcome of the last ingestion cycle and
// Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker reports whether the service can take traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

// CheckReadiness calls f.
func (f ReadinessFunc) CheckReadiness(ctx context.Context) error { return f(ctx) }

// AllReady is ready when every checker is, reporting the first failure.
func AllReady(checkers ...ReadinessChecker) ReadinessChecker {
	return ReadinessFunc(func(ctx context.Context) error {
		for _, c := range checkers {
			if err := c.CheckReadiness(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// CycleReporter exposes the most recent ingestion cycle.
type CycleReporter interface {
	LastCycle() (pipeline.CycleStatus, bool)
}

// readinessTimeout bounds one readiness check, database ping included.
const readinessTimeout = 2 * time.Second

// Server is the operational HTTP surface.
type Server struct {
	httpServer *http.Server
	ready      ReadinessChecker
	cycles     CycleReporter
	logger     *slog.Logger
}

// NewServer routes /healthz, /readyz, /status and /metrics. cycles may be nil,
// in which case /status always reports that no cycle has run.
func NewServer(addr string, ready ReadinessChecker, cycles CycleReporter, logger *slog.Logger) *Server {
	s := &Server{ready: ready, cycles: cycles, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start listens until Shutdown, then returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains open connections until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP dispatches to the routes without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady adds the last cycle id to a ready answer so callers see which
// cycle made the service ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := s.ready.CheckReadiness(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	body := map[string]string{"status": "ready"}
	if st, ok := s.lastCycle(); ok {
		body["last_cycle_id"] = st.CycleID
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.lastCycle()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "no ingestion cycle has run yet"})
		return
	}
	code := http.StatusOK
	if st.Error != "" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) lastCycle() (pipeline.CycleStatus, bool) {
	if s.cycles == nil {
		return pipeline.CycleStatus{}, false
	}
	return s.cycles.LastCycle()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort operational response
}
