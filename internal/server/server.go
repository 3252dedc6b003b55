// Package server exposes the ops surface: liveness, readiness, Prometheus
// metrics and processor stats.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-triage/common/httputil"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/common/middleware"
	"github.com/telhawk-systems/telhawk-triage/internal/config"
	"github.com/telhawk-systems/telhawk-triage/internal/service"
)

// StatsSource reports processor counters.
type StatsSource interface {
	Health() service.Stats
}

// DLQStats reports dead-letter backend counters.
type DLQStats interface {
	Stats(ctx context.Context) map[string]interface{}
}

// ReadyCheck probes one dependency. A nil return means ready.
type ReadyCheck func(ctx context.Context) error

// RouterConfig wires the handlers' collaborators.
type RouterConfig struct {
	Stats StatsSource
	DLQ   DLQStats

	// Ready maps a dependency name to its probe; /readyz reports 503 with
	// the failing names until every probe passes.
	Ready map[string]ReadyCheck
}

// NewRouter constructs a ServeMux with the ops routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(cfg.Ready))
	mux.HandleFunc("/stats", handleStats(cfg.Stats, cfg.DLQ))
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReadyz(checks map[string]ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}

		if len(failed) > 0 {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unavailable",
				"failed": failed,
			})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func handleStats(stats StatsSource, dlq DLQStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{}
		if stats != nil {
			resp["processor"] = stats.Health()
		}
		if dlq != nil {
			resp["dlq"] = dlq.Stats(r.Context())
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// Server wraps the ops http.Server with the standard timeouts.
type Server struct {
	srv    *http.Server
	logger *logging.Logger
}

// New builds the ops server from config.
func New(cfg config.ServerConfig, handler http.Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: logger,
	}
}

// Start serves in the background until Shutdown. A listen failure surfaces
// on the returned channel so the run loop can abort.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		s.logger.Info("ops server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
