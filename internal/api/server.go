// Package api exposes the Submission API: the HTTP surface clients use to
// submit tasks, poll status, list a project's tasks, cancel, and retry, plus
// the metrics/health endpoints. Grounded on the teacher's BaseTool/BaseAgent
// server construction (http.ServeMux, http.Server built from config
// timeouts, graceful Shutdown) and its middleware.go/cors.go chaining
// convention.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/taskforge/dispatch/internal/config"
	"github.com/taskforge/dispatch/internal/lifecycle"
	"github.com/taskforge/dispatch/internal/logging"
	"github.com/taskforge/dispatch/internal/metrics"
	"github.com/taskforge/dispatch/internal/router"
	"github.com/taskforge/dispatch/internal/store"
)

// Server owns the HTTP mux and the dependencies every handler needs.
type Server struct {
	cfg       *config.Config
	store     store.Store
	lifecycle *lifecycle.Manager
	router    *router.Router
	metrics   *metrics.Aggregator
	logger    logging.ComponentLogger

	httpServer *http.Server
}

// New builds a Server and its handler chain, but does not start listening.
func New(cfg *config.Config, s store.Store, lm *lifecycle.Manager, r *router.Router, agg *metrics.Aggregator, logger logging.ComponentLogger) *Server {
	if logger == nil {
		logger = logging.NoOp{}
	}
	srv := &Server{
		cfg:       cfg,
		store:     s,
		lifecycle: lm,
		router:    r,
		metrics:   agg,
		logger:    logger.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks/submit", srv.handleSubmit)
	mux.HandleFunc("GET /api/v1/tasks/{id}/status", srv.handleStatus)
	mux.HandleFunc("GET /api/v1/projects/{projectId}/tasks", srv.handleList)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", srv.handleCancel)
	mux.HandleFunc("POST /api/v1/tasks/{id}/retry", srv.handleRetry)
	mux.HandleFunc("GET /api/v1/tasks/metrics", srv.handleMetrics)
	mux.HandleFunc("GET /api/v1/tasks/health", srv.handleTaskHealth)
	mux.HandleFunc("GET /api/v1/health", srv.handleLiveness)
	mux.Handle("GET /metrics", agg.Handler())

	// Order: Recovery (innermost, catches panics from the handler) ->
	// Logging -> Auth (outermost, rejects before a handler ever runs).
	var handler http.Handler = mux
	handler = recoveryMiddleware(srv.logger)(handler)
	handler = loggingMiddleware(srv.logger)(handler)
	handler = authMiddleware(cfg.APIKey)(handler)

	srv.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	return srv
}

// Handler exposes the fully wrapped handler chain for tests that want to
// drive the server with httptest.NewServer without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until the server is shut down, in
// which case it returns nil instead of http.ErrServerClosed.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP server", logging.Fields{"addr": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests within cfg.HTTP.ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server", logging.Fields{})
	return s.httpServer.Shutdown(ctx)
}
