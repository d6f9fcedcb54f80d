// Package api is the HTTP boundary for the dispatch middleware. It owns no
// state of its own: every handler except the health check is a thin adapter
// from an HTTP request to an assignment.Engine call, in the teacher's
// cmd/sandbox shape; the health check pings the store and ledger directly.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/tzsystem/dispatchd/internal/assignment"
	"github.com/tzsystem/dispatchd/internal/coordstore"
	"github.com/tzsystem/dispatchd/internal/ledger"
)

// Config holds the HTTP server's tunables.
type Config struct {
	Addr         string
	SharedSecret string
}

// Server wires assignment.Engine behind net/http.ServeMux using Go 1.22's
// method+pattern routing.
type Server struct {
	engine *assignment.Engine
	store  coordstore.Store
	ledger ledger.Ledger
	logger *slog.Logger
	srv    *http.Server
}

// Option configures additional routes onto the server's mux, for mounting
// the reporting and dashboard surfaces alongside the core API on one
// listener.
type Option func(mux *http.ServeMux)

// WithRoutes registers extra routes alongside the core API endpoints.
func WithRoutes(register func(mux *http.ServeMux)) Option {
	return func(mux *http.ServeMux) { register(mux) }
}

// New builds a Server and its underlying http.Server, but does not start
// listening until Run is called. store and ledger back the health check's
// C2/C3 reachability probe; either may be nil in tests that don't exercise
// /api/health.
func New(cfg Config, engine *assignment.Engine, store coordstore.Store, led ledger.Ledger, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: engine, store: store, ledger: led, logger: logger}

	mux := http.NewServeMux()
	s.routes(mux)
	for _, opt := range opts {
		opt(mux)
	}

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      withRequestID(withAuth(cfg.SharedSecret, mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks/request", s.handleRequestTask)
	mux.HandleFunc("GET /api/audio/stream/{task_id}/{agent_id}", s.handleAudioStream)
	mux.HandleFunc("POST /api/tasks/{task_id}/submit", s.handleSubmit)
	mux.HandleFunc("POST /api/tasks/{task_id}/skip", s.handleSkip)
	mux.HandleFunc("GET /api/tasks/available/count", s.handleAvailableCount)
	mux.HandleFunc("GET /api/tasks/disabled", s.handleDisabledTasks)
	mux.HandleFunc("POST /api/tasks/reset-disabled", s.handleResetDisabled)
	mux.HandleFunc("GET /api/health", s.handleHealth)
}

// Run starts the server and blocks until ctx is canceled, then shuts down
// gracefully within a bounded window.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	s.logger.Info("api server shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutCtx); err != nil {
		return err
	}
	return <-errCh
}
