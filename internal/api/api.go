// Package api provides the HTTP authoring and enrollment endpoints for
// StepLine.
//
// Scenario authoring (scenarios, steps, transitions, invites) writes to the
// graph store; enrollment endpoints (/register, /trigger) go through the
// engine so every write path shares the same validation and dedup rules.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stepline/StepLine/internal/engine"
	"github.com/stepline/StepLine/internal/store"
)

// Constants for API server configuration.
const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown on exit.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout guards against slow-header clients.
	DefaultReadHeaderTimeout = 5 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server hosts the StepLine HTTP API.
type Server struct {
	store  store.Store
	engine *engine.Engine
	addr   string
	srv    *http.Server
}

// NewServer creates an API server over the given store and engine.
func NewServer(st store.Store, eng *engine.Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{store: st, engine: eng, addr: cfg.Addr}
}

// Router builds the route table. Exposed so tests can drive handlers through
// httptest without binding a socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/scenarios", s.createScenarioHandler).Methods(http.MethodPost)
	r.HandleFunc("/scenarios", s.listScenariosHandler).Methods(http.MethodGet)
	r.HandleFunc("/scenarios/{id}", s.getScenarioHandler).Methods(http.MethodGet)
	r.HandleFunc("/scenarios/{id}/steps", s.createStepHandler).Methods(http.MethodPost)
	r.HandleFunc("/scenarios/{id}/steps", s.listStepsHandler).Methods(http.MethodGet)
	r.HandleFunc("/scenarios/{id}/transitions", s.createTransitionHandler).Methods(http.MethodPost)
	r.HandleFunc("/scenarios/{id}/invites", s.createInviteHandler).Methods(http.MethodPost)
	r.HandleFunc("/scenarios/{id}/logs", s.scenarioLogsHandler).Methods(http.MethodGet)

	r.HandleFunc("/register", s.registerHandler).Methods(http.MethodPost)
	r.HandleFunc("/trigger", s.triggerHandler).Methods(http.MethodPost)
	r.HandleFunc("/friends/{id}/tracking", s.friendTrackingHandler).Methods(http.MethodGet)

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	return r
}

// Run serves the API until the context is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		slog.Info("API server shutting down")
		if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}
