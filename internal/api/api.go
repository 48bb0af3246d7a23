// Package api provides the HTTP surface of SurveyPipe.
//
// It exposes an inbound-event webhook for gateways that push rather than
// stream, a health endpoint, and a read-only view of live sessions for
// operations. Events accepted here flow through the same pump as transport
// socket events, so dedup, per-identity ordering, and engine semantics are
// identical regardless of how an event arrived.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/session"
)

// DefaultAddr is the listen address used when no override is supplied.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds how long Stop waits for in-flight requests.
const DefaultShutdownTimeout = 5 * time.Second

// EventSubmitter accepts a normalized inbound event for processing. The
// messaging pump satisfies this.
type EventSubmitter interface {
	Submit(ctx context.Context, ev models.InboundEvent)
}

// RecipientValidator canonicalizes sender identities the way the active
// transport does, so webhook-delivered events match socket-delivered ones.
type RecipientValidator interface {
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address for the API server.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server wires the HTTP handlers to the pump and session store.
type Server struct {
	submitter EventSubmitter
	validator RecipientValidator
	sessions  *session.Store
	httpSrv   *http.Server
}

// NewServer creates an API server. validator may be nil, in which case
// webhook event identities are accepted as-is.
func NewServer(submitter EventSubmitter, validator RecipientValidator, sessions *session.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		submitter: submitter,
		validator: validator,
		sessions:  sessions,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.eventsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)

	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux}
	slog.Debug("Server.NewServer: API server configured", "addr", cfg.Addr)
	return s
}

// Handler exposes the configured mux, mainly for mounting extra routes
// (e.g. a transport webhook) before Start.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Mount registers an additional handler on the server's mux.
func (s *Server) Mount(pattern string, h http.HandlerFunc) {
	s.httpSrv.Handler.(*http.ServeMux).HandleFunc(pattern, h)
}

// Start begins serving in a background goroutine. It returns once the
// listener is handed off; serve errors other than graceful close are logged.
func (s *Server) Start() {
	slog.Info("Server.Start: API server listening", "addr", s.httpSrv.Addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: HTTP server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	slog.Info("Server.Stop: API server stopped")
	return nil
}
