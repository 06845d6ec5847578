// Package api provides the HTTP API for CoachPipe.
//
// It exposes coaching sessions (transcript upload, chat, step progression,
// settings, feedback), the conversation history endpoint and operational
// endpoints for health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Server serves the CoachPipe HTTP API.
type Server struct {
	manager  *flow.Manager
	st       store.Store
	addr     string
	gatherer prometheus.Gatherer
	metrics  *httpMetrics
	mux      *http.ServeMux
	started  time.Time
}

// Opts holds configuration options for the server.
type Opts struct {
	Addr     string
	Registry *prometheus.Registry
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMetricsRegistry enables HTTP metrics and the /metrics endpoint on reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *Opts) { o.Registry = reg }
}

// NewServer creates a server over the session manager and its store.
func NewServer(manager *flow.Manager, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		manager: manager,
		st:      manager.Store(),
		addr:    cfg.Addr,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	if cfg.Registry != nil {
		s.gatherer = cfg.Registry
		s.metrics = newHTTPMetrics(cfg.Registry)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/db", s.conversationsHandler)
	s.mux.HandleFunc("/conversations", s.conversationsHandler)

	s.mux.HandleFunc("POST /sessions", s.startSessionHandler)
	s.mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.closeSessionHandler)
	s.mux.HandleFunc("POST /sessions/{id}/messages", s.sendMessageHandler)
	s.mux.HandleFunc("GET /sessions/{id}/progress", s.progressHandler)
	s.mux.HandleFunc("POST /sessions/{id}/next", s.nextStepHandler)
	s.mux.HandleFunc("POST /sessions/{id}/reset", s.resetProgressHandler)
	s.mux.HandleFunc("GET /sessions/{id}/settings", s.getSettingsHandler)
	s.mux.HandleFunc("PUT /sessions/{id}/settings", s.updateSettingsHandler)
	s.mux.HandleFunc("POST /sessions/{id}/settings/steps", s.editStepsHandler)
	s.mux.HandleFunc("POST /sessions/{id}/feedback", s.feedbackHandler)
	s.mux.HandleFunc("POST /sessions/{id}/favorite", s.favoriteHandler)
	s.mux.HandleFunc("PUT /sessions/{id}/title", s.renameHandler)

	s.mux.HandleFunc("GET /history", s.historyHandler)
	s.mux.HandleFunc("POST /history/{conversationId}/open", s.openConversationHandler)

	s.mux.HandleFunc("GET /health", s.healthHandler)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the root handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	return s.withMetrics(s.withLogging(s.mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: listening", "addr", ln.Addr().String())
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

	slog.Info("Server.Serve: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-errCh
	return nil
}

// healthHandler reports liveness and whether the store answers.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	statusCode := http.StatusOK
	if _, err := s.st.GetConversations(ctx, 0); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Store unavailable"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
