package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the inbound HTTP adapter. It wires the orchestrator,
// approval coordinator, and audit reader to their endpoints behind a
// shared middleware chain.
type Server struct {
	dispatcher Dispatcher
	approvals  ApprovalDecider
	identities IdentityResolver
	audits     AuditReader

	addr        string
	logger      *slog.Logger
	server      *http.Server
	health      *HealthChecker
	verifier    KeyVerifier
	authRequire bool
	pending     PendingCounter
	failures    FailureCounter
	cacheStats  CacheStats
}

// Option configures the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8484"
// (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithHealthChecker sets the /health checker.
func WithHealthChecker(h *HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithAPIKeys enables gateway API key verification. When required is
// set, unauthenticated requests are refused.
func WithAPIKeys(verifier KeyVerifier, required bool) Option {
	return func(s *Server) {
		s.verifier = verifier
		s.authRequire = required
	}
}

// WithStats wires the metric sources for the pending-approvals gauge,
// the audit failure counter, and decision-cache occupancy.
func WithStats(pending PendingCounter, failures FailureCounter, cacheStats CacheStats) Option {
	return func(s *Server) {
		s.pending = pending
		s.failures = failures
		s.cacheStats = cacheStats
	}
}

// NewServer creates the HTTP adapter over the given services.
func NewServer(dispatcher Dispatcher, approvals ApprovalDecider,
	identities IdentityResolver, audits AuditReader, opts ...Option) *Server {

	s := &Server{
		dispatcher: dispatcher,
		approvals:  approvals,
		identities: identities,
		audits:     audits,
		addr:       "127.0.0.1:8484",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the full route table with middleware applied. Split
// out from Start for tests.
func (s *Server) Handler(metrics *Metrics) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/tools/call", handleToolCall(s.dispatcher, metrics, s.logger))
	mux.Handle("POST /v1/approvals/decision", handleApprovalDecision(s.approvals, s.identities, s.logger))
	mux.Handle("GET /v1/audit", handleAuditQuery(s.audits))

	if s.health != nil {
		mux.Handle("GET /health", s.health.Handler())
	}

	var handler http.Handler = mux
	if s.verifier != nil {
		handler = APIKeyMiddleware(s.verifier, s.authRequire)(handler)
	}
	handler = RequestIDMiddleware(s.logger)(handler)
	if metrics != nil {
		handler = MetricsMiddleware(metrics)(handler)
	}
	return handler
}

// Start begins serving. It blocks until the context is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(reg, s.pending, s.failures, s.cacheStats)

	handler := s.Handler(metrics)

	// /metrics bypasses the API middleware chain.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/", handler)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
