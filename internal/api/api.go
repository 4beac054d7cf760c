// Package api serves MemoryPipe's operations endpoints: health, Prometheus
// metrics and component statistics. The ingest role also mounts the Twilio
// webhook here.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/MemoryPipe/internal/embedding"
	"github.com/BTreeMap/MemoryPipe/internal/metrics"
	"github.com/BTreeMap/MemoryPipe/internal/publisher"
)

// Default configuration constants
const (
	DefaultServerAddr        = ":8090"
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
	healthCheckTimeout       = 2 * time.Second
)

// EmbeddingStats is satisfied by *embedding.Service.
type EmbeddingStats interface {
	Stats() []embedding.ProviderStat
	IsAvailable() bool
	UnavailableReason() string
}

// PublisherStats is satisfied by *publisher.Publisher.
type PublisherStats interface {
	Stats() publisher.Stats
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Opts holds configuration options for the API server.
type Opts struct {
	Addr      string
	Metrics   *metrics.Registry
	Embedding EmbeddingStats
	Publisher PublisherStats
	Checks    map[string]HealthCheck
	Logger    *slog.Logger
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMetrics serves the registry on /metrics.
func WithMetrics(m *metrics.Registry) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithEmbeddingStats serves provider statistics on /stats/providers.
func WithEmbeddingStats(e EmbeddingStats) Option {
	return func(o *Opts) { o.Embedding = e }
}

// WithPublisherStats serves queue statistics on /stats/publisher.
func WithPublisherStats(p PublisherStats) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opts) { o.Logger = logger }
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(o *Opts) {
		if o.Checks == nil {
			o.Checks = make(map[string]HealthCheck)
		}
		o.Checks[name] = check
	}
}

// Server is the operations HTTP server.
type Server struct {
	opts   Opts
	logger *slog.Logger
	router chi.Router
	srv    *http.Server
}

// NewServer builds the router. Call Run to listen.
func NewServer(opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddr, Logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{opts: cfg, logger: cfg.Logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.NotFound(s.notFoundHandler)
	r.MethodNotAllowed(s.methodNotAllowedHandler)
	r.Get("/healthz", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	r.Get("/stats/providers", s.providerStatsHandler)
	r.Get("/stats/publisher", s.publisherStatsHandler)
	s.router = r

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	return s
}

// Mount registers an extra handler, such as an inbound webhook.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Handle(pattern, h)
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.logger.Info("Server.Run: API server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("Server.Shutdown: graceful shutdown failed", "error", err)
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	s.logger.Info("Server.Shutdown: API server stopped")
	return nil
}

func (s *Server) checkNames() []string {
	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
