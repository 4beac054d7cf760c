// Package app wires MemoryPipe's components into the ingest and consume roles.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/MemoryPipe/internal/api"
	"github.com/BTreeMap/MemoryPipe/internal/broker"
	"github.com/BTreeMap/MemoryPipe/internal/config"
	"github.com/BTreeMap/MemoryPipe/internal/embedding"
	"github.com/BTreeMap/MemoryPipe/internal/embedding/compatible"
	"github.com/BTreeMap/MemoryPipe/internal/embedding/mock"
	"github.com/BTreeMap/MemoryPipe/internal/embedding/openai"
	"github.com/BTreeMap/MemoryPipe/internal/lockfile"
	"github.com/BTreeMap/MemoryPipe/internal/metrics"
	"github.com/BTreeMap/MemoryPipe/internal/shutdown"
	"github.com/BTreeMap/MemoryPipe/internal/store"
)

// Roles, also used as lock names.
const (
	RoleIngest  = "ingest"
	RoleConsume = "consume"
)

// EmbeddingFactories maps provider names to their constructors.
func EmbeddingFactories() map[string]embedding.Factory {
	return map[string]embedding.Factory{
		openai.Name:     openai.New,
		compatible.Name: compatible.New,
		mock.Name:       mock.New,
	}
}

// Option configures a role instance.
type Option func(*runOptions)

type runOptions struct {
	exit   func(int)
	logger *slog.Logger
}

// WithExit replaces os.Exit as the Terminator's exit function.
func WithExit(exit func(int)) Option {
	return func(o *runOptions) { o.exit = exit }
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *runOptions) { o.logger = logger }
}

func buildOptions(opts []Option) runOptions {
	o := runOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Instance is a started role. Stop it with Terminate or a signal.
type Instance struct {
	role   string
	term   *shutdown.Terminator
	server *api.Server
}

// Handler exposes the operations router, including any mounted webhook.
func (i *Instance) Handler() http.Handler {
	return i.server.Handler()
}

// Terminate starts a clean shutdown and returns once the exit function ran.
func (i *Instance) Terminate(reason string) {
	i.term.Terminate(reason, 0)
}

// Wait blocks until the instance has exited and returns the exit code.
func (i *Instance) Wait() int {
	<-i.term.Done()
	return i.term.ExitCode()
}

// Run installs signal handling and blocks until the instance exits.
func (i *Instance) Run() int {
	stop := i.term.HandleSignals()
	defer stop()
	return i.Wait()
}

// resources collects what a role opened so a failed startup can undo it.
type resources struct {
	closers []func()
}

func (r *resources) add(fn func()) { r.closers = append(r.closers, fn) }

func (r *resources) closeAll() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// openCommon takes the role lock and opens the metrics registry and broker.
func openCommon(cfg config.Config, role string, res *resources, logger *slog.Logger) (*lockfile.Lock, *metrics.Registry, *broker.Client, error) {
	lock, err := lockfile.AcquireLock(cfg.StateDir, role)
	if err != nil {
		return nil, nil, nil, err
	}
	res.add(func() { lock.Release() })

	m := metrics.New()

	br, err := broker.New(cfg.Redis.URL,
		broker.WithPingInterval(cfg.Redis.PingInterval),
		broker.WithWorkers(cfg.Redis.Workers),
		broker.WithBackoff(cfg.RetryPolicy()),
		broker.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create broker client: %w", err)
	}
	res.add(func() { br.Close() })
	return lock, m, br, nil
}

// openEmbedding builds the embedding service, logging degraded mode.
func openEmbedding(cfg config.Config, m *metrics.Registry, logger *slog.Logger) (*embedding.Service, error) {
	svc, err := embedding.NewService(cfg.EmbeddingConfig(m), EmbeddingFactories(), embedding.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if !svc.IsAvailable() {
		logger.Warn("app: embeddings unavailable, memories will be stored without vectors", "reason", svc.UnavailableReason())
	}
	return svc, nil
}

// closeStep runs one cleanup step and records its error.
func closeStep(errs *[]error, logger *slog.Logger, name string, fn func() error) {
	if err := fn(); err != nil {
		logger.Error("app: cleanup step failed", "step", name, "error", err)
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	logger.Debug("app: cleanup step done", "step", name)
}

func joinCleanup(errs []error) error {
	return errors.Join(errs...)
}

func healthChecks(br *broker.Client) api.Option {
	return api.WithHealthCheck("redis", br.Ping)
}

func storeCheck(st store.MemoryStore) api.Option {
	return api.WithHealthCheck("store", func(ctx context.Context) error {
		_, err := st.HasMemory(ctx, "healthz")
		return err
	})
}
