package app

import (
	"context"
	"fmt"

	"github.com/BTreeMap/MemoryPipe/internal/api"
	"github.com/BTreeMap/MemoryPipe/internal/config"
	"github.com/BTreeMap/MemoryPipe/internal/models"
	"github.com/BTreeMap/MemoryPipe/internal/pipeline"
	"github.com/BTreeMap/MemoryPipe/internal/shutdown"
	"github.com/BTreeMap/MemoryPipe/internal/store"
)

// openStore opens the configured database, sealing payloads when a key is set.
func openStore(cfg config.Config) (store.MemoryStore, error) {
	var opts []store.Option
	if store.DetectDSNType(cfg.Database.DSN) == store.DSNTypePostgres {
		opts = append(opts, store.WithPostgresDSN(cfg.Database.DSN))
	} else {
		opts = append(opts, store.WithSQLiteDSN(cfg.Database.DSN))
	}
	if cfg.Database.EncryptionKey != "" {
		c, err := store.NewCipherFromBase64(cfg.Database.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		opts = append(opts, store.WithCipher(c))
	}
	return store.Open(opts...)
}

// StartConsume starts the consume role: subscribe to every channel, enrich
// and persist.
func StartConsume(ctx context.Context, cfg config.Config, opts ...Option) (*Instance, error) {
	o := buildOptions(opts)
	logger := o.logger.With("role", RoleConsume)
	res := &resources{}

	lock, m, br, err := openCommon(cfg, RoleConsume, res, logger)
	if err != nil {
		res.closeAll()
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		res.closeAll()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	res.add(func() { st.Close() })

	svc, err := openEmbedding(cfg, m, logger)
	if err != nil {
		res.closeAll()
		return nil, fmt.Errorf("failed to initialize embeddings: %w", err)
	}

	consumer := pipeline.NewConsumer(st,
		pipeline.WithConsumerEmbedder(svc),
		pipeline.WithStoreRetry(cfg.RetryPolicy()),
		pipeline.WithConsumeMetrics(m),
		pipeline.WithConsumerLogger(logger),
	)
	server := api.NewServer(
		api.WithAddr(cfg.API.Addr),
		api.WithMetrics(m),
		api.WithLogger(logger),
		api.WithEmbeddingStats(svc),
		healthChecks(br),
		storeCheck(st),
	)

	runCtx, cancel := context.WithCancel(ctx)
	subDone := make(chan struct{})

	// Stop intake first, let in-flight handlers finish, then close storage.
	// Cancelling runCtx stops only the receive loop; handlers keep running on
	// an uncancelled context until the broker's pool drains.
	cleanup := func(ctx context.Context) error {
		var errs []error
		closeStep(&errs, logger, "api", func() error { return server.Shutdown(ctx) })
		cancel()
		closeStep(&errs, logger, "subscriber", func() error {
			select {
			case <-subDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		closeStep(&errs, logger, "broker", br.Close)
		closeStep(&errs, logger, "store", st.Close)
		closeStep(&errs, logger, "lock", lock.Release)
		return joinCleanup(errs)
	}

	shutdownOpts := []shutdown.Option{shutdown.WithTimeout(cfg.Shutdown.Timeout), shutdown.WithLogger(logger)}
	if o.exit != nil {
		shutdownOpts = append(shutdownOpts, shutdown.WithExit(o.exit))
	}
	term := shutdown.New(cleanup, shutdownOpts...)

	term.Go("broker-watch", func() error { br.Watch(runCtx); return nil })
	term.Go("subscriber", func() error {
		defer close(subDone)
		return br.Subscribe(runCtx, models.Channels(), consumer.Handle)
	})
	term.Go("api", func() error { return server.Run(runCtx) })

	logger.Info("app: consume role started", "channels", models.Channels(), "embeddings_available", svc.IsAvailable())
	return &Instance{role: RoleConsume, term: term, server: server}, nil
}

// RunConsume starts the consume role and blocks until it exits.
func RunConsume(ctx context.Context, cfg config.Config, opts ...Option) int {
	inst, err := StartConsume(ctx, cfg, opts...)
	if err != nil {
		buildOptions(opts).logger.Error("app: consume role failed to start", "error", err)
		return 1
	}
	return inst.Run()
}
