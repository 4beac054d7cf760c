package app

import (
	"context"
	"fmt"

	"github.com/BTreeMap/MemoryPipe/internal/api"
	"github.com/BTreeMap/MemoryPipe/internal/config"
	"github.com/BTreeMap/MemoryPipe/internal/deadletter"
	"github.com/BTreeMap/MemoryPipe/internal/dedup"
	"github.com/BTreeMap/MemoryPipe/internal/pipeline"
	"github.com/BTreeMap/MemoryPipe/internal/publisher"
	"github.com/BTreeMap/MemoryPipe/internal/shutdown"
	"github.com/BTreeMap/MemoryPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/MemoryPipe/internal/whatsapp"
)

// StartIngest starts the ingest role: message source, dedup, optional
// enrichment and the reliable publisher.
func StartIngest(ctx context.Context, cfg config.Config, opts ...Option) (*Instance, error) {
	o := buildOptions(opts)
	logger := o.logger.With("role", RoleIngest)
	res := &resources{}

	lock, m, br, err := openCommon(cfg, RoleIngest, res, logger)
	if err != nil {
		res.closeAll()
		return nil, err
	}

	sink := deadletter.NewSink(cfg.DeadLetter.Path,
		deadletter.WithMaxBytes(cfg.DeadLetter.MaxBytes),
		deadletter.WithLogger(logger),
	)
	pub := publisher.New(br, sink, cfg.PublisherConfig(m), publisher.WithLogger(logger))

	ingestOpts := []pipeline.IngesterOption{
		pipeline.WithIngestMetrics(m),
		pipeline.WithIngestLogger(logger),
	}
	serverOpts := []api.Option{
		api.WithAddr(cfg.API.Addr),
		api.WithMetrics(m),
		api.WithLogger(logger),
		api.WithPublisherStats(pub),
		healthChecks(br),
	}
	if cfg.Embedding.EnrichOnIngest {
		svc, err := openEmbedding(cfg, m, logger)
		if err != nil {
			res.closeAll()
			return nil, fmt.Errorf("failed to initialize embeddings: %w", err)
		}
		ingestOpts = append(ingestOpts, pipeline.WithEmbedder(svc))
		serverOpts = append(serverOpts, api.WithEmbeddingStats(svc))
	}

	d := dedup.New(cfg.Dedup.Window, dedup.WithEvictionHook(func(n int) {
		logger.Debug("app: dedup entries evicted", "count", n)
	}))
	ingester := pipeline.NewIngester(d, pub, ingestOpts...)
	server := api.NewServer(serverOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	res.add(cancel)

	var wa *whatsapp.Client
	switch cfg.Source.Kind {
	case config.SourceTwilio:
		hook, err := twiliowhatsapp.NewHandler(ingester.Handle,
			twiliowhatsapp.WithAuthToken(cfg.Source.TwilioAuthToken),
			twiliowhatsapp.WithPublicURL(cfg.Source.TwilioPublicURL),
		)
		if err != nil {
			res.closeAll()
			return nil, fmt.Errorf("failed to create Twilio webhook: %w", err)
		}
		server.Mount(cfg.Source.TwilioPath, hook)
		logger.Info("app: Twilio webhook mounted", "path", cfg.Source.TwilioPath)
	default:
		waOpts := []whatsapp.Option{
			whatsapp.WithDBDSN(cfg.Source.WhatsAppDSN),
			whatsapp.WithIncludeFromMe(cfg.Source.IncludeFromMe),
		}
		if cfg.Source.QRPath != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.Source.QRPath))
		}
		if cfg.Source.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		wa, err = whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			res.closeAll()
			return nil, err
		}
		res.add(wa.Close)
		if err := wa.Listen(runCtx, ingester.Handle); err != nil {
			res.closeAll()
			return nil, err
		}
	}

	// Source first so nothing new is published while the queue drains.
	cleanup := func(ctx context.Context) error {
		var errs []error
		if wa != nil {
			closeStep(&errs, logger, "whatsapp", func() error { wa.Close(); return nil })
		}
		closeStep(&errs, logger, "api", func() error { return server.Shutdown(ctx) })
		closeStep(&errs, logger, "publisher", func() error { return pub.Close(ctx) })
		cancel()
		closeStep(&errs, logger, "broker", br.Close)
		closeStep(&errs, logger, "lock", lock.Release)
		return joinCleanup(errs)
	}

	shutdownOpts := []shutdown.Option{shutdown.WithTimeout(cfg.Shutdown.Timeout), shutdown.WithLogger(logger)}
	if o.exit != nil {
		shutdownOpts = append(shutdownOpts, shutdown.WithExit(o.exit))
	}
	term := shutdown.New(cleanup, shutdownOpts...)

	term.Go("broker-watch", func() error { br.Watch(runCtx); return nil })
	term.Go("publisher", func() error { pub.Run(runCtx); return nil })
	term.Go("api", func() error { return server.Run(runCtx) })

	logger.Info("app: ingest role started", "source", cfg.Source.Kind, "redis_connected", br.IsConnected())
	return &Instance{role: RoleIngest, term: term, server: server}, nil
}

// RunIngest starts the ingest role and blocks until it exits.
func RunIngest(ctx context.Context, cfg config.Config, opts ...Option) int {
	inst, err := StartIngest(ctx, cfg, opts...)
	if err != nil {
		buildOptions(opts).logger.Error("app: ingest role failed to start", "error", err)
		return 1
	}
	return inst.Run()
}
