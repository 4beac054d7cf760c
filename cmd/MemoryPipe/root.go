package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/BTreeMap/MemoryPipe/internal/app"
	"github.com/BTreeMap/MemoryPipe/internal/config"
	"github.com/BTreeMap/MemoryPipe/internal/logging"
)

func newRootCmd(r runners) *cobra.Command {
	root := &cobra.Command{
		Use:   "memorypipe",
		Short: "MemoryPipe captures chat messages as searchable memories",
		Long: `MemoryPipe runs as two roles sharing a Redis broker: ingest receives messages
from WhatsApp or a Twilio webhook and publishes them, consume enriches them with
embeddings and stores them.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "path to a YAML config file")
	pf.String("state-dir", "", "state directory (overrides $MEMORYPIPE_STATE_DIR)")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("redis-url", "", "Redis URL (overrides $REDIS_URL)")
	pf.String("db-dsn", "", "memory store DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	pf.String("api-addr", "", "operations API listen address")
	pf.String("deadletter-path", "", "dead-letter file path")
	pf.String("embedding-primary", "", "primary embedding provider: openai, compatible or mock")
	pf.String("embedding-fallback", "", "fallback embedding provider")
	pf.Bool("embeddings-required", false, "fail startup when the primary embedding provider is unavailable")

	root.AddCommand(newIngestCmd(r), newConsumeCmd(r), newDeadLetterCmd())
	return root
}

func newIngestCmd(r runners) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Receive messages and publish them to the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			r.exit(r.ingest(cmd.Context(), cfg, app.WithLogger(logger)))
			return nil
		},
	}
	f := cmd.Flags()
	f.String("source", "", "message source: whatsapp or twilio")
	f.String("qr-output", "", "path to write the WhatsApp login QR code")
	f.Bool("numeric-code", false, "use a numeric login code instead of a QR code")
	f.Bool("include-from-me", false, "also capture messages sent from the linked account")
	f.String("whatsapp-dsn", "", "WhatsApp device store DSN (overrides $WHATSAPP_DB_DSN)")
	f.String("twilio-path", "", "path the Twilio webhook is mounted at")
	f.Bool("enrich", false, "embed messages before publishing")
	return cmd
}

func newConsumeCmd(r runners) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Subscribe to the broker, enrich and store memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			r.exit(r.consume(cmd.Context(), cfg, app.WithLogger(logger)))
			return nil
		},
	}
}

// loadConfig layers flags over the file and environment, validates the
// result and installs the configured logger as the default.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	applyFlags(cmd.Flags(), &cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(level, cfg.LogFormat, cmd.OutOrStdout())
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	logger.Debug("loadConfig: configuration loaded",
		"state_dir", cfg.StateDir,
		"source", cfg.Source.Kind,
		"db_dsn_set", cfg.Database.DSN != "",
		"embedding_primary", cfg.Embedding.Primary,
		"api_addr", cfg.API.Addr)
	return cfg, logger, nil
}

// applyFlags copies only the flags the user set, so unset flags keep file and
// environment values.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) {
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if fs.Changed(name) {
			*dst, _ = fs.GetBool(name)
		}
	}

	str("state-dir", &cfg.StateDir)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	str("redis-url", &cfg.Redis.URL)
	str("db-dsn", &cfg.Database.DSN)
	str("api-addr", &cfg.API.Addr)
	str("deadletter-path", &cfg.DeadLetter.Path)
	str("embedding-primary", &cfg.Embedding.Primary)
	str("embedding-fallback", &cfg.Embedding.Fallback)
	boolean("embeddings-required", &cfg.Embedding.Required)

	if fs.Lookup("source") == nil {
		return
	}
	str("source", &cfg.Source.Kind)
	str("qr-output", &cfg.Source.QRPath)
	boolean("numeric-code", &cfg.Source.NumericCode)
	boolean("include-from-me", &cfg.Source.IncludeFromMe)
	str("whatsapp-dsn", &cfg.Source.WhatsAppDSN)
	str("twilio-path", &cfg.Source.TwilioPath)
	boolean("enrich", &cfg.Embedding.EnrichOnIngest)
}
