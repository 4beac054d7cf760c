// Package config assembles MemoryPipe's configuration.
//
// Sources, lowest to highest precedence: built-in defaults, an optional YAML
// file, a .env file plus the process environment, then command line flags
// (applied by the caller). Components never read the environment themselves.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/MemoryPipe/internal/embedding"
	"github.com/BTreeMap/MemoryPipe/internal/embedding/compatible"
	"github.com/BTreeMap/MemoryPipe/internal/embedding/openai"
	"github.com/BTreeMap/MemoryPipe/internal/logging"
	"github.com/BTreeMap/MemoryPipe/internal/metrics"
	"github.com/BTreeMap/MemoryPipe/internal/publisher"
	"github.com/BTreeMap/MemoryPipe/internal/retry"
	"github.com/BTreeMap/MemoryPipe/internal/util"
)

// Defaults.
const (
	DefaultStateDir        = "/var/lib/memorypipe"
	DefaultDBFileName      = "memorypipe.db"
	DefaultWhatsAppDBFile  = "whatsmeow.db"
	DefaultDeadLetterFile  = "deadletter/deadletter.jsonl"
	DefaultRedisURL        = "redis://localhost:6379/0"
	DefaultAPIAddr         = ":8090"
	DefaultDedupWindow     = 10 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second
	DefaultTwilioPath      = "/twilio/whatsapp"
)

// Message sources for the ingest role.
const (
	SourceWhatsApp = "whatsapp"
	SourceTwilio   = "twilio"
)

// Config is the complete process configuration.
type Config struct {
	StateDir  string `yaml:"state_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Retry      RetryConfig      `yaml:"retry"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	API        APIConfig        `yaml:"api"`
	Source     SourceConfig     `yaml:"source"`
}

type RedisConfig struct {
	URL          string        `yaml:"url"`
	PingInterval time.Duration `yaml:"ping_interval"`
	Workers      int           `yaml:"workers"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
	// EncryptionKey is a base64 32-byte key; empty stores plaintext.
	EncryptionKey string `yaml:"encryption_key"`
}

type DedupConfig struct {
	Window time.Duration `yaml:"window"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type PublisherConfig struct {
	QueueMaxSize  int           `yaml:"queue_max_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type DeadLetterConfig struct {
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type EmbeddingConfig struct {
	Required       bool                                `yaml:"required"`
	Primary        string                              `yaml:"primary"`
	Fallback       string                              `yaml:"fallback"`
	EnrichOnIngest bool                                `yaml:"enrich_on_ingest"`
	Providers      map[string]embedding.ProviderConfig `yaml:"providers"`
}

type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type SourceConfig struct {
	Kind          string `yaml:"kind"`
	WhatsAppDSN   string `yaml:"whatsapp_dsn"`
	QRPath        string `yaml:"qr_path"`
	NumericCode   bool   `yaml:"numeric_code"`
	IncludeFromMe bool   `yaml:"include_from_me"`

	TwilioAuthToken string `yaml:"twilio_auth_token"`
	TwilioPublicURL string `yaml:"twilio_public_url"`
	TwilioPath      string `yaml:"twilio_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	p := publisher.DefaultConfig()
	r := retry.DefaultPolicy()
	return Config{
		StateDir:  DefaultStateDir,
		LogLevel:  "info",
		LogFormat: logging.FormatText,
		Redis:     RedisConfig{URL: DefaultRedisURL},
		Dedup:     DedupConfig{Window: DefaultDedupWindow},
		Retry: RetryConfig{
			MaxAttempts:  r.MaxAttempts,
			InitialDelay: r.InitialDelay,
			MaxDelay:     r.MaxDelay,
			Multiplier:   r.Multiplier,
		},
		Publisher: PublisherConfig{QueueMaxSize: p.QueueMaxSize, FlushInterval: p.FlushInterval},
		Embedding: EmbeddingConfig{
			Primary:   openai.Name,
			Providers: map[string]embedding.ProviderConfig{},
		},
		Shutdown: ShutdownConfig{Timeout: DefaultShutdownTimeout},
		API:      APIConfig{Addr: DefaultAPIAddr},
		Source:   SourceConfig{Kind: SourceWhatsApp, TwilioPath: DefaultTwilioPath},
	}
}

// Load layers the YAML file at path (optional), .env and the environment on
// top of Default. Call Resolve and Validate after applying flags.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		slog.Debug("Config.Load: config file loaded", "path", path)
	}

	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load .env file: %w", err)
		}
		slog.Debug("Config.Load: no .env file")
	} else {
		slog.Debug("Config.Load: .env file loaded")
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.StateDir = util.StringEnv("MEMORYPIPE_STATE_DIR", c.StateDir)
	c.LogLevel = util.StringEnv("MEMORYPIPE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = util.StringEnv("MEMORYPIPE_LOG_FORMAT", c.LogFormat)

	c.Redis.URL = util.StringEnv("REDIS_URL", c.Redis.URL)
	c.Redis.Workers = util.ParseIntEnv("MEMORYPIPE_REDIS_WORKERS", c.Redis.Workers)

	c.Database.DSN = util.StringEnv("DATABASE_URL", c.Database.DSN)
	c.Database.EncryptionKey = util.StringEnv("MEMORYPIPE_ENCRYPTION_KEY", c.Database.EncryptionKey)

	c.Dedup.Window = util.ParseDurationEnv("MEMORYPIPE_DEDUP_WINDOW_MS", c.Dedup.Window)

	c.Retry.MaxAttempts = util.ParseIntEnv("MEMORYPIPE_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.InitialDelay = util.ParseDurationEnv("MEMORYPIPE_RETRY_INITIAL_DELAY_MS", c.Retry.InitialDelay)
	c.Retry.MaxDelay = util.ParseDurationEnv("MEMORYPIPE_RETRY_MAX_DELAY_MS", c.Retry.MaxDelay)
	c.Retry.Multiplier = util.ParseFloatEnv("MEMORYPIPE_RETRY_MULTIPLIER", c.Retry.Multiplier)

	c.Publisher.QueueMaxSize = util.ParseIntEnv("MEMORYPIPE_QUEUE_MAX_SIZE", c.Publisher.QueueMaxSize)
	c.Publisher.FlushInterval = util.ParseDurationEnv("MEMORYPIPE_FLUSH_INTERVAL_MS", c.Publisher.FlushInterval)

	c.DeadLetter.Path = util.StringEnv("MEMORYPIPE_DEADLETTER_PATH", c.DeadLetter.Path)
	c.DeadLetter.MaxBytes = int64(util.ParseIntEnv("MEMORYPIPE_DEADLETTER_MAX_BYTES", int(c.DeadLetter.MaxBytes)))

	c.Embedding.Required = util.ParseBoolEnv("MEMORYPIPE_EMBEDDINGS_REQUIRED", c.Embedding.Required)
	c.Embedding.Primary = util.StringEnv("MEMORYPIPE_EMBEDDING_PRIMARY", c.Embedding.Primary)
	c.Embedding.Fallback = util.StringEnv("MEMORYPIPE_EMBEDDING_FALLBACK", c.Embedding.Fallback)
	c.Embedding.EnrichOnIngest = util.ParseBoolEnv("MEMORYPIPE_ENRICH_ON_INGEST", c.Embedding.EnrichOnIngest)
	if c.Embedding.Providers == nil {
		c.Embedding.Providers = map[string]embedding.ProviderConfig{}
	}
	oa := c.Embedding.Providers[openai.Name]
	oa.APIKey = util.StringEnv("OPENAI_API_KEY", oa.APIKey)
	oa.BaseURL = util.StringEnv("OPENAI_BASE_URL", oa.BaseURL)
	c.Embedding.Providers[openai.Name] = oa
	cp := c.Embedding.Providers[compatible.Name]
	cp.BaseURL = util.StringEnv("MEMORYPIPE_COMPATIBLE_BASE_URL", cp.BaseURL)
	cp.Model = util.StringEnv("MEMORYPIPE_COMPATIBLE_MODEL", cp.Model)
	cp.APIKey = util.StringEnv("MEMORYPIPE_COMPATIBLE_API_KEY", cp.APIKey)
	c.Embedding.Providers[compatible.Name] = cp

	c.Shutdown.Timeout = util.ParseDurationEnv("MEMORYPIPE_SHUTDOWN_TIMEOUT_MS", c.Shutdown.Timeout)
	c.API.Addr = util.StringEnv("MEMORYPIPE_API_ADDR", c.API.Addr)

	c.Source.Kind = util.StringEnv("MEMORYPIPE_SOURCE", c.Source.Kind)
	c.Source.WhatsAppDSN = util.StringEnv("WHATSAPP_DB_DSN", c.Source.WhatsAppDSN)
	c.Source.TwilioAuthToken = util.StringEnv("TWILIO_AUTH_TOKEN", c.Source.TwilioAuthToken)
	c.Source.TwilioPublicURL = util.StringEnv("TWILIO_WEBHOOK_URL", c.Source.TwilioPublicURL)
}

// Resolve fills values derived from the state directory.
func (c *Config) Resolve() {
	if c.Database.DSN == "" {
		c.Database.DSN = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	if c.DeadLetter.Path == "" {
		c.DeadLetter.Path = filepath.Join(c.StateDir, DefaultDeadLetterFile)
	}
	if c.Source.WhatsAppDSN == "" {
		c.Source.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFile) + "?_foreign_keys=on"
	}
	if c.Source.TwilioPath == "" {
		c.Source.TwilioPath = DefaultTwilioPath
	}
}

// Validate fails fast on nonsensical values.
func (c Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state dir must be set"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != logging.FormatText && c.LogFormat != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("log format must be %s or %s, got %q", logging.FormatText, logging.FormatJSON, c.LogFormat))
	}
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis url must be set"))
	}
	if c.Redis.Workers < 0 {
		errs = append(errs, fmt.Errorf("redis workers must not be negative, got %d", c.Redis.Workers))
	}
	if c.Dedup.Window <= 0 {
		errs = append(errs, fmt.Errorf("dedup window must be positive, got %s", c.Dedup.Window))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay {
		errs = append(errs, fmt.Errorf("retry initial delay %s exceeds max delay %s", c.Retry.InitialDelay, c.Retry.MaxDelay))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry multiplier must be at least 1, got %v", c.Retry.Multiplier))
	}
	if c.Publisher.QueueMaxSize < 1 {
		errs = append(errs, fmt.Errorf("queue max size must be at least 1, got %d", c.Publisher.QueueMaxSize))
	}
	if c.Publisher.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush interval must be positive, got %s", c.Publisher.FlushInterval))
	}
	if c.DeadLetter.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("dead-letter max bytes must not be negative, got %d", c.DeadLetter.MaxBytes))
	}
	if c.Embedding.Fallback != "" && c.Embedding.Fallback == c.Embedding.Primary {
		errs = append(errs, fmt.Errorf("embedding fallback must differ from primary %q", c.Embedding.Primary))
	}
	if c.Shutdown.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %s", c.Shutdown.Timeout))
	}
	switch c.Source.Kind {
	case SourceWhatsApp:
	case SourceTwilio:
		if c.Source.TwilioAuthToken == "" {
			errs = append(errs, errors.New("twilio source requires TWILIO_AUTH_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("source must be %s or %s, got %q", SourceWhatsApp, SourceTwilio, c.Source.Kind))
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
	}
}

// PublisherConfig converts the publisher section.
func (c Config) PublisherConfig(m *metrics.Registry) publisher.Config {
	return publisher.Config{
		Retry:         c.RetryPolicy(),
		QueueMaxSize:  c.Publisher.QueueMaxSize,
		FlushInterval: c.Publisher.FlushInterval,
		Metrics:       m,
	}
}

// EmbeddingConfig converts the embedding section.
func (c Config) EmbeddingConfig(m *metrics.Registry) embedding.Config {
	return embedding.Config{
		Primary:   c.Embedding.Primary,
		Fallback:  c.Embedding.Fallback,
		Providers: c.Embedding.Providers,
		Required:  c.Embedding.Required,
		Retry:     c.RetryPolicy(),
		Metrics:   m,
	}
}
