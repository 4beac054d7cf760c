package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/MemoryPipe/internal/embedding/compatible"
	"github.com/BTreeMap/MemoryPipe/internal/embedding/openai"
	"github.com/BTreeMap/MemoryPipe/internal/metrics"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MEMORYPIPE_STATE_DIR", "MEMORYPIPE_LOG_LEVEL", "MEMORYPIPE_LOG_FORMAT", "REDIS_URL",
		"MEMORYPIPE_REDIS_WORKERS", "DATABASE_URL", "MEMORYPIPE_ENCRYPTION_KEY", "MEMORYPIPE_DEDUP_WINDOW_MS",
		"MEMORYPIPE_RETRY_MAX_ATTEMPTS", "MEMORYPIPE_RETRY_INITIAL_DELAY_MS", "MEMORYPIPE_RETRY_MAX_DELAY_MS",
		"MEMORYPIPE_RETRY_MULTIPLIER", "MEMORYPIPE_QUEUE_MAX_SIZE", "MEMORYPIPE_FLUSH_INTERVAL_MS",
		"MEMORYPIPE_DEADLETTER_PATH", "MEMORYPIPE_DEADLETTER_MAX_BYTES", "MEMORYPIPE_EMBEDDINGS_REQUIRED",
		"MEMORYPIPE_EMBEDDING_PRIMARY", "MEMORYPIPE_EMBEDDING_FALLBACK", "MEMORYPIPE_ENRICH_ON_INGEST",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "MEMORYPIPE_COMPATIBLE_BASE_URL", "MEMORYPIPE_COMPATIBLE_MODEL",
		"MEMORYPIPE_COMPATIBLE_API_KEY", "MEMORYPIPE_SHUTDOWN_TIMEOUT_MS", "MEMORYPIPE_API_ADDR",
		"MEMORYPIPE_SOURCE", "WHATSAPP_DB_DSN", "TWILIO_AUTH_TOKEN", "TWILIO_WEBHOOK_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Minute, cfg.Dedup.Window)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 1000, cfg.Publisher.QueueMaxSize)
	assert.Equal(t, 5*time.Second, cfg.Publisher.FlushInterval)
	assert.Equal(t, int64(0), cfg.DeadLetter.MaxBytes)
	assert.False(t, cfg.Embedding.Required)
	assert.Equal(t, openai.Name, cfg.Embedding.Primary)
	assert.Empty(t, cfg.Embedding.Fallback)
	assert.Equal(t, 10*time.Second, cfg.Shutdown.Timeout)
	assert.Equal(t, filepath.Join(DefaultStateDir, "deadletter", "deadletter.jsonl"), cfg.DeadLetter.Path)
	assert.Equal(t, filepath.Join(DefaultStateDir, DefaultDBFileName), cfg.Database.DSN)
}

func TestResolveKeepsExplicitPaths(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/srv/mp"
	cfg.DeadLetter.Path = "/var/log/dlq.jsonl"
	cfg.Resolve()

	assert.Equal(t, "/var/log/dlq.jsonl", cfg.DeadLetter.Path)
	assert.Equal(t, "/srv/mp/memorypipe.db", cfg.Database.DSN)
	assert.Equal(t, "file:/srv/mp/whatsmeow.db?_foreign_keys=on", cfg.Source.WhatsAppDSN)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "memorypipe.yaml")
	yamlDoc := `
state_dir: /data/memorypipe
log_format: json
redis:
  url: redis://cache:6379/2
dedup:
  window: 5m
retry:
  max_attempts: 5
  initial_delay: 250ms
publisher:
  queue_max_size: 50
embedding:
  primary: compatible
  fallback: openai
  providers:
    compatible:
      base_url: http://ollama:11434
      model: nomic-embed-text
      dimensions: 768
      one_at_a_time: true
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	t.Setenv("MEMORYPIPE_QUEUE_MAX_SIZE", "75")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MEMORYPIPE_DEDUP_WINDOW_MS", "600000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/memorypipe", cfg.StateDir)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay, "unset keys keep defaults")
	assert.Equal(t, 75, cfg.Publisher.QueueMaxSize, "env overrides yaml")
	assert.Equal(t, 10*time.Minute, cfg.Dedup.Window, "env overrides yaml")

	comp := cfg.Embedding.Providers[compatible.Name]
	assert.Equal(t, "http://ollama:11434", comp.BaseURL)
	assert.Equal(t, "nomic-embed-text", comp.Model)
	assert.True(t, comp.OneAtATime)
	assert.Equal(t, "sk-test", cfg.Embedding.Providers[openai.Name].APIKey)

	cfg.Resolve()
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry: [unterminated"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero window", func(c *Config) { c.Dedup.Window = 0 }, "dedup window"},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max attempts"},
		{"shrinking multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "multiplier"},
		{"initial above max", func(c *Config) { c.Retry.InitialDelay = time.Minute }, "exceeds max delay"},
		{"empty queue", func(c *Config) { c.Publisher.QueueMaxSize = 0 }, "queue max size"},
		{"zero flush", func(c *Config) { c.Publisher.FlushInterval = 0 }, "flush interval"},
		{"negative rotation", func(c *Config) { c.DeadLetter.MaxBytes = -1 }, "max bytes"},
		{"same fallback", func(c *Config) { c.Embedding.Fallback = c.Embedding.Primary }, "fallback"},
		{"zero shutdown", func(c *Config) { c.Shutdown.Timeout = 0 }, "shutdown timeout"},
		{"bad level", func(c *Config) { c.LogLevel = "chatty" }, "log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
		{"bad source", func(c *Config) { c.Source.Kind = "telegram" }, "source"},
		{"twilio without token", func(c *Config) { c.Source.Kind = SourceTwilio }, "TWILIO_AUTH_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Resolve()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 4
	cfg.Embedding.Required = true
	m := metrics.New()

	p := cfg.RetryPolicy()
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.Delay(3))

	pc := cfg.PublisherConfig(m)
	assert.Equal(t, p, pc.Retry)
	assert.Equal(t, 1000, pc.QueueMaxSize)
	assert.Same(t, m, pc.Metrics)

	ec := cfg.EmbeddingConfig(m)
	assert.Equal(t, openai.Name, ec.Primary)
	assert.True(t, ec.Required)
	assert.Equal(t, p, ec.Retry)
}
