package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/sjson"

	"github.com/BTreeMap/MemoryPipe/internal/metrics"
	"github.com/BTreeMap/MemoryPipe/internal/models"
	"github.com/BTreeMap/MemoryPipe/internal/retry"
	"github.com/BTreeMap/MemoryPipe/internal/store"
)

// Consume outcomes recorded in metrics.
const (
	ConsumeStored    = "stored"
	ConsumeDuplicate = "duplicate"
	ConsumeMalformed = "malformed"
	ConsumeFailed    = "failed"
)

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerEmbedder embeds envelopes that arrive without a vector.
func WithConsumerEmbedder(e Embedder) ConsumerOption {
	return func(c *Consumer) { c.embedder = e }
}

// WithStoreRetry sets the retry policy for SaveMemory.
func WithStoreRetry(p retry.Policy) ConsumerOption {
	return func(c *Consumer) { c.policy = p }
}

// WithConsumerClock overrides time.Now.
func WithConsumerClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) { c.now = now }
}

// WithConsumeMetrics records outcomes.
func WithConsumeMetrics(m *metrics.Registry) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// Consumer turns channel deliveries into stored memories.
type Consumer struct {
	store    store.MemoryStore
	embedder Embedder
	policy   retry.Policy
	now      func() time.Time
	metrics  *metrics.Registry
	logger   *slog.Logger
}

func NewConsumer(st store.MemoryStore, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		store:  st,
		policy: retry.DefaultPolicy(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle processes one delivery. Malformed envelopes are dropped with a
// warning and nil error so the subscriber loop never stops on bad input.
func (c *Consumer) Handle(ctx context.Context, channel string, raw []byte) error {
	env, err := models.ParseEnvelope(raw)
	if err != nil {
		c.metrics.Consumed(ConsumeMalformed)
		c.logger.Warn("Consumer.Handle: dropping malformed envelope", "channel", channel, "bytes", len(raw), "error", err)
		return nil
	}
	if expected, _ := models.ChannelFor(env.Category); expected != channel {
		c.logger.Warn("Consumer.Handle: envelope arrived on unexpected channel", "id", env.MessageID, "channel", channel, "expected", expected)
	}

	exists, err := c.store.HasMemory(ctx, env.MessageID)
	if err != nil {
		c.metrics.Consumed(ConsumeFailed)
		return fmt.Errorf("failed to check memory %s: %w", env.MessageID, err)
	}
	if exists {
		c.metrics.Consumed(ConsumeDuplicate)
		c.logger.Debug("Consumer.Handle: memory already stored", "id", env.MessageID)
		return nil
	}

	mem := models.MemoryFromEnvelope(env, c.now())
	mem.Envelope = append([]byte(nil), raw...)

	if len(env.Embedding) == 0 && c.embedder != nil {
		enr := Enrich(ctx, c.embedder, env.Message.Text)
		switch {
		case enr.Embedding != nil:
			mem.Embedding = enr.Embedding.Vector
			mem.EmbeddingProvider = enr.Embedding.Provider
			mem.Envelope = c.attachEmbedding(mem.Envelope, enr, env.MessageID)
		case enr.Degraded:
			c.logger.Warn("Consumer.Handle: storing without embedding", "id", env.MessageID, "reason", enr.Reason)
		}
	}

	inserted, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (bool, error) {
		return c.store.SaveMemory(ctx, mem)
	}, retry.WithLogger(c.logger))
	if err != nil {
		c.metrics.Consumed(ConsumeFailed)
		return fmt.Errorf("failed to store memory %s: %w", env.MessageID, err)
	}
	if !inserted {
		c.metrics.Consumed(ConsumeDuplicate)
		return nil
	}

	c.metrics.Consumed(ConsumeStored)
	c.logger.Info("Consumer.Handle: memory stored", "id", env.MessageID, "category", env.Category, "dimensions", len(mem.Embedding), "traceId", env.TraceID)
	return nil
}

// attachEmbedding writes the vector into the raw envelope without
// re-encoding it, so unknown fields are kept.
func (c *Consumer) attachEmbedding(raw []byte, enr Enrichment, id string) []byte {
	patched, err := sjson.SetBytes(raw, "embedding", enr.Embedding.Vector)
	if err == nil {
		patched, err = sjson.SetBytes(patched, "embeddingProvider", enr.Embedding.Provider)
	}
	if err != nil {
		c.logger.Warn("Consumer.attachEmbedding: keeping original envelope", "id", id, "error", err)
		return raw
	}
	return patched
}
