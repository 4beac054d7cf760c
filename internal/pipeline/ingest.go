// Package pipeline wires the reliability components into the two control
// flows: ingesting raw events into channels and consuming channel deliveries
// into the store.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/MemoryPipe/internal/dedup"
	"github.com/BTreeMap/MemoryPipe/internal/metrics"
	"github.com/BTreeMap/MemoryPipe/internal/models"
)

// Outcome is what Ingest did with an event.
type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeRejected  Outcome = "rejected"
)

// Publisher is satisfied by *publisher.Publisher.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte)
}

// Filter returns false for events that should not be published.
type Filter func(ev models.RawEvent) bool

// IngestResult describes one Ingest call.
type IngestResult struct {
	Outcome    Outcome
	Channel    string
	TraceID    string
	Enrichment Enrichment
	Err        error
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithEmbedder enriches events before publishing.
func WithEmbedder(e Embedder) IngesterOption {
	return func(i *Ingester) { i.embedder = e }
}

// WithFilter drops events for which f returns false.
func WithFilter(f Filter) IngesterOption {
	return func(i *Ingester) { i.filter = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) IngesterOption {
	return func(i *Ingester) { i.now = now }
}

// WithIngestMetrics records outcomes.
func WithIngestMetrics(m *metrics.Registry) IngesterOption {
	return func(i *Ingester) { i.metrics = m }
}

// WithIngestLogger sets the logger.
func WithIngestLogger(logger *slog.Logger) IngesterOption {
	return func(i *Ingester) { i.logger = logger }
}

// Ingester is the single ingestion function message sources call.
type Ingester struct {
	dedup     *dedup.Deduplicator
	publisher Publisher
	embedder  Embedder
	filter    Filter
	now       func() time.Time
	newTrace  func() string
	metrics   *metrics.Registry
	logger    *slog.Logger
}

// NewIngester creates an Ingester. Enrichment is off unless WithEmbedder is given.
func NewIngester(d *dedup.Deduplicator, pub Publisher, opts ...IngesterOption) *Ingester {
	i := &Ingester{
		dedup:     d,
		publisher: pub,
		now:       time.Now,
		newTrace:  uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle adapts Ingest to models.IngestFunc.
func (i *Ingester) Handle(ctx context.Context, ev models.RawEvent) {
	i.Ingest(ctx, ev)
}

// Ingest runs dedup, filter, enrichment and publish for one raw event.
func (i *Ingester) Ingest(ctx context.Context, ev models.RawEvent) IngestResult {
	res := i.ingest(ctx, ev)
	i.metrics.Ingested(string(res.Outcome))
	return res
}

func (i *Ingester) ingest(ctx context.Context, ev models.RawEvent) IngestResult {
	if ev.ID == "" {
		i.logger.Warn("Ingester.Ingest: event without id rejected", "source", ev.Message.Source)
		return IngestResult{Outcome: OutcomeRejected, Err: models.ErrMissingMessageID}
	}

	now := i.now()
	if !i.dedup.ShouldProcess(ev.ID, now.UnixMilli()) {
		i.metrics.Deduplicated()
		i.logger.Debug("Ingester.Ingest: duplicate dropped", "id", ev.ID)
		return IngestResult{Outcome: OutcomeDuplicate}
	}

	if i.filter != nil && !i.filter(ev) {
		i.logger.Debug("Ingester.Ingest: event filtered", "id", ev.ID, "category", ev.Message.Category)
		return IngestResult{Outcome: OutcomeFiltered}
	}

	channel, err := models.ChannelFor(ev.Message.Category)
	if err != nil {
		i.logger.Error("Ingester.Ingest: no channel for category", "id", ev.ID, "category", ev.Message.Category, "error", err)
		return IngestResult{Outcome: OutcomeRejected, Err: err}
	}

	traceID := i.newTrace()
	env := models.NewEnvelope(ev, traceID, now)

	var enr Enrichment
	if i.embedder != nil {
		enr = Enrich(ctx, i.embedder, ev.Message.Text)
		if enr.Embedding != nil {
			env.Embedding = enr.Embedding.Vector
			env.EmbeddingProvider = enr.Embedding.Provider
		} else if enr.Degraded {
			i.logger.Warn("Ingester.Ingest: publishing without embedding", "id", ev.ID, "reason", enr.Reason)
		}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		i.logger.Error("Ingester.Ingest: failed to encode envelope", "id", ev.ID, "error", err)
		return IngestResult{Outcome: OutcomeRejected, Err: err}
	}

	i.publisher.Publish(ctx, channel, payload)
	i.logger.Debug("Ingester.Ingest: event published", "id", ev.ID, "channel", channel, "traceId", traceID, "bytes", len(payload))
	return IngestResult{Outcome: OutcomePublished, Channel: channel, TraceID: traceID, Enrichment: enr}
}
