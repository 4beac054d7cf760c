// Package embedding generates vector embeddings through an ordered primary and
// fallback provider, degrading to "unavailable" instead of failing startup when
// enrichment is optional.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/MemoryPipe/internal/metrics"
	"github.com/BTreeMap/MemoryPipe/internal/retry"
)

// Embedding is a generated vector and the provider that produced it.
type Embedding struct {
	Vector   []float32 `json:"vector"`
	Provider string    `json:"provider"`
}

// ProviderStat aggregates calls made to one provider.
type ProviderStat struct {
	Provider       string  `json:"provider"`
	RequestCount   int64   `json:"requestCount"`
	SuccessCount   int64   `json:"successCount"`
	FailureCount   int64   `json:"failureCount"`
	TotalLatencyMs int64   `json:"totalLatencyMs"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	TotalTokens    int64   `json:"totalTokens"`
}

// Config selects providers by name from the factory map.
type Config struct {
	Primary   string
	Fallback  string
	Providers map[string]ProviderConfig
	// Required turns a missing primary into a construction error.
	Required bool
	Retry    retry.Policy
	Metrics  *metrics.Registry
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service is the embedding entry point used by the pipeline.
type Service struct {
	primary  Provider
	fallback Provider
	reason   string
	policy   retry.Policy
	metrics  *metrics.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	order []string
	stats map[string]*ProviderStat
}

// NewService initializes the configured providers. A primary that fails to
// initialize is recorded as the unavailable reason, unless cfg.Required is set.
// Naming a provider with no factory is always an error.
func NewService(cfg Config, factories map[string]Factory, opts ...Option) (*Service, error) {
	s := &Service{
		policy:  cfg.Retry,
		metrics: cfg.Metrics,
		logger:  slog.Default(),
		stats:   make(map[string]*ProviderStat),
	}
	if s.policy.MaxAttempts <= 0 {
		s.policy = retry.DefaultPolicy()
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, name := range []string{cfg.Primary, cfg.Fallback} {
		if name == "" {
			continue
		}
		if _, ok := factories[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
	}

	if cfg.Primary == "" {
		s.reason = "no primary embedding provider configured"
	} else {
		p, err := factories[cfg.Primary](cfg.Providers[cfg.Primary])
		if err != nil {
			s.reason = fmt.Sprintf("primary provider %s failed to initialize: %v", cfg.Primary, err)
		} else {
			s.primary = p
			s.track(p.Name())
		}
	}

	if s.primary == nil {
		if cfg.Required {
			return nil, fmt.Errorf("embeddings are required: %w", &UnavailableError{Reason: s.reason})
		}
		s.logger.Warn("Service.NewService: embeddings disabled, running in degraded mode", "reason", s.reason)
		return s, nil
	}

	if cfg.Fallback != "" && cfg.Fallback != cfg.Primary {
		p, err := factories[cfg.Fallback](cfg.Providers[cfg.Fallback])
		if err != nil {
			s.logger.Warn("Service.NewService: fallback provider unavailable", "provider", cfg.Fallback, "error", err)
		} else {
			s.fallback = p
			s.track(p.Name())
		}
	}

	s.logger.Info("Service.NewService: embedding service ready", "primary", s.primary.Name(), "fallback", cfg.Fallback, "dimensions", s.primary.Dimensions())
	return s, nil
}

func (s *Service) track(name string) {
	if _, ok := s.stats[name]; ok {
		return
	}
	s.order = append(s.order, name)
	s.stats[name] = &ProviderStat{Provider: name}
}

// IsAvailable reports whether a primary provider exists.
func (s *Service) IsAvailable() bool {
	return s.primary != nil
}

// UnavailableReason explains why IsAvailable is false.
func (s *Service) UnavailableReason() string {
	return s.reason
}

// Dimensions returns the primary's vector width, or 0 when unavailable.
func (s *Service) Dimensions() int {
	if s.primary == nil {
		return 0
	}
	return s.primary.Dimensions()
}

// Generate embeds one text, escalating from primary to fallback.
func (s *Service) Generate(ctx context.Context, text string) (Embedding, error) {
	if strings.TrimSpace(text) == "" {
		return Embedding{}, ErrEmptyText
	}
	if s.primary == nil {
		return Embedding{}, &UnavailableError{Reason: s.reason}
	}

	call := func(p Provider) (Embedding, error) {
		res, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) (Result, error) {
			start := time.Now()
			r, err := p.Embed(ctx, text)
			s.record(p.Name(), err, time.Since(start), r.Tokens)
			return r, err
		}, retry.WithLogger(s.logger))
		return Embedding{Vector: res.Vector, Provider: p.Name()}, err
	}

	emb, err := call(s.primary)
	if err == nil {
		return emb, nil
	}
	return escalateFor(s, "Service.Generate", err, func() (Embedding, error) { return call(s.fallback) })
}

// GenerateBatch embeds every non-blank text. The result is aligned with the
// filtered input, not the original slice.
func (s *Service) GenerateBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	filtered := make([]string, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		return nil, ErrEmptyText
	}
	if s.primary == nil {
		return nil, &UnavailableError{Reason: s.reason}
	}

	call := func(p Provider) ([]Embedding, error) {
		results, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) ([]Result, error) {
			start := time.Now()
			rs, err := p.EmbedBatch(ctx, filtered)
			if err == nil && len(rs) != len(filtered) {
				err = fmt.Errorf("provider returned %d embeddings for %d texts", len(rs), len(filtered))
			}
			var tokens int64
			for _, r := range rs {
				tokens += r.Tokens
			}
			s.record(p.Name(), err, time.Since(start), tokens)
			return rs, err
		}, retry.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
		out := make([]Embedding, len(results))
		for i, r := range results {
			out[i] = Embedding{Vector: r.Vector, Provider: p.Name()}
		}
		return out, nil
	}

	embs, err := call(s.primary)
	if err == nil {
		return embs, nil
	}
	return escalateFor(s, "Service.GenerateBatch", err, func() ([]Embedding, error) { return call(s.fallback) })
}

// escalateFor tries the fallback after the primary failed, logging under op.
// The error returned when both fail is always the primary's.
func escalateFor[T any](s *Service, op string, primaryErr error, fallback func() (T, error)) (T, error) {
	var zero T
	primaryName := s.primary.Name()
	if errors.Is(primaryErr, context.Canceled) || errors.Is(primaryErr, context.DeadlineExceeded) {
		return zero, &ProviderError{Provider: primaryName, Err: primaryErr}
	}
	if s.fallback == nil {
		s.logger.Warn(op+": primary provider failed", "provider", primaryName, "error", primaryErr)
		return zero, &ProviderError{Provider: primaryName, Err: primaryErr}
	}

	s.logger.Warn(op+": primary provider failed, trying fallback", "provider", primaryName, "fallback", s.fallback.Name(), "error", primaryErr)
	v, err := fallback()
	if err == nil {
		return v, nil
	}
	s.logger.Error(op+": fallback provider failed", "provider", s.fallback.Name(), "error", err)
	return zero, &ProviderError{Provider: primaryName, Err: primaryErr}
}

func (s *Service) record(provider string, err error, latency time.Duration, tokens int64) {
	s.mu.Lock()
	st, ok := s.stats[provider]
	if !ok {
		s.order = append(s.order, provider)
		st = &ProviderStat{Provider: provider}
		s.stats[provider] = st
	}
	st.RequestCount++
	if err != nil {
		st.FailureCount++
	} else {
		st.SuccessCount++
		st.TotalLatencyMs += latency.Milliseconds()
		st.TotalTokens += tokens
	}
	s.mu.Unlock()

	s.metrics.ProviderCall(provider, err == nil, latency, tokens)
}

// Stats returns a snapshot of every tracked provider, primary first.
func (s *Service) Stats() []ProviderStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProviderStat, 0, len(s.order))
	for _, name := range s.order {
		st := *s.stats[name]
		if st.SuccessCount > 0 {
			st.AvgLatencyMs = float64(st.TotalLatencyMs) / float64(st.SuccessCount)
		}
		out = append(out, st)
	}
	return out
}
