// Package mock provides a deterministic embedding provider for tests and
// offline runs.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"

	"github.com/BTreeMap/MemoryPipe/internal/embedding"
)

// Name is the provider name used in configuration.
const Name = "mock"

// DefaultDimensions matches small local embedding models.
const DefaultDimensions = 384

// Provider derives vectors from an FNV hash of the text, so equal texts always
// embed identically.
type Provider struct {
	// EmbedFunc replaces the default behavior when set.
	EmbedFunc func(ctx context.Context, text string) (embedding.Result, error)

	name  string
	dims  int
	calls atomic.Int64
}

// New is the embedding.Factory for the mock provider. It needs no credential.
func New(cfg embedding.ProviderConfig) (embedding.Provider, error) {
	return NewProvider(Name, cfg.Dimensions), nil
}

// NewProvider returns the concrete type so tests can inject EmbedFunc.
func NewProvider(name string, dims int) *Provider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	if name == "" {
		name = Name
	}
	return &Provider{name: name, dims: dims}
}

func (p *Provider) Name() string    { return p.name }
func (p *Provider) Dimensions() int { return p.dims }

// Calls counts Embed invocations, including those made by EmbedBatch.
func (p *Provider) Calls() int64 { return p.calls.Load() }

func (p *Provider) Embed(ctx context.Context, text string) (embedding.Result, error) {
	p.calls.Add(1)
	if p.EmbedFunc != nil {
		return p.EmbedFunc(ctx, text)
	}
	if err := ctx.Err(); err != nil {
		return embedding.Result{}, err
	}
	return embedding.Result{Vector: Vector(text, p.dims), Tokens: int64(len(text)/4 + 1)}, nil
}

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([]embedding.Result, error) {
	out := make([]embedding.Result, 0, len(texts))
	for _, t := range texts {
		r, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Vector returns the unit-length deterministic vector for text.
func Vector(text string, dims int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	v := make([]float32, dims)
	var sum float64
	for i := range v {
		seed = seed*1664525 + 1013904223
		v[i] = float32(seed%1000)/1000.0 + 0.001
		sum += float64(v[i]) * float64(v[i])
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= norm
	}
	return v
}
