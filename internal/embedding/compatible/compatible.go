// Package compatible implements an embedding provider for OpenAI-compatible
// servers such as Ollama, LocalAI or vLLM.
package compatible

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/BTreeMap/MemoryPipe/internal/embedding"
)

// Name is the provider name used in configuration.
const Name = "compatible"

const (
	DefaultModel      = "embeddinggemma"
	DefaultDimensions = 768
	// noToken is sent to local servers that don't check authentication.
	noToken = "none"
)

// Provider wraps a langchaingo embedder.
type Provider struct {
	embedder   embeddings.Embedder
	dims       int
	oneAtATime bool
	logger     *slog.Logger
}

// New is the embedding.Factory for compatible servers. The base URL is the credential.
func New(cfg embedding.ProviderConfig) (embedding.Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("compatible: %w: base URL not set", embedding.ErrMissingCredential)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	token := cfg.APIKey
	if token == "" {
		token = noToken
	}

	opts := []lcopenai.Option{
		lcopenai.WithBaseURL(NormalizeBaseURL(cfg.BaseURL)),
		lcopenai.WithToken(token),
		lcopenai.WithEmbeddingModel(model),
	}
	dims := DefaultDimensions
	if cfg.Dimensions > 0 {
		dims = cfg.Dimensions
		opts = append(opts, lcopenai.WithEmbeddingDimensions(cfg.Dimensions))
	}

	client, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("compatible: failed to create client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("compatible: failed to create embedder: %w", err)
	}

	return &Provider{
		embedder:   embedder,
		dims:       dims,
		oneAtATime: cfg.OneAtATime,
		logger:     slog.Default().With("component", "compatible-embedder"),
	}, nil
}

// NormalizeBaseURL appends the /v1 suffix most compatible servers expect.
func NormalizeBaseURL(u string) string {
	u = strings.TrimSuffix(u, "/")
	if strings.HasSuffix(u, "/v1") {
		return u
	}
	return u + "/v1"
}

func (p *Provider) Name() string    { return Name }
func (p *Provider) Dimensions() int { return p.dims }

func (p *Provider) Embed(ctx context.Context, text string) (embedding.Result, error) {
	v, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return embedding.Result{}, err
	}
	return embedding.Result{Vector: v}, nil
}

// EmbedBatch sends one request, or one per text for servers without batch support.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([]embedding.Result, error) {
	if p.oneAtATime {
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

	p.logger.Debug("Provider.EmbedBatch: generating embeddings", "count", len(texts))
	vs, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]embedding.Result, len(vs))
	for i, v := range vs {
		out[i] = embedding.Result{Vector: v}
	}
	return out, nil
}
