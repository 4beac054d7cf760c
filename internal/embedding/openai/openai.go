// Package openai implements the embedding provider backed by the OpenAI API.
package openai

import (
	"context"
	"fmt"
	"sort"

	oa "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/MemoryPipe/internal/embedding"
)

// Name is the provider name used in configuration.
const Name = "openai"

// Defaults for text-embedding-3-small.
const (
	DefaultModel      = oa.EmbeddingModelTextEmbedding3Small
	DefaultDimensions = 1536
)

// Provider calls the embeddings endpoint through the official SDK.
type Provider struct {
	client     oa.Client
	model      oa.EmbeddingModel
	dims       int
	customDims bool
}

// New is the embedding.Factory for OpenAI. The API key is the credential.
// SDK retries are disabled because the embedding service retries itself.
func New(cfg embedding.ProviderConfig) (embedding.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w: API key not set", embedding.ErrMissingCredential)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	p := &Provider{
		client: oa.NewClient(opts...),
		model:  DefaultModel,
		dims:   DefaultDimensions,
	}
	if cfg.Model != "" {
		p.model = oa.EmbeddingModel(cfg.Model)
	}
	if cfg.Dimensions > 0 {
		p.dims = cfg.Dimensions
		p.customDims = true
	}
	return p, nil
}

func (p *Provider) Name() string    { return Name }
func (p *Provider) Dimensions() int { return p.dims }

func (p *Provider) params(input oa.EmbeddingNewParamsInputUnion) oa.EmbeddingNewParams {
	params := oa.EmbeddingNewParams{
		Input: input,
		Model: p.model,
	}
	if p.customDims {
		params.Dimensions = oa.Int(int64(p.dims))
	}
	return params
}

// Embed generates one embedding.
func (p *Provider) Embed(ctx context.Context, text string) (embedding.Result, error) {
	resp, err := p.client.Embeddings.New(ctx, p.params(oa.EmbeddingNewParamsInputUnion{OfString: oa.String(text)}))
	if err != nil {
		return embedding.Result{}, fmt.Errorf("openai embeddings request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return embedding.Result{}, fmt.Errorf("openai returned no embeddings")
	}
	return embedding.Result{
		Vector: toFloat32(resp.Data[0].Embedding),
		Tokens: resp.Usage.TotalTokens,
	}, nil
}

// EmbedBatch sends every text in one request and orders results by index.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([]embedding.Result, error) {
	resp, err := p.client.Embeddings.New(ctx, p.params(oa.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts}))
	if err != nil {
		return nil, fmt.Errorf("openai embeddings request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([]embedding.Result, len(data))
	for i, d := range data {
		out[i] = embedding.Result{Vector: toFloat32(d.Embedding)}
	}
	// Usage is reported per request; attribute it to the first result.
	if len(out) > 0 {
		out[0].Tokens = resp.Usage.TotalTokens
	}
	return out, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
