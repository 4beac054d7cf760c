package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/BTreeMap/MemoryPipe/internal/embedding"
)

// Embedder is the part of *embedding.Service the pipeline needs.
type Embedder interface {
	Generate(ctx context.Context, text string) (embedding.Embedding, error)
}

// Enrichment is the typed result of trying to embed a message. A degraded
// result means the message continues without a vector.
type Enrichment struct {
	Embedding *embedding.Embedding
	Degraded  bool
	Reason    string
}

// Enrich embeds text when possible. It never fails: every error becomes a
// degraded Enrichment so callers persist without a vector.
func Enrich(ctx context.Context, e Embedder, text string) Enrichment {
	if e == nil {
		return Enrichment{Degraded: true, Reason: "enrichment disabled"}
	}
	if strings.TrimSpace(text) == "" {
		return Enrichment{Reason: "no text to embed"}
	}

	emb, err := e.Generate(ctx, text)
	switch {
	case err == nil:
		return Enrichment{Embedding: &emb}
	case errors.Is(err, embedding.ErrUnavailable):
		return Enrichment{Degraded: true, Reason: err.Error()}
	default:
		return Enrichment{Degraded: true, Reason: "embedding failed: " + err.Error()}
	}
}
