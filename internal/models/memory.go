package models

import (
	"encoding/json"
	"time"
)

// Memory is one persisted message, optionally enriched with an embedding.
type Memory struct {
	ID                string    `json:"id"`
	Source            string    `json:"source"`
	Sender            string    `json:"sender"`
	Chat              string    `json:"chat,omitempty"`
	Category          Category  `json:"category"`
	Text              string    `json:"text,omitempty"`
	Embedding         []float32 `json:"embedding,omitempty"`
	EmbeddingProvider string    `json:"embeddingProvider,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
	StoredAt          time.Time `json:"storedAt"`

	// Envelope is the channel payload as received, kept verbatim so fields
	// newer producers add survive a round trip through the store.
	Envelope json.RawMessage `json:"-"`
}

// MemoryFromEnvelope converts a validated envelope into a memory row.
// The caller attaches the raw envelope bytes when it has them.
func MemoryFromEnvelope(env Envelope, now time.Time) Memory {
	return Memory{
		ID:                env.MessageID,
		Source:            env.Message.Source,
		Sender:            env.Message.Sender,
		Chat:              env.Message.Chat,
		Category:          env.Category,
		Text:              env.Message.Text,
		Embedding:         env.Embedding,
		EmbeddingProvider: env.EmbeddingProvider,
		OccurredAt:        env.Message.Timestamp.UTC(),
		StoredAt:          now.UTC(),
	}
}
