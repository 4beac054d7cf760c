package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is the serialized form published on a channel.
// MessageID sits at the top level so dead-letter recovery can read it without a schema.
type Envelope struct {
	MessageID         string    `json:"messageId"`
	TraceID           string    `json:"traceId,omitempty"`
	Category          Category  `json:"category"`
	Message           Message   `json:"message"`
	Embedding         []float32 `json:"embedding,omitempty"`
	EmbeddingProvider string    `json:"embeddingProvider,omitempty"`
	PublishedAt       time.Time `json:"publishedAt"`
}

// NewEnvelope wraps a raw event for publishing.
func NewEnvelope(ev RawEvent, traceID string, now time.Time) Envelope {
	msg := ev.Message
	msg.MessageID = ev.ID
	return Envelope{
		MessageID:   ev.ID,
		TraceID:     traceID,
		Category:    msg.Category,
		Message:     msg,
		PublishedAt: now.UTC(),
	}
}

// Validate checks the envelope invariants a consumer relies on.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.MessageID) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, ErrMissingMessageID)
	}
	if _, err := ChannelFor(e.Category); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	if e.Message.MessageID != "" && e.Message.MessageID != e.MessageID {
		return fmt.Errorf("%w: message id mismatch %q != %q", ErrInvalidEnvelope, e.Message.MessageID, e.MessageID)
	}
	return nil
}

// ParseEnvelope decodes and validates a channel payload.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
