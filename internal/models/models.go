// Package models defines the core data structures for MemoryPipe.
//
// It includes the raw events emitted by message sources, the envelopes carried over
// pub/sub channels and the memories persisted by the consumer.
package models

import (
	"context"
	"errors"
	"time"
)

// Category is the coarse message category used to pick a pub/sub channel.
type Category string

const (
	// CategoryText is a plain or extended text message.
	CategoryText Category = "text"
	// CategoryMedia is an image, video, audio or document message, optionally captioned.
	CategoryMedia Category = "media"
	// CategoryOther covers everything else a source forwards (reactions, contacts, locations).
	CategoryOther Category = "other"
)

// Source identifiers recorded on every message.
const (
	SourceWhatsApp = "whatsapp"
	SourceTwilio   = "twilio"
)

// Error variables for better error handling and testability
var (
	ErrUnknownCategory  = errors.New("unknown message category")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrMissingMessageID = errors.New("message id is required")
)

// Message is the normalized content of one inbound event.
type Message struct {
	MessageID string    `json:"messageId"`
	Source    string    `json:"source"`
	Sender    string    `json:"sender"`
	Chat      string    `json:"chat,omitempty"`
	FromMe    bool      `json:"fromMe,omitempty"`
	Category  Category  `json:"category"`
	Text      string    `json:"text,omitempty"`
	MediaType string    `json:"mediaType,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RawEvent is the [logical id, payload] pair a message source emits once per event.
type RawEvent struct {
	ID      string
	Message Message
}

// IngestFunc is the single ingestion entry point a message source invokes per raw event.
type IngestFunc func(ctx context.Context, ev RawEvent)
