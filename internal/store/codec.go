package store

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/MemoryPipe/internal/models"
)

// memoryRow is the column layout shared by the SQL backends. Body holds the
// memory document and Envelope the raw channel payload, both sealed by the cipher.
type memoryRow struct {
	ID                string
	Source            string
	Sender            string
	Chat              string
	Category          string
	Body              []byte
	Envelope          []byte
	EmbeddingProvider string
	Dimensions        int
}

func encodeMemory(c *Cipher, m models.Memory) (memoryRow, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return memoryRow{}, fmt.Errorf("failed to encode memory %s: %w", m.ID, err)
	}
	body, err := c.Seal(doc)
	if err != nil {
		return memoryRow{}, err
	}
	var env []byte
	if len(m.Envelope) > 0 {
		if env, err = c.Seal(m.Envelope); err != nil {
			return memoryRow{}, err
		}
	}
	return memoryRow{
		ID:                m.ID,
		Source:            m.Source,
		Sender:            m.Sender,
		Chat:              m.Chat,
		Category:          string(m.Category),
		Body:              body,
		Envelope:          env,
		EmbeddingProvider: m.EmbeddingProvider,
		Dimensions:        len(m.Embedding),
	}, nil
}

func decodeMemory(c *Cipher, body, envelope []byte) (*models.Memory, error) {
	doc, err := c.Open(body)
	if err != nil {
		return nil, err
	}
	var m models.Memory
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("failed to decode memory: %w", err)
	}
	if len(envelope) > 0 {
		raw, err := c.Open(envelope)
		if err != nil {
			return nil, err
		}
		m.Envelope = raw
	}
	return &m, nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
