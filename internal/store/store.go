// Package store persists memories.
//
// It includes an in-memory store for tests and offline runs, plus SQLite and
// PostgreSQL backends selected by DSN.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/MemoryPipe/internal/models"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// ErrInvalidMemory is returned when a memory lacks its id.
var ErrInvalidMemory = errors.New("memory id is required")

// MemoryStore is the persistence boundary of the consume role.
type MemoryStore interface {
	// SaveMemory inserts m unless a memory with the same id exists.
	// inserted is false for duplicates, which are not an error.
	SaveMemory(ctx context.Context, m models.Memory) (inserted bool, err error)
	// GetMemory returns nil, nil when id is unknown.
	GetMemory(ctx context.Context, id string) (*models.Memory, error)
	// HasMemory reports whether id was already persisted.
	HasMemory(ctx context.Context, id string) (bool, error)
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN    string
	Cipher *Cipher
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithCipher encrypts memory content before it is written.
func WithCipher(c *Cipher) Option {
	return func(o *Opts) { o.Cipher = c }
}

// DetectDSNType returns DSNTypePostgres for URL or key=value Postgres DSNs and
// DSNTypeSQLite for everything else, which is treated as a file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open picks a backend from the configured DSN. An empty DSN yields an in-memory store.
func Open(opts ...Option) (MemoryStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.Open: no database DSN configured, memories will not survive restarts")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == DSNTypePostgres {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// InMemoryStore is a map-backed MemoryStore.
type InMemoryStore struct {
	mu       sync.RWMutex
	memories map[string]models.Memory
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{memories: make(map[string]models.Memory)}
}

func (s *InMemoryStore) SaveMemory(_ context.Context, m models.Memory) (bool, error) {
	if m.ID == "" {
		return false, ErrInvalidMemory
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[m.ID]; ok {
		return false, nil
	}
	s.memories[m.ID] = cloneMemory(m)
	return true, nil
}

func (s *InMemoryStore) GetMemory(_ context.Context, id string) (*models.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, nil
	}
	c := cloneMemory(m)
	return &c, nil
}

func (s *InMemoryStore) HasMemory(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.memories[id]
	return ok, nil
}

// IDs returns every stored id in sorted order (for tests).
func (s *InMemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.memories))
	for id := range s.memories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *InMemoryStore) Close() error { return nil }

func cloneMemory(m models.Memory) models.Memory {
	m.Embedding = append([]float32(nil), m.Embedding...)
	m.Envelope = append([]byte(nil), m.Envelope...)
	return m
}
