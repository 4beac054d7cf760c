// Package store provides storage backends for MemoryPipe.
//
// This file implements a PostgreSQL-backed memory store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/MemoryPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements MemoryStore.
var _ MemoryStore = (*PostgresStore)(nil)

type PostgresStore struct {
	db     *sql.DB
	cipher *Cipher
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "", "encrypted", cfg.Cipher != nil)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, cipher: cfg.Cipher}, nil
}

func (s *PostgresStore) SaveMemory(ctx context.Context, m models.Memory) (bool, error) {
	if m.ID == "" {
		return false, ErrInvalidMemory
	}
	row, err := encodeMemory(s.cipher, m)
	if err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO memories
			(id, source, sender, chat, category, body, envelope, embedding_provider, dimensions, occurred_at, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		row.ID, row.Source, row.Sender, nilIfEmpty(row.Chat), row.Category, row.Body, row.Envelope,
		nilIfEmpty(row.EmbeddingProvider), row.Dimensions, m.OccurredAt.UTC(), m.StoredAt.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore SaveMemory failed", "error", err, "id", m.ID)
		return false, fmt.Errorf("failed to insert memory %s: %w", m.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check inserted rows: %w", err)
	}
	slog.Debug("PostgresStore SaveMemory succeeded", "id", m.ID, "inserted", n > 0)
	return n > 0, nil
}

func (s *PostgresStore) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	var body, envelope []byte
	err := s.db.QueryRowContext(ctx, `SELECT body, envelope FROM memories WHERE id = $1`, id).Scan(&body, &envelope)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetMemory failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query memory %s: %w", id, err)
	}
	return decodeMemory(s.cipher, body, envelope)
}

func (s *PostgresStore) HasMemory(ctx context.Context, id string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM memories WHERE id = $1`, id).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memory lookup failed: %w", err)
	}
	return true, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
