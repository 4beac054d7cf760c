// Package store provides storage backends for MemoryPipe.
//
// This file implements an SQLite-backed memory store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/MemoryPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements MemoryStore.
var _ MemoryStore = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db     *sql.DB
	cipher *Cipher
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "", "encrypted", cfg.Cipher != nil)

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One writer avoids SQLITE_BUSY from the subscriber's worker pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db, cipher: cfg.Cipher}, nil
}

func (s *SQLiteStore) SaveMemory(ctx context.Context, m models.Memory) (bool, error) {
	if m.ID == "" {
		return false, ErrInvalidMemory
	}
	row, err := encodeMemory(s.cipher, m)
	if err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO memories
			(id, source, sender, chat, category, body, envelope, embedding_provider, dimensions, occurred_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Source, row.Sender, nilIfEmpty(row.Chat), row.Category, row.Body, row.Envelope,
		nilIfEmpty(row.EmbeddingProvider), row.Dimensions, m.OccurredAt.UTC(), m.StoredAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveMemory failed", "error", err, "id", m.ID)
		return false, fmt.Errorf("failed to insert memory %s: %w", m.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check inserted rows: %w", err)
	}
	slog.Debug("SQLiteStore SaveMemory succeeded", "id", m.ID, "inserted", n > 0, "dimensions", row.Dimensions)
	return n > 0, nil
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	var body, envelope []byte
	err := s.db.QueryRowContext(ctx, `SELECT body, envelope FROM memories WHERE id = ?`, id).Scan(&body, &envelope)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetMemory not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetMemory failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query memory %s: %w", id, err)
	}
	return decodeMemory(s.cipher, body, envelope)
}

func (s *SQLiteStore) HasMemory(ctx context.Context, id string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM memories WHERE id = ?`, id).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memory lookup failed: %w", err)
	}
	return true, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
