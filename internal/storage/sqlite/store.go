// Package sqlite is the local persistence layer: completed session
// transcripts, the in-progress session snapshot, custom training scenarios,
// and user preferences, all in a single SQLite database file.
//
// The driver is modernc.org/sqlite (pure Go, no cgo), so the binary stays a
// single static artifact. All operations are safe for concurrent use; SQLite
// serialises writers internally.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the SQLite-backed persistence store. Obtain one via [Open].
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema
// exists. Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}

	// modernc.org/sqlite allows one writer at a time; a single connection
	// avoids SQLITE_BUSY under concurrent API calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates all tables the store depends on. Statements are idempotent
// so Open can run on every start.
func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id         INTEGER PRIMARY KEY,
			date       TEXT NOT NULL,
			log        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			log        TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scenarios (
			id                TEXT PRIMARY KEY,
			title             TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			category          TEXT NOT NULL DEFAULT '',
			instruction       TEXT NOT NULL,
			expected_readback TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prefs (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}
