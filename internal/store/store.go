// Package store provides eclaw's embedded SQLite persistence layer: WAL
// journaling, a single process-wide write mutex, schema migrations, and
// repositories for queue entries, game events, and rate-limit records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"eclaw/internal/store/migrations"
)

// Store wraps a *sql.DB with the single-writer discipline SQLite's WAL mode
// requires under concurrent goroutines: readers proceed freely, but every
// write transaction serializes through writeMu.
type Store struct {
	db *sql.DB

	// writeMu serializes all write operations across the process. SQLite's
	// WAL mode allows one writer at a time; letting the database's own
	// busy-timeout handle contention would mean writers silently queue
	// behind SQLITE_BUSY retries, while the application would rather
	// sequence writes itself and keep the query shape simple (no per-call
	// retry loop required).
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the SQLite database at path, applies
// WAL/synchronous/busy-timeout/foreign-key pragmas via connection-string
// parameters, verifies connectivity, and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path required")
	}

	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"busy_timeout(5000)",
			"foreign_keys(on)",
		},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	// WAL mode lets readers proceed concurrently with the one active writer
	// (SPEC_FULL §4.2), so the pool is sized for read concurrency; writeMu,
	// not the pool, is what keeps writers serialized.
	db.SetMaxOpenConns(8)

	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withWriteTx runs fn inside a transaction, serialized by writeMu. fn's
// returned error rolls back the transaction; any other error is wrapped and
// returned as-is.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// DB exposes the underlying *sql.DB for read-only queries issued directly by
// repositories in this package. Writers must go through withWriteTx.
func (s *Store) DB() *sql.DB { return s.db }
