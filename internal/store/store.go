// Package store is the SQLite-backed licensing store: cached policies,
// checkouts, the offline grace period and pending usage/feature records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	licenseErrors "entitlecli/internal/errors"
)

// Store is safe for concurrent use. Close waits for in-flight operations.
type Store struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// New returns a store for the database at path. The database is not opened.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the database path
func (s *Store) Path() string {
	return s.path
}

// Open opens or creates the database. Opening an open store is a no-op.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	if s.path == "" {
		return licenseErrors.ParamError("store.open", licenseErrors.ErrMissingParameter)
	}

	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return licenseErrors.PersistenceError("store.open", fmt.Errorf("failed to create database directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return licenseErrors.PersistenceError("store.open", fmt.Errorf("failed to open database: %w", err))
	}

	// SQLite has one writer; a single connection also keeps per-connection pragmas in force.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return licenseErrors.PersistenceError("store.open", fmt.Errorf("failed to set pragma: %w", err))
		}
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return licenseErrors.PersistenceError("store.open", fmt.Errorf("failed to initialize schema: %w", err))
	}
	if _, err := db.ExecContext(ctx, InitMetadata); err != nil {
		db.Close()
		return licenseErrors.PersistenceError("store.open", fmt.Errorf("failed to initialize metadata: %w", err))
	}

	s.db = db
	return nil
}

// Close closes the database. Closing a closed store is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return licenseErrors.PersistenceError("store.close", err)
	}
	return nil
}

// IsOpen reports whether the database is open
func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// withDB runs fn while holding the read lock so Close cannot race it
func (s *Store) withDB(op string, fn func(db *sql.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return licenseErrors.PersistenceError(op, licenseErrors.ErrStoreClosed)
	}
	if err := fn(s.db); err != nil {
		return licenseErrors.PersistenceError(op, err)
	}
	return nil
}

// withTx runs fn inside a transaction
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.withDB(op, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
