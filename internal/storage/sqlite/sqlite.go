// Package sqlite implements the storage interfaces on an embedded SQLite
// database. A single file holds the note tables, the dedupe set, merge
// records and the field-decision log; writers are serialized behind a mutex
// and every successful mutation snapshots the database file into the backup
// directory.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/midas/internal/types"
)

// Storage is the SQLite-backed implementation of storage.Store.
type Storage struct {
	db        *sql.DB
	path      string
	backupDir string
	retain    int

	// writeMu serializes every mutation, including the backup snapshot
	// that follows it. Readers go straight to the pool.
	writeMu sync.Mutex
}

// Option tweaks a Storage during construction.
type Option func(*Storage)

// WithBackups enables post-write snapshots into dir, keeping at most retain
// timestamped copies.
func WithBackups(dir string, retain int) Option {
	return func(s *Storage) {
		s.backupDir = dir
		s.retain = retain
	}
}

// New opens (or creates) the database at dbPath and applies the schema.
// dbPath must be absolute; failure to open is fatal at startup by contract.
func New(ctx context.Context, dbPath string, opts ...Option) (*Storage, error) {
	if !filepath.IsAbs(dbPath) {
		return nil, fmt.Errorf("database path must be absolute, got %q", dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Storage{db: db, path: dbPath, retain: 30}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	if s.backupDir != "" {
		if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating backup directory: %w", err)
		}
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error { return s.db.Close() }

// Path returns the absolute database file path.
func (s *Storage) Path() string { return s.path }

// noteTable maps a source to its table. Sources are validated at the router
// boundary, but guard here as well since table names are interpolated.
func noteTable(source types.Source) (string, error) {
	switch source {
	case types.SourceBilibili:
		return "bilibili_notes", nil
	case types.SourceXiaohongshu:
		return "xiaohongshu_notes", nil
	default:
		return "", types.E(types.KindInvalidInput, "unknown source %q", source)
	}
}

// isUniqueConstraintError checks for a UNIQUE violation, used to map
// duplicate (source, source_id) saves to INVALID_INPUT.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// inWrite runs fn inside a transaction under the writer mutex and snapshots
// the database afterwards. BEGIN IMMEDIATE acquires the write lock early so
// concurrent writers queue instead of deadlocking.
func (s *Storage) inWrite(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	if err := s.snapshotLocked(ctx); err != nil {
		// The row change is committed at this point; the error tells the
		// caller the backup invariant was not upheld for this write.
		return fmt.Errorf("write committed but backup snapshot failed: %w", err)
	}
	return nil
}
