// Package store persists the asset graph in SQLite. All writes go through
// a UnitOfWork bound to one transaction; savepoints give batch ingestion
// partial-failure recovery. Repositories are thin, hand-rolled SQL over
// database/sql with a shared generic core.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound marks get misses. Callers that can proceed without the
	// row test with errors.Is.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict marks unique-constraint violations surfaced to API
	// callers. Batch ingestion retries these as upserts instead.
	ErrConflict = errors.New("store: unique constraint violation")
)

// Store owns the SQLite handle. SQLite allows one writer, so the pool is
// pinned to a single connection and WAL keeps readers unblocked.
type Store struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// Options configures Open.
type Options struct {
	Path        string
	BusyTimeout time.Duration
	Logger      *zap.Logger
}

// Open initializes the database at the given path, creating the schema
// and applying column migrations.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	log := opts.Logger.Named("store")

	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds())); err != nil {
		log.Debug("failed to set busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to set journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("failed to set synchronous=NORMAL", zap.Error(err))
	}
	// Cascade deletes depend on this; fail hard if it cannot be set.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: opts.Path, log: log}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug("store initialized", zap.String("path", opts.Path))
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only consumers such as the
// stats views.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Repos returns repositories bound directly to the database, outside any
// transaction. Use a UnitOfWork for writes that must be atomic.
func (s *Store) Repos() *Repos {
	return &Repos{q: s.db}
}

// isUniqueViolation reports whether err is a SQLite unique or primary key
// constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// wrapWriteErr converts driver-level constraint failures into ErrConflict
// so callers never match on driver types.
func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
