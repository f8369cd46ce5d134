// Package store is the PostgreSQL persistence layer. All cross-process
// coordination lives here: conditional status updates (CAS), reservation
// inserts guarded by the service_id primary key, and claim queries with
// FOR UPDATE SKIP LOCKED. Callers never hold row locks across a send.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/relaypoint/bulkmail/internal/config"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrServiceBusy is returned when a service already carries a live
	// reservation.
	ErrServiceBusy = errors.New("store: service already reserved")
	// ErrStaleState is returned when a conditional update matched no row,
	// meaning another process moved the entity first.
	ErrStaleState = errors.New("store: state changed concurrently")
	// ErrQuotaExhausted is returned when a quota increment would exceed the
	// service's daily quota.
	ErrQuotaExhausted = errors.New("store: daily quota exhausted")
)

// Store wraps the database handle. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New wraps an existing handle (used by tests with sqlmock).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for components that need their own statements
// (sysconfig, advisory locks).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }
