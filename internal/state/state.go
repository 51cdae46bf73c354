// Package state implements the historical store: a SQLite database holding
// the trading calendar, daily rows, rankings, strategy picks, and limit-up
// tables that the dashboard handlers join against. The realtime engine only
// reads from it (calendar predicates, bootstrap code lists).
package state

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("state: not found")

// Open opens (creating if necessary) the SQLite database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Store wraps the database handle with the query surface the handlers and
// the engine need.
type Store struct {
	db *sql.DB
}

// DB exposes the handle for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
