// Package store persists one rig's state in SQLite: beads, agents, mail,
// the review queue, the append-only bead event ledger, the town id and the
// durable alarm slot.
//
// All reads and writes go through a Tx obtained from WithTx or View, so a
// multi-table operation such as Hook either commits entirely or not at all.
// The store does not serialize callers itself; the rig actor does.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rigd/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Options configures a Store.
type Options struct {
	// DegradedLabel is written for the stalled/blocked state. Defaults to
	// protocol.DefaultDegradedLabel.
	DegradedLabel protocol.AgentStatus

	// Now overrides the clock (tests). Defaults to time.Now.
	Now func() time.Time
}

// Store manages the rig tables in SQLite.
type Store struct {
	db       *sql.DB
	now      func() time.Time
	degraded protocol.AgentStatus
}

// Open opens (creating if needed) the SQLite database at path with WAL
// journaling and a 5-second busy timeout, then applies the schema.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: the actor is the only writer and every Tx needs the
	// pragmas below.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	s, err := New(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open database and applies the schema.
func New(ctx context.Context, db *sql.DB, opts Options) (*Store, error) {
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s := &Store{
		db:       db,
		now:      opts.Now,
		degraded: opts.DegradedLabel,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if !s.degraded.IsDegraded() {
		s.degraded = protocol.DefaultDegradedLabel
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// Tx is a unit of work against the store. Its methods must not be used
// after the enclosing WithTx/View callback returns.
type Tx struct {
	tx *sql.Tx
	st *Store
}

// WithTx runs fn in a transaction, committing if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx, st: s}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// View runs fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(&Tx{tx: sqlTx, st: s})
}

func (t *Tx) now() time.Time { return t.st.now().UTC() }
