// Package eventlog provides read-only access to a rig's bead event ledger.
// It opens the SQLite file in read-only mode so the ledger can be inspected
// while `rigd serve` owns the database.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"rigd/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// BeadID filters events to a specific bead.
	BeadID string

	// AgentID filters events to a specific acting agent.
	AgentID string

	// EventType filters to a specific event type (e.g., "hooked", "closed").
	EventType protocol.EventType

	// After filters events created at or after this time.
	After *time.Time

	// Before filters events created at or before this time.
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the ledger.
type Reader struct {
	db *sql.DB
}

// NewReader opens the rig database read-only. Returns an error if the
// database doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// Query retrieves events matching opts, newest first. Returns an empty
// slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]protocol.BeadEvent, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []protocol.BeadEvent{}
	for rows.Next() {
		var (
			e              protocol.BeadEvent
			typ, createdAt string
			meta           string
		)
		if err := rows.Scan(&e.ID, &e.BeadID, &typ, &e.AgentID, &e.OldValue, &e.NewValue, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = protocol.EventType(typ)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode event %d metadata: %w", e.ID, err)
			}
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := `SELECT id, bead_id, event_type, COALESCE(agent_id, ''), COALESCE(old_value, ''),
		COALESCE(new_value, ''), COALESCE(metadata, ''), created_at FROM bead_events WHERE 1=1`

	if opts.BeadID != "" {
		conditions = append(conditions, "bead_id = ?")
		args = append(args, opts.BeadID)
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, string(opts.EventType))
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(protocol.TimeLayout))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(protocol.TimeLayout))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	// Newest first
	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
