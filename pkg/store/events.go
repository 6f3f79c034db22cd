package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"rigd/pkg/protocol"
)

// eventParams describes one ledger row. Only appendEvent writes the ledger.
type eventParams struct {
	BeadID   string
	Type     protocol.EventType
	AgentID  string
	OldValue string
	NewValue string
	Metadata map[string]any
}

func (t *Tx) appendEvent(ctx context.Context, e eventParams) error {
	var meta sql.NullString
	if len(e.Metadata) > 0 {
		s, err := metaToJSON(e.Metadata)
		if err != nil {
			return err
		}
		meta = sql.NullString{String: s, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO bead_events (bead_id, event_type, agent_id, old_value, new_value, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.BeadID, string(e.Type), nullString(e.AgentID), nullString(e.OldValue), nullString(e.NewValue),
		meta, formatTime(t.now()))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

// EventFilter selects ledger rows. Zero fields do not filter.
type EventFilter struct {
	BeadID  string
	AgentID string
	Type    protocol.EventType
	AfterID int64 // only rows with id > AfterID
	Limit   int
}

// ListEvents returns ledger rows in creation order.
func (t *Tx) ListEvents(ctx context.Context, f EventFilter) ([]protocol.BeadEvent, error) {
	var conds []string
	var args []any
	if f.BeadID != "" {
		conds = append(conds, "bead_id = ?")
		args = append(args, f.BeadID)
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if f.AfterID > 0 {
		conds = append(conds, "id > ?")
		args = append(args, f.AfterID)
	}

	query := `SELECT id, bead_id, event_type, COALESCE(agent_id, ''), COALESCE(old_value, ''),
		COALESCE(new_value, ''), COALESCE(metadata, ''), created_at FROM bead_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []protocol.BeadEvent{}
	for rows.Next() {
		var (
			e         protocol.BeadEvent
			typ, meta string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.BeadID, &typ, &e.AgentID, &e.OldValue, &e.NewValue, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = protocol.EventType(typ)
		if meta != "" {
			e.Metadata = metaFromJSON(meta)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
