package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"rigd/pkg/protocol"

	"github.com/google/uuid"
)

const beadColumns = `id, type, status, title, COALESCE(body, ''), priority, labels, metadata,
	COALESCE(assignee_agent_id, ''), created_at, closed_at`

// CreateBeadParams holds parameters for creating a bead.
type CreateBeadParams struct {
	Type          protocol.BeadType // default issue
	Title         string
	Body          string
	Priority      protocol.Priority // default medium
	Labels        []string
	Metadata      map[string]any
	Assignee      string
	ActingAgentID string // recorded on the created event
}

// BeadFilter selects beads for ListBeads. Zero fields do not filter.
type BeadFilter struct {
	Type     protocol.BeadType
	Status   protocol.BeadStatus
	Assignee string
	Limit    int
	Offset   int
}

func scanBead(sc scanner) (*protocol.Bead, error) {
	var (
		b                       protocol.Bead
		typ, status, prio       string
		labels, meta, createdAt string
		closedAt                sql.NullString
	)
	if err := sc.Scan(&b.ID, &typ, &status, &b.Title, &b.Body, &prio, &labels, &meta,
		&b.AssigneeAgentID, &createdAt, &closedAt); err != nil {
		return nil, err
	}
	b.Type = protocol.BeadType(typ)
	b.Status = protocol.BeadStatus(status)
	b.Priority = protocol.Priority(prio)
	b.Labels = labelsFromJSON(labels)
	b.Metadata = metaFromJSON(meta)

	var err error
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBead inserts an open bead and records a created event.
func (t *Tx) CreateBead(ctx context.Context, p CreateBeadParams) (*protocol.Bead, error) {
	if p.Type == "" {
		p.Type = protocol.BeadIssue
	}
	if !p.Type.Valid() {
		return nil, &protocol.ValidationError{Field: "bead type", Value: string(p.Type)}
	}
	if p.Priority == "" {
		p.Priority = protocol.PriorityMedium
	}
	if !p.Priority.Valid() {
		return nil, &protocol.ValidationError{Field: "priority", Value: string(p.Priority)}
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, &protocol.ValidationError{Field: "title", Value: p.Title}
	}

	meta, err := metaToJSON(p.Metadata)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO beads (id, type, status, title, body, priority, labels, metadata, assignee_agent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(p.Type), string(protocol.BeadOpen), p.Title, nullString(p.Body), string(p.Priority),
		labelsToJSON(p.Labels), meta, nullString(p.Assignee), formatTime(t.now()))
	if err != nil {
		return nil, fmt.Errorf("insert bead: %w", err)
	}

	if err := t.appendEvent(ctx, eventParams{
		BeadID:   id,
		Type:     protocol.EventCreated,
		AgentID:  p.ActingAgentID,
		NewValue: string(p.Type),
	}); err != nil {
		return nil, err
	}
	return t.GetBead(ctx, id)
}

// GetBead returns the bead with id or a *protocol.NotFoundError.
func (t *Tx) GetBead(ctx context.Context, id string) (*protocol.Bead, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+beadColumns+` FROM beads WHERE id = ?`, id)
	b, err := scanBead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "bead", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get bead %s: %w", id, err)
	}
	return b, nil
}

// ListBeads returns beads matching f in creation order.
func (t *Tx) ListBeads(ctx context.Context, f BeadFilter) ([]protocol.Bead, error) {
	var conds []string
	var args []any
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Assignee != "" {
		conds = append(conds, "assignee_agent_id = ?")
		args = append(args, f.Assignee)
	}

	query := `SELECT ` + beadColumns + ` FROM beads`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY rowid"
	switch {
	case f.Limit > 0:
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, max(f.Offset, 0))
	case f.Offset > 0:
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", f.Offset)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query beads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	beads := []protocol.Bead{}
	for rows.Next() {
		b, err := scanBead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bead: %w", err)
		}
		beads = append(beads, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beads: %w", err)
	}
	return beads, nil
}

// UpdateBeadStatus moves a bead to status and records a status_changed
// event. Setting the current status is a no-op. Closed beads cannot be
// reopened. Leaving in_progress releases any hook on the bead.
func (t *Tx) UpdateBeadStatus(ctx context.Context, id string, status protocol.BeadStatus, actingAgentID string) (*protocol.Bead, error) {
	if !status.Valid() {
		return nil, &protocol.ValidationError{Field: "bead status", Value: string(status)}
	}
	b, err := t.GetBead(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status == status {
		return b, nil
	}
	if b.Status == protocol.BeadClosed {
		return nil, &protocol.InvalidStateError{Op: "update bead status", ID: id, Reason: "closed beads cannot be reopened"}
	}

	var closedAt sql.NullString
	if status == protocol.BeadClosed {
		closedAt = sql.NullString{String: formatTime(t.now()), Valid: true}
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE beads SET status = ?, closed_at = ? WHERE id = ?`,
		string(status), closedAt, id); err != nil {
		return nil, fmt.Errorf("update bead status: %w", err)
	}
	if b.Status == protocol.BeadInProgress {
		if err := t.releaseHooksOn(ctx, id, "bead "+string(status), true); err != nil {
			return nil, err
		}
	}

	if err := t.appendEvent(ctx, eventParams{
		BeadID:   id,
		Type:     protocol.EventStatusChanged,
		AgentID:  actingAgentID,
		OldValue: string(b.Status),
		NewValue: string(status),
	}); err != nil {
		return nil, err
	}
	return t.GetBead(ctx, id)
}

// CloseBead marks a bead closed and records a closed event, releasing any
// hook on it. Closing a closed bead is a no-op.
func (t *Tx) CloseBead(ctx context.Context, id, actingAgentID string) (*protocol.Bead, error) {
	b, err := t.GetBead(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status == protocol.BeadClosed {
		return b, nil
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE beads SET status = ?, closed_at = ? WHERE id = ?`,
		string(protocol.BeadClosed), formatTime(t.now()), id); err != nil {
		return nil, fmt.Errorf("close bead: %w", err)
	}
	if err := t.releaseHooksOn(ctx, id, "bead closed", true); err != nil {
		return nil, err
	}

	if err := t.appendEvent(ctx, eventParams{
		BeadID:   id,
		Type:     protocol.EventClosed,
		AgentID:  actingAgentID,
		OldValue: string(b.Status),
		NewValue: string(protocol.BeadClosed),
	}); err != nil {
		return nil, err
	}
	return t.GetBead(ctx, id)
}

// setBeadAssignment writes the assignee/status pair. Only the hook protocol
// calls it.
func (t *Tx) setBeadAssignment(ctx context.Context, id, assignee string, status protocol.BeadStatus) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE beads SET assignee_agent_id = ?, status = ? WHERE id = ?`,
		nullString(assignee), string(status), id); err != nil {
		return fmt.Errorf("assign bead %s: %w", id, err)
	}
	return nil
}
