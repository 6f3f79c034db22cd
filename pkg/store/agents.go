package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"rigd/pkg/protocol"

	"github.com/google/uuid"
)

const agentColumns = `id, role, name, identity, status, COALESCE(current_hook_bead_id, ''),
	last_activity_at, COALESCE(checkpoint, ''), created_at`

// AgentFilter selects agents for ListAgents. Zero fields do not filter.
type AgentFilter struct {
	Role   protocol.AgentRole
	Status protocol.AgentStatus // either degraded spelling matches both
	Hooked bool                 // only agents holding a hook
}

func scanAgent(sc scanner) (*protocol.Agent, error) {
	var (
		a                     protocol.Agent
		role, status          string
		checkpoint, createdAt string
		lastActivity          sql.NullString
	)
	if err := sc.Scan(&a.ID, &role, &a.Name, &a.Identity, &status, &a.CurrentHookBeadID,
		&lastActivity, &checkpoint, &createdAt); err != nil {
		return nil, err
	}
	a.Role = protocol.AgentRole(role)
	a.Status = protocol.AgentStatus(status)
	if checkpoint != "" {
		a.Checkpoint = json.RawMessage(checkpoint)
	}

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.LastActivityAt, err = parseNullTime(lastActivity); err != nil {
		return nil, err
	}
	return &a, nil
}

// RegisterAgent inserts an idle agent unless one with identity already
// exists, in which case the existing record is returned unchanged. created
// reports whether a new row was written.
func (t *Tx) RegisterAgent(ctx context.Context, role protocol.AgentRole, name, identity string) (agent *protocol.Agent, created bool, err error) {
	if !role.Valid() {
		return nil, false, &protocol.ValidationError{Field: "agent role", Value: string(role)}
	}
	if strings.TrimSpace(identity) == "" {
		return nil, false, &protocol.ValidationError{Field: "identity", Value: identity}
	}
	if name == "" {
		name = identity
	}

	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO agents (id, role, name, identity, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO NOTHING`,
		uuid.NewString(), string(role), name, identity, string(protocol.AgentIdle), formatTime(t.now()))
	if err != nil {
		return nil, false, fmt.Errorf("insert agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert agent rows affected: %w", err)
	}

	agent, err = t.GetAgentByIdentity(ctx, identity)
	if err != nil {
		return nil, false, err
	}
	return agent, n == 1, nil
}

// GetAgent returns the agent with id or a *protocol.NotFoundError.
func (t *Tx) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "agent", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// GetAgentByIdentity looks an agent up by its idempotency key.
func (t *Tx) GetAgentByIdentity(ctx context.Context, identity string) (*protocol.Agent, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE identity = ?`, identity)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "agent", ID: identity}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by identity %s: %w", identity, err)
	}
	return a, nil
}

// ListAgents returns agents matching f in registration order.
func (t *Tx) ListAgents(ctx context.Context, f AgentFilter) ([]protocol.Agent, error) {
	var conds []string
	var args []any
	if f.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, string(f.Role))
	}
	switch {
	case f.Status.IsDegraded():
		conds = append(conds, "status IN (?, ?)")
		args = append(args, string(protocol.AgentStalled), string(protocol.AgentBlocked))
	case f.Status != "":
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Hooked {
		conds = append(conds, "current_hook_bead_id IS NOT NULL")
	}

	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY rowid"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	agents := []protocol.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus sets an agent's status. Either degraded spelling is
// stored as the configured label.
func (t *Tx) UpdateAgentStatus(ctx context.Context, id string, status protocol.AgentStatus) (*protocol.Agent, error) {
	if !status.Valid() {
		return nil, &protocol.ValidationError{Field: "agent status", Value: string(status)}
	}
	status = status.Canonical(t.st.degraded)
	if err := t.execAgent(ctx, id, `UPDATE agents SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return nil, err
	}
	return t.GetAgent(ctx, id)
}

// TouchHeartbeat records activity for an agent.
func (t *Tx) TouchHeartbeat(ctx context.Context, id string) (*protocol.Agent, error) {
	if err := t.execAgent(ctx, id, `UPDATE agents SET last_activity_at = ? WHERE id = ?`,
		formatTime(t.now()), id); err != nil {
		return nil, err
	}
	return t.GetAgent(ctx, id)
}

// WriteCheckpoint stores an opaque JSON recovery blob on the agent. An
// empty blob clears it.
func (t *Tx) WriteCheckpoint(ctx context.Context, id string, data json.RawMessage) (*protocol.Agent, error) {
	var v sql.NullString
	if len(data) > 0 {
		if !json.Valid(data) {
			return nil, &protocol.ValidationError{Field: "checkpoint", Value: string(data)}
		}
		v = sql.NullString{String: string(data), Valid: true}
	}
	if err := t.execAgent(ctx, id, `UPDATE agents SET checkpoint = ? WHERE id = ?`, v, id); err != nil {
		return nil, err
	}
	return t.GetAgent(ctx, id)
}

// setAgentHook writes the agent's hook pointer and, when status is
// non-empty, its status. Only the hook protocol calls it.
func (t *Tx) setAgentHook(ctx context.Context, id, beadID string, status protocol.AgentStatus) error {
	if status == "" {
		return t.execAgent(ctx, id, `UPDATE agents SET current_hook_bead_id = ? WHERE id = ?`,
			nullString(beadID), id)
	}
	return t.execAgent(ctx, id, `UPDATE agents SET current_hook_bead_id = ?, status = ? WHERE id = ?`,
		nullString(beadID), string(status), id)
}

// execAgent runs an UPDATE against a single agent row, mapping zero rows
// affected to NotFound.
func (t *Tx) execAgent(ctx context.Context, id, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent %s rows affected: %w", id, err)
	}
	if n == 0 {
		return &protocol.NotFoundError{Kind: "agent", ID: id}
	}
	return nil
}
