package rig

import (
	"context"
	"encoding/json"

	"rigd/pkg/protocol"
	"rigd/pkg/store"
	"rigd/pkg/witness"
)

// --- Beads ---

// CreateBead creates an open bead.
func (r *Rig) CreateBead(ctx context.Context, p store.CreateBeadParams) (*protocol.Bead, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*protocol.Bead, error) {
		return tx.CreateBead(ctx, p)
	})
}

// GetBead returns a bead by id.
func (r *Rig) GetBead(ctx context.Context, id string) (*protocol.Bead, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) (*protocol.Bead, error) {
		return tx.GetBead(ctx, id)
	})
}

// ListBeads lists beads in creation order.
func (r *Rig) ListBeads(ctx context.Context, f store.BeadFilter) ([]protocol.Bead, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) ([]protocol.Bead, error) {
		return tx.ListBeads(ctx, f)
	})
}

// UpdateBeadStatus moves a bead to status.
func (r *Rig) UpdateBeadStatus(ctx context.Context, id string, status protocol.BeadStatus, actingAgentID string) (*protocol.Bead, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*protocol.Bead, error) {
		return tx.UpdateBeadStatus(ctx, id, status, actingAgentID)
	})
}

// CloseBead closes a bead.
func (r *Rig) CloseBead(ctx context.Context, id, actingAgentID string) (*protocol.Bead, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*protocol.Bead, error) {
		return tx.CloseBead(ctx, id, actingAgentID)
	})
}

// --- Agents ---

// Registration is the result of RegisterAgent.
type Registration struct {
	Agent   *protocol.Agent `json:"agent"`
	Created bool            `json:"created"`
}

// RegisterAgent registers an agent, returning the existing one for a known
// identity.
func (r *Rig) RegisterAgent(ctx context.Context, role protocol.AgentRole, name, identity string) (*Registration, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*Registration, error) {
		a, created, err := tx.RegisterAgent(ctx, role, name, identity)
		if err != nil {
			return nil, err
		}
		return &Registration{Agent: a, Created: created}, nil
	})
}

// GetAgent returns an agent by id.
func (r *Rig) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) (*protocol.Agent, error) {
		return tx.GetAgent(ctx, id)
	})
}

// GetAgentByIdentity returns an agent by identity.
func (r *Rig) GetAgentByIdentity(ctx context.Context, identity string) (*protocol.Agent, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) (*protocol.Agent, error) {
		return tx.GetAgentByIdentity(ctx, identity)
	})
}

// ListAgents lists agents in registration order.
func (r *Rig) ListAgents(ctx context.Context, f store.AgentFilter) ([]protocol.Agent, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) ([]protocol.Agent, error) {
		return tx.ListAgents(ctx, f)
	})
}

// UpdateAgentStatus sets an agent's status.
func (r *Rig) UpdateAgentStatus(ctx context.Context, id string, status protocol.AgentStatus) (*protocol.Agent, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*protocol.Agent, error) {
		return tx.UpdateAgentStatus(ctx, id, status)
	})
}

// TouchHeartbeat records agent activity and arms the scheduler.
func (r *Rig) TouchHeartbeat(ctx context.Context, id string) (*protocol.Agent, error) {
	return call(ctx, r, modeArm, func(ctx context.Context, tx *store.Tx) (*protocol.Agent, error) {
		return tx.TouchHeartbeat(ctx, id)
	})
}

// WriteCheckpoint stores the agent's recovery blob.
func (r *Rig) WriteCheckpoint(ctx context.Context, id string, data json.RawMessage) (*protocol.Agent, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*protocol.Agent, error) {
		return tx.WriteCheckpoint(ctx, id, data)
	})
}

// Checkpoint returns the agent's recovery blob, or nil.
func (r *Rig) Checkpoint(ctx context.Context, id string) (json.RawMessage, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) (json.RawMessage, error) {
		a, err := tx.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		return a.Checkpoint, nil
	})
}

// --- Mail ---

// SendMail queues a message.
func (r *Rig) SendMail(ctx context.Context, p store.SendMailParams) (*protocol.Mail, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*protocol.Mail, error) {
		return tx.SendMail(ctx, p)
	})
}

// CheckMail returns and marks delivered the agent's undelivered mail.
func (r *Rig) CheckMail(ctx context.Context, agentID string) ([]protocol.Mail, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) ([]protocol.Mail, error) {
		return tx.CheckMail(ctx, agentID)
	})
}

// --- Hooks ---

// Hook binds an agent to a bead and arms the scheduler.
func (r *Rig) Hook(ctx context.Context, agentID, beadID string) (*protocol.Bead, error) {
	return call(ctx, r, modeArm, func(ctx context.Context, tx *store.Tx) (*protocol.Bead, error) {
		return tx.Hook(ctx, agentID, beadID)
	})
}

// Unhook clears an agent's hook.
func (r *Rig) Unhook(ctx context.Context, agentID string) (*protocol.Agent, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*protocol.Agent, error) {
		return tx.Unhook(ctx, agentID)
	})
}

// Hooked returns the agent's hooked bead, or nil.
func (r *Rig) Hooked(ctx context.Context, agentID string) (*protocol.Bead, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) (*protocol.Bead, error) {
		return tx.Hooked(ctx, agentID)
	})
}

// AgentDone submits the agent's hooked bead for review, unhooks the agent,
// and arms the scheduler.
func (r *Rig) AgentDone(ctx context.Context, agentID string, p store.DoneParams) (*protocol.ReviewEntry, error) {
	return call(ctx, r, modeArm, func(ctx context.Context, tx *store.Tx) (*protocol.ReviewEntry, error) {
		return tx.AgentDone(ctx, agentID, p)
	})
}

// --- Review queue ---

// SubmitReview queues a review entry and arms the scheduler.
func (r *Rig) SubmitReview(ctx context.Context, p store.SubmitReviewParams) (*protocol.ReviewEntry, error) {
	return call(ctx, r, modeArm, func(ctx context.Context, tx *store.Tx) (*protocol.ReviewEntry, error) {
		return tx.SubmitReview(ctx, p)
	})
}

// PopReview moves the oldest pending entry to running.
func (r *Rig) PopReview(ctx context.Context) (*protocol.ReviewEntry, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*protocol.ReviewEntry, error) {
		return tx.PopReview(ctx)
	})
}

// CompleteReview marks an entry merged or failed without side effects.
func (r *Rig) CompleteReview(ctx context.Context, id, outcome string) (*protocol.ReviewEntry, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*protocol.ReviewEntry, error) {
		return tx.CompleteReview(ctx, id, outcome)
	})
}

// CompleteReviewWithResult applies a merge outcome to an entry.
func (r *Rig) CompleteReviewWithResult(ctx context.Context, id string, res protocol.ReviewResult) (*store.ReviewOutcome, error) {
	return call(ctx, r, modeWrite, func(ctx context.Context, tx *store.Tx) (*store.ReviewOutcome, error) {
		return tx.CompleteReviewWithResult(ctx, id, res)
	})
}

// GetReviewEntry returns a review entry by id.
func (r *Rig) GetReviewEntry(ctx context.Context, id string) (*protocol.ReviewEntry, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) (*protocol.ReviewEntry, error) {
		return tx.GetReviewEntry(ctx, id)
	})
}

// ListReviewQueue lists review entries in queue order.
func (r *Rig) ListReviewQueue(ctx context.Context, f store.ReviewFilter) ([]protocol.ReviewEntry, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) ([]protocol.ReviewEntry, error) {
		return tx.ListReviewEntries(ctx, f)
	})
}

// --- Ledger, patrol, town, alarm ---

// Events lists ledger rows in creation order.
func (r *Rig) Events(ctx context.Context, f store.EventFilter) ([]protocol.BeadEvent, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) ([]protocol.BeadEvent, error) {
		return tx.ListEvents(ctx, f)
	})
}

// Patrol runs the witness scan on demand.
func (r *Rig) Patrol(ctx context.Context) (*witness.Report, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) (*witness.Report, error) {
		return witness.Patrol(ctx, tx, r.nowFunc(), r.cfg.HeartbeatStale)
	})
}

// TownID returns the configured town id, or "".
func (r *Rig) TownID(ctx context.Context) (string, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) (string, error) {
		return tx.TownID(ctx)
	})
}

// SetTownID stores the town id and arms the scheduler.
func (r *Rig) SetTownID(ctx context.Context, townID string) error {
	_, err := call(ctx, r, modeArm, func(ctx context.Context, tx *store.Tx) (struct{}, error) {
		return struct{}{}, tx.SetTownID(ctx, townID)
	})
	return err
}

// Alarm returns the persisted alarm slot.
func (r *Rig) Alarm(ctx context.Context) (store.AlarmState, error) {
	return call(ctx, r, modeRead, func(ctx context.Context, tx *store.Tx) (store.AlarmState, error) {
		return tx.Alarm(ctx)
	})
}

// Wake runs the scheduler's wake steps now, regardless of the alarm, and
// returns the report. Passive rigs run forced wakes too.
func (r *Rig) Wake(ctx context.Context) (*WakeReport, error) {
	var rep *WakeReport
	err := r.submit(ctx, func(ctx context.Context) error {
		rep = r.runWake(ctx, true)
		return nil
	})
	return rep, err
}
