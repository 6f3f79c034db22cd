package store

import (
	"context"
	"errors"
	"fmt"

	"rigd/pkg/protocol"
)

// Hook, Unhook and releaseHooksOn are the only writers of the pair
// (bead.assignee_agent_id, agent.current_hook_bead_id). While an agent holds
// a hook, the hooked bead is in_progress and assigned to that agent.

// Hook binds agentID to beadID exclusively. Re-hooking the bead the agent
// already holds changes nothing. An agent holding a different bead releases
// it first. A bead held by another live agent cannot be hooked; one held by
// a dead agent is taken over. A dead agent cannot hook.
func (t *Tx) Hook(ctx context.Context, agentID, beadID string) (*protocol.Bead, error) {
	agent, err := t.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == protocol.AgentDead {
		return nil, &protocol.InvalidStateError{Op: "hook", ID: agentID, Reason: "agent is dead"}
	}
	bead, err := t.GetBead(ctx, beadID)
	if err != nil {
		return nil, err
	}

	if agent.CurrentHookBeadID == beadID && bead.AssigneeAgentID == agentID &&
		bead.Status == protocol.BeadInProgress {
		return bead, nil
	}
	if bead.Status == protocol.BeadClosed || bead.Status == protocol.BeadFailed {
		return nil, &protocol.InvalidStateError{Op: "hook", ID: beadID,
			Reason: fmt.Sprintf("bead is %s", bead.Status)}
	}

	if bead.AssigneeAgentID != "" && bead.AssigneeAgentID != agentID {
		if err := t.releaseHolder(ctx, bead); err != nil {
			return nil, err
		}
	}

	if agent.CurrentHookBeadID != "" && agent.CurrentHookBeadID != beadID {
		if err := t.setAgentHook(ctx, agentID, "", ""); err != nil {
			return nil, err
		}
		if err := t.appendEvent(ctx, eventParams{
			BeadID:   agent.CurrentHookBeadID,
			Type:     protocol.EventUnhooked,
			AgentID:  agentID,
			OldValue: agentID,
			Metadata: map[string]any{"reason": "rehooked", "next_bead_id": beadID},
		}); err != nil {
			return nil, err
		}
	}

	if err := t.setBeadAssignment(ctx, beadID, agentID, protocol.BeadInProgress); err != nil {
		return nil, err
	}
	if err := t.setAgentHook(ctx, agentID, beadID, ""); err != nil {
		return nil, err
	}
	if err := t.appendEvent(ctx, eventParams{
		BeadID:   beadID,
		Type:     protocol.EventHooked,
		AgentID:  agentID,
		OldValue: bead.AssigneeAgentID,
		NewValue: agentID,
	}); err != nil {
		return nil, err
	}
	return t.GetBead(ctx, beadID)
}

// releaseHolder clears the hook of the bead's current assignee if that
// agent still holds it. A live holder blocks the hook.
func (t *Tx) releaseHolder(ctx context.Context, bead *protocol.Bead) error {
	holder, err := t.GetAgent(ctx, bead.AssigneeAgentID)
	if errors.Is(err, protocol.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder.CurrentHookBeadID != bead.ID {
		return nil
	}
	if holder.Status != protocol.AgentDead {
		return &protocol.InvalidStateError{Op: "hook", ID: bead.ID,
			Reason: fmt.Sprintf("bead is hooked by agent %s", holder.ID)}
	}

	if err := t.setAgentHook(ctx, holder.ID, "", ""); err != nil {
		return err
	}
	return t.appendEvent(ctx, eventParams{
		BeadID:   bead.ID,
		Type:     protocol.EventUnhooked,
		AgentID:  holder.ID,
		OldValue: holder.ID,
		Metadata: map[string]any{"reason": "holder dead"},
	})
}

// Unhook clears the agent's hook and sets it idle. The bead keeps its
// status and assignee. Unhooking an agent with no hook only sets it idle.
func (t *Tx) Unhook(ctx context.Context, agentID string) (*protocol.Agent, error) {
	agent, err := t.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := t.setAgentHook(ctx, agentID, "", protocol.AgentIdle); err != nil {
		return nil, err
	}
	if agent.CurrentHookBeadID != "" {
		if err := t.appendEvent(ctx, eventParams{
			BeadID:   agent.CurrentHookBeadID,
			Type:     protocol.EventUnhooked,
			AgentID:  agentID,
			OldValue: agentID,
		}); err != nil {
			return nil, err
		}
	}
	return t.GetAgent(ctx, agentID)
}

// Hooked returns the bead the agent holds, or nil.
func (t *Tx) Hooked(ctx context.Context, agentID string) (*protocol.Bead, error) {
	agent, err := t.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.CurrentHookBeadID == "" {
		return nil, nil
	}
	return t.GetBead(ctx, agent.CurrentHookBeadID)
}

// DoneParams describes the work an agent hands in.
type DoneParams struct {
	Branch  string
	PRURL   string
	Summary string
}

// AgentDone submits the agent's hooked bead for review and unhooks the
// agent.
func (t *Tx) AgentDone(ctx context.Context, agentID string, p DoneParams) (*protocol.ReviewEntry, error) {
	agent, err := t.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.CurrentHookBeadID == "" {
		return nil, &protocol.InvalidStateError{Op: "agent done", ID: agentID, Reason: "agent has no hooked bead"}
	}

	entry, err := t.SubmitReview(ctx, SubmitReviewParams{
		AgentID: agentID,
		BeadID:  agent.CurrentHookBeadID,
		Branch:  p.Branch,
		PRURL:   p.PRURL,
		Summary: p.Summary,
	})
	if err != nil {
		return nil, err
	}
	if _, err := t.Unhook(ctx, agentID); err != nil {
		return nil, err
	}
	return entry, nil
}

// ReclaimBead returns an in_progress bead to open and unassigned, clearing
// any hook that still points at it. A bead with a pending or running review
// entry stays with its submitter.
func (t *Tx) ReclaimBead(ctx context.Context, beadID, reason string) (*protocol.Bead, error) {
	bead, err := t.GetBead(ctx, beadID)
	if err != nil {
		return nil, err
	}
	if bead.Status != protocol.BeadInProgress {
		return nil, &protocol.InvalidStateError{Op: "reclaim", ID: beadID,
			Reason: fmt.Sprintf("bead is %s", bead.Status)}
	}
	inReview, err := t.HasOpenReview(ctx, beadID)
	if err != nil {
		return nil, err
	}
	if inReview {
		return nil, &protocol.InvalidStateError{Op: "reclaim", ID: beadID, Reason: "bead is in the review queue"}
	}

	if err := t.releaseHooksOn(ctx, beadID, reason, false); err != nil {
		return nil, err
	}

	if err := t.setBeadAssignment(ctx, beadID, "", protocol.BeadOpen); err != nil {
		return nil, err
	}
	if err := t.appendEvent(ctx, eventParams{
		BeadID:   beadID,
		Type:     protocol.EventStatusChanged,
		OldValue: string(protocol.BeadInProgress),
		NewValue: string(protocol.BeadOpen),
		Metadata: map[string]any{"reason": reason, "previous_assignee": bead.AssigneeAgentID},
	}); err != nil {
		return nil, err
	}
	return t.GetBead(ctx, beadID)
}

// releaseHooksOn clears every agent hook pointing at beadID and records an
// unhooked event per holder. With idle set, live holders also go idle.
func (t *Tx) releaseHooksOn(ctx context.Context, beadID, reason string, idle bool) error {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, status FROM agents WHERE current_hook_bead_id = ? ORDER BY rowid`, beadID)
	if err != nil {
		return fmt.Errorf("query hook holders: %w", err)
	}
	type holder struct {
		id     string
		status string
	}
	var holders []holder
	for rows.Next() {
		var h holder
		if err := rows.Scan(&h.id, &h.status); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan hook holder: %w", err)
		}
		holders = append(holders, h)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate hook holders: %w", err)
	}
	_ = rows.Close()

	for _, h := range holders {
		var status protocol.AgentStatus
		if idle && protocol.AgentStatus(h.status) != protocol.AgentDead {
			status = protocol.AgentIdle
		}
		if err := t.setAgentHook(ctx, h.id, "", status); err != nil {
			return err
		}
		if err := t.appendEvent(ctx, eventParams{
			BeadID:   beadID,
			Type:     protocol.EventUnhooked,
			AgentID:  h.id,
			OldValue: h.id,
			Metadata: map[string]any{"reason": reason},
		}); err != nil {
			return err
		}
	}
	return nil
}
