package rig

import (
	"context"
	"errors"
	"time"

	"rigd/pkg/merge"
	"rigd/pkg/protocol"
	"rigd/pkg/store"
	"rigd/pkg/witness"
)

// Wake steps, as named in WakeReport.Errors.
const (
	StepPatrol   = "patrol"
	StepReclaim  = "reclaim"
	StepTown     = "town"
	StepReview   = "review"
	StepDispatch = "dispatch"
	StepRearm    = "rearm"
)

// StepError records a failure inside one wake step. Steps are isolated; a
// failure never stops the steps after it.
type StepError struct {
	Step  string `json:"step"`
	ID    string `json:"id,omitempty"` // bead, entry or agent involved
	Error string `json:"error"`
}

// ReviewAttempt describes the review entry a wake tried to integrate.
type ReviewAttempt struct {
	EntryID      string                `json:"entry_id"`
	BeadID       string                `json:"bead_id"`
	Branch       string                `json:"branch"`
	Outcome      protocol.ReviewStatus `json:"outcome"`
	Message      string                `json:"message,omitempty"`
	CommitSHA    string                `json:"commit_sha,omitempty"`
	EscalationID string                `json:"escalation_id,omitempty"`
}

// DispatchFailure is an agent the launcher could not start.
type DispatchFailure struct {
	AgentID string `json:"agent_id"`
	BeadID  string `json:"bead_id"`
	Error   string `json:"error"`
}

// WakeReport summarizes one wake.
type WakeReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Forced     bool      `json:"forced"`

	Patrol    *witness.Report `json:"patrol,omitempty"`
	Reclaimed []string        `json:"reclaimed"`
	// InReview lists orphaned beads left alone because a review entry for
	// them is still pending or running.
	InReview []string `json:"in_review"`

	TownID string `json:"town_id,omitempty"`
	// ReviewSkipped and DispatchSkipped are set when no town id is
	// configured (or the matching collaborator is absent).
	ReviewSkipped   bool           `json:"review_skipped"`
	Review          *ReviewAttempt `json:"review,omitempty"`
	DispatchSkipped bool           `json:"dispatch_skipped"`

	Dispatched     []string          `json:"dispatched"`
	DispatchFailed []DispatchFailure `json:"dispatch_failed"`

	Rearmed  bool       `json:"rearmed"`
	NextWake *time.Time `json:"next_wake,omitempty"`

	Errors []StepError `json:"errors"`
}

func (w *WakeReport) fail(step, id string, err error) {
	w.Errors = append(w.Errors, StepError{Step: step, ID: id, Error: err.Error()})
}

// runWake executes the four wake steps. It runs on the actor goroutine with
// the rig lock held.
func (r *Rig) runWake(ctx context.Context, forced bool) *WakeReport {
	rep := &WakeReport{
		StartedAt:      r.nowFunc(),
		Forced:         forced,
		Reclaimed:      []string{},
		InReview:       []string{},
		Dispatched:     []string{},
		DispatchFailed: []DispatchFailure{},
		Errors:         []StepError{},
	}

	r.patrolStep(ctx, rep)

	townID, err := r.townID(ctx)
	if err != nil {
		rep.fail(StepTown, "", err)
		r.log.Warn("wake: read town id", "err", err)
	}
	rep.TownID = townID
	if townID == "" {
		rep.ReviewSkipped = true
		rep.DispatchSkipped = true
	} else {
		r.reviewStep(ctx, rep)
		r.dispatchStep(ctx, rep)
	}

	r.rearmStep(ctx, rep)

	rep.FinishedAt = r.nowFunc()
	r.mu.Lock()
	r.lastWake = rep
	r.mu.Unlock()

	r.log.Info("wake",
		"forced", forced,
		"town", townID,
		"reclaimed", len(rep.Reclaimed),
		"review", reviewOutcome(rep.Review),
		"dispatched", len(rep.Dispatched),
		"dispatch_failed", len(rep.DispatchFailed),
		"rearmed", rep.Rearmed,
		"errors", len(rep.Errors),
	)
	return rep
}

func reviewOutcome(a *ReviewAttempt) string {
	if a == nil {
		return "none"
	}
	return string(a.Outcome)
}

func (r *Rig) townID(ctx context.Context) (string, error) {
	var id string
	err := r.st.View(ctx, func(tx *store.Tx) error {
		var err error
		id, err = tx.TownID(ctx)
		return err
	})
	return id, err
}

// patrolStep runs the witness scan and, when configured, reclaims each
// orphaned bead in its own transaction. Beads waiting in the review queue
// stay with their submitter.
func (r *Rig) patrolStep(ctx context.Context, rep *WakeReport) {
	var report *witness.Report
	err := r.st.View(ctx, func(tx *store.Tx) error {
		var err error
		report, err = witness.Patrol(ctx, tx, r.nowFunc(), r.cfg.HeartbeatStale)
		return err
	})
	if err != nil {
		rep.fail(StepPatrol, "", err)
		r.log.Warn("wake: patrol", "err", err)
		return
	}
	rep.Patrol = report
	if len(report.StaleAgents) > 0 {
		r.log.Info("wake: stale agents", "agents", report.StaleAgents)
	}

	if !r.cfg.ReclaimOrphans {
		return
	}
	for _, beadID := range report.OrphanedBeads {
		var inReview bool
		err := r.st.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			if inReview, err = tx.HasOpenReview(ctx, beadID); err != nil || inReview {
				return err
			}
			_, err = tx.ReclaimBead(ctx, beadID, "orphaned")
			return err
		})
		if err != nil {
			rep.fail(StepReclaim, beadID, err)
			r.log.Warn("wake: reclaim orphan", "bead", beadID, "err", err)
			continue
		}
		if inReview {
			rep.InReview = append(rep.InReview, beadID)
			r.log.Debug("wake: orphaned bead awaiting review", "bead", beadID)
			continue
		}
		rep.Reclaimed = append(rep.Reclaimed, beadID)
		r.log.Info("wake: reclaimed orphaned bead", "bead", beadID)
	}
}

// reviewStep pops one entry and integrates it through the merger. The merge
// runs outside any transaction; the entry stays running until the result is
// recorded.
func (r *Rig) reviewStep(ctx context.Context, rep *WakeReport) {
	if r.merger == nil {
		rep.ReviewSkipped = true
		return
	}

	var entry *protocol.ReviewEntry
	err := r.st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		entry, err = tx.PopReview(ctx)
		return err
	})
	if err != nil {
		rep.fail(StepReview, "", err)
		r.log.Warn("wake: pop review", "err", err)
		return
	}
	if entry == nil {
		return
	}

	attempt := &ReviewAttempt{EntryID: entry.ID, BeadID: entry.BeadID, Branch: entry.Branch}
	rep.Review = attempt

	mctx, cancel := context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
	res, err := r.merger.Merge(mctx, merge.Opts{Branch: entry.Branch, PRURL: entry.PRURL, BeadID: entry.BeadID})
	cancel()

	result := protocol.ReviewResult{Status: protocol.ReviewMerged}
	var conflict *merge.ConflictError
	switch {
	case err == nil:
		if res != nil {
			result.CommitSHA = res.CommitSHA
		}
	case errors.As(err, &conflict):
		result.Status = protocol.ReviewConflict
		result.Message = conflict.Error()
	default:
		cerr := &protocol.CollaboratorError{Collaborator: "merge", Op: "merge " + entry.Branch, Err: err}
		result.Status = protocol.ReviewFailed
		result.Message = cerr.Error()
		r.log.Warn("wake: merge failed", "entry", entry.ID, "bead", entry.BeadID, "branch", entry.Branch, "err", cerr)
	}
	attempt.Outcome = result.Status
	attempt.Message = result.Message
	attempt.CommitSHA = result.CommitSHA

	var out *store.ReviewOutcome
	err = r.st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.CompleteReviewWithResult(ctx, entry.ID, result)
		return err
	})
	if err != nil {
		rep.fail(StepReview, entry.ID, err)
		r.log.Warn("wake: record review result", "entry", entry.ID, "err", err)
		return
	}
	if out.Escalation != nil {
		attempt.EscalationID = out.Escalation.ID
		r.log.Info("wake: merge conflict escalated", "entry", entry.ID, "bead", entry.BeadID, "escalation", out.Escalation.ID)
	}
}

// dispatchStep relaunches every idle agent that still holds a hook on an
// in_progress bead. A failed launch leaves the agent idle and hooked for a
// later wake.
func (r *Rig) dispatchStep(ctx context.Context, rep *WakeReport) {
	if r.launcher == nil {
		rep.DispatchSkipped = true
		return
	}

	var pending []protocol.Agent
	err := r.st.View(ctx, func(tx *store.Tx) error {
		hooked, err := tx.ListAgents(ctx, store.AgentFilter{Status: protocol.AgentIdle, Hooked: true})
		if err != nil {
			return err
		}
		for _, a := range hooked {
			b, err := tx.GetBead(ctx, a.CurrentHookBeadID)
			if err != nil && !protocol.IsNotFound(err) {
				return err
			}
			if b == nil || b.Status != protocol.BeadInProgress || b.AssigneeAgentID != a.ID {
				r.log.Warn("wake: skip dispatch of stale hook", "agent", a.ID, "bead", a.CurrentHookBeadID)
				continue
			}
			pending = append(pending, a)
		}
		return nil
	})
	if err != nil {
		rep.fail(StepDispatch, "", err)
		r.log.Warn("wake: list pending agents", "err", err)
		return
	}

	for _, a := range pending {
		lctx, cancel := context.WithTimeout(ctx, r.cfg.CollaboratorTimeout)
		err := r.launcher.Start(lctx, a.ID, a.CurrentHookBeadID)
		cancel()
		if err != nil {
			cerr := &protocol.CollaboratorError{Collaborator: "launcher", Op: "start " + a.ID, Err: err}
			rep.DispatchFailed = append(rep.DispatchFailed, DispatchFailure{
				AgentID: a.ID, BeadID: a.CurrentHookBeadID, Error: cerr.Error(),
			})
			r.log.Warn("wake: dispatch failed", "agent", a.ID, "bead", a.CurrentHookBeadID, "err", cerr)
			continue
		}

		err = r.st.WithTx(ctx, func(tx *store.Tx) error {
			if _, err := tx.UpdateAgentStatus(ctx, a.ID, protocol.AgentWorking); err != nil {
				return err
			}
			_, err := tx.TouchHeartbeat(ctx, a.ID)
			return err
		})
		if err != nil {
			rep.fail(StepDispatch, a.ID, err)
			r.log.Warn("wake: mark dispatched agent working", "agent", a.ID, "err", err)
			continue
		}
		rep.Dispatched = append(rep.Dispatched, a.ID)
		r.log.Info("wake: dispatched agent", "agent", a.ID, "bead", a.CurrentHookBeadID)
	}
}

// rearmStep disarms, then re-arms iff active work exists. If the active-work
// check itself fails the alarm is re-armed so the wake is retried.
func (r *Rig) rearmStep(ctx context.Context, rep *WakeReport) {
	err := r.st.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DisarmAlarm(ctx); err != nil {
			return err
		}
		active, err := tx.HasActiveWork(ctx)
		if err != nil {
			rep.fail(StepRearm, "", err)
			r.log.Warn("wake: active work check failed; re-arming", "err", err)
			active = true
		}
		rep.Rearmed = false
		rep.NextWake = nil
		if !active {
			return nil
		}
		state, err := tx.ArmAlarm(ctx, r.nowFunc().Add(r.cfg.RearmInterval))
		if err != nil {
			return err
		}
		rep.Rearmed = true
		rep.NextWake = state.WakeAt
		return nil
	})
	if err != nil {
		rep.Rearmed = false
		rep.NextWake = nil
		rep.fail(StepRearm, "", err)
		r.log.Warn("wake: rearm", "err", err)
	}
}
