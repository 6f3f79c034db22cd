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

const reviewColumns = `id, agent_id, bead_id, branch, COALESCE(pr_url, ''), COALESCE(summary, ''), status,
	COALESCE(result_message, ''), COALESCE(commit_sha, ''), created_at, completed_at`

// SubmitReviewParams holds parameters for SubmitReview.
type SubmitReviewParams struct {
	AgentID string
	BeadID  string
	Branch  string
	PRURL   string
	Summary string
}

// ReviewFilter selects entries for ListReviewEntries.
type ReviewFilter struct {
	Status protocol.ReviewStatus
}

// ReviewOutcome is what CompleteReviewWithResult did.
type ReviewOutcome struct {
	Entry      *protocol.ReviewEntry `json:"entry"`
	Bead       *protocol.Bead        `json:"bead,omitempty"`       // source bead after the result
	Escalation *protocol.Bead        `json:"escalation,omitempty"` // set for conflicts only
}

func scanReview(sc scanner) (*protocol.ReviewEntry, error) {
	var (
		e                 protocol.ReviewEntry
		status, createdAt string
		completedAt       sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.AgentID, &e.BeadID, &e.Branch, &e.PRURL, &e.Summary, &status,
		&e.ResultMessage, &e.CommitSHA, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	e.Status = protocol.ReviewStatus(status)

	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// SubmitReview queues a pending entry for the bead and records a
// review_submitted event carrying the branch.
func (t *Tx) SubmitReview(ctx context.Context, p SubmitReviewParams) (*protocol.ReviewEntry, error) {
	if strings.TrimSpace(p.Branch) == "" {
		return nil, &protocol.ValidationError{Field: "branch", Value: p.Branch}
	}
	if _, err := t.GetBead(ctx, p.BeadID); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO review_queue (id, agent_id, bead_id, branch, pr_url, summary, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.AgentID, p.BeadID, p.Branch, nullString(p.PRURL), nullString(p.Summary),
		string(protocol.ReviewPending), formatTime(t.now())); err != nil {
		return nil, fmt.Errorf("insert review entry: %w", err)
	}

	if err := t.appendEvent(ctx, eventParams{
		BeadID:   p.BeadID,
		Type:     protocol.EventReviewSubmitted,
		AgentID:  p.AgentID,
		NewValue: p.Branch,
		Metadata: map[string]any{"review_entry_id": id},
	}); err != nil {
		return nil, err
	}
	return t.GetReviewEntry(ctx, id)
}

// GetReviewEntry returns the entry with id or a *protocol.NotFoundError.
func (t *Tx) GetReviewEntry(ctx context.Context, id string) (*protocol.ReviewEntry, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE id = ?`, id)
	e, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "review entry", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get review entry %s: %w", id, err)
	}
	return e, nil
}

// ListReviewEntries returns entries in queue order.
func (t *Tx) ListReviewEntries(ctx context.Context, f ReviewFilter) ([]protocol.ReviewEntry, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_queue`
	var args []any
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY rowid"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query review queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []protocol.ReviewEntry{}
	for rows.Next() {
		e, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review queue: %w", err)
	}
	return entries, nil
}

// PopReview moves the oldest pending entry to running and returns it. It
// returns nil when nothing is pending or an entry is already running.
func (t *Tx) PopReview(ctx context.Context) (*protocol.ReviewEntry, error) {
	var running int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_queue WHERE status = ?`, string(protocol.ReviewRunning)).Scan(&running); err != nil {
		return nil, fmt.Errorf("count running reviews: %w", err)
	}
	if running > 0 {
		return nil, nil
	}

	var id string
	err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM review_queue WHERE status = ? ORDER BY rowid LIMIT 1`,
		string(protocol.ReviewPending)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending review: %w", err)
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE review_queue SET status = ? WHERE id = ?`, string(protocol.ReviewRunning), id); err != nil {
		return nil, fmt.Errorf("mark review running: %w", err)
	}
	return t.GetReviewEntry(ctx, id)
}

// HasOpenReview reports whether beadID has a pending or running review
// entry.
func (t *Tx) HasOpenReview(ctx context.Context, beadID string) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_queue WHERE bead_id = ? AND status IN (?, ?)`,
		beadID, string(protocol.ReviewPending), string(protocol.ReviewRunning)).Scan(&n); err != nil {
		return false, fmt.Errorf("count open reviews for %s: %w", beadID, err)
	}
	return n > 0, nil
}

// RequeueRunningReviews puts entries left running by an interrupted wake
// back to pending. Returns how many were requeued.
func (t *Tx) RequeueRunningReviews(ctx context.Context) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE review_queue SET status = ? WHERE status = ?`,
		string(protocol.ReviewPending), string(protocol.ReviewRunning))
	if err != nil {
		return 0, fmt.Errorf("requeue running reviews: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue rows affected: %w", err)
	}
	return n, nil
}

// CompleteReview marks an entry merged (outcome "merged") or failed
// (anything else) with no other side effects.
func (t *Tx) CompleteReview(ctx context.Context, id, outcome string) (*protocol.ReviewEntry, error) {
	status := protocol.ReviewFailed
	if protocol.ReviewStatus(outcome) == protocol.ReviewMerged {
		status = protocol.ReviewMerged
	}
	if _, err := t.openEntry(ctx, id); err != nil {
		return nil, err
	}
	if err := t.finishEntry(ctx, id, status, "", ""); err != nil {
		return nil, err
	}
	return t.GetReviewEntry(ctx, id)
}

// CompleteReviewWithResult applies a merge outcome. merged closes the source
// bead. conflict marks the entry failed and creates a high-priority
// escalation bead; the source bead is untouched. failed only marks the
// entry.
func (t *Tx) CompleteReviewWithResult(ctx context.Context, id string, res protocol.ReviewResult) (*ReviewOutcome, error) {
	switch res.Status {
	case protocol.ReviewMerged, protocol.ReviewConflict, protocol.ReviewFailed:
	default:
		return nil, &protocol.ValidationError{Field: "review result status", Value: string(res.Status)}
	}

	entry, err := t.openEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &ReviewOutcome{}
	switch res.Status {
	case protocol.ReviewMerged:
		if err := t.finishEntry(ctx, id, protocol.ReviewMerged, res.Message, res.CommitSHA); err != nil {
			return nil, err
		}
		if out.Bead, err = t.CloseBead(ctx, entry.BeadID, entry.AgentID); err != nil {
			return nil, err
		}

	case protocol.ReviewConflict:
		if err := t.finishEntry(ctx, id, protocol.ReviewFailed, res.Message, res.CommitSHA); err != nil {
			return nil, err
		}
		out.Escalation, err = t.CreateBead(ctx, CreateBeadParams{
			Type:     protocol.BeadEscalation,
			Title:    protocol.EscalationTitlePrefix + entry.Branch,
			Body:     res.Message,
			Priority: protocol.PriorityHigh,
			Labels:   []string{protocol.EscalationLabel},
			Metadata: map[string]any{
				"source_bead_id": entry.BeadID,
				"source_branch":  entry.Branch,
				"agent_id":       entry.AgentID,
			},
			ActingAgentID: entry.AgentID,
		})
		if err != nil {
			return nil, err
		}

	case protocol.ReviewFailed:
		if err := t.finishEntry(ctx, id, protocol.ReviewFailed, res.Message, res.CommitSHA); err != nil {
			return nil, err
		}
	}

	if out.Bead == nil {
		if out.Bead, err = t.GetBead(ctx, entry.BeadID); err != nil && !protocol.IsNotFound(err) {
			return nil, err
		}
	}
	if out.Entry, err = t.GetReviewEntry(ctx, id); err != nil {
		return nil, err
	}
	return out, nil
}

// openEntry fetches an entry that has not reached a terminal status.
func (t *Tx) openEntry(ctx context.Context, id string) (*protocol.ReviewEntry, error) {
	entry, err := t.GetReviewEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status.Terminal() {
		return nil, &protocol.InvalidStateError{Op: "complete review", ID: id,
			Reason: fmt.Sprintf("entry already %s", entry.Status)}
	}
	return entry, nil
}

func (t *Tx) finishEntry(ctx context.Context, id string, status protocol.ReviewStatus, message, sha string) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE review_queue SET status = ?, result_message = ?, commit_sha = ?, completed_at = ? WHERE id = ?`,
		string(status), nullString(message), nullString(sha), formatTime(t.now()), id); err != nil {
		return fmt.Errorf("finish review entry %s: %w", id, err)
	}
	return nil
}
