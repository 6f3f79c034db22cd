package store_test

import (
	"context"
	"slices"
	"testing"

	"rigd/pkg/protocol"
	"rigd/pkg/store"
)

func submitN(t *testing.T, st *store.Store, branches ...string) (beadID string, entries []*protocol.ReviewEntry) {
	t.Helper()
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		b, err := tx.CreateBead(ctx, store.CreateBeadParams{Title: "work"})
		if err != nil {
			return err
		}
		beadID = b.ID
		for _, br := range branches {
			e, err := tx.SubmitReview(ctx, store.SubmitReviewParams{AgentID: "agent-1", BeadID: b.ID, Branch: br})
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return beadID, entries
}

func pop(t *testing.T, st *store.Store) *protocol.ReviewEntry {
	t.Helper()
	var e *protocol.ReviewEntry
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		var err error
		e, err = tx.PopReview(ctx)
		return err
	})
	return e
}

func complete(t *testing.T, st *store.Store, id string, res protocol.ReviewResult) *store.ReviewOutcome {
	t.Helper()
	var out *store.ReviewOutcome
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		var err error
		out, err = tx.CompleteReviewWithResult(ctx, id, res)
		return err
	})
	return out
}

func TestSubmitReview_Validation(t *testing.T) {
	st := newTestStore(t, store.Options{})
	err := txErr(st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.SubmitReview(ctx, store.SubmitReviewParams{BeadID: "x", Branch: "b"})
		return err
	})
	if !protocol.IsNotFound(err) {
		t.Errorf("unknown bead: expected NotFound, got %v", err)
	}

	beadID, _ := submitN(t, st)
	err = txErr(st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.SubmitReview(ctx, store.SubmitReviewParams{BeadID: beadID, Branch: " "})
		return err
	})
	if err == nil {
		t.Error("empty branch must be rejected")
	}
}

func TestSubmitReview_RecordsEvent(t *testing.T) {
	st := newTestStore(t, store.Options{})
	beadID, entries := submitN(t, st, "feature/x")
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		events, err := tx.ListEvents(ctx, store.EventFilter{BeadID: beadID, Type: protocol.EventReviewSubmitted})
		if err != nil {
			return err
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 review_submitted event, got %d", len(events))
		}
		e := events[0]
		if e.NewValue != "feature/x" || e.AgentID != "agent-1" || e.Metadata["review_entry_id"] != entries[0].ID {
			t.Errorf("event: %+v", e)
		}
		return nil
	})
}

func TestPopReview_FIFOAndSingleRunning(t *testing.T) {
	st := newTestStore(t, store.Options{})
	_, entries := submitN(t, st, "one", "two", "three")

	first := pop(t, st)
	if first == nil || first.ID != entries[0].ID || first.Status != protocol.ReviewRunning {
		t.Fatalf("first pop: %+v", first)
	}
	if e := pop(t, st); e != nil {
		t.Fatalf("pop while an entry is running must return nil, got %+v", e)
	}

	complete(t, st, first.ID, protocol.ReviewResult{Status: protocol.ReviewFailed, Message: "tests red"})
	second := pop(t, st)
	if second == nil || second.ID != entries[1].ID {
		t.Fatalf("second pop: %+v", second)
	}
}

func TestPopReview_Empty(t *testing.T) {
	st := newTestStore(t, store.Options{})
	if e := pop(t, st); e != nil {
		t.Fatalf("empty queue: %+v", e)
	}
}

func TestRequeueRunningReviews(t *testing.T) {
	st := newTestStore(t, store.Options{})
	_, entries := submitN(t, st, "one", "two")
	pop(t, st)

	var n int64
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		var err error
		n, err = tx.RequeueRunningReviews(ctx)
		return err
	})
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}
	if e := pop(t, st); e == nil || e.ID != entries[0].ID {
		t.Fatalf("requeued entry keeps its place: %+v", e)
	}
}

func TestCompleteReviewWithResult_Merged(t *testing.T) {
	st := newTestStore(t, store.Options{})
	beadID, _ := submitN(t, st, "feature/x")
	e := pop(t, st)

	out := complete(t, st, e.ID, protocol.ReviewResult{Status: protocol.ReviewMerged, CommitSHA: "abc123"})
	if out.Entry.Status != protocol.ReviewMerged || out.Entry.CommitSHA != "abc123" || out.Entry.CompletedAt == nil {
		t.Fatalf("entry: %+v", out.Entry)
	}
	if out.Bead == nil || out.Bead.ID != beadID || out.Bead.Status != protocol.BeadClosed || out.Bead.ClosedAt == nil {
		t.Fatalf("bead must be closed: %+v", out.Bead)
	}
	if out.Escalation != nil {
		t.Fatal("merged result must not escalate")
	}
}

func TestCompleteReviewWithResult_ConflictEscalates(t *testing.T) {
	st := newTestStore(t, store.Options{})
	beadID, _ := submitN(t, st, "feature/x")
	e := pop(t, st)

	out := complete(t, st, e.ID, protocol.ReviewResult{Status: protocol.ReviewConflict, Message: "conflict in a.go"})
	if out.Entry.Status != protocol.ReviewFailed || out.Entry.ResultMessage != "conflict in a.go" {
		t.Fatalf("entry: %+v", out.Entry)
	}
	if out.Bead.Status != protocol.BeadOpen {
		t.Fatalf("source bead must be untouched: %+v", out.Bead)
	}

	esc := out.Escalation
	if esc == nil {
		t.Fatal("expected an escalation bead")
	}
	if esc.Type != protocol.BeadEscalation || esc.Priority != protocol.PriorityHigh || esc.Status != protocol.BeadOpen {
		t.Errorf("escalation: %+v", esc)
	}
	if esc.Title != protocol.EscalationTitlePrefix+"feature/x" || esc.Body != "conflict in a.go" {
		t.Errorf("escalation text: %q / %q", esc.Title, esc.Body)
	}
	if !slices.Contains(esc.Labels, protocol.EscalationLabel) {
		t.Errorf("escalation labels: %v", esc.Labels)
	}
	if esc.Metadata["source_bead_id"] != beadID || esc.Metadata["source_branch"] != "feature/x" || esc.Metadata["agent_id"] != "agent-1" {
		t.Errorf("escalation metadata: %v", esc.Metadata)
	}
}

func TestCompleteReviewWithResult_FailedOnlyMarksEntry(t *testing.T) {
	st := newTestStore(t, store.Options{})
	_, _ = submitN(t, st, "feature/x")
	e := pop(t, st)

	out := complete(t, st, e.ID, protocol.ReviewResult{Status: protocol.ReviewFailed, Message: "git exploded"})
	if out.Entry.Status != protocol.ReviewFailed || out.Escalation != nil || out.Bead.Status != protocol.BeadOpen {
		t.Fatalf("outcome: entry %+v escalation %+v bead %+v", out.Entry, out.Escalation, out.Bead)
	}
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		esc, err := tx.ListBeads(ctx, store.BeadFilter{Type: protocol.BeadEscalation})
		if len(esc) != 0 {
			t.Errorf("failed result must not create escalations, got %d", len(esc))
		}
		return err
	})
}

func TestCompleteReviewWithResult_Errors(t *testing.T) {
	st := newTestStore(t, store.Options{})
	_, entries := submitN(t, st, "feature/x")
	id := entries[0].ID

	err := txErr(st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.CompleteReviewWithResult(ctx, id, protocol.ReviewResult{Status: protocol.ReviewRunning})
		return err
	})
	if err == nil || protocol.IsInvalidState(err) {
		t.Errorf("non-terminal result status must be a validation error, got %v", err)
	}

	err = txErr(st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.CompleteReviewWithResult(ctx, "missing", protocol.ReviewResult{Status: protocol.ReviewMerged})
		return err
	})
	if !protocol.IsNotFound(err) {
		t.Errorf("missing entry: expected NotFound, got %v", err)
	}

	complete(t, st, id, protocol.ReviewResult{Status: protocol.ReviewMerged})
	err = txErr(st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.CompleteReviewWithResult(ctx, id, protocol.ReviewResult{Status: protocol.ReviewConflict})
		return err
	})
	if !protocol.IsInvalidState(err) {
		t.Errorf("completing a terminal entry: expected InvalidState, got %v", err)
	}
}

func TestCompleteReview_Simple(t *testing.T) {
	st := newTestStore(t, store.Options{})
	beadID, entries := submitN(t, st, "a", "b")
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		e, err := tx.CompleteReview(ctx, entries[0].ID, "merged")
		if err != nil {
			return err
		}
		if e.Status != protocol.ReviewMerged {
			t.Errorf("merged outcome: %s", e.Status)
		}
		e, err = tx.CompleteReview(ctx, entries[1].ID, "nope")
		if err != nil {
			return err
		}
		if e.Status != protocol.ReviewFailed {
			t.Errorf("other outcome: %s", e.Status)
		}
		b, err := tx.GetBead(ctx, beadID)
		if err != nil {
			return err
		}
		if b.Status != protocol.BeadOpen {
			t.Errorf("simple completion must not touch the bead: %s", b.Status)
		}
		return nil
	})
}

func TestListReviewEntries(t *testing.T) {
	st := newTestStore(t, store.Options{})
	_, entries := submitN(t, st, "a", "b", "c")
	pop(t, st)
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		all, err := tx.ListReviewEntries(ctx, store.ReviewFilter{})
		if err != nil {
			return err
		}
		if len(all) != 3 || all[0].ID != entries[0].ID || all[2].ID != entries[2].ID {
			t.Errorf("queue order: %+v", all)
		}
		pending, err := tx.ListReviewEntries(ctx, store.ReviewFilter{Status: protocol.ReviewPending})
		if err != nil {
			return err
		}
		if len(pending) != 2 {
			t.Errorf("pending: %d", len(pending))
		}
		return nil
	})
}
