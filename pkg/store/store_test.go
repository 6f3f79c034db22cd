package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rigd/pkg/protocol"
	"rigd/pkg/store"
)

// fakeClock returns strictly increasing times so ordering by time is
// deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts store.Options) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "rig.db"), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// mustTx runs fn in a write transaction and fails the test on error.
func mustTx(t *testing.T, st *store.Store, fn func(ctx context.Context, tx *store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	if err := st.WithTx(ctx, func(tx *store.Tx) error { return fn(ctx, tx) }); err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func txErr(st *store.Store, fn func(ctx context.Context, tx *store.Tx) error) error {
	ctx := context.Background()
	return st.WithTx(ctx, func(tx *store.Tx) error { return fn(ctx, tx) })
}

func eventTypes(t *testing.T, st *store.Store, beadID string) []string {
	t.Helper()
	var types []string
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		events, err := tx.ListEvents(ctx, store.EventFilter{BeadID: beadID})
		for _, e := range events {
			types = append(types, string(e.Type))
		}
		return err
	})
	return types
}

// --- Beads ---

func TestCreateBead_Defaults(t *testing.T) {
	st := newTestStore(t, store.Options{})
	var b *protocol.Bead
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		var err error
		b, err = tx.CreateBead(ctx, store.CreateBeadParams{
			Title:    "Fix widget",
			Labels:   []string{"ui", "ui", " bug "},
			Metadata: map[string]any{"area": "widgets"},
		})
		return err
	})

	if b.Type != protocol.BeadIssue || b.Status != protocol.BeadOpen || b.Priority != protocol.PriorityMedium {
		t.Errorf("unexpected defaults: %+v", b)
	}
	if strings.Join(b.Labels, ",") != "ui,bug" {
		t.Errorf("labels should be deduped and trimmed, got %v", b.Labels)
	}
	if b.Metadata["area"] != "widgets" {
		t.Errorf("metadata not stored: %v", b.Metadata)
	}
	if b.ClosedAt != nil {
		t.Error("new bead must not have closed_at")
	}
	if got := eventTypes(t, st, b.ID); strings.Join(got, ",") != "created" {
		t.Errorf("expected one created event, got %v", got)
	}
}

func TestCreateBead_Validation(t *testing.T) {
	st := newTestStore(t, store.Options{})
	tests := []struct {
		name string
		p    store.CreateBeadParams
	}{
		{"empty title", store.CreateBeadParams{Title: "  "}},
		{"bad type", store.CreateBeadParams{Title: "x", Type: "chore"}},
		{"bad priority", store.CreateBeadParams{Title: "x", Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := txErr(st, func(ctx context.Context, tx *store.Tx) error {
				_, err := tx.CreateBead(ctx, tt.p)
				return err
			})
			if !errors.Is(err, protocol.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestGetBead_NotFound(t *testing.T) {
	st := newTestStore(t, store.Options{})
	err := txErr(st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.GetBead(ctx, "missing")
		return err
	})
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "bead" {
		t.Fatalf("expected bead NotFoundError, got %v", err)
	}
}

func TestListBeads_FilterAndPaginate(t *testing.T) {
	st := newTestStore(t, store.Options{})
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		for i, title := range []string{"a", "b", "c", "d"} {
			typ := protocol.BeadIssue
			if i%2 == 1 {
				typ = protocol.BeadMessage
			}
			if _, err := tx.CreateBead(ctx, store.CreateBeadParams{Title: title, Type: typ}); err != nil {
				return err
			}
		}
		return nil
	})

	titles := func(f store.BeadFilter) string {
		var out []string
		mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
			beads, err := tx.ListBeads(ctx, f)
			for _, b := range beads {
				out = append(out, b.Title)
			}
			return err
		})
		return strings.Join(out, "")
	}

	if got := titles(store.BeadFilter{}); got != "abcd" {
		t.Errorf("all: got %q", got)
	}
	if got := titles(store.BeadFilter{Type: protocol.BeadMessage}); got != "bd" {
		t.Errorf("by type: got %q", got)
	}
	if got := titles(store.BeadFilter{Limit: 2, Offset: 1}); got != "bc" {
		t.Errorf("limit/offset: got %q", got)
	}
	if got := titles(store.BeadFilter{Offset: 3}); got != "d" {
		t.Errorf("offset only: got %q", got)
	}
	if got := titles(store.BeadFilter{Status: protocol.BeadClosed}); got != "" {
		t.Errorf("by status: got %q", got)
	}
}

func TestUpdateBeadStatus(t *testing.T) {
	st := newTestStore(t, store.Options{})
	var id string
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		b, err := tx.CreateBead(ctx, store.CreateBeadParams{Title: "x"})
		id = b.ID
		return err
	})

	// Same status: no event.
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.UpdateBeadStatus(ctx, id, protocol.BeadOpen, "")
		return err
	})
	if got := eventTypes(t, st, id); len(got) != 1 {
		t.Fatalf("no-op update wrote an event: %v", got)
	}

	var b *protocol.Bead
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		var err error
		b, err = tx.UpdateBeadStatus(ctx, id, protocol.BeadClosed, "agent-x")
		return err
	})
	if b.Status != protocol.BeadClosed || b.ClosedAt == nil {
		t.Fatalf("closing via status must set closed_at: %+v", b)
	}

	err := txErr(st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.UpdateBeadStatus(ctx, id, protocol.BeadOpen, "")
		return err
	})
	if !protocol.IsInvalidState(err) {
		t.Fatalf("reopening must be InvalidState, got %v", err)
	}

	err = txErr(st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.UpdateBeadStatus(ctx, "missing", protocol.BeadFailed, "")
		return err
	})
	if !protocol.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}

	var events []protocol.BeadEvent
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		var err error
		events, err = tx.ListEvents(ctx, store.EventFilter{BeadID: id, Type: protocol.EventStatusChanged})
		return err
	})
	if len(events) != 1 || events[0].OldValue != "open" || events[0].NewValue != "closed" || events[0].AgentID != "agent-x" {
		t.Fatalf("unexpected status_changed events: %+v", events)
	}
}

func TestCloseBead_Idempotent(t *testing.T) {
	st := newTestStore(t, store.Options{})
	var id string
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		b, err := tx.CreateBead(ctx, store.CreateBeadParams{Title: "x"})
		if err != nil {
			return err
		}
		id = b.ID
		if _, err := tx.CloseBead(ctx, id, ""); err != nil {
			return err
		}
		_, err = tx.CloseBead(ctx, id, "")
		return err
	})
	if got := eventTypes(t, st, id); strings.Join(got, ",") != "created,closed" {
		t.Fatalf("expected a single closed event, got %v", got)
	}
}

func TestClosedAtIffClosed(t *testing.T) {
	st := newTestStore(t, store.Options{})
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		for _, s := range []protocol.BeadStatus{protocol.BeadOpen, protocol.BeadInProgress, protocol.BeadFailed, protocol.BeadClosed} {
			b, err := tx.CreateBead(ctx, store.CreateBeadParams{Title: string(s)})
			if err != nil {
				return err
			}
			if _, err := tx.UpdateBeadStatus(ctx, b.ID, s, ""); err != nil {
				return err
			}
		}
		beads, err := tx.ListBeads(ctx, store.BeadFilter{})
		if err != nil {
			return err
		}
		for _, b := range beads {
			if (b.ClosedAt != nil) != (b.Status == protocol.BeadClosed) {
				t.Errorf("bead %s: status %s closed_at %v", b.Title, b.Status, b.ClosedAt)
			}
		}
		return nil
	})
}

// --- Agents ---

func TestRegisterAgent_Idempotent(t *testing.T) {
	st := newTestStore(t, store.Options{})
	var first, second *protocol.Agent
	var created1, created2 bool
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		var err error
		first, created1, err = tx.RegisterAgent(ctx, protocol.RolePolecat, "Toast", "polecat/toast")
		if err != nil {
			return err
		}
		second, created2, err = tx.RegisterAgent(ctx, protocol.RoleMayor, "Other", "polecat/toast")
		return err
	})
	if first.ID != second.ID {
		t.Fatalf("same identity must return the same agent: %s vs %s", first.ID, second.ID)
	}
	if !created1 || created2 {
		t.Fatalf("created flags: %v %v", created1, created2)
	}
	if second.Role != protocol.RolePolecat || second.Name != "Toast" {
		t.Fatalf("existing record must be unchanged: %+v", second)
	}
	if first.Status != protocol.AgentIdle {
		t.Fatalf("new agents start idle, got %s", first.Status)
	}
}

func TestRegisterAgent_Validation(t *testing.T) {
	st := newTestStore(t, store.Options{})
	for _, tc := range []struct {
		role     protocol.AgentRole
		identity string
	}{
		{"janitor", "x"},
		{protocol.RolePolecat, ""},
	} {
		err := txErr(st, func(ctx context.Context, tx *store.Tx) error {
			_, _, err := tx.RegisterAgent(ctx, tc.role, "", tc.identity)
			return err
		})
		if !errors.Is(err, protocol.ErrValidation) {
			t.Errorf("role=%q identity=%q: expected validation error, got %v", tc.role, tc.identity, err)
		}
	}
}

func TestAgentStatus_DegradedLabel(t *testing.T) {
	tests := []struct {
		label protocol.AgentStatus
		set   protocol.AgentStatus
		want  protocol.AgentStatus
	}{
		{"", protocol.AgentBlocked, protocol.AgentStalled},
		{protocol.AgentBlocked, protocol.AgentStalled, protocol.AgentBlocked},
		{protocol.AgentStalled, protocol.AgentWorking, protocol.AgentWorking},
	}
	for _, tt := range tests {
		st := newTestStore(t, store.Options{DegradedLabel: tt.label})
		mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
			a, _, err := tx.RegisterAgent(ctx, protocol.RoleWitness, "", "w")
			if err != nil {
				return err
			}
			a, err = tx.UpdateAgentStatus(ctx, a.ID, tt.set)
			if err != nil {
				return err
			}
			if a.Status != tt.want {
				t.Errorf("label %q set %q: got %q, want %q", tt.label, tt.set, a.Status, tt.want)
			}
			// Either spelling filters the degraded state.
			for _, f := range []protocol.AgentStatus{protocol.AgentStalled, protocol.AgentBlocked} {
				agents, err := tx.ListAgents(ctx, store.AgentFilter{Status: f})
				if err != nil {
					return err
				}
				if want := tt.want.IsDegraded(); (len(agents) == 1) != want {
					t.Errorf("filter %q: got %d agents", f, len(agents))
				}
			}
			return nil
		})
	}
}

func TestAgentLookupsAndHeartbeat(t *testing.T) {
	clock := newFakeClock()
	st := newTestStore(t, store.Options{Now: clock.Now})
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		a, _, err := tx.RegisterAgent(ctx, protocol.RoleRefinery, "", "ref-1")
		if err != nil {
			return err
		}
		if a.Name != "ref-1" {
			t.Errorf("name should default to identity, got %q", a.Name)
		}
		byID, err := tx.GetAgentByIdentity(ctx, "ref-1")
		if err != nil || byID.ID != a.ID {
			t.Errorf("lookup by identity: %v %v", byID, err)
		}
		if a.LastActivityAt != nil {
			t.Error("no heartbeat yet")
		}
		a, err = tx.TouchHeartbeat(ctx, a.ID)
		if err != nil {
			return err
		}
		if a.LastActivityAt == nil {
			t.Error("heartbeat not recorded")
		}
		if _, err := tx.TouchHeartbeat(ctx, "missing"); !protocol.IsNotFound(err) {
			t.Errorf("expected NotFound, got %v", err)
		}
		if _, err := tx.GetAgentByIdentity(ctx, "nobody"); !protocol.IsNotFound(err) {
			t.Errorf("expected NotFound, got %v", err)
		}
		roles, err := tx.ListAgents(ctx, store.AgentFilter{Role: protocol.RolePolecat})
		if err != nil {
			return err
		}
		if len(roles) != 0 {
			t.Errorf("role filter: got %d", len(roles))
		}
		return nil
	})
}

func TestCheckpoint(t *testing.T) {
	st := newTestStore(t, store.Options{})
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		a, _, err := tx.RegisterAgent(ctx, protocol.RolePolecat, "", "p")
		if err != nil {
			return err
		}
		a, err = tx.WriteCheckpoint(ctx, a.ID, json.RawMessage(`{"step":3}`))
		if err != nil {
			return err
		}
		if string(a.Checkpoint) != `{"step":3}` {
			t.Errorf("checkpoint: %s", a.Checkpoint)
		}
		if _, err := tx.WriteCheckpoint(ctx, a.ID, json.RawMessage(`{oops`)); !errors.Is(err, protocol.ErrValidation) {
			t.Errorf("invalid JSON should be rejected, got %v", err)
		}
		a, err = tx.WriteCheckpoint(ctx, a.ID, nil)
		if err != nil {
			return err
		}
		if a.Checkpoint != nil {
			t.Errorf("empty blob should clear, got %s", a.Checkpoint)
		}
		return nil
	})
}

// --- Mail ---

func TestCheckMail_DeliversOnce(t *testing.T) {
	st := newTestStore(t, store.Options{})
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		for _, s := range []string{"one", "two"} {
			if _, err := tx.SendMail(ctx, store.SendMailParams{From: "a", To: "b", Subject: s, Body: s}); err != nil {
				return err
			}
		}
		_, err := tx.SendMail(ctx, store.SendMailParams{From: "a", To: "c", Subject: "other"})
		return err
	})

	var first, second []protocol.Mail
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		var err error
		if first, err = tx.CheckMail(ctx, "b"); err != nil {
			return err
		}
		second, err = tx.CheckMail(ctx, "b")
		return err
	})
	if len(first) != 2 || first[0].Subject != "one" || first[1].Subject != "two" {
		t.Fatalf("expected both messages in order, got %+v", first)
	}
	for _, m := range first {
		if m.Delivered {
			t.Errorf("snapshot must show delivered=false: %+v", m)
		}
	}
	if len(second) != 0 || second == nil {
		t.Fatalf("second check must be empty and non-nil, got %#v", second)
	}

	err := txErr(st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.SendMail(ctx, store.SendMailParams{From: "a"})
		return err
	})
	if !errors.Is(err, protocol.ErrValidation) {
		t.Fatalf("missing recipient must be a validation error, got %v", err)
	}
}

// --- Ledger ---

func TestLedgerIsAppendOnly(t *testing.T) {
	st := newTestStore(t, store.Options{})
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.CreateBead(ctx, store.CreateBeadParams{Title: "x"})
		return err
	})
	if _, err := st.DB().Exec(`UPDATE bead_events SET event_type = 'closed'`); err == nil {
		t.Fatal("UPDATE on bead_events must fail")
	}
	if _, err := st.DB().Exec(`DELETE FROM bead_events`); err == nil {
		t.Fatal("DELETE on bead_events must fail")
	}
}

func TestListEvents_Filters(t *testing.T) {
	st := newTestStore(t, store.Options{})
	var ids []string
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		for _, title := range []string{"a", "b", "c"} {
			b, err := tx.CreateBead(ctx, store.CreateBeadParams{Title: title, ActingAgentID: "mayor"})
			if err != nil {
				return err
			}
			ids = append(ids, b.ID)
		}
		return nil
	})
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		all, err := tx.ListEvents(ctx, store.EventFilter{})
		if err != nil {
			return err
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 events, got %d", len(all))
		}
		after, err := tx.ListEvents(ctx, store.EventFilter{AfterID: all[0].ID, Limit: 1})
		if err != nil {
			return err
		}
		if len(after) != 1 || after[0].BeadID != ids[1] {
			t.Errorf("after/limit: %+v", after)
		}
		byAgent, err := tx.ListEvents(ctx, store.EventFilter{AgentID: "mayor"})
		if err != nil {
			return err
		}
		if len(byAgent) != 3 {
			t.Errorf("by agent: %d", len(byAgent))
		}
		return nil
	})
}

// --- Town id and alarm ---

func TestTownID(t *testing.T) {
	st := newTestStore(t, store.Options{})
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		id, err := tx.TownID(ctx)
		if err != nil || id != "" {
			t.Fatalf("unset town id: %q %v", id, err)
		}
		if err := tx.SetTownID(ctx, "town-1"); err != nil {
			return err
		}
		if err := tx.SetTownID(ctx, "town-2"); err != nil {
			return err
		}
		if id, _ := tx.TownID(ctx); id != "town-2" {
			t.Errorf("expected town-2, got %q", id)
		}
		if err := tx.SetTownID(ctx, ""); err != nil {
			return err
		}
		if id, _ := tx.TownID(ctx); id != "" {
			t.Errorf("expected cleared, got %q", id)
		}
		return nil
	})
}

func TestArmAlarm_CoalescesToEarliest(t *testing.T) {
	st := newTestStore(t, store.Options{})
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		state, err := tx.Alarm(ctx)
		if err != nil {
			return err
		}
		if state.Armed {
			t.Fatal("alarm starts disarmed")
		}
		if _, err := tx.ArmAlarm(ctx, base.Add(10*time.Second)); err != nil {
			return err
		}
		if _, err := tx.ArmAlarm(ctx, base.Add(20*time.Second)); err != nil {
			return err
		}
		state, err = tx.ArmAlarm(ctx, base.Add(5*time.Second))
		if err != nil {
			return err
		}
		if !state.Armed || !state.WakeAt.Equal(base.Add(5*time.Second)) {
			t.Errorf("expected earliest wake, got %+v", state)
		}
		state, err = tx.Alarm(ctx)
		if err != nil {
			return err
		}
		if !state.WakeAt.Equal(base.Add(5 * time.Second)) {
			t.Errorf("persisted wake: %+v", state)
		}
		if err := tx.DisarmAlarm(ctx); err != nil {
			return err
		}
		state, err = tx.Alarm(ctx)
		if err != nil {
			return err
		}
		if state.Armed || state.WakeAt != nil {
			t.Errorf("expected disarmed, got %+v", state)
		}
		return nil
	})
}

func TestHasActiveWork(t *testing.T) {
	st := newTestStore(t, store.Options{})
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		active, err := tx.HasActiveWork(ctx)
		if err != nil || active {
			t.Fatalf("empty rig: %v %v", active, err)
		}
		a, _, err := tx.RegisterAgent(ctx, protocol.RolePolecat, "", "p")
		if err != nil {
			return err
		}
		if _, err := tx.UpdateAgentStatus(ctx, a.ID, protocol.AgentWorking); err != nil {
			return err
		}
		if active, _ := tx.HasActiveWork(ctx); !active {
			t.Error("working agent is active work")
		}
		if _, err := tx.UpdateAgentStatus(ctx, a.ID, protocol.AgentIdle); err != nil {
			return err
		}
		b, err := tx.CreateBead(ctx, store.CreateBeadParams{Title: "x"})
		if err != nil {
			return err
		}
		if _, err := tx.SubmitReview(ctx, store.SubmitReviewParams{AgentID: a.ID, BeadID: b.ID, Branch: "x"}); err != nil {
			return err
		}
		if active, _ := tx.HasActiveWork(ctx); !active {
			t.Error("pending review is active work")
		}
		return nil
	})
}

func TestView_RollsBack(t *testing.T) {
	st := newTestStore(t, store.Options{})
	ctx := context.Background()
	err := st.View(ctx, func(tx *store.Tx) error {
		_, err := tx.CreateBead(ctx, store.CreateBeadParams{Title: "discarded"})
		return err
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		beads, err := tx.ListBeads(ctx, store.BeadFilter{})
		if len(beads) != 0 {
			t.Errorf("view writes must not persist, got %d beads", len(beads))
		}
		return err
	})
}

func TestWithTx_ErrorRollsBack(t *testing.T) {
	st := newTestStore(t, store.Options{})
	boom := errors.New("boom")
	err := txErr(st, func(ctx context.Context, tx *store.Tx) error {
		if _, err := tx.CreateBead(ctx, store.CreateBeadParams{Title: "x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	mustTx(t, st, func(ctx context.Context, tx *store.Tx) error {
		beads, err := tx.ListBeads(ctx, store.BeadFilter{})
		if len(beads) != 0 {
			t.Errorf("failed tx must not persist beads, got %d", len(beads))
		}
		events, _ := tx.ListEvents(ctx, store.EventFilter{})
		if len(events) != 0 {
			t.Errorf("failed tx must not persist events, got %d", len(events))
		}
		return err
	})
}
