package rig //nolint:testpackage // internal test needs access to nowFunc and runWake

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rigd/pkg/merge"
	"rigd/pkg/protocol"
	"rigd/pkg/store"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

// --- Fakes ---

type launchCall struct {
	AgentID string
	BeadID  string
}

type fakeLauncher struct {
	mu    sync.Mutex
	calls []launchCall
	err   error
}

func (f *fakeLauncher) Start(_ context.Context, agentID, beadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, launchCall{AgentID: agentID, BeadID: beadID})
	return f.err
}

func (f *fakeLauncher) Calls() []launchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]launchCall(nil), f.calls...)
}

type fakeMerger struct {
	mu     sync.Mutex
	opts   []merge.Opts
	result *merge.Result
	err    error
	block  chan struct{} // when non-nil, Merge waits for it or ctx
}

func (f *fakeMerger) Merge(ctx context.Context, opts merge.Opts) (*merge.Result, error) {
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	res, err, block := f.result, f.err, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &merge.Result{CommitSHA: "deadbeef"}
	}
	return res, nil
}

func (f *fakeMerger) Calls() []merge.Opts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]merge.Opts(nil), f.opts...)
}

// --- Rig construction ---

type testRig struct {
	*Rig
	st       *store.Store
	launcher *fakeLauncher
	merger   *fakeMerger
}

type rigOption func(*Rig)

func withNow(now func() time.Time) rigOption {
	return func(r *Rig) { r.nowFunc = now }
}

func withoutLauncher() rigOption {
	return func(r *Rig) { r.launcher = nil }
}

func withoutMerger() rigOption {
	return func(r *Rig) { r.merger = nil }
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), protocol.DBFile), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newTestRig starts a rig over a fresh store. Unless cfg says otherwise the
// rig is passive so wakes only run when a test calls Wake.
func newTestRig(t *testing.T, cfg Config, opts ...rigOption) *testRig {
	t.Helper()
	return startTestRig(t, openTestStore(t), cfg, opts...)
}

func startTestRig(t *testing.T, st *store.Store, cfg Config, opts ...rigOption) *testRig {
	t.Helper()
	l := &fakeLauncher{}
	m := &fakeMerger{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(cfg, st, l, m, logger)
	for _, o := range opts {
		o(r)
	}
	r.Start(context.Background())
	t.Cleanup(r.Close)
	return &testRig{Rig: r, st: st, launcher: l, merger: m}
}

func passive() Config {
	return Config{Name: "test", AlarmsDisabled: true, ReclaimOrphans: true}
}

// seed registers a polecat and creates an issue bead.
func (tr *testRig) seed(t *testing.T) (agent *protocol.Agent, bead *protocol.Bead) {
	t.Helper()
	ctx := context.Background()
	reg, err := tr.RegisterAgent(ctx, protocol.RolePolecat, "toast", "polecat/toast")
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	bead, err = tr.CreateBead(ctx, store.CreateBeadParams{Title: "Fix the widget"})
	if err != nil {
		t.Fatalf("create bead: %v", err)
	}
	return reg.Agent, bead
}

func (tr *testRig) mustWake(t *testing.T) *WakeReport {
	t.Helper()
	rep, err := tr.Wake(context.Background())
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	return rep
}

func (tr *testRig) mustAgent(t *testing.T, id string) *protocol.Agent {
	t.Helper()
	a, err := tr.GetAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	return a
}

func (tr *testRig) mustBead(t *testing.T, id string) *protocol.Bead {
	t.Helper()
	b, err := tr.GetBead(context.Background(), id)
	if err != nil {
		t.Fatalf("get bead: %v", err)
	}
	return b
}
