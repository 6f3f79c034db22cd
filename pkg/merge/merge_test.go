package merge //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Mock GitRunner ---

type call struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Stdout string
	Stderr string
	Err    error
}

// mockGitRunner records calls and answers by the joined argument list.
// Unscripted commands return empty success.
type mockGitRunner struct {
	mu      sync.Mutex
	calls   []call
	results map[string]mockResult
	delay   time.Duration
	inside  atomic.Int32
	maxSeen atomic.Int32
}

func (m *mockGitRunner) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	n := m.inside.Add(1)
	defer m.inside.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{Dir: dir, Args: args})
	r, ok := m.results[strings.Join(args, " ")]
	if !ok {
		return "", "", nil
	}
	return r.Stdout, r.Stderr, r.Err
}

func (m *mockGitRunner) getCalls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]call, len(m.calls))
	copy(out, m.calls)
	return out
}

func assertArgs(t *testing.T, c call, wantDir string, wantArgs ...string) {
	t.Helper()
	if c.Dir != wantDir {
		t.Errorf("dir: expected %q, got %q", wantDir, c.Dir)
	}
	if strings.Join(c.Args, " ") != strings.Join(wantArgs, " ") {
		t.Errorf("args: expected %v, got %v", wantArgs, c.Args)
	}
}

// --- Tests ---

func TestMerge_CleanRebaseAndMerge(t *testing.T) {
	mock := &mockGitRunner{results: map[string]mockResult{
		"rev-list --count main..fix/widget": {Stdout: "2\n"},
		"rev-parse HEAD":                    {Stdout: "abc123def456\n"},
	}}

	coord := NewCoordinator(mock, "/repo", "")
	result, err := coord.Merge(context.Background(), Opts{Branch: "fix/widget", BeadID: "b-1"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.CommitSHA != "abc123def456" {
		t.Errorf("expected commit SHA abc123def456, got %q", result.CommitSHA)
	}
	if result.AlreadyMerged {
		t.Error("expected AlreadyMerged=false")
	}

	calls := mock.getCalls()
	if len(calls) != 5 {
		t.Fatalf("expected 5 git calls, got %d: %+v", len(calls), calls)
	}
	assertArgs(t, calls[0], "/repo", "rev-list", "--count", "main..fix/widget")
	assertArgs(t, calls[1], "/repo", "rebase", "main", "fix/widget")
	assertArgs(t, calls[2], "/repo", "checkout", "main")
	assertArgs(t, calls[3], "/repo", "merge", "--ff-only", "fix/widget")
	assertArgs(t, calls[4], "/repo", "rev-parse", "HEAD")
}

func TestMerge_CustomTarget(t *testing.T) {
	mock := &mockGitRunner{results: map[string]mockResult{
		"rev-list --count trunk..feat": {Stdout: "1"},
	}}
	coord := NewCoordinator(mock, "/repo", "trunk")
	if coord.Target() != "trunk" {
		t.Fatalf("expected target trunk, got %q", coord.Target())
	}
	if _, err := coord.Merge(context.Background(), Opts{Branch: "feat"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	calls := mock.getCalls()
	assertArgs(t, calls[1], "/repo", "rebase", "trunk", "feat")
	assertArgs(t, calls[2], "/repo", "checkout", "trunk")
}

func TestMerge_AlreadyMerged(t *testing.T) {
	mock := &mockGitRunner{results: map[string]mockResult{
		"rev-list --count main..done": {Stdout: "0\n"},
		"rev-parse main":              {Stdout: "feedface\n"},
	}}
	coord := NewCoordinator(mock, "/repo", "main")
	result, err := coord.Merge(context.Background(), Opts{Branch: "done"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !result.AlreadyMerged || result.CommitSHA != "feedface" {
		t.Fatalf("expected already merged at feedface, got %+v", result)
	}
	if n := len(mock.getCalls()); n != 2 {
		t.Fatalf("expected 2 git calls, got %d", n)
	}
}

func TestMerge_RebaseConflict_ReturnsConflictError(t *testing.T) {
	rebaseStderr := `error: could not apply fa39187... something
Resolve all conflicts manually, mark them as resolved with
"git add/rm <conflicted_files>", then run "git rebase --continue".
CONFLICT (content): Merge conflict in src/main.go
CONFLICT (content): Merge conflict in pkg/util/helper.go
`
	mock := &mockGitRunner{results: map[string]mockResult{
		"rev-list --count main..bead/xyz": {Stdout: "3"},
		"rebase main bead/xyz":            {Stderr: rebaseStderr, Err: fmt.Errorf("exit status 1")},
	}}

	coord := NewCoordinator(mock, "/repo", "main")
	_, err := coord.Merge(context.Background(), Opts{Branch: "bead/xyz", BeadID: "b-xyz"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected *ConflictError, got %T: %v", err, err)
	}
	if conflictErr.BeadID != "b-xyz" || conflictErr.Branch != "bead/xyz" {
		t.Errorf("unexpected conflict identity: %+v", conflictErr)
	}
	want := []string{"src/main.go", "pkg/util/helper.go"}
	if strings.Join(conflictErr.Files, ",") != strings.Join(want, ",") {
		t.Errorf("expected files %v, got %v", want, conflictErr.Files)
	}
	if !strings.Contains(err.Error(), "src/main.go") {
		t.Errorf("error message should name files: %q", err.Error())
	}

	calls := mock.getCalls()
	last := calls[len(calls)-1]
	assertArgs(t, last, "/repo", "rebase", "--abort")
	for _, c := range calls {
		if c.Args[0] == "merge" {
			t.Fatal("ff merge must not run after a conflict")
		}
	}
}

func TestMerge_FFOnlyFailureIsNotConflict(t *testing.T) {
	mock := &mockGitRunner{results: map[string]mockResult{
		"rev-list --count main..b": {Stdout: "1"},
		"merge --ff-only b":        {Err: fmt.Errorf("exit status 128")},
	}}
	coord := NewCoordinator(mock, "/repo", "main")
	_, err := coord.Merge(context.Background(), Opts{Branch: "b"})
	if err == nil {
		t.Fatal("expected error")
	}
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		t.Fatalf("ff-only failure should not be a conflict: %v", err)
	}
}

func TestMerge_EmptyBranch(t *testing.T) {
	coord := NewCoordinator(&mockGitRunner{}, "/repo", "")
	if _, err := coord.Merge(context.Background(), Opts{}); err == nil {
		t.Fatal("expected error for empty branch")
	}
}

func TestMerge_ContextCancelled(t *testing.T) {
	mock := &mockGitRunner{
		results: map[string]mockResult{"rev-list --count main..slow": {Stdout: "1"}},
		delay:   50 * time.Millisecond,
	}
	coord := NewCoordinator(mock, "/repo", "main")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := coord.Merge(ctx, Opts{Branch: "slow"})
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		t.Fatalf("cancellation should not be reported as a conflict: %v", err)
	}
}

func TestMerge_Serialized(t *testing.T) {
	mock := &mockGitRunner{
		results: map[string]mockResult{},
		delay:   2 * time.Millisecond,
	}
	for _, b := range []string{"a", "b", "c", "d"} {
		mock.results["rev-list --count main.."+b] = mockResult{Stdout: "1"}
	}
	coord := NewCoordinator(mock, "/repo", "main")

	var wg sync.WaitGroup
	for _, b := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(branch string) {
			defer wg.Done()
			if _, err := coord.Merge(context.Background(), Opts{Branch: branch}); err != nil {
				t.Errorf("merge %s: %v", branch, err)
			}
		}(b)
	}
	wg.Wait()

	if got := mock.maxSeen.Load(); got != 1 {
		t.Fatalf("expected git calls to be serialized, saw %d concurrent", got)
	}
}

func TestAbort_NoActiveMerge(t *testing.T) {
	mock := &mockGitRunner{}
	coord := NewCoordinator(mock, "/repo", "main")
	coord.Abort()
	if n := len(mock.getCalls()); n != 0 {
		t.Fatalf("expected no git calls, got %d", n)
	}
}

func TestParseConflictFiles(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   []string
	}{
		{"none", "error: something else", nil},
		{"single", "CONFLICT (content): Merge conflict in a.go\n", []string{"a.go"}},
		{"add/add", "CONFLICT (add/add): Merge conflict in new_file.go", []string{"new_file.go"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseConflictFiles(tt.stderr)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
