// Package merge integrates reviewed branches into the rig's target branch.
// A Coordinator runs one rebase + fast-forward merge at a time, aborting the
// rebase and returning a *ConflictError when the branch does not apply
// cleanly. Turning a conflict into an escalation is the rig's job.
package merge

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultTarget is the branch merged into when none is configured.
const DefaultTarget = "main"

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Opts holds parameters for a single merge operation.
type Opts struct {
	Branch string // branch to merge (e.g., "fix/widget")
	PRURL  string // informational
	BeadID string // for logging/context
}

// Result holds the outcome of a successful merge.
type Result struct {
	CommitSHA     string
	AlreadyMerged bool // branch had no commits beyond the target
}

// ConflictError is returned when a rebase encounters merge conflicts.
type ConflictError struct {
	Files  []string // files with conflicts
	Branch string
	BeadID string
}

func (e *ConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("merge conflict on branch %s", e.Branch)
	}
	return fmt.Sprintf("merge conflict on branch %s: conflicting files: %s",
		e.Branch, strings.Join(e.Files, ", "))
}

// Coordinator serializes merge operations behind a mutex so only one
// merge runs at a time against the repository.
type Coordinator struct {
	mu      sync.Mutex
	git     GitRunner
	repoDir string
	target  string

	// abortMu protects active for concurrent access from Abort().
	abortMu sync.Mutex
	active  bool // a rebase may be in progress
}

// NewCoordinator creates a Coordinator merging into target inside repoDir.
// An empty target means DefaultTarget.
func NewCoordinator(git GitRunner, repoDir, target string) *Coordinator {
	if target == "" {
		target = DefaultTarget
	}
	return &Coordinator{git: git, repoDir: repoDir, target: target}
}

// Target returns the branch merges land on.
func (c *Coordinator) Target() string { return c.target }

// Merge performs a sequential rebase-merge:
//  1. If the branch has nothing beyond the target, report it merged.
//  2. git rebase <target> <branch>
//  3. If conflict: git rebase --abort, return *ConflictError
//  4. git checkout <target>, git merge --ff-only <branch>, git rev-parse HEAD
//
// Only one Merge runs at a time (mutex-protected).
func (c *Coordinator) Merge(ctx context.Context, opts Opts) (*Result, error) {
	if opts.Branch == "" {
		return nil, fmt.Errorf("merge: empty branch")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.setActive(true)
	defer c.setActive(false)

	merged, sha, checkErr := c.isBranchMerged(ctx, opts.Branch)
	if checkErr == nil && merged {
		return &Result{CommitSHA: sha, AlreadyMerged: true}, nil
	}

	_, stderr, err := c.git.Run(ctx, c.repoDir, "rebase", c.target, opts.Branch)
	if err != nil {
		// Context cancelled/deadline exceeded takes priority over conflict handling
		if ctx.Err() != nil {
			_, _, _ = c.git.Run(context.Background(), c.repoDir, "rebase", "--abort")
			return nil, fmt.Errorf("merge cancelled: %w", ctx.Err())
		}
		return nil, c.handleRebaseFailure(ctx, opts, stderr)
	}

	if _, _, err := c.git.Run(ctx, c.repoDir, "checkout", c.target); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", c.target, err)
	}
	if _, _, err := c.git.Run(ctx, c.repoDir, "merge", "--ff-only", opts.Branch); err != nil {
		return nil, fmt.Errorf("ff-only merge of %s failed (%s may have moved; retry): %w", opts.Branch, c.target, err)
	}
	stdout, _, err := c.git.Run(ctx, c.repoDir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse HEAD failed: %w", err)
	}
	return &Result{CommitSHA: strings.TrimSpace(stdout)}, nil
}

// isBranchMerged checks if all commits on branch are already reachable from
// the target.
func (c *Coordinator) isBranchMerged(ctx context.Context, branch string) (merged bool, commitSHA string, err error) {
	out, _, err := c.git.Run(ctx, c.repoDir, "rev-list", "--count", c.target+".."+branch)
	if err != nil {
		return false, "", fmt.Errorf("rev-list --count failed: %w", err)
	}
	if strings.TrimSpace(out) != "0" {
		return false, "", nil
	}
	sha, _, err := c.git.Run(ctx, c.repoDir, "rev-parse", c.target)
	if err != nil {
		return false, "", fmt.Errorf("rev-parse %s failed: %w", c.target, err)
	}
	return true, strings.TrimSpace(sha), nil
}

// handleRebaseFailure aborts the in-progress rebase and returns a ConflictError
// with the parsed conflicting file paths.
func (c *Coordinator) handleRebaseFailure(ctx context.Context, opts Opts, rebaseStderr string) error {
	// Best-effort abort; the conflict is reported either way.
	_, _, _ = c.git.Run(ctx, c.repoDir, "rebase", "--abort")

	return &ConflictError{
		Files:  parseConflictFiles(rebaseStderr),
		Branch: opts.Branch,
		BeadID: opts.BeadID,
	}
}

func (c *Coordinator) setActive(v bool) {
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	c.active = v
}

// Abort runs best-effort 'git rebase --abort' if a merge is in progress.
// Safe to call concurrently with Merge; it uses a fresh context since the
// caller's is typically cancelled at shutdown time.
func (c *Coordinator) Abort() {
	c.abortMu.Lock()
	active := c.active
	c.abortMu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = c.git.Run(ctx, c.repoDir, "rebase", "--abort")
}

// conflictPattern matches git's CONFLICT output lines.
// Examples:
//
//	CONFLICT (content): Merge conflict in src/main.go
//	CONFLICT (add/add): Merge conflict in new_file.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git rebase stderr output.
func parseConflictFiles(stderr string) []string {
	matches := conflictPattern.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
