package merge

import (
	"context"
	"os"
	"os/exec"
	"strings"
)

// ExecGitRunner implements GitRunner using os/exec.
type ExecGitRunner struct {
	// Binary overrides the git executable. Empty means "git" on PATH.
	Binary string
}

// Run executes a git command in dir and returns stdout and stderr. Git is
// never allowed to prompt; a merge runs unattended inside a wake.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}
