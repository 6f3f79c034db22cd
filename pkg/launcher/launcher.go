// Package launcher starts agent processes on behalf of the rig scheduler.
//
// ExecLauncher spawns a configured command per agent in its own process
// group, appends its output to <logDir>/<agent>/output.log and reaps it in
// the background. Starting an agent that is still running is a no-op.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Placeholders substituted into each command argument.
const (
	AgentPlaceholder = "{agent}"
	BeadPlaceholder  = "{bead}"
)

// Environment variables set on every spawned process.
const (
	EnvAgentID = "RIG_AGENT_ID"
	EnvBeadID  = "RIG_BEAD_ID"
)

// ErrNoCommand is returned by Start when no launch command is configured.
var ErrNoCommand = errors.New("no launch command configured")

// idPattern validates agent ids before they become path components.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
const stopGrace = 3 * time.Second

type proc struct {
	p      *os.Process
	beadID string
	done   chan struct{}
}

// ExecLauncher implements the rig's Launcher by spawning subprocesses.
//
// Thread-safe: all access to the process map is protected by a mutex.
type ExecLauncher struct {
	command []string
	logDir  string

	mu    sync.Mutex
	procs map[string]*proc
	wg    sync.WaitGroup

	// cmdFactory builds the exec.Cmd from the expanded argv. Tests override
	// it to spawn a controllable command.
	cmdFactory func(argv []string) *exec.Cmd
}

// New returns an ExecLauncher for command. logDir may be empty, in which
// case agent output is discarded.
func New(command []string, logDir string) *ExecLauncher {
	return &ExecLauncher{
		command: append([]string(nil), command...),
		logDir:  logDir,
		procs:   make(map[string]*proc),
		cmdFactory: func(argv []string) *exec.Cmd {
			//nolint:gosec // intentionally spawning the configured agent command
			return exec.Command(argv[0], argv[1:]...)
		},
	}
}

// Expand substitutes the agent and bead ids into the command template.
func Expand(template []string, agentID, beadID string) []string {
	r := strings.NewReplacer(AgentPlaceholder, agentID, BeadPlaceholder, beadID)
	argv := make([]string, len(template))
	for i, a := range template {
		argv[i] = r.Replace(a)
	}
	return argv
}

// Start launches the agent's process for beadID. The process outlives ctx;
// ctx only bounds setup. An agent whose process is still alive is left
// alone and Start returns nil.
func (l *ExecLauncher) Start(ctx context.Context, agentID, beadID string) error {
	if len(l.command) == 0 {
		return ErrNoCommand
	}
	if !idPattern.MatchString(agentID) {
		return fmt.Errorf("invalid agent id %q", agentID)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start agent %s: %w", agentID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.procs[agentID]; ok {
		return nil
	}

	cmd := l.cmdFactory(Expand(l.command, agentID, beadID))
	cmd.Env = append(os.Environ(), EnvAgentID+"="+agentID, EnvBeadID+"="+beadID)
	// Own process group so Stop can terminate the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := l.openLog(agentID)
	if err != nil {
		return err
	}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return fmt.Errorf("spawn agent %s: %w", agentID, err)
	}
	// logFile fd is inherited by the child; parent can close its copy.
	if logFile != nil {
		_ = logFile.Close()
	}

	pr := &proc{p: cmd.Process, beadID: beadID, done: make(chan struct{})}
	l.procs[agentID] = pr

	// Reap the child in the background to avoid zombies, then forget it so
	// a later Start relaunches.
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_ = cmd.Wait()
		l.mu.Lock()
		if l.procs[agentID] == pr {
			delete(l.procs, agentID)
		}
		l.mu.Unlock()
		close(pr.done)
	}()
	return nil
}

func (l *ExecLauncher) openLog(agentID string) (*os.File, error) {
	if l.logDir == "" {
		return nil, nil
	}
	dir := filepath.Join(l.logDir, agentID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create agent log dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "output.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
	if err != nil {
		return nil, fmt.Errorf("open agent log %s: %w", path, err)
	}
	return f, nil
}

// Active returns the ids of agents with a live process, sorted.
func (l *ExecLauncher) Active() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.procs))
	for id := range l.procs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Running reports whether the agent's process is alive and which bead it
// was started for.
func (l *ExecLauncher) Running(agentID string) (beadID string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pr, ok := l.procs[agentID]
	if !ok {
		return "", false
	}
	return pr.beadID, true
}

// Stop sends SIGTERM to the agent's process group, waits a short grace
// period, then sends SIGKILL. Stopping an agent with no process is an
// error.
func (l *ExecLauncher) Stop(agentID string) error {
	l.mu.Lock()
	pr, ok := l.procs[agentID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s is not running", agentID)
	}

	pgid := pr.p.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		_ = pr.p.Kill()
		return nil //nolint:nilerr // SIGTERM failure means process already exited
	}

	select {
	case <-pr.done:
	case <-time.After(stopGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-pr.done
	}
	return nil
}

// Wait blocks until every reaper goroutine has finished.
func (l *ExecLauncher) Wait() {
	l.wg.Wait()
}

// TailLog returns the last n lines of the agent's output log.
func TailLog(logDir, agentID string, n int) ([]string, error) {
	if !idPattern.MatchString(agentID) {
		return nil, fmt.Errorf("invalid agent id %q", agentID)
	}
	if n <= 0 {
		return nil, fmt.Errorf("line count must be positive")
	}
	path := filepath.Join(logDir, agentID, "output.log")
	f, err := os.Open(path) //nolint:gosec // agent id validated above
	if err != nil {
		return nil, fmt.Errorf("open agent log %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	lines := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(lines) == n {
			lines = lines[1:]
		}
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read agent log %s: %w", path, err)
	}
	return lines, nil
}
