// Package rig is the single-writer actor that owns one rig's store.
//
// Every operation is submitted to the actor goroutine started by Run and
// executed to completion, one at a time, in receipt order. The actor also owns
// the scheduler: a single durable alarm (persisted in the store) whose firing
// runs a wake. Mutations that create future work (hook, agentDone,
// touchHeartbeat, review submission and setting the town id) arm the alarm in
// the same transaction.
//
// When the rig has a directory, each command and each wake holds an
// exclusive flock on <dir>/rig.lock so other processes writing the same rig
// never interleave with it.
package rig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rigd/pkg/merge"
	"rigd/pkg/protocol"
	"rigd/pkg/store"

	"github.com/gofrs/flock"
)

// ErrNotRunning is returned when an operation is submitted to a rig whose
// actor has stopped.
var ErrNotRunning = errors.New("rig actor is not running")

// Launcher starts an agent's process for the bead it holds.
type Launcher interface {
	Start(ctx context.Context, agentID, beadID string) error
}

// Merger integrates a reviewed branch. A *merge.ConflictError result means
// the branch conflicts; any other error is a plain failure.
type Merger interface {
	Merge(ctx context.Context, opts merge.Opts) (*merge.Result, error)
}

// Config holds rig runtime settings.
type Config struct {
	Name string // used in logs

	// Dir is the rig directory. It holds rig.lock and heartbeats/. Empty
	// disables the cross-process lock and the watchers.
	Dir string

	HeartbeatStale      time.Duration // patrol staleness threshold (default 5m)
	ArmDelay            time.Duration // delay from arming to wake (default 1s)
	RearmInterval       time.Duration // delay between wakes while work is active (default 30s)
	CollaboratorTimeout time.Duration // bound on each launcher/merger call (default 2m)
	ReloadInterval      time.Duration // fallback poll for externally armed alarms (default 15s)
	QueueSize           int           // command channel capacity (default 64)

	// ReclaimOrphans returns orphaned beads to open during a wake.
	ReclaimOrphans bool

	// AlarmsDisabled keeps the actor passive: arming is still persisted but
	// the alarm never fires here. Forced wakes still run. One-shot CLI
	// invocations use this so a serving process owns the schedule.
	AlarmsDisabled bool
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "rig"
	}
	if c.HeartbeatStale <= 0 {
		c.HeartbeatStale = 5 * time.Minute
	}
	if c.ArmDelay < 0 {
		c.ArmDelay = 0
	}
	if c.ArmDelay == 0 {
		c.ArmDelay = time.Second
	}
	if c.RearmInterval <= 0 {
		c.RearmInterval = 30 * time.Second
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = 2 * time.Minute
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 15 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// command is one unit of actor work. run executes on the actor goroutine
// with the rig lock held.
type command struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// Rig serializes all access to one rig's store.
type Rig struct {
	cfg      Config
	st       *store.Store
	launcher Launcher
	merger   Merger
	log      *slog.Logger
	lock     *flock.Flock

	// nowFunc allows tests to control time.
	nowFunc func() time.Time

	cmds    chan command
	started chan struct{}
	quit    chan struct{}
	once    sync.Once

	timer *time.Timer

	mu       sync.Mutex
	lastWake *WakeReport

	// cancel and wg belong to Start/Close.
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Rig over st. launcher and merger may be nil; the matching
// wake steps are then skipped. A nil logger means slog.Default().
func New(cfg Config, st *store.Store, launcher Launcher, merger Merger, logger *slog.Logger) *Rig {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	r := &Rig{
		cfg:      cfg,
		st:       st,
		launcher: launcher,
		merger:   merger,
		log:      logger.With("rig", cfg.Name),
		nowFunc:  time.Now,
		cmds:     make(chan command, cfg.QueueSize),
		started:  make(chan struct{}),
		quit:     make(chan struct{}),
	}
	if cfg.Dir != "" {
		r.lock = flock.New(filepath.Join(cfg.Dir, protocol.LockFile))
	}
	return r
}

// Config returns the effective configuration.
func (r *Rig) Config() Config { return r.cfg }

// Start runs the actor in a background goroutine until Close or ctx ends.
// It returns once the actor is accepting commands.
func (r *Rig) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Run(ctx); err != nil {
			r.log.Error("rig actor stopped", "err", err)
		}
	}()
	select {
	case <-r.started:
	case <-r.quit:
	}
}

// Close stops an actor started with Start and waits for it to exit.
func (r *Rig) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Run executes the actor loop until ctx is cancelled. It requeues review
// entries left running by an interrupted wake, restores the persisted
// alarm, and then serves commands, alarm firings and watcher events.
func (r *Rig) Run(ctx context.Context) error {
	defer r.once.Do(func() { close(r.quit) })

	r.timer = time.NewTimer(time.Hour)
	r.timer.Stop()
	defer r.timer.Stop()

	if err := r.exec(ctx, r.requeueInterrupted); err != nil {
		return fmt.Errorf("start rig %s: %w", r.cfg.Name, err)
	}

	var w *watcher
	var reload <-chan time.Time
	if !r.cfg.AlarmsDisabled {
		if r.cfg.Dir != "" {
			w = r.newWatcher()
			if w != nil {
				defer w.close()
			}
		}
		t := time.NewTicker(r.cfg.ReloadInterval)
		defer t.Stop()
		reload = t.C
	}

	close(r.started)
	r.log.Info("rig actor started", "dir", r.cfg.Dir, "passive", r.cfg.AlarmsDisabled)

	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.log.Info("rig actor stopped")
			return nil

		case c := <-r.cmds:
			r.handle(c)

		case <-r.timer.C:
			if err := r.exec(ctx, func(ctx context.Context) error {
				r.runWake(ctx, false)
				return nil
			}); err != nil && ctx.Err() == nil {
				r.log.Warn("scheduled wake skipped", "err", err)
				r.timer.Reset(r.cfg.ReloadInterval)
			}

		case <-reload:
			_ = r.exec(ctx, func(context.Context) error { return nil })

		case ev, ok := <-w.events():
			if !ok {
				w = nil
				continue
			}
			r.onFileEvent(ctx, w, ev)

		case err, ok := <-w.errors():
			if !ok {
				w = nil
				continue
			}
			r.log.Warn("watcher error", "err", err)
		}
	}
}

// requeueInterrupted runs once at actor start.
func (r *Rig) requeueInterrupted(ctx context.Context) error {
	return r.st.WithTx(ctx, func(tx *store.Tx) error {
		n, err := tx.RequeueRunningReviews(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.Info("requeued interrupted reviews", "count", n)
		}
		return nil
	})
}

// drain fails commands still queued at shutdown.
func (r *Rig) drain() {
	for {
		select {
		case c := <-r.cmds:
			c.done <- ErrNotRunning
		default:
			return
		}
	}
}

func (r *Rig) handle(c command) {
	if err := c.ctx.Err(); err != nil {
		c.done <- err
		return
	}
	c.done <- r.exec(c.ctx, c.run)
}

// exec runs fn on the actor goroutine with the cross-process lock held, then
// brings the in-memory timer in line with the persisted alarm.
func (r *Rig) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.lock != nil {
		if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("create rig dir: %w", err)
		}
		locked, err := r.lock.TryLockContext(ctx, 10*time.Millisecond)
		if err != nil {
			return fmt.Errorf("acquire rig lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("acquire rig lock: not acquired")
		}
		defer func() { _ = r.lock.Unlock() }()
	}

	err := fn(ctx)
	r.syncTimer(ctx)
	return err
}

// submit hands fn to the actor and waits for it to finish. Once accepted,
// the command always completes; fn observes ctx for cancellation.
func (r *Rig) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	c := command{ctx: ctx, run: fn, done: make(chan error, 1)}
	select {
	case r.cmds <- c:
	case <-r.quit:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-r.quit:
		// The actor may have taken c before exiting; its reply wins.
		select {
		case err := <-c.done:
			return err
		default:
			return ErrNotRunning
		}
	}
}

type mode int

const (
	modeRead mode = iota
	modeWrite
	modeArm // write, and arm the alarm in the same transaction
)

// call runs fn in a store transaction on the actor and returns its value.
func call[T any](ctx context.Context, r *Rig, m mode, fn func(ctx context.Context, tx *store.Tx) (T, error)) (T, error) {
	var out T
	err := r.submit(ctx, func(ctx context.Context) error {
		if m == modeRead {
			return r.st.View(ctx, func(tx *store.Tx) error {
				v, err := fn(ctx, tx)
				out = v
				return err
			})
		}
		return r.st.WithTx(ctx, func(tx *store.Tx) error {
			v, err := fn(ctx, tx)
			if err != nil {
				return err
			}
			if m == modeArm {
				if _, err := tx.ArmAlarm(ctx, r.nowFunc().Add(r.cfg.ArmDelay)); err != nil {
					return err
				}
			}
			out = v
			return nil
		})
	})
	return out, err
}

// syncTimer points the in-memory timer at the persisted alarm. Passive rigs
// never fire.
func (r *Rig) syncTimer(ctx context.Context) {
	if r.cfg.AlarmsDisabled || r.timer == nil {
		return
	}
	var state store.AlarmState
	if err := r.st.View(ctx, func(tx *store.Tx) error {
		var err error
		state, err = tx.Alarm(ctx)
		return err
	}); err != nil {
		if ctx.Err() == nil {
			r.log.Warn("read alarm", "err", err)
		}
		return
	}
	if !state.Armed || state.WakeAt == nil {
		r.timer.Stop()
		return
	}
	r.timer.Reset(max(state.WakeAt.Sub(r.nowFunc()), 0))
}

// LastWake returns the report of the most recent wake, or nil.
func (r *Rig) LastWake() *WakeReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastWake
}
