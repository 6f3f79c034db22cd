package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"rigd/pkg/config"
	"rigd/pkg/launcher"
	"rigd/pkg/merge"
	"rigd/pkg/protocol"
	"rigd/pkg/rig"
	"rigd/pkg/store"

	"github.com/spf13/cobra"
)

// session is one opened rig: config, store and a running actor.
type session struct {
	dir  string
	mode sessionMode
	cfg  *config.Config
	st   *store.Store
	rig  *rig.Rig
	log  *slog.Logger

	launcher *launcher.ExecLauncher // nil without a launch command
	merger   *merge.Coordinator
}

// sessionMode controls how a command opens the rig.
type sessionMode int

const (
	// oneShot rigs are passive: arming is persisted but a serving process
	// owns the schedule.
	oneShot sessionMode = iota
	// serving rigs fire their own alarms and watch the rig directory.
	serving
)

// loadConfig resolves the rig directory and loads its config.
func (o *globalOpts) loadConfig() (dir string, cfg *config.Config, err error) {
	dir, err = config.ResolveRigDir(o.rigDir)
	if err != nil {
		return "", nil, err
	}
	cfg, _, err = config.Load(dir)
	if err != nil {
		return "", nil, fmt.Errorf("load config: %w", err)
	}
	return dir, cfg, nil
}

// logger builds the stderr logger. One-shot commands stay quiet below warn
// unless --log-level asks for more.
func (o *globalOpts) logger(w io.Writer, cfg *config.Config, mode sessionMode) (*slog.Logger, error) {
	level := cfg.Level()
	if o.logLevel != "" {
		lvl, err := config.ParseLevel(o.logLevel)
		if err != nil {
			return nil, &protocol.ValidationError{Field: "log level", Value: o.logLevel}
		}
		level = lvl
	} else if mode == oneShot {
		level = max(level, slog.LevelWarn)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// open builds the store, the collaborators and the actor, and starts it.
func (o *globalOpts) open(ctx context.Context, logOut io.Writer, mode sessionMode) (*session, error) {
	dir, cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := o.logger(logOut, cfg, mode)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, filepath.Join(dir, protocol.DBFile), store.Options{
		DegradedLabel: protocol.AgentStatus(cfg.DegradedLabel),
	})
	if err != nil {
		return nil, err
	}

	// Without a launch command the dispatch step is skipped rather than
	// failing every hooked agent.
	var (
		l  rig.Launcher
		el *launcher.ExecLauncher
	)
	if len(cfg.Launch.Command) > 0 {
		el = launcher.New(cfg.Launch.Command, cfg.LogDir(dir))
		l = el
	}
	m := merge.NewCoordinator(&merge.ExecGitRunner{}, cfg.RepoDir(dir), cfg.Merge.Target)

	r := rig.New(rig.Config{
		Name:                cfg.Name,
		Dir:                 dir,
		HeartbeatStale:      cfg.HeartbeatStale.D(),
		ArmDelay:            cfg.ArmDelay.D(),
		RearmInterval:       cfg.RearmInterval.D(),
		CollaboratorTimeout: cfg.CollaboratorTimeout.D(),
		ReloadInterval:      cfg.ReloadInterval.D(),
		ReclaimOrphans:      cfg.ReclaimOrphans,
		AlarmsDisabled:      mode == oneShot,
	}, st, l, m, log)
	r.Start(ctx)

	return &session{dir: dir, mode: mode, cfg: cfg, st: st, rig: r, log: log, launcher: el, merger: m}, nil
}

// Close stops the actor and releases the store. A serving session also
// aborts an in-flight rebase and stops the agents it launched.
func (s *session) Close() {
	if s.mode == serving {
		s.merger.Abort()
	}
	s.rig.Close()
	if s.mode == serving && s.launcher != nil {
		s.stopAgents()
	}
	if err := s.st.Close(); err != nil {
		s.log.Warn("close store", "err", err)
	}
}

// stopAgents terminates every launched agent and reaps it. Stopped agents
// that were working go back to idle so the next wake relaunches them onto
// their hook.
func (s *session) stopAgents() {
	ctx := context.Background()
	for _, id := range s.launcher.Active() {
		beadID, ok := s.launcher.Running(id)
		if !ok {
			continue
		}
		if err := s.launcher.Stop(id); err != nil {
			s.log.Warn("stop agent", "agent", id, "err", err)
			continue
		}
		s.log.Info("stopped agent", "agent", id, "bead", beadID)

		err := s.st.WithTx(ctx, func(tx *store.Tx) error {
			a, err := tx.GetAgent(ctx, id)
			if err != nil || a.Status != protocol.AgentWorking {
				return err
			}
			_, err = tx.UpdateAgentStatus(ctx, id, protocol.AgentIdle)
			return err
		})
		if err != nil {
			s.log.Warn("reset stopped agent", "agent", id, "err", err)
		}
	}
	s.launcher.Wait()
}

// withRig opens the rig for a one-shot command, runs fn and closes it.
func withRig(opts *globalOpts, cmd *cobra.Command, fn func(ctx context.Context, s *session, p *printer) error) error {
	ctx := cmd.Context()
	s, err := opts.open(ctx, cmd.ErrOrStderr(), oneShot)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s, opts.printer(cmd))
}
