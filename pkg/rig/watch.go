package rig

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"rigd/pkg/protocol"
	"rigd/pkg/store"

	"github.com/fsnotify/fsnotify"
)

// watcher observes the rig directory (database writes from other processes
// may have armed the alarm) and the heartbeats directory (a file named after
// an agent id is a heartbeat).
type watcher struct {
	fs            *fsnotify.Watcher
	heartbeatsDir string
}

// newWatcher returns nil if the watcher cannot be set up; the reload ticker
// still covers external arming.
func (r *Rig) newWatcher() *watcher {
	hbDir := filepath.Join(r.cfg.Dir, protocol.HeartbeatsDir)
	if err := os.MkdirAll(hbDir, 0o755); err != nil {
		r.log.Warn("fsnotify: create heartbeats dir (falling back to polling)", "dir", hbDir, "err", err)
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn("fsnotify: failed to create watcher (falling back to polling)", "err", err)
		return nil
	}
	for _, dir := range []string{r.cfg.Dir, hbDir} {
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			r.log.Warn("fsnotify: failed to watch (falling back to polling)", "dir", dir, "err", err)
			return nil
		}
	}
	return &watcher{fs: fw, heartbeatsDir: hbDir}
}

func (w *watcher) events() <-chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.fs.Events
}

func (w *watcher) errors() <-chan error {
	if w == nil {
		return nil
	}
	return w.fs.Errors
}

func (w *watcher) close() {
	if w != nil {
		_ = w.fs.Close()
	}
}

// isDBWrite reports whether ev is a write to the rig database or its WAL.
func isDBWrite(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	base := filepath.Base(ev.Name)
	return base == protocol.DBFile || base == protocol.DBFile+"-wal"
}

// heartbeatAgent returns the agent id named by a heartbeat file event.
func (w *watcher) heartbeatAgent(ev fsnotify.Event) (string, bool) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Chmod) {
		return "", false
	}
	if filepath.Dir(ev.Name) != w.heartbeatsDir {
		return "", false
	}
	id := filepath.Base(ev.Name)
	if id == "" || strings.HasPrefix(id, ".") {
		return "", false
	}
	return id, true
}

// onFileEvent runs on the actor goroutine.
func (r *Rig) onFileEvent(ctx context.Context, w *watcher, ev fsnotify.Event) {
	if id, ok := w.heartbeatAgent(ev); ok {
		err := r.exec(ctx, func(ctx context.Context) error {
			return r.st.WithTx(ctx, func(tx *store.Tx) error {
				if _, err := tx.TouchHeartbeat(ctx, id); err != nil {
					return err
				}
				_, err := tx.ArmAlarm(ctx, r.nowFunc().Add(r.cfg.ArmDelay))
				return err
			})
		})
		switch {
		case protocol.IsNotFound(err):
			r.log.Debug("heartbeat file for unknown agent", "agent", id)
		case err != nil:
			r.log.Warn("heartbeat file", "agent", id, "err", err)
		}
		return
	}
	if isDBWrite(ev) {
		// Another process may have armed the alarm.
		_ = r.exec(ctx, func(context.Context) error { return nil })
	}
}
