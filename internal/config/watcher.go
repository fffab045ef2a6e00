package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind tells consumers what kind of file changed.
type ChangeKind string

const (
	ChangeConfig    ChangeKind = "config"
	ChangeHeartbeat ChangeKind = "heartbeat"
)

type ReloadEvent struct {
	Kind ChangeKind
	Path string
	// UserID is set for heartbeat document changes.
	UserID string
	Op     fsnotify.Op
}

// Watcher reports edits to config.yaml and to per-user heartbeat documents.
// fsnotify is not recursive, so user directories are added as they appear.
type Watcher struct {
	homeDir       string
	heartbeatRoot string
	heartbeatFile string
	logger        *slog.Logger
	events        chan ReloadEvent
}

func NewWatcher(homeDir, heartbeatRoot, heartbeatFile string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:       homeDir,
		heartbeatRoot: heartbeatRoot,
		heartbeatFile: heartbeatFile,
		logger:        logger,
		events:        make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// The home directory is watched rather than config.yaml itself so that
	// editors that replace the file by rename keep being observed.
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	if w.heartbeatRoot != "" {
		if err := os.MkdirAll(w.heartbeatRoot, 0o755); err == nil {
			_ = fsw.Add(w.heartbeatRoot)
			entries, _ := os.ReadDir(w.heartbeatRoot)
			for _, e := range entries {
				if e.IsDir() {
					_ = fsw.Add(filepath.Join(w.heartbeatRoot, e.Name()))
				}
			}
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				re, ok := w.classify(fsw, ev)
				if !ok {
					continue
				}
				select {
				case w.events <- re:
				default:
				}
				w.logger.Info("watched file changed", "kind", re.Kind, "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) classify(fsw *fsnotify.Watcher, ev fsnotify.Event) (ReloadEvent, bool) {
	dir := filepath.Dir(ev.Name)
	if dir == filepath.Clean(w.homeDir) && filepath.Base(ev.Name) == "config.yaml" {
		return ReloadEvent{Kind: ChangeConfig, Path: ev.Name, Op: ev.Op}, true
	}
	if w.heartbeatRoot == "" {
		return ReloadEvent{}, false
	}
	root := filepath.Clean(w.heartbeatRoot)
	if dir == root && ev.Op&fsnotify.Create != 0 {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			_ = fsw.Add(ev.Name)
		}
		return ReloadEvent{}, false
	}
	if filepath.Dir(dir) == root && filepath.Base(ev.Name) == w.heartbeatFile {
		return ReloadEvent{Kind: ChangeHeartbeat, Path: ev.Name, UserID: filepath.Base(dir), Op: ev.Op}, true
	}
	return ReloadEvent{}, false
}
