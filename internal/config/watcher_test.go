package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/config"
)

// expectEvent rewrites path until the watcher reports a matching event; the
// first write can land before the watch is registered on some platforms.
func expectEvent(t *testing.T, w *config.Watcher, path string, match func(config.ReloadEvent) bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	if err := os.WriteFile(path, []byte("changed"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	for {
		select {
		case ev := <-w.Events():
			if match(ev) {
				return
			}
		case <-tick.C:
			_ = os.WriteFile(path, []byte("changed"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for change event on %s", path)
		}
	}
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	home := t.TempDir()
	w := config.NewWatcher(home, "", "HEARTBEAT.md", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	expectEvent(t, w, filepath.Join(home, "config.yaml"), func(ev config.ReloadEvent) bool {
		return ev.Kind == config.ChangeConfig
	})
}

func TestWatcher_DetectsHeartbeatDocumentChange(t *testing.T) {
	home := t.TempDir()
	root := filepath.Join(home, "users")
	if err := os.MkdirAll(filepath.Join(root, "u1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w := config.NewWatcher(home, root, "HEARTBEAT.md", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	expectEvent(t, w, filepath.Join(root, "u1", "HEARTBEAT.md"), func(ev config.ReloadEvent) bool {
		return ev.Kind == config.ChangeHeartbeat && ev.UserID == "u1"
	})
}
