package workers_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glwlg/X-bot-sub002/internal/audit"
	"github.com/glwlg/X-bot-sub002/internal/shared"
	"github.com/glwlg/X-bot-sub002/internal/workers"
)

func newRegistry(t *testing.T) (*workers.Registry, *audit.Store, string) {
	t.Helper()
	home := t.TempDir()
	versions, err := audit.New(audit.Options{Root: filepath.Join(home, "audit")})
	if err != nil {
		t.Fatalf("audit store: %v", err)
	}
	reg, err := workers.NewRegistry(workers.RegistryConfig{
		Root:     filepath.Join(home, "workers"),
		Versions: versions,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg, versions, home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestEnsureDefaultWorker_Idempotent(t *testing.T) {
	reg, versions, _ := newRegistry(t)
	ctx := context.Background()

	w1, err := reg.EnsureDefaultWorker(ctx)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if w1.ID != shared.DefaultWorkerID {
		t.Fatalf("id = %q", w1.ID)
	}
	if _, err := os.Stat(w1.WorkspaceRoot); err != nil {
		t.Fatalf("workspace not created: %v", err)
	}
	w2, err := reg.EnsureDefaultWorker(ctx)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if w2.ID != w1.ID {
		t.Fatalf("second ensure returned %q", w2.ID)
	}
	all, err := reg.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one worker, got %d", len(all))
	}
	if all[0].Summary == "" {
		t.Fatal("expected synthesised summary")
	}
	// The first write had nothing to snapshot; a second structural write would.
	if vs, _ := versions.ListVersions(reg.Path(), 0); len(vs) != 0 {
		t.Fatalf("unexpected snapshots: %d", len(vs))
	}
}

func TestGetWorker_IdentityNameBeatsGenericPlaceholder(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	w, err := reg.Upsert(ctx, workers.Worker{ID: "worker-main", Name: "worker", Capabilities: []string{"search"}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	writeFile(t, filepath.Join(w.WorkspaceRoot, "IDENTITY.md"), "---\nname: Atlas\nemoji: robot\n---\n\nI fetch things.\n")

	got, ok, err := reg.GetWorker(ctx, "worker-main")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Name != "Atlas" {
		t.Fatalf("name = %q, want Atlas", got.Name)
	}
}

func TestGetWorker_ExplicitNameKeptOverIdentity(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()
	w, err := reg.Upsert(ctx, workers.Worker{ID: "research", Name: "Librarian"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	writeFile(t, filepath.Join(w.WorkspaceRoot, "IDENTITY.md"), "- **Name:** Atlas\n")
	got, _, _ := reg.GetWorker(ctx, "research")
	if got.Name != "Librarian" {
		t.Fatalf("name = %q, want Librarian", got.Name)
	}
}

func TestGetWorker_IdentityNameLineForm(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()
	w, err := reg.Upsert(ctx, workers.Worker{ID: "helper"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	writeFile(t, filepath.Join(w.WorkspaceRoot, "IDENTITY.md"), "# Identity\n\n- **Name:** Nova\n- **Vibe:** calm\n")
	got, _, _ := reg.GetWorker(ctx, "helper")
	if got.Name != "Nova" {
		t.Fatalf("name = %q, want Nova", got.Name)
	}
}

func TestGetWorker_StaleWorkspaceFallsBackToComputedPath(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()
	stale := "/srv/old-host/xbot/workers/worker-main"
	writeFile(t, reg.Path(), `{
  "version": 1,
  "workers": [
    {"id": "worker-main", "name": "", "backend": "shell", "capabilities": ["ops"],
     "workspace_root": "`+stale+`", "credentials_root": "`+stale+`/credentials"}
  ]
}`)
	got, ok, err := reg.GetWorker(ctx, "worker-main")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	want := reg.DefaultWorkspace("worker-main")
	if got.WorkspaceRoot != want {
		t.Fatalf("workspace = %q, want %q", got.WorkspaceRoot, want)
	}
	if !strings.HasPrefix(got.CredentialsRoot, want) {
		t.Fatalf("credentials root not rebased: %q", got.CredentialsRoot)
	}
	if got.Name != "worker-main" {
		t.Fatalf("empty name should fall back to id, got %q", got.Name)
	}
	if !strings.Contains(got.Summary, "shell") || !strings.Contains(got.Summary, "ops") {
		t.Fatalf("summary = %q", got.Summary)
	}
}

func TestGetWorker_Unknown(t *testing.T) {
	reg, _, _ := newRegistry(t)
	if _, ok, err := reg.GetWorker(context.Background(), "ghost"); ok || err != nil {
		t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestRecordOutcome(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()
	if _, err := reg.EnsureDefaultWorker(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := reg.RecordAssignment(ctx, shared.DefaultWorkerID, "t1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	w, _, _ := reg.GetWorker(ctx, shared.DefaultWorkerID)
	if w.Status != workers.StatusBusy || w.LastTaskID != "t1" {
		t.Fatalf("after assignment: %+v", w)
	}
	if err := reg.RecordOutcome(ctx, shared.DefaultWorkerID, "t1", "exit status 2"); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	w, _, _ = reg.GetWorker(ctx, shared.DefaultWorkerID)
	if w.Status != workers.StatusError || w.LastError != "exit status 2" {
		t.Fatalf("after failure: %+v", w)
	}
	if err := reg.RecordOutcome(ctx, shared.DefaultWorkerID, "t2", ""); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	w, _, _ = reg.GetWorker(ctx, shared.DefaultWorkerID)
	if w.Status != workers.StatusReady || w.LastError != "" || w.LastTaskID != "t2" {
		t.Fatalf("after success: %+v", w)
	}
	if err := reg.RecordOutcome(ctx, "ghost", "t", ""); !errors.Is(err, workers.ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestUpsert_VersionsRegistryDocument(t *testing.T) {
	reg, versions, _ := newRegistry(t)
	ctx := context.Background()
	if _, err := reg.Upsert(ctx, workers.Worker{ID: "a"}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if _, err := reg.Upsert(ctx, workers.Worker{ID: "b", Capabilities: []string{"code"}}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	vs, err := versions.ListVersions(reg.Path(), 0)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(vs) != 1 {
		t.Fatalf("expected one snapshot of the pre-b document, got %d", len(vs))
	}
	if _, err := reg.Upsert(ctx, workers.Worker{ID: "../bad"}); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestLoad_RejectsSchemaViolations(t *testing.T) {
	reg, _, _ := newRegistry(t)
	writeFile(t, reg.Path(), `{"version": 1, "workers": [{"id": 42}]}`)
	if _, err := reg.ListWorkers(context.Background()); err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestIsGenericName(t *testing.T) {
	cases := map[string]bool{
		"":            true,
		"worker":      true,
		"Worker 2":    true,
		"worker-main": true,
		"default":     true,
		"Atlas":       false,
		"Worker Bee":  false,
	}
	for name, want := range cases {
		if got := workers.IsGenericName(name, "w-1"); got != want {
			t.Errorf("IsGenericName(%q) = %v, want %v", name, got, want)
		}
	}
	if !workers.IsGenericName("w-1", "w-1") {
		t.Error("a name equal to the id is a placeholder")
	}
}
