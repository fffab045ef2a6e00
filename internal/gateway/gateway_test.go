package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/glwlg/X-bot-sub002/internal/audit"
	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/config"
	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/gateway"
	"github.com/glwlg/X-bot-sub002/internal/inbox"
	"github.com/glwlg/X-bot-sub002/internal/persistence"
	"github.com/glwlg/X-bot-sub002/internal/shared"
	"github.com/glwlg/X-bot-sub002/internal/taskmgr"
	"github.com/glwlg/X-bot-sub002/internal/workers"
)

type harness struct {
	bus      *bus.Bus
	inbox    *inbox.Inbox
	registry *workers.Registry
	manager  *taskmgr.Manager
	handler  http.Handler
}

func newHarness(t *testing.T, settings config.GatewayConfig) *harness {
	t.Helper()
	home := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New()
	t.Cleanup(b.Close)

	backend, err := persistence.NewFileBackend(filepath.Join(home, "data"))
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	versions, err := audit.New(audit.Options{Root: filepath.Join(home, "audit")})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	in, err := inbox.New(inbox.Config{Backend: backend, Bus: b, Logger: logger})
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	reg, err := workers.NewRegistry(workers.RegistryConfig{Root: filepath.Join(home, "workers"), Versions: versions, Logger: logger})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	j, err := workers.NewJournal(workers.JournalConfig{Backend: backend, Logger: logger})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	rt := dispatch.RuntimeFunc(func(_ context.Context, req dispatch.RunRequest) (dispatch.Result, error) {
		return dispatch.Result{OK: true, Text: "done: " + req.Instruction}, nil
	})
	d, err := dispatch.New(dispatch.Config{Inbox: in, Registry: reg, Journal: j, Runtime: rt, Logger: logger})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	mgr := taskmgr.New(taskmgr.Config{Bus: b, Logger: logger})
	srv, err := gateway.New(gateway.Config{
		Inbox:             in,
		Dispatcher:        d,
		Registry:          reg,
		Manager:           mgr,
		Bus:               b,
		Settings:          settings,
		ConfigFingerprint: "cfg-test",
		BackendName:       backend.Name(),
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return &harness{bus: b, inbox: in, registry: reg, manager: mgr, handler: srv.Handler()}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type submitResp struct {
	Task          inbox.Task     `json:"task"`
	Queued        bool           `json:"queued"`
	Output        *shared.Output `json:"output"`
	JournalTaskID string         `json:"journal_task_id"`
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{AuthToken: "secret"})
	rec := h.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[map[string]any](t, rec)
	if got["healthy"] != true || got["backend"] != "file" || got["config_fingerprint"] != "cfg-test" {
		t.Fatalf("healthz = %v", got)
	}
}

func TestSubmitAsyncQueuesTask(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	rec := h.do(t, http.MethodPost, "/api/tasks", `{"user_id":"u1","goal":"water plants","priority":"high"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[submitResp](t, rec)
	if !resp.Queued || resp.Task.Status != inbox.StatusPending || resp.Task.Priority != inbox.PriorityHigh || resp.Task.Source != gateway.SourceAPI {
		t.Fatalf("response = %+v", resp)
	}

	rec = h.do(t, http.MethodGet, "/api/tasks/"+resp.Task.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	if got := decode[inbox.Task](t, rec); got.Goal != "water plants" {
		t.Fatalf("task = %+v", got)
	}

	h.do(t, http.MethodPost, "/api/tasks", `{"user_id":"u2","goal":"other"}`)
	rec = h.do(t, http.MethodGet, "/api/tasks?user=u1", "")
	list := decode[struct {
		Tasks []inbox.Task `json:"tasks"`
	}](t, rec)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != resp.Task.ID {
		t.Fatalf("list = %+v", list.Tasks)
	}
}

func TestSubmitSyncReturnsOutput(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	rec := h.do(t, http.MethodPost, "/api/tasks", `{"user_id":"u1","goal":"summarize","mode":"sync"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[submitResp](t, rec)
	if resp.Queued || resp.Task.Status != inbox.StatusCompleted || resp.Output == nil || resp.Output.Text != "done: summarize" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.JournalTaskID == "" {
		t.Fatal("expected a journal task id")
	}

	rec = h.do(t, http.MethodGet, "/api/workers", "")
	workersResp := decode[struct {
		Workers []workers.Worker `json:"workers"`
	}](t, rec)
	if len(workersResp.Workers) == 0 || workersResp.Workers[0].ID != shared.DefaultWorkerID {
		t.Fatalf("workers = %+v", workersResp.Workers)
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	tests := []struct {
		name, body, want string
	}{
		{"bad json", `{`, "invalid body"},
		{"missing goal", `{"user_id":"u1"}`, "goal is required"},
		{"bad priority", `{"goal":"g","priority":"urgent"}`, "priority"},
		{"bad mode", `{"goal":"g","mode":"later"}`, "unknown mode"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/tasks", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decode[map[string]string](t, rec)["error"]; !strings.Contains(got, tc.want) {
				t.Fatalf("error = %q, want %q", got, tc.want)
			}
		})
	}

	if rec := h.do(t, http.MethodGet, "/api/tasks/no-such-task", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task: expected 404, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, "/api/tasks", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("delete: expected 405, got %d", rec.Code)
	}
}

func TestAuthRequiredWhenTokenSet(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{AuthToken: "secret"})
	if rec := h.do(t, http.MethodGet, "/api/tasks", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

type blockingHandle struct{ aborted chan struct{} }

func (b *blockingHandle) Abort() {
	select {
	case <-b.aborted:
	default:
		close(b.aborted)
	}
}

func (b *blockingHandle) Finished() bool {
	select {
	case <-b.aborted:
		return true
	default:
		return false
	}
}

func TestSessionsListAndCancel(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	handle := &blockingHandle{aborted: make(chan struct{})}
	h.manager.Register("u1", handle, taskmgr.Options{Description: "long research", TaskID: "t1"})

	list := decode[struct {
		Sessions []taskmgr.Info `json:"sessions"`
	}](t, h.do(t, http.MethodGet, "/api/sessions", ""))
	if len(list.Sessions) != 1 || list.Sessions[0].Description != "long research" {
		t.Fatalf("sessions = %+v", list.Sessions)
	}

	rec := h.do(t, http.MethodPost, "/api/sessions/u1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", rec.Code)
	}
	if !handle.Finished() {
		t.Fatal("handle was not aborted")
	}
	if rec := h.do(t, http.MethodPost, "/api/sessions/u1/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel: expected 404, got %d", rec.Code)
	}
}

func TestEventsStreamFiltersByUser(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?prefix=task.&user=u1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(3 * time.Second)
	for h.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.inbox.Submit(ctx, inbox.SubmitRequest{Source: "test", Goal: "not mine", UserID: "u2"}); err != nil {
		t.Fatalf("submit u2: %v", err)
	}
	task, err := h.inbox.Submit(ctx, inbox.SubmitRequest{Source: "test", Goal: "mine", UserID: "u1"})
	if err != nil {
		t.Fatalf("submit u1: %v", err)
	}

	var ev struct {
		Topic   string        `json:"topic"`
		UserID  string        `json:"user_id"`
		Payload bus.TaskEvent `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != bus.TopicTaskSubmitted || ev.UserID != "u1" || ev.Payload.TaskID != task.ID {
		t.Fatalf("event = %+v", ev)
	}
}
