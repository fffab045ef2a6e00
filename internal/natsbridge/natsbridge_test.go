package natsbridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/dispatch"
)

func TestSubjects(t *testing.T) {
	if got := DispatchSubject("", "core-agent"); got != "xbot.task.dispatch.core-agent" {
		t.Fatalf("dispatch subject = %q", got)
	}
	if got := StatusSubject(" home. "); got != "home.task.status" {
		t.Fatalf("status subject = %q", got)
	}
	if got := EventSubject("xbot", bus.TopicTaskCompleted); got != "xbot.events.task.completed" {
		t.Fatalf("event subject = %q", got)
	}
	if got := queueGroup("xbot", "gpu"); got != "xbot.workers.gpu" {
		t.Fatalf("queue group = %q", got)
	}
}

func TestDecodeReply(t *testing.T) {
	res, err := decodeReply([]byte(`{"ok":true,"text":"hi","ui":{"actions":[]}}`))
	if err != nil || !res.OK || res.Text != "hi" || res.UI == nil {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if _, err := decodeReply([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

type fakeSessions struct {
	mu     sync.Mutex
	active map[string]string
	notes  []string
}

func (f *fakeSessions) ActiveTaskID(userID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.active[userID]
	return id, ok
}

func (f *fakeSessions) Heartbeat(userID, note string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, userID+"|"+note)
	return true
}

func TestApplyStatus(t *testing.T) {
	sessions := &fakeSessions{active: map[string]string{"u1": "task-1"}}
	b := &Bridge{
		cfg:    BridgeConfig{Sessions: sessions},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	encode := func(rep StatusReport) []byte {
		data, _ := json.Marshal(rep)
		return data
	}

	if !b.applyStatus(encode(StatusReport{InboxTaskID: "task-1", UserID: "u1", WorkerID: "gpu-1", Note: "started"})) {
		t.Fatal("matching report should heartbeat")
	}
	if b.applyStatus(encode(StatusReport{InboxTaskID: "old-task", UserID: "u1", Note: "late"})) {
		t.Fatal("report for a superseded task should be ignored")
	}
	if b.applyStatus(encode(StatusReport{InboxTaskID: "task-9", UserID: "u9", Note: "x"})) {
		t.Fatal("report for a user without a session should be ignored")
	}
	if b.applyStatus([]byte("{")) {
		t.Fatal("malformed report should be ignored")
	}
	if len(sessions.notes) != 1 || sessions.notes[0] != "u1|remote gpu-1: started" {
		t.Fatalf("notes = %q", sessions.notes)
	}
}

// TestRemoteRoundTrip needs a running server, e.g.
// XBOT_TEST_NATS_URL=nats://127.0.0.1:4222.
func TestRemoteRoundTrip(t *testing.T) {
	url := os.Getenv("XBOT_TEST_NATS_URL")
	if url == "" {
		t.Skip("XBOT_TEST_NATS_URL not set")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	nc, err := Connect(url, "xbot-test", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	prefix := "xbot-test-" + strings.ReplaceAll(time.Now().Format("150405.000"), ".", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() {
		served <- Serve(ctx, ServeConfig{
			Conn:     nc,
			Prefix:   prefix,
			Backend:  "echo",
			WorkerID: "remote-1",
			Logger:   logger,
			Runtime: dispatch.RuntimeFunc(func(_ context.Context, req dispatch.RunRequest) (dispatch.Result, error) {
				return dispatch.Result{OK: true, Text: req.WorkerID + ": " + req.Instruction}, nil
			}),
		})
	}()

	rt := NewRuntime(nc, prefix, nil)
	var res dispatch.Result
	deadline := time.Now().Add(3 * time.Second)
	for {
		rctx, rcancel := context.WithTimeout(ctx, time.Second)
		res, err = rt.Execute(rctx, dispatch.RunRequest{Backend: "echo", Instruction: "ping"})
		rcancel()
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK || res.Text != "remote-1: ping" {
		t.Fatalf("res = %+v", res)
	}

	cancel()
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
}
