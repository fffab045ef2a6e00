package heartbeat_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/heartbeat"
)

type fakeRunner struct {
	mu      sync.Mutex
	replies map[string]string
	err     error
	calls   []string
}

func (r *fakeRunner) RunHeartbeat(_ context.Context, userID, instruction string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, userID+": "+instruction)
	if r.err != nil {
		return "", r.err
	}
	return r.replies[userID], nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type delivered struct {
	target heartbeat.Target
	text   string
	level  heartbeat.Level
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []delivered
}

func (n *fakeNotifier) Notify(_ context.Context, target heartbeat.Target, _, text string, level heartbeat.Level) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, delivered{target: target, text: text, level: level})
	return nil
}

func newWorker(f *fixture, r heartbeat.Runner, n heartbeat.Notifier) *heartbeat.Worker {
	return heartbeat.NewWorker(heartbeat.WorkerConfig{
		Store:    f.store,
		Runner:   r,
		Notifier: n,
		Bus:      f.bus,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestWorker_RunOnceDeliversByLevel(t *testing.T) {
	f := newFixture(t, heartbeat.Defaults{Every: "30m"})
	ctx := context.Background()
	tg := heartbeat.Target{Platform: "telegram", ChatID: "100"}
	for _, u := range []string{"quiet", "notice", "alarm"} {
		if err := f.store.SetDeliveryTarget(ctx, u, tg); err != nil {
			t.Fatalf("target: %v", err)
		}
	}
	if _, err := f.store.AddChecklistItem(ctx, "alarm", "check server disk"); err != nil {
		t.Fatalf("checklist: %v", err)
	}

	runner := &fakeRunner{replies: map[string]string{
		"quiet":  "HEARTBEAT_OK",
		"notice": "Package arrives tomorrow.",
		"alarm":  "Disk at 97%, action required.",
	}}
	notifier := &fakeNotifier{}
	sub := f.bus.Subscribe(bus.TopicHeartbeatRun)
	w := newWorker(f, runner, notifier)

	ran, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if ran != 3 {
		t.Fatalf("ran %d users, want 3", ran)
	}
	if len(notifier.sent) != 2 {
		t.Fatalf("delivered %d messages, want 2 (OK is suppressed)", len(notifier.sent))
	}
	for _, d := range notifier.sent {
		switch d.level {
		case heartbeat.LevelAction:
			if !strings.HasPrefix(d.text, "[Action needed]") {
				t.Fatalf("action text = %q", d.text)
			}
		case heartbeat.LevelNotice:
			if d.text != "Package arrives tomorrow." {
				t.Fatalf("notice text = %q", d.text)
			}
		default:
			t.Fatalf("unexpected delivery %+v", d)
		}
	}

	var alarmPrompt string
	for _, c := range runner.calls {
		if strings.HasPrefix(c, "alarm: ") {
			alarmPrompt = c
		}
	}
	if !strings.Contains(alarmPrompt, "1. check server disk") || !strings.Contains(alarmPrompt, "HEARTBEAT_OK") {
		t.Fatalf("instruction missing checklist or sentinel: %q", alarmPrompt)
	}

	doc, _ := f.store.Load(ctx, "alarm")
	if doc.Status.LastLevel != heartbeat.LevelAction || doc.Status.RunCount != 1 {
		t.Fatalf("status = %+v", doc.Status)
	}

	got := 0
	timeout := time.After(time.Second)
	for got < 3 {
		select {
		case <-sub.Ch():
			got++
		case <-timeout:
			t.Fatalf("saw %d run events, want 3", got)
		}
	}

	if ran, _ := w.RunOnce(ctx); ran != 0 {
		t.Fatalf("second tick ran %d users; nothing is due yet", ran)
	}
}

func TestWorker_SkipsUserWithRunningSessionTask(t *testing.T) {
	f := newFixture(t, heartbeat.Defaults{})
	ctx := context.Background()
	if err := f.store.SetActiveTask(ctx, "u1", heartbeat.ActiveTask{ID: "t-9", Status: "running"}); err != nil {
		t.Fatalf("set active: %v", err)
	}
	runner := &fakeRunner{}
	w := newWorker(f, runner, &fakeNotifier{})

	if ok, err := w.RunUser(ctx, "u1", false); ok || err != nil {
		t.Fatalf("run = %v err=%v, want skipped", ok, err)
	}
	if runner.callCount() != 0 {
		t.Fatal("runner should not be called while the session task runs")
	}

	done := "completed"
	if _, _, err := f.store.UpdateActiveTask(ctx, "u1", heartbeat.ActiveTaskPatch{Status: &done}, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ok, err := w.RunUser(ctx, "u1", false); !ok || err != nil {
		t.Fatalf("run after completion = %v err=%v", ok, err)
	}
}

func TestWorker_RunnerErrorIsActionable(t *testing.T) {
	f := newFixture(t, heartbeat.Defaults{})
	ctx := context.Background()
	if err := f.store.SetDeliveryTarget(ctx, "u1", heartbeat.Target{Platform: "telegram", ChatID: "7"}); err != nil {
		t.Fatalf("target: %v", err)
	}
	notifier := &fakeNotifier{}
	w := newWorker(f, &fakeRunner{err: errors.New("runtime unavailable")}, notifier)

	if ok, err := w.RunUser(ctx, "u1", true); !ok || err != nil {
		t.Fatalf("run = %v err=%v", ok, err)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].level != heartbeat.LevelAction {
		t.Fatalf("sent = %+v", notifier.sent)
	}
	if !strings.Contains(notifier.sent[0].text, "runtime unavailable") {
		t.Fatalf("text = %q", notifier.sent[0].text)
	}
}

func TestWorker_StartStop(t *testing.T) {
	f := newFixture(t, heartbeat.Defaults{})
	if _, err := f.store.Load(context.Background(), "u1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	runner := &fakeRunner{replies: map[string]string{"u1": "HEARTBEAT_OK"}}
	w := heartbeat.NewWorker(heartbeat.WorkerConfig{
		Store:    f.store,
		Runner:   runner,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Interval: 20 * time.Millisecond,
	})
	w.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for runner.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()
	if runner.callCount() == 0 {
		t.Fatal("worker never ran")
	}
}
