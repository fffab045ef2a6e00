package taskmgr_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/taskmgr"
)

type fakeHandle struct {
	mu       sync.Mutex
	aborted  int
	finished bool
}

func (h *fakeHandle) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted++
}

func (h *fakeHandle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

func (h *fakeHandle) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
}

func (h *fakeHandle) abortCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

func newManager(b *bus.Bus) *taskmgr.Manager {
	return taskmgr.New(taskmgr.Config{
		Bus:    b,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestRegister_SupersedesPreviousTask(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(bus.TopicActiveCancelled)
	m := newManager(b)

	a := &fakeHandle{}
	first := m.Register("u1", a, taskmgr.Options{Description: "summarise inbox", TaskID: "A"})
	m.Register("u1", &fakeHandle{}, taskmgr.Options{Description: "book flight", TaskID: "B"})

	if a.abortCount() != 1 {
		t.Fatalf("previous handle aborted %d times, want 1", a.abortCount())
	}
	if !first.CancelRequested() {
		t.Fatal("previous task should see its soft cancel flag")
	}
	id, ok := m.ActiveTaskID("u1")
	if !ok || id != "B" {
		t.Fatalf("active task = %q ok=%v, want B", id, ok)
	}
	if m.IsCancelled("u1") {
		t.Fatal("new registration should start uncancelled")
	}
	if got := len(m.List()); got != 1 {
		t.Fatalf("expected one entry, got %d", got)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.ActiveCancelledEvent)
		if payload.TaskID != "A" || !payload.Superseded {
			t.Fatalf("event = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no cancellation event")
	}
}

func TestRegister_FinishedPreviousIsNotAborted(t *testing.T) {
	m := newManager(nil)
	a := &fakeHandle{}
	m.Register("u1", a, taskmgr.Options{TaskID: "A"})
	a.finish()
	m.Register("u1", &fakeHandle{}, taskmgr.Options{TaskID: "B"})
	if a.abortCount() != 0 {
		t.Fatal("finished handle should not be aborted")
	}
}

func TestCancel(t *testing.T) {
	m := newManager(nil)
	if _, ok := m.Cancel("nobody"); ok {
		t.Fatal("cancel with nothing registered should report false")
	}

	h := &fakeHandle{}
	m.Register("u1", h, taskmgr.Options{Description: "draft reply", TaskID: "T"})
	desc, ok := m.Cancel("u1")
	if !ok || desc != "draft reply" {
		t.Fatalf("cancel = %q ok=%v", desc, ok)
	}
	if h.abortCount() != 1 {
		t.Fatal("hard abort not requested")
	}
	if !m.IsCancelled("u1") {
		t.Fatal("soft flag should stay visible after cancel")
	}
	if m.HasActiveTask("u1") {
		t.Fatal("entry should be removed after cancel")
	}
	if _, ok := m.Cancel("u1"); ok {
		t.Fatal("second cancel should report false")
	}

	m.Register("u1", &fakeHandle{}, taskmgr.Options{TaskID: "T2"})
	if m.IsCancelled("u1") {
		t.Fatal("new work clears the cancelled marker")
	}
}

func TestCancel_FinishedEntryIsReclaimed(t *testing.T) {
	m := newManager(nil)
	h := &fakeHandle{}
	m.Register("u1", h, taskmgr.Options{TaskID: "T"})
	h.finish()
	if _, ok := m.Cancel("u1"); ok {
		t.Fatal("finished work is not cancellable")
	}
	if _, ok := m.TaskInfo("u1"); ok {
		t.Fatal("finished entry should be dropped")
	}
}

func TestUnregister_OnlyOwnTask(t *testing.T) {
	m := newManager(nil)
	m.Register("u1", &fakeHandle{}, taskmgr.Options{TaskID: "A"})
	m.Register("u1", &fakeHandle{}, taskmgr.Options{TaskID: "B"})

	if m.Unregister("u1", "A") {
		t.Fatal("superseded task must not remove its successor")
	}
	if id, _ := m.ActiveTaskID("u1"); id != "B" {
		t.Fatalf("active = %q", id)
	}
	if !m.Unregister("u1", "B") {
		t.Fatal("owner should unregister")
	}
	if _, ok := m.ActiveTaskID("u1"); ok {
		t.Fatal("entry should be gone")
	}
}

func TestHeartbeatAndInfo(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := base
	m := taskmgr.New(taskmgr.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return now },
	})
	if m.Heartbeat("u1", "x") {
		t.Fatal("heartbeat with no task should report false")
	}
	m.Register("u1", &fakeHandle{}, taskmgr.Options{Description: "d", TaskID: "T", HeartbeatPath: "/tmp/hb"})

	now = base.Add(30 * time.Second)
	if !m.Heartbeat("u1", "step 2 of 5") {
		t.Fatal("heartbeat should land")
	}
	now = base.Add(40 * time.Second)

	info, ok := m.TaskInfo("u1")
	if !ok {
		t.Fatal("missing info")
	}
	if info.Running != 40*time.Second || info.HeartbeatAge != 10*time.Second {
		t.Fatalf("running=%v age=%v", info.Running, info.HeartbeatAge)
	}
	if info.LastHeartbeatNote != "step 2 of 5" || info.HeartbeatPath != "/tmp/hb" {
		t.Fatalf("info = %+v", info)
	}
}

func TestCleanupCompleted(t *testing.T) {
	m := newManager(nil)
	done := &fakeHandle{}
	m.Register("u1", done, taskmgr.Options{TaskID: "A"})
	m.Register("u2", &fakeHandle{}, taskmgr.Options{TaskID: "B"})
	done.finish()

	if n := m.CleanupCompleted(); n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}
	if m.HasActiveTask("u1") || !m.HasActiveTask("u2") {
		t.Fatal("cleanup removed the wrong entry")
	}
}

func TestGo_AbortCancelsContext(t *testing.T) {
	m := newManager(nil)
	started := make(chan struct{})
	run := taskmgr.Go(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	m.Register("u1", run, taskmgr.Options{Description: "long job"})
	<-started

	if run.Finished() {
		t.Fatal("run finished early")
	}
	if _, ok := m.Cancel("u1"); !ok {
		t.Fatal("cancel should succeed")
	}
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after abort")
	}
	if err := run.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if !run.Finished() {
		t.Fatal("run should report finished")
	}
}

func TestRegister_ConcurrentNeverLeavesTwoEntries(t *testing.T) {
	m := newManager(nil)
	handles := make([]*fakeHandle, 16)
	var wg sync.WaitGroup
	for i := range handles {
		handles[i] = &fakeHandle{}
		wg.Add(1)
		go func(h *fakeHandle) {
			defer wg.Done()
			m.Register("u1", h, taskmgr.Options{})
		}(handles[i])
	}
	wg.Wait()

	if got := len(m.List()); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
	aborted := 0
	for _, h := range handles {
		aborted += h.abortCount()
	}
	if aborted != len(handles)-1 {
		t.Fatalf("aborted %d handles, want %d", aborted, len(handles)-1)
	}
}
