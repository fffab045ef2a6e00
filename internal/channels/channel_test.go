package channels_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/audit"
	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/channels"
	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/heartbeat"
	"github.com/glwlg/X-bot-sub002/internal/inbox"
	"github.com/glwlg/X-bot-sub002/internal/persistence"
	"github.com/glwlg/X-bot-sub002/internal/taskmgr"
	"github.com/glwlg/X-bot-sub002/internal/workers"
)

// Compile-time interface checks.
var (
	_ channels.Channel   = (*channels.TelegramChannel)(nil)
	_ heartbeat.Notifier = (*channels.TelegramChannel)(nil)
)

func TestTelegramChannel_Name(t *testing.T) {
	ch := channels.NewTelegramChannel(channels.TelegramConfig{Token: "fake-token"})
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_NotifyRejectsOtherPlatforms(t *testing.T) {
	ch := channels.NewTelegramChannel(channels.TelegramConfig{Token: "fake-token", AllowedIDs: []int64{1}})
	err := ch.Notify(context.Background(), heartbeat.Target{Platform: "discord", ChatID: "1"}, "u1", "hi", heartbeat.LevelNotice)
	if err == nil || !strings.Contains(err.Error(), "discord") {
		t.Fatalf("err = %v", err)
	}
	err = ch.Notify(context.Background(), heartbeat.Target{Platform: "telegram", ChatID: "42"}, "u1", "hi", heartbeat.LevelNotice)
	if !errors.Is(err, channels.ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
}

type recorder struct {
	mu      sync.Mutex
	replies []channels.Reply
}

func (r *recorder) Reply(_ context.Context, reply channels.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.replies))
	for i, rep := range r.replies {
		out[i] = rep.Text
	}
	return out
}

func (r *recorder) last() channels.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return channels.Reply{}
	}
	return r.replies[len(r.replies)-1]
}

type fixture struct {
	bus     *bus.Bus
	inbox   *inbox.Inbox
	hb      *heartbeat.Store
	manager *taskmgr.Manager
	disp    *dispatch.Dispatcher
	chat    *channels.Chat
}

// echoRuntime blocks on instructions starting with "slow" until cancelled
// and echoes anything else.
func echoRuntime() dispatch.Runtime {
	return dispatch.RuntimeFunc(func(ctx context.Context, req dispatch.RunRequest) (dispatch.Result, error) {
		if strings.HasPrefix(req.Instruction, "slow") {
			<-ctx.Done()
			return dispatch.Result{}, ctx.Err()
		}
		return dispatch.Result{OK: true, Text: "echo: " + req.Instruction, UI: map[string]any{"actions": []any{}}}, nil
	})
}

func newFixture(t *testing.T) *fixture {
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
	hb, err := heartbeat.NewStore(heartbeat.StoreConfig{Root: filepath.Join(home, "users"), Versions: versions, Logger: logger})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	d, err := dispatch.New(dispatch.Config{Inbox: in, Registry: reg, Journal: j, Runtime: echoRuntime(), Heartbeat: hb, Logger: logger})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	mgr := taskmgr.New(taskmgr.Config{Bus: b, Logger: logger})
	chat, err := channels.NewChat(channels.ChatConfig{Platform: "telegram", Manager: mgr, Dispatcher: d, Heartbeat: hb, Logger: logger})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	return &fixture{bus: b, inbox: in, hb: hb, manager: mgr, disp: d, chat: chat}
}

func msg(text string) channels.Message {
	return channels.Message{UserID: "u1", ChatID: "100", Text: text}
}

func TestChat_TurnRepliesAndTracksSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := &recorder{}

	run := f.chat.Handle(ctx, msg("what's on today"), out)
	if run == nil {
		t.Fatal("expected a chat turn")
	}
	if err := run.Wait(); err != nil {
		t.Fatalf("turn: %v", err)
	}
	last := out.last()
	if last.Text != "echo: what's on today" || last.UI == nil {
		t.Fatalf("reply = %+v", last)
	}
	if f.manager.HasActiveTask("u1") {
		t.Fatal("finished turn should unregister itself")
	}

	target, ok, err := f.hb.DeliveryTarget(ctx, "u1")
	if err != nil || !ok || target.ChatID != "100" || target.Platform != "telegram" {
		t.Fatalf("delivery target = %+v ok=%v err=%v", target, ok, err)
	}
	if _, ok, _ := f.hb.GetActiveTask(ctx, "u1"); ok {
		t.Fatal("finished turn should clear the active task")
	}
	at, ok, _ := f.hb.LastTask(ctx, "u1")
	if !ok || at.Status != workers.RecordCompleted || at.ResultSummary != "echo: what's on today" {
		t.Fatalf("last task = %+v", at)
	}

	f.chat.Handle(ctx, msg("/status"), out)
	if got := out.last().Text; !strings.HasPrefix(got, "Last task: what's on today [completed]") {
		t.Fatalf("status = %q", got)
	}
}

func TestChat_StopCancelsRunningTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := &recorder{}

	run := f.chat.Handle(ctx, msg("slow research"), out)
	waitUntil(t, func() bool { return f.manager.HasActiveTask("u1") })

	f.chat.Handle(ctx, msg("/status"), out)
	if got := out.last().Text; !strings.HasPrefix(got, "Running: slow research") {
		t.Fatalf("status = %q", got)
	}

	f.chat.Handle(ctx, msg("/stop"), out)
	if got := out.last().Text; got != "Stopped: slow research" {
		t.Fatalf("stop reply = %q", got)
	}
	if err := run.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("turn err = %v", err)
	}
	for _, text := range out.texts() {
		if strings.HasPrefix(text, "Task failed") {
			t.Fatalf("cancelled turn should not report failure: %q", text)
		}
	}

	f.chat.Handle(ctx, msg("/stop"), out)
	if got := out.last().Text; got != "Nothing is running." {
		t.Fatalf("second stop = %q", got)
	}
}

func TestChat_NewMessageSupersedesRunningTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := &recorder{}

	first := f.chat.Handle(ctx, msg("slow one"), out)
	waitUntil(t, func() bool { return f.manager.HasActiveTask("u1") })

	second := f.chat.Handle(ctx, msg("quick two"), out)
	if err := first.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("first turn err = %v", err)
	}
	if err := second.Wait(); err != nil {
		t.Fatalf("second turn err = %v", err)
	}
	texts := out.texts()
	if len(texts) != 2 || texts[0] != "Stopped previous task: slow one" || texts[1] != "echo: quick two" {
		t.Fatalf("replies = %q", texts)
	}
}

func TestChat_HeartbeatCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := &recorder{}

	steps := []struct {
		in, want string
	}{
		{"/heartbeat add check the backups", "Checklist has 1 item(s)."},
		{"/heartbeat add water plants", "Checklist has 2 item(s)."},
		{"/heartbeat every 2h", "Heartbeat runs every 2h."},
		{"/heartbeat every sometimes", "Error: "},
		{"/heartbeat PAUSE", "Heartbeat paused."},
		{"/heartbeat remove 1", "Removed."},
		{"/heartbeat remove nothing-here", "No such checklist item."},
		{"/heartbeat@xbot", "Heartbeat paused, every 2h\nChecklist"},
		{"/heartbeat resume", "Heartbeat resumed."},
		{"/nope", "Unknown command."},
	}
	for _, s := range steps {
		f.chat.Handle(ctx, msg(s.in), out)
		got := out.last().Text
		if s.in == "/heartbeat@xbot" {
			if !strings.HasPrefix(got, "Heartbeat paused, every 2h") || !strings.Contains(got, "1. water plants") {
				t.Fatalf("%s -> %q", s.in, got)
			}
			continue
		}
		if !strings.HasPrefix(got, s.want) {
			t.Fatalf("%s -> %q, want prefix %q", s.in, got, s.want)
		}
	}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *fakeNotifier) Notify(_ context.Context, target heartbeat.Target, userID, text string, level heartbeat.Level) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, string(level)+"|"+target.ChatID+"|"+text)
	return nil
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func TestOutputForwarder_DeliversQueuedResults(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.hb.SetDeliveryTarget(ctx, "u1", heartbeat.Target{Platform: "telegram", ChatID: "100"}); err != nil {
		t.Fatalf("set target: %v", err)
	}
	n := &fakeNotifier{}
	fwd := &channels.OutputForwarder{Bus: f.bus, Inbox: f.inbox, Heartbeat: f.hb, Notifier: n}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fwd.Run(ctx)
	}()
	waitUntil(t, func() bool { return f.bus.SubscriberCount() > 0 })

	// A sync chat turn replies inline and is not forwarded.
	if run := f.chat.Handle(ctx, msg("inline"), &recorder{}); run != nil {
		_ = run.Wait()
	}
	task, err := f.disp.Submit(ctx, dispatch.Request{UserID: "u1", Source: "cron", Goal: "digest"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.disp.Execute(ctx, task, ""); err != nil {
		t.Fatalf("execute: %v", err)
	}

	waitUntil(t, func() bool { return len(n.messages()) == 1 })
	if got := n.messages()[0]; got != "NOTICE|100|echo: digest" {
		t.Fatalf("forwarded = %q", got)
	}
	cancel()
	<-done
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
