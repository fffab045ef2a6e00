package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/otel"
)

// Runner executes one heartbeat instruction for a user and returns the
// result text. The dispatcher's sync mode implements it.
type Runner interface {
	RunHeartbeat(ctx context.Context, userID, instruction string) (string, error)
}

// Notifier pushes a non-suppressed result to the user's delivery target.
type Notifier interface {
	Notify(ctx context.Context, target Target, userID, text string, level Level) error
}

type WorkerConfig struct {
	Store    *Store
	Runner   Runner
	Notifier Notifier
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	// Interval is how often users are polled; defaults to one minute.
	Interval time.Duration
}

// Worker polls every user's heartbeat document and runs the ones that are
// due.
type Worker struct {
	store    *Store
	runner   Runner
	notifier Notifier
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	inflight sync.Map // user id -> struct{}
}

func NewWorker(cfg WorkerConfig) *Worker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    cfg.Store,
		runner:   cfg.Runner,
		notifier: cfg.Notifier,
		bus:      cfg.Bus,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		interval: interval,
	}
}

// Start begins the polling loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("heartbeat worker started", "interval", w.interval)
}

// Stop cancels the loop and waits for in-flight runs to return.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("heartbeat worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("heartbeat tick failed", "error", err)
			}
		}
	}
}

// RunOnce checks every user once and runs those that are due. It returns
// how many runs were performed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	users, err := w.store.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		ok, err := w.RunUser(ctx, userID, false)
		if err != nil {
			w.logger.Error("heartbeat run failed", "user_id", userID, "error", err)
			continue
		}
		if ok {
			ran++
		}
	}
	return ran, nil
}

// RunUser runs the user's heartbeat if it is due, or unconditionally when
// force is set. A user whose session task is still running is skipped, as
// is one with a run already in flight.
func (w *Worker) RunUser(ctx context.Context, userID string, force bool) (bool, error) {
	if _, busy := w.inflight.LoadOrStore(userID, struct{}{}); busy {
		return false, nil
	}
	defer w.inflight.Delete(userID)

	doc, err := w.store.Load(ctx, userID)
	if err != nil {
		return false, err
	}
	if !force {
		due, err := w.store.due(doc, w.store.now())
		if err != nil || !due {
			return false, err
		}
	}
	if at := doc.Status.ActiveTask; at != nil && at.Running() {
		w.logger.Debug("heartbeat skipped: session task still running", "user_id", userID, "task_id", at.ID)
		return false, nil
	}

	ctx, span := otel.StartSpan(ctx, w.tracer, "heartbeat.run", otel.AttrUserID.String(userID))
	defer span.End()

	started := w.store.now()
	text, runErr := w.runner.RunHeartbeat(ctx, userID, BuildInstruction(doc, w.store.classifier.Sentinel))
	if runErr != nil {
		text = fmt.Sprintf("Heartbeat run failed: %v", runErr)
		span.RecordError(runErr)
	}
	level, err := w.store.MarkRun(ctx, userID, text, started)
	if err != nil {
		return true, fmt.Errorf("mark heartbeat run: %w", err)
	}
	if runErr != nil {
		level = LevelAction
	}
	span.SetAttributes(otel.AttrLevel.String(string(level)))
	w.metrics.HeartbeatRun(ctx, string(level))
	if w.bus != nil {
		w.bus.Publish(bus.TopicHeartbeatRun, bus.HeartbeatRunEvent{UserID: userID, Level: string(level)})
	}
	w.logger.Info("heartbeat run", "user_id", userID, "level", level, "elapsed", time.Since(started))

	if level == LevelOK || strings.TrimSpace(text) == "" {
		return true, nil
	}
	w.deliver(ctx, userID, doc.Spec.Delivery, text, level)
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, userID string, target Target, text string, level Level) {
	if w.notifier == nil {
		return
	}
	if target.IsZero() {
		w.logger.Warn("heartbeat result not delivered: no delivery target", "user_id", userID, "level", level)
		return
	}
	if level == LevelAction {
		text = "[Action needed] " + text
	}
	if err := w.notifier.Notify(ctx, target, userID, text, level); err != nil {
		w.logger.Error("heartbeat delivery failed", "user_id", userID, "platform", target.Platform, "error", err)
	}
}

// BuildInstruction turns the checklist into the prompt given to the runner.
func BuildInstruction(doc Document, sentinel string) string {
	if sentinel == "" {
		sentinel = DefaultOKSentinel
	}
	var b strings.Builder
	b.WriteString("Periodic heartbeat check.\n\n")
	if len(doc.Checklist) == 0 {
		b.WriteString("There is no checklist. Review anything pending for the user.\n")
	} else {
		b.WriteString("Review each item on the checklist:\n\n")
		for i, item := range doc.Checklist {
			fmt.Fprintf(&b, "%d. %s\n", i+1, item)
		}
	}
	if at := doc.Status.LastTask; at != nil && at.ResultSummary != "" {
		fmt.Fprintf(&b, "\nLast session task (%s, %s): %s\n", at.ID, at.Status, at.ResultSummary)
	}
	fmt.Fprintf(&b, "\nIf nothing needs the user's attention, reply with exactly %s.", sentinel)
	return b.String()
}
