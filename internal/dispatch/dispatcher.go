package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glwlg/X-bot-sub002/internal/heartbeat"
	"github.com/glwlg/X-bot-sub002/internal/inbox"
	"github.com/glwlg/X-bot-sub002/internal/otel"
	"github.com/glwlg/X-bot-sub002/internal/shared"
	"github.com/glwlg/X-bot-sub002/internal/workers"
)

// Mode selects whether Dispatch waits for the worker.
type Mode string

const (
	// ModeAsync queues the task and returns at once; the daemon runs it.
	ModeAsync Mode = "async"
	// ModeSync runs the task before returning.
	ModeSync Mode = "sync"
)

// Payload keys the dispatcher reads back from inbox tasks.
const (
	PayloadMode         = "dispatch_mode"
	PayloadWorkerID     = "worker_id"
	PayloadTrackSession = "track_session"
)

// SourceHeartbeat marks tasks started by the heartbeat worker.
const SourceHeartbeat = "heartbeat"

// ErrNotClaimed is returned when another executor already took the task.
var ErrNotClaimed = errors.New("task already claimed")

type Config struct {
	Inbox    *inbox.Inbox
	Registry *workers.Registry
	Journal  *workers.Journal
	Runtime  Runtime
	// Heartbeat, when set, receives session active-task bookkeeping.
	Heartbeat *heartbeat.Store
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	// Timeout bounds one run; zero leaves it to the runtime.
	Timeout time.Duration
}

// Dispatcher ties inbox, registry, journal and runtime together.
type Dispatcher struct {
	inbox     *inbox.Inbox
	registry  *workers.Registry
	journal   *workers.Journal
	runtime   Runtime
	heartbeat *heartbeat.Store
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
	timeout   time.Duration
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Inbox == nil || cfg.Registry == nil || cfg.Journal == nil || cfg.Runtime == nil {
		return nil, errors.New("dispatch: inbox, registry, journal and runtime are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		inbox:     cfg.Inbox,
		registry:  cfg.Registry,
		journal:   cfg.Journal,
		runtime:   cfg.Runtime,
		heartbeat: cfg.Heartbeat,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		timeout:   cfg.Timeout,
	}, nil
}

// Request describes work to dispatch.
type Request struct {
	UserID   string
	Source   string
	Goal     string
	Payload  map[string]any
	Priority inbox.Priority
	// WorkerID pins the task to one worker; empty picks the default.
	WorkerID string
	Mode     Mode
	// TrackSession records the task as the user's session active task in
	// the heartbeat store.
	TrackSession bool
}

// Outcome reports what happened to a dispatched task. Record is zero for a
// queued (async) task.
type Outcome struct {
	Task   inbox.Task
	Record workers.Record
	Output shared.Output
	Queued bool
}

// Dispatch submits the request to the inbox and, in sync mode, runs it.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	task, err := d.Submit(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	if req.Mode != ModeSync {
		return Outcome{Task: task, Queued: true}, nil
	}
	return d.Execute(ctx, task, req.WorkerID)
}

// Submit records the request as a pending inbox task without running it.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (inbox.Task, error) {
	mode := req.Mode
	if mode == "" {
		mode = ModeAsync
	}
	payload := shared.MergeMaps(nil, req.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	payload[PayloadMode] = string(mode)
	if req.WorkerID != "" {
		payload[PayloadWorkerID] = req.WorkerID
	}
	if req.TrackSession {
		payload[PayloadTrackSession] = true
	}
	task, err := d.inbox.Submit(ctx, inbox.SubmitRequest{
		Source:   req.Source,
		Goal:     req.Goal,
		UserID:   req.UserID,
		Payload:  payload,
		Priority: req.Priority,
	})
	if err != nil {
		return inbox.Task{}, err
	}
	if tracksSession(task) {
		d.trackSession(ctx, task, "pending")
	}
	return task, nil
}

// Execute claims a pending task for a worker and runs it.
func (d *Dispatcher) Execute(ctx context.Context, task inbox.Task, workerID string) (Outcome, error) {
	worker, err := d.Claim(ctx, task, workerID)
	if err != nil {
		return Outcome{Task: task}, err
	}
	return d.Run(ctx, task.ID, worker)
}

// Claim resolves the worker and moves the task to running. It returns
// ErrNotClaimed when the task is no longer pending.
func (d *Dispatcher) Claim(ctx context.Context, task inbox.Task, workerID string) (workers.Worker, error) {
	if workerID == "" {
		if pinned, ok := task.Payload[PayloadWorkerID].(string); ok {
			workerID = pinned
		}
	}
	worker, reason, err := d.pickWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, workers.ErrWorkerNotFound) {
			if _, ferr := d.inbox.Fail(ctx, task.ID, err.Error(), nil); ferr != nil {
				d.logger.Error("fail task with unknown worker", "task_id", task.ID, "error", ferr)
			}
		}
		return workers.Worker{}, err
	}
	ok, err := d.inbox.AssignWorker(ctx, task.ID, worker.ID, reason)
	if errors.Is(err, inbox.ErrInvalidTransition) || errors.Is(err, inbox.ErrTaskTerminal) {
		return workers.Worker{}, fmt.Errorf("%w: %s", ErrNotClaimed, task.ID)
	}
	if err != nil {
		return workers.Worker{}, fmt.Errorf("assign task: %w", err)
	}
	if !ok {
		return workers.Worker{}, fmt.Errorf("%w: %s not found", ErrNotClaimed, task.ID)
	}
	if err := d.registry.RecordAssignment(ctx, worker.ID, task.ID); err != nil {
		d.logger.Warn("record worker assignment", "worker_id", worker.ID, "task_id", task.ID, "error", err)
	}
	return worker, nil
}

func (d *Dispatcher) pickWorker(ctx context.Context, workerID string) (workers.Worker, string, error) {
	if workerID == "" {
		w, err := d.registry.EnsureDefaultWorker(ctx)
		if err != nil {
			return workers.Worker{}, "", err
		}
		return w, "default worker", nil
	}
	w, ok, err := d.registry.GetWorker(ctx, workerID)
	if err != nil {
		return workers.Worker{}, "", err
	}
	if !ok {
		return workers.Worker{}, "", fmt.Errorf("%w: %s", workers.ErrWorkerNotFound, workerID)
	}
	return w, "requested worker", nil
}

// Run executes a claimed (running) task on worker and records the outcome
// in the journal, the inbox and the registry.
func (d *Dispatcher) Run(ctx context.Context, taskID string, worker workers.Worker) (Outcome, error) {
	task, ok, err := d.inbox.Get(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s not found", ErrNotClaimed, taskID)
	}
	ctx = shared.WithTaskID(shared.WithWorkerID(shared.WithUserID(ctx, task.UserID), worker.ID), task.ID)
	if id := shared.TraceID(ctx); id == "" || id == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}

	rec, err := d.journal.CreateTask(ctx, worker.ID, task.Source, task.Goal, map[string]any{
		"inbox_task_id": task.ID,
		"user_id":       task.UserID,
		"trace_id":      shared.TraceID(ctx),
	})
	if err != nil {
		d.closeFailed(ctx, task, worker, "", fmt.Sprintf("journal unavailable: %v", err), nil)
		return Outcome{Task: task}, err
	}
	if tracksSession(task) {
		d.trackSession(ctx, task, "running")
	}

	ctx, span := otel.StartClientSpan(ctx, d.tracer, "dispatch.run",
		otel.AttrTaskID.String(task.ID),
		otel.AttrUserID.String(task.UserID),
		otel.AttrWorkerID.String(worker.ID),
		otel.AttrBackend.String(worker.Backend),
		otel.AttrSource.String(task.Source),
	)
	defer span.End()

	runCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	started := time.Now()
	d.logger.Info("dispatch started", append(shared.LogAttrs(ctx), "journal_task_id", rec.TaskID, "backend", worker.Backend)...)
	res, runErr := d.runtime.Execute(runCtx, RunRequest{
		TaskID:          rec.TaskID,
		InboxTaskID:     task.ID,
		WorkerID:        worker.ID,
		Backend:         worker.Backend,
		UserID:          task.UserID,
		Source:          task.Source,
		Instruction:     task.Goal,
		Metadata:        task.Payload,
		WorkspaceRoot:   worker.WorkspaceRoot,
		CredentialsRoot: worker.CredentialsRoot,
	})
	elapsed := time.Since(started)

	status := workers.RecordCompleted
	errText := ""
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		status, errText = workers.RecordCancelled, "cancelled"
	case runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		status, errText = workers.RecordFailed, fmt.Sprintf("timed out after %s", d.timeout)
	case runErr != nil:
		status, errText = workers.RecordFailed, runErr.Error()
	case !res.OK:
		status, errText = workers.RecordFailed, res.Error
		if errText == "" {
			errText = "worker reported failure"
		}
	}
	ok = status == workers.RecordCompleted
	d.metrics.Dispatched(ctx, worker.Backend, ok, elapsed)
	span.SetAttributes(otel.AttrStatus.String(status))
	if !ok {
		span.SetStatus(codes.Error, errText)
	}

	output := shared.Output{Text: res.Text, UI: res.UI}
	if !ok && output.Text == "" {
		output.Text = errText
	}
	result := map[string]any{"journal_task_id": rec.TaskID}
	if res.UI != nil {
		result["ui"] = res.UI
	}
	if res.Data != nil {
		result["data"] = res.Data
	}

	// The caller's context may be cancelled; outcome writes must still land.
	wctx := context.WithoutCancel(ctx)
	out := Outcome{Output: output, Record: rec}
	if updated, _, err := d.journal.UpdateTask(wctx, rec.TaskID, workers.Update{
		Status: status,
		Result: result,
		Output: &output,
		Error:  errText,
	}); err != nil {
		d.logger.Error("journal update failed", "journal_task_id", rec.TaskID, "error", err)
	} else {
		out.Record = updated
	}

	if ok {
		if _, err := d.inbox.Complete(wctx, task.ID, result, output.Text); err != nil {
			d.logger.Error("complete inbox task", "task_id", task.ID, "error", err)
		}
		if err := d.registry.RecordOutcome(wctx, worker.ID, task.ID, ""); err != nil {
			d.logger.Warn("record worker outcome", "worker_id", worker.ID, "error", err)
		}
	} else {
		d.closeFailed(wctx, task, worker, rec.TaskID, errText, result)
	}
	if tracksSession(task) {
		d.finishSession(wctx, task, status, output.Text)
	}

	if t, found, err := d.inbox.Get(wctx, task.ID); err == nil && found {
		task = t
	}
	out.Task = task
	d.logger.Info("dispatch finished", append(shared.LogAttrs(ctx), "status", status, "elapsed", elapsed)...)
	if status == workers.RecordCancelled {
		return out, context.Canceled
	}
	return out, nil
}

func (d *Dispatcher) closeFailed(ctx context.Context, task inbox.Task, worker workers.Worker, journalID, errText string, result map[string]any) {
	if _, err := d.inbox.Fail(ctx, task.ID, errText, result); err != nil {
		d.logger.Error("fail inbox task", "task_id", task.ID, "error", err)
	}
	if err := d.registry.RecordOutcome(ctx, worker.ID, task.ID, errText); err != nil {
		d.logger.Warn("record worker outcome", "worker_id", worker.ID, "error", err)
	}
	if journalID != "" {
		d.logger.Warn("dispatch failed", "task_id", task.ID, "journal_task_id", journalID, "error", errText)
	}
}

func tracksSession(task inbox.Task) bool {
	track, _ := task.Payload[PayloadTrackSession].(bool)
	return track && task.UserID != "" && task.Source != SourceHeartbeat
}

func (d *Dispatcher) trackSession(ctx context.Context, task inbox.Task, status string) {
	if d.heartbeat == nil {
		return
	}
	if status == "running" {
		s := status
		if _, ok, err := d.heartbeat.UpdateActiveTask(ctx, task.UserID, heartbeat.ActiveTaskPatch{ID: task.ID, Status: &s}, false); err == nil && ok {
			return
		}
	}
	if err := d.heartbeat.SetActiveTask(ctx, task.UserID, heartbeat.ActiveTask{
		ID:     task.ID,
		Goal:   task.Goal,
		Status: status,
		Source: task.Source,
	}); err != nil {
		d.logger.Warn("track session task", "user_id", task.UserID, "task_id", task.ID, "error", err)
	}
}

func (d *Dispatcher) finishSession(ctx context.Context, task inbox.Task, status, summary string) {
	if d.heartbeat == nil {
		return
	}
	summary = strings.TrimSpace(summary)
	if _, _, err := d.heartbeat.UpdateActiveTask(ctx, task.UserID, heartbeat.ActiveTaskPatch{
		ID:            task.ID,
		Status:        &status,
		ResultSummary: &summary,
	}, true); err != nil {
		d.logger.Warn("update session task", "user_id", task.UserID, "task_id", task.ID, "error", err)
	}
}

// RunHeartbeat runs a heartbeat instruction synchronously for the user and
// returns the worker's reply text.
func (d *Dispatcher) RunHeartbeat(ctx context.Context, userID, instruction string) (string, error) {
	out, err := d.Dispatch(ctx, Request{
		UserID:   userID,
		Source:   SourceHeartbeat,
		Goal:     instruction,
		Priority: inbox.PriorityHigh,
		Mode:     ModeSync,
	})
	if err != nil {
		return "", err
	}
	if out.Task.Status == inbox.StatusFailed {
		return "", errors.New(out.Task.Error)
	}
	return out.Output.Text, nil
}
