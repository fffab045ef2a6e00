// Package inbox is the durable task queue: every piece of orchestrated work
// is submitted here, assigned to a worker and closed as completed or failed.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/otel"
	"github.com/glwlg/X-bot-sub002/internal/persistence"
	"github.com/glwlg/X-bot-sub002/internal/shared"
)

const (
	taskPrefix = "inbox/tasks/"
	seqKey     = "inbox/seq"
	eventsKey  = "inbox/events.jsonl"
)

type Config struct {
	Backend persistence.Backend
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Now     func() time.Time
}

// Inbox is safe for concurrent use. Each task record is guarded by the
// backend's per-key lock for the whole load, mutate and store sequence.
type Inbox struct {
	backend persistence.Backend
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time
}

func New(cfg Config) (*Inbox, error) {
	if cfg.Backend == nil {
		return nil, errors.New("inbox: backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Inbox{
		backend: cfg.Backend,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}, nil
}

func taskKey(id string) string { return taskPrefix + id + ".json" }

// validID rejects ids that could address records outside the task prefix.
func validID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// Submit creates a pending task and records a submission event.
func (in *Inbox) Submit(ctx context.Context, req SubmitRequest) (Task, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return Task{}, errors.New("submit task: goal is required")
	}
	priority, err := ParsePriority(string(req.Priority))
	if err != nil {
		return Task{}, fmt.Errorf("submit task: %w", err)
	}
	req.Priority = priority
	id, err := uuid.NewV7()
	if err != nil {
		return Task{}, fmt.Errorf("generate task id: %w", err)
	}
	seq, err := in.nextSeq(ctx)
	if err != nil {
		return Task{}, err
	}
	now := in.now().UTC()
	task := Task{
		ID:        id.String(),
		Seq:       seq,
		Source:    strings.TrimSpace(req.Source),
		Goal:      req.Goal,
		UserID:    req.UserID,
		Priority:  req.Priority,
		Status:    StatusPending,
		Payload:   req.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if task.Source == "" {
		task.Source = "chat"
	}
	if err := in.save(ctx, task); err != nil {
		return Task{}, err
	}
	in.appendEvent(ctx, Event{Event: "submitted", TaskID: task.ID, UserID: task.UserID, To: StatusPending, Reason: task.Source})
	in.metrics.TaskSubmitted(ctx, task.Source, string(task.Priority))
	in.publish(bus.TopicTaskSubmitted, task, "", "")
	in.logger.Info("task submitted", append(shared.LogAttrs(ctx), "task_id", task.ID, "source", task.Source, "priority", task.Priority)...)
	return task, nil
}

// Get is a point lookup. An unknown id returns ok=false and no error.
func (in *Inbox) Get(ctx context.Context, taskID string) (Task, bool, error) {
	if !validID(taskID) {
		return Task{}, false, nil
	}
	return in.load(ctx, taskID)
}

// AssignWorker moves a pending task to running. An unknown id returns false
// and creates nothing. A task that is not pending yields ErrInvalidTransition
// (or ErrTaskTerminal when already closed).
func (in *Inbox) AssignWorker(ctx context.Context, taskID, workerID, reason string) (bool, error) {
	return in.transition(ctx, taskID, StatusRunning, func(t *Task) {
		t.AssignedWorkerID = workerID
		t.AssignReason = reason
		started := in.now().UTC()
		t.StartedAt = &started
	}, workerID, reason)
}

// Complete closes a task successfully. result is merged into the structured
// output (UI payload preserved) and output.text is set to finalOutput.
func (in *Inbox) Complete(ctx context.Context, taskID string, result map[string]any, finalOutput string) (bool, error) {
	return in.transition(ctx, taskID, StatusCompleted, func(t *Task) {
		t.Result = shared.MergeMaps(t.Result, result)
		t.Output = t.Output.Merge(result, finalOutput)
		t.FinalOutput = t.Output.Text
	}, "", "")
}

// Fail closes a task as failed with errText as its output text.
func (in *Inbox) Fail(ctx context.Context, taskID, errText string, result map[string]any) (bool, error) {
	return in.transition(ctx, taskID, StatusFailed, func(t *Task) {
		t.Result = shared.MergeMaps(t.Result, result)
		t.Output = t.Output.Merge(result, errText)
		t.Error = errText
	}, "", errText)
}

func (in *Inbox) transition(ctx context.Context, taskID string, to Status, mutate func(*Task), workerID, reason string) (bool, error) {
	if !validID(taskID) {
		return false, nil
	}
	key := taskKey(taskID)
	unlock := in.backend.Lock(key)
	defer unlock()

	task, ok, err := in.load(ctx, taskID)
	if err != nil || !ok {
		return false, err
	}
	from := task.Status
	if from.Terminal() {
		return false, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, from)
	}
	if !canTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	mutate(&task)
	now := in.now().UTC()
	task.Status = to
	task.UpdatedAt = now
	if to.Terminal() {
		task.EndedAt = &now
	}
	if err := in.save(ctx, task); err != nil {
		return false, err
	}

	in.appendEvent(ctx, Event{Event: string(to), TaskID: taskID, UserID: task.UserID, From: from, To: to, WorkerID: workerID, Reason: reason})
	switch to {
	case StatusRunning:
		in.publish(bus.TopicTaskAssigned, task, from, reason)
	case StatusCompleted:
		in.metrics.TaskTerminal(ctx, string(to))
		in.publish(bus.TopicTaskCompleted, task, from, reason)
	case StatusFailed:
		in.metrics.TaskTerminal(ctx, string(to))
		in.publish(bus.TopicTaskFailed, task, from, reason)
	}
	in.logger.Info("task transition", append(shared.LogAttrs(ctx), "task_id", taskID, "from", from, "to", to, "worker_id", task.AssignedWorkerID)...)
	return true, nil
}

// ListOptions filters List. Zero values match everything.
type ListOptions struct {
	UserID string
	Status Status
	Limit  int
}

// List returns tasks newest first.
func (in *Inbox) List(ctx context.Context, opts ListOptions) ([]Task, error) {
	tasks, err := in.all(ctx, func(t Task) bool {
		return (opts.UserID == "" || t.UserID == opts.UserID) &&
			(opts.Status == "" || t.Status == opts.Status)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq > tasks[j].Seq })
	return limit(tasks, opts.Limit), nil
}

// ListPending returns pending tasks (optionally for one user) by priority,
// high first, with submission order breaking ties.
func (in *Inbox) ListPending(ctx context.Context, userID string, n int) ([]Task, error) {
	tasks, err := in.all(ctx, func(t Task) bool {
		return t.Status == StatusPending && (userID == "" || t.UserID == userID)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.rank(), tasks[j].Priority.rank()
		if ri != rj {
			return ri > rj
		}
		return tasks[i].Seq < tasks[j].Seq
	})
	return limit(tasks, n), nil
}

// ListRecentOutputs returns the user's most recently closed tasks, newest first.
func (in *Inbox) ListRecentOutputs(ctx context.Context, userID string, n int) ([]Task, error) {
	tasks, err := in.all(ctx, func(t Task) bool {
		return t.Status.Terminal() && (userID == "" || t.UserID == userID)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		ei, ej := endedAt(tasks[i]), endedAt(tasks[j])
		if !ei.Equal(ej) {
			return ei.After(ej)
		}
		return tasks[i].Seq > tasks[j].Seq
	})
	return limit(tasks, n), nil
}

// FailInterrupted closes every running task left behind by a previous
// process. It returns how many were failed.
func (in *Inbox) FailInterrupted(ctx context.Context, reason string) (int, error) {
	running, err := in.all(ctx, func(t Task) bool { return t.Status == StatusRunning })
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range running {
		ok, err := in.Fail(ctx, t.ID, reason, map[string]any{"interrupted": true})
		if errors.Is(err, ErrTaskTerminal) {
			continue
		}
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		in.logger.Warn("failed interrupted tasks", "count", n)
	}
	return n, nil
}

// Events replays the inbox event log in append order.
func (in *Inbox) Events(ctx context.Context) ([]Event, error) {
	lines, err := in.backend.ReadLog(ctx, eventsKey)
	if err != nil {
		return nil, fmt.Errorf("read inbox events: %w", err)
	}
	out := make([]Event, 0, len(lines))
	for _, line := range lines {
		var ev Event
		if json.Unmarshal(line, &ev) == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (in *Inbox) all(ctx context.Context, keep func(Task) bool) ([]Task, error) {
	keys, err := in.backend.List(ctx, taskPrefix)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]Task, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		raw, ok, err := in.backend.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			in.logger.Warn("skipping unreadable task record", "key", key, "error", err)
			continue
		}
		if keep(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (in *Inbox) load(ctx context.Context, taskID string) (Task, bool, error) {
	raw, ok, err := in.backend.Get(ctx, taskKey(taskID))
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidKey) {
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !ok {
		return Task{}, false, nil
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, false, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return t, true, nil
}

func (in *Inbox) save(ctx context.Context, t Task) error {
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := in.backend.Put(ctx, taskKey(t.ID), raw); err != nil {
		return fmt.Errorf("store task %s: %w", t.ID, err)
	}
	return nil
}

func (in *Inbox) nextSeq(ctx context.Context) (int64, error) {
	unlock := in.backend.Lock(seqKey)
	defer unlock()
	raw, _, err := in.backend.Get(ctx, seqKey)
	if err != nil {
		return 0, fmt.Errorf("read inbox sequence: %w", err)
	}
	var cur int64
	if s := strings.TrimSpace(string(raw)); s != "" {
		cur, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse inbox sequence %q: %w", s, err)
		}
	}
	cur++
	if err := in.backend.Put(ctx, seqKey, []byte(strconv.FormatInt(cur, 10))); err != nil {
		return 0, fmt.Errorf("store inbox sequence: %w", err)
	}
	return cur, nil
}

// appendEvent is best effort: the task record is authoritative.
func (in *Inbox) appendEvent(ctx context.Context, ev Event) {
	ev.Timestamp = in.now().UTC().Format(time.RFC3339Nano)
	if tid := shared.TraceID(ctx); tid != "-" {
		ev.TraceID = tid
	}
	ev.Reason = shared.Redact(ev.Reason)
	raw, err := json.Marshal(ev)
	if err == nil {
		err = in.backend.Append(ctx, eventsKey, raw)
	}
	if err != nil {
		in.logger.Error("append inbox event failed", "task_id", ev.TaskID, "event", ev.Event, "error", err)
	}
}

func (in *Inbox) publish(topic string, t Task, from Status, reason string) {
	if in.bus == nil {
		return
	}
	in.bus.Publish(topic, bus.TaskEvent{
		TaskID:    t.ID,
		UserID:    t.UserID,
		Source:    t.Source,
		OldStatus: string(from),
		NewStatus: string(t.Status),
		WorkerID:  t.AssignedWorkerID,
		Reason:    reason,
	})
}

func endedAt(t Task) time.Time {
	if t.EndedAt != nil {
		return *t.EndedAt
	}
	return t.UpdatedAt
}

func limit(tasks []Task, n int) []Task {
	if n > 0 && len(tasks) > n {
		return tasks[:n]
	}
	return tasks
}
