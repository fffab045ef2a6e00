// Package cron fires configured schedules by submitting inbox tasks.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/inbox"
	"github.com/glwlg/X-bot-sub002/internal/persistence"
)

// Source is recorded on every task a schedule submits.
const Source = "cron"

const stateKey = "cron/schedules.json"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow)
// and @descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Submitter queues a task; *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.Request) (inbox.Task, error)
}

// Entry is one schedule.
type Entry struct {
	Name     string
	Expr     string
	Goal     string
	UserID   string
	Priority inbox.Priority
	WorkerID string
}

// Run is the persisted state of an entry.
type Run struct {
	Expr       string     `json:"expr"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastTaskID string     `json:"last_task_id,omitempty"`
	NextRunAt  time.Time  `json:"next_run_at"`
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Backend   persistence.Backend
	Submitter Submitter
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	Now       func() time.Time
}

type schedule struct {
	entry Entry
	sched cronlib.Schedule
}

// Scheduler keeps the configured entries and fires those that are due on
// each tick. Next-run times are persisted so a restart neither skips nor
// repeats a run.
type Scheduler struct {
	backend   persistence.Backend
	submitter Submitter
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Backend == nil || cfg.Submitter == nil {
		return nil, errors.New("cron: backend and submitter are required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		backend:   cfg.Backend,
		submitter: cfg.Submitter,
		logger:    logger,
		interval:  interval,
		now:       now,
		entries:   map[string]schedule{},
	}, nil
}

// Set replaces the entry list. Entries whose expression fails to parse are
// skipped and reported in the returned error; the valid ones still apply.
func (s *Scheduler) Set(entries []Entry) error {
	next := make(map[string]schedule, len(entries))
	var errs []error
	for _, e := range entries {
		sched, err := cronParser.Parse(e.Expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", e.Name, err))
			continue
		}
		next[e.Name] = schedule{entry: e, sched: sched}
	}
	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
	return errors.Join(errs...)
}

// Entries returns the active entries sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, sc := range s.entries {
		out = append(out, sc.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "entries", len(s.Entries()))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		s.logger.Error("cron: tick failed", "error", err)
	}
}

// Tick fires every due entry once and returns how many fired. An entry seen
// for the first time, or whose expression changed, is scheduled from now.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	unlock := s.backend.Lock(stateKey)
	defer unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	s.mu.Lock()
	entries := make([]schedule, 0, len(s.entries))
	for _, sc := range s.entries {
		entries = append(entries, sc)
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].entry.Name < entries[j].entry.Name })

	fired := 0
	live := make(map[string]Run, len(entries))
	for _, sc := range entries {
		run, ok := state[sc.entry.Name]
		if !ok || run.Expr != sc.entry.Expr {
			run = Run{Expr: sc.entry.Expr, NextRunAt: sc.sched.Next(now)}
		}
		if !run.NextRunAt.After(now) {
			taskID, err := s.fire(ctx, sc.entry)
			if err == nil {
				at := now
				run.LastRunAt = &at
				run.LastTaskID = taskID
				run.NextRunAt = sc.sched.Next(now)
				fired++
			}
		}
		live[sc.entry.Name] = run
	}
	if err := s.saveState(ctx, live); err != nil {
		return fired, err
	}
	return fired, nil
}

// State returns the persisted run state keyed by entry name.
func (s *Scheduler) State(ctx context.Context) (map[string]Run, error) {
	return s.loadState(ctx)
}

func (s *Scheduler) fire(ctx context.Context, e Entry) (string, error) {
	task, err := s.submitter.Submit(ctx, dispatch.Request{
		UserID:   e.UserID,
		Source:   Source,
		Goal:     e.Goal,
		Priority: e.Priority,
		WorkerID: e.WorkerID,
		Mode:     dispatch.ModeAsync,
		Payload:  map[string]any{"schedule": e.Name},
	})
	if err != nil {
		s.logger.Error("cron: failed to submit task for schedule",
			"schedule_name", e.Name,
			"error", err,
		)
		return "", err
	}
	s.logger.Info("cron: schedule fired",
		"schedule_name", e.Name,
		"task_id", task.ID,
		"user_id", e.UserID,
	)
	return task.ID, nil
}

func (s *Scheduler) loadState(ctx context.Context) (map[string]Run, error) {
	raw, ok, err := s.backend.Get(ctx, stateKey)
	if err != nil {
		return nil, fmt.Errorf("load cron state: %w", err)
	}
	state := map[string]Run{}
	if !ok || len(raw) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		s.logger.Warn("cron: discarding unreadable state", "error", err)
		return map[string]Run{}, nil
	}
	return state, nil
}

func (s *Scheduler) saveState(ctx context.Context, state map[string]Run) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron state: %w", err)
	}
	if err := s.backend.Put(ctx, stateKey, raw); err != nil {
		return fmt.Errorf("save cron state: %w", err)
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
