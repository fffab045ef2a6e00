package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/inbox"
	"github.com/glwlg/X-bot-sub002/internal/shared"
)

type DaemonConfig struct {
	Inbox      *inbox.Inbox
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	// Concurrency bounds simultaneous runs; defaults to 2.
	Concurrency  int
	PollInterval time.Duration
	// SyncGrace is how long a sync-mode task may sit pending before the
	// daemon assumes its caller is gone and runs it anyway.
	SyncGrace time.Duration
	Now       func() time.Time
}

// DaemonStatus is a snapshot for status output.
type DaemonStatus struct {
	Concurrency int    `json:"concurrency"`
	Active      int32  `json:"active"`
	Processed   int64  `json:"processed"`
	LastError   string `json:"last_error,omitempty"`
}

// Daemon polls the inbox and runs pending tasks with bounded concurrency.
type Daemon struct {
	inbox    *inbox.Inbox
	disp     *Dispatcher
	logger   *slog.Logger
	poll     time.Duration
	grace    time.Duration
	now      func() time.Time
	slots    chan struct{}
	inflight sync.Map // inbox task id -> struct{}

	once sync.Once
	loop sync.WaitGroup
	runs sync.WaitGroup

	active    atomic.Int32
	processed atomic.Int64
	lastError atomic.Pointer[string]
}

func NewDaemon(cfg DaemonConfig) *Daemon {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SyncGrace <= 0 {
		cfg.SyncGrace = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Daemon{
		inbox:  cfg.Inbox,
		disp:   cfg.Dispatcher,
		logger: cfg.Logger,
		poll:   cfg.PollInterval,
		grace:  cfg.SyncGrace,
		now:    cfg.Now,
		slots:  make(chan struct{}, cfg.Concurrency),
	}
}

// Start fails tasks left running by a previous process, then starts polling.
func (d *Daemon) Start(ctx context.Context) {
	d.once.Do(func() {
		n, err := d.inbox.FailInterrupted(ctx, "interrupted by restart")
		if err != nil {
			d.logger.Error("task recovery failed", "error", err)
		} else if n > 0 {
			d.logger.Info("failed interrupted tasks on startup", "count", n)
		}
		d.loop.Add(1)
		go d.run(ctx)
		d.logger.Info("worker daemon started", "concurrency", cap(d.slots), "poll_interval", d.poll)
	})
}

// Wait blocks until the poll loop and all runs have returned.
func (d *Daemon) Wait() {
	d.loop.Wait()
	d.runs.Wait()
}

// Drain waits up to timeout for in-flight runs. Runs still going after that
// are failed by FailInterrupted on the next start.
func (d *Daemon) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("worker daemon drained cleanly")
	case <-time.After(timeout):
		d.logger.Warn("worker daemon drain timeout", "timeout", timeout, "active", d.active.Load())
	}
}

func (d *Daemon) Status() DaemonStatus {
	st := DaemonStatus{
		Concurrency: cap(d.slots),
		Active:      d.active.Load(),
		Processed:   d.processed.Load(),
	}
	if p := d.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

func (d *Daemon) run(ctx context.Context) {
	defer d.loop.Done()
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.setLastError(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick claims as many eligible pending tasks as there are free slots and
// starts them. It returns how many were started.
func (d *Daemon) Tick(ctx context.Context) (int, error) {
	free := cap(d.slots) - len(d.slots)
	if free <= 0 {
		return 0, nil
	}
	pending, err := d.inbox.ListPending(ctx, "", 0)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	started := 0
	for _, task := range pending {
		if started >= free || ctx.Err() != nil {
			break
		}
		if !d.eligible(task) {
			continue
		}
		if _, busy := d.inflight.LoadOrStore(task.ID, struct{}{}); busy {
			continue
		}
		worker, err := d.disp.Claim(ctx, task, "")
		if err != nil {
			d.inflight.Delete(task.ID)
			if !errors.Is(err, ErrNotClaimed) {
				d.setLastError(err)
				d.logger.Warn("claim task failed", "task_id", task.ID, "error", err)
			}
			continue
		}
		d.slots <- struct{}{}
		d.active.Add(1)
		d.runs.Add(1)
		started++
		go func(taskID string) {
			defer func() {
				<-d.slots
				d.active.Add(-1)
				d.inflight.Delete(taskID)
				d.runs.Done()
			}()
			runCtx := shared.WithSource(ctx, task.Source)
			if _, err := d.disp.Run(runCtx, taskID, worker); err != nil && !errors.Is(err, context.Canceled) {
				d.setLastError(err)
			}
			d.processed.Add(1)
		}(task.ID)
	}
	return started, nil
}

// eligible skips sync-mode tasks whose caller is expected to run them,
// unless they have waited past the grace period.
func (d *Daemon) eligible(task inbox.Task) bool {
	if mode, _ := task.Payload[PayloadMode].(string); mode != string(ModeSync) {
		return true
	}
	return d.now().Sub(task.CreatedAt) >= d.grace
}

func (d *Daemon) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	d.lastError.Store(&msg)
}
