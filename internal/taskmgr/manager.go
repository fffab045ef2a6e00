// Package taskmgr tracks the single live unit of work per user inside this
// process, so a chat turn can be superseded or stopped.
package taskmgr

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/otel"
)

// Options describes the work being registered.
type Options struct {
	Description   string
	TaskID        string
	TodoPath      string
	HeartbeatPath string
}

// Active is one registered unit of work. The work itself may hold on to it
// to poll CancelRequested and report heartbeats.
type Active struct {
	userID    string
	handle    Handle
	opts      Options
	startedAt time.Time

	beatAt          atomic.Int64 // unix nanos, 0 = never
	beatNote        atomic.Pointer[string]
	cancelRequested atomic.Bool
}

func (a *Active) TaskID() string { return a.opts.TaskID }

func (a *Active) Description() string { return a.opts.Description }

// CancelRequested is the soft flag as seen by the work itself.
func (a *Active) CancelRequested() bool { return a.cancelRequested.Load() }

func (a *Active) beat(now time.Time, note string) {
	a.beatAt.Store(now.UnixNano())
	if note != "" {
		a.beatNote.Store(&note)
	}
}

// Info is a point-in-time view of an active task.
type Info struct {
	UserID            string        `json:"user_id"`
	TaskID            string        `json:"task_id,omitempty"`
	Description       string        `json:"description"`
	TodoPath          string        `json:"todo_path,omitempty"`
	HeartbeatPath     string        `json:"heartbeat_path,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	Running           time.Duration `json:"running"`
	LastHeartbeatAt   *time.Time    `json:"last_heartbeat_at,omitempty"`
	LastHeartbeatNote string        `json:"last_heartbeat_note,omitempty"`
	HeartbeatAge      time.Duration `json:"heartbeat_age"`
	CancelRequested   bool          `json:"cancel_requested"`
	Finished          bool          `json:"finished"`
}

type Config struct {
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Now     func() time.Time
}

// Manager holds at most one Active per user. Register, Cancel, Unregister
// and CleanupCompleted serialize on one mutex; IsCancelled and Heartbeat
// read without it.
type Manager struct {
	mu        sync.Mutex
	active    sync.Map // user id -> *Active
	cancelled sync.Map // user id -> struct{}, set by Cancel until the next Register

	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{bus: cfg.Bus, logger: cfg.Logger, metrics: cfg.Metrics, now: cfg.Now}
}

// Register makes h the user's active task. Any previous task for the user
// is soft- and hard-cancelled first. A nil handle registers work that cannot
// be aborted.
func (m *Manager) Register(userID string, h Handle, opts Options) *Active {
	if h == nil {
		h = noopHandle{}
	}
	a := &Active{userID: userID, handle: h, opts: opts, startedAt: m.now()}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.load(userID); ok {
		m.active.Delete(userID)
		m.metrics.ActiveDelta(context.Background(), -1)
		if !prev.handle.Finished() {
			prev.cancelRequested.Store(true)
			prev.handle.Abort()
			m.publishCancelled(prev, true)
			m.logger.Info("active task superseded", "user_id", userID, "task_id", prev.opts.TaskID, "by_task_id", opts.TaskID)
		}
	}
	m.cancelled.Delete(userID)
	m.active.Store(userID, a)
	m.metrics.ActiveDelta(context.Background(), 1)
	return a
}

// Cancel stops the user's active task and returns its description. ok is
// false when there was nothing running (a finished entry is reclaimed).
func (m *Manager) Cancel(userID string) (description string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, found := m.load(userID)
	if !found {
		return "", false
	}
	m.active.Delete(userID)
	m.metrics.ActiveDelta(context.Background(), -1)
	if a.handle.Finished() {
		return "", false
	}
	a.cancelRequested.Store(true)
	m.cancelled.Store(userID, struct{}{})
	a.handle.Abort()
	m.publishCancelled(a, false)
	m.logger.Info("active task cancelled", "user_id", userID, "task_id", a.opts.TaskID)
	return a.opts.Description, true
}

// IsCancelled reports a pending soft cancellation for the user's work. It
// stays true after Cancel until the user registers new work.
func (m *Manager) IsCancelled(userID string) bool {
	if a, ok := m.load(userID); ok && a.cancelRequested.Load() {
		return true
	}
	_, ok := m.cancelled.Load(userID)
	return ok
}

// Heartbeat records liveness for the user's active task. It returns false
// when there is none.
func (m *Manager) Heartbeat(userID, note string) bool {
	a, ok := m.load(userID)
	if !ok {
		return false
	}
	a.beat(m.now(), note)
	return true
}

// ActiveTaskID returns the task id of the user's active work.
func (m *Manager) ActiveTaskID(userID string) (string, bool) {
	a, ok := m.load(userID)
	if !ok {
		return "", false
	}
	return a.opts.TaskID, true
}

// HasActiveTask reports whether the user has unfinished registered work.
func (m *Manager) HasActiveTask(userID string) bool {
	a, ok := m.load(userID)
	return ok && !a.handle.Finished()
}

// TaskInfo snapshots the user's active task.
func (m *Manager) TaskInfo(userID string) (Info, bool) {
	a, ok := m.load(userID)
	if !ok {
		return Info{}, false
	}
	return m.info(a), true
}

// List snapshots every active task ordered by user id.
func (m *Manager) List() []Info {
	var out []Info
	m.active.Range(func(_, v any) bool {
		out = append(out, m.info(v.(*Active)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Unregister removes the user's entry if it still belongs to taskID (an
// empty taskID matches any). Work calls this when it finishes so it never
// removes a newer registration.
func (m *Manager) Unregister(userID, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.load(userID)
	if !ok || (taskID != "" && a.opts.TaskID != taskID) {
		return false
	}
	m.active.Delete(userID)
	m.metrics.ActiveDelta(context.Background(), -1)
	return true
}

// CleanupCompleted drops entries whose handle has finished and returns how
// many were removed.
func (m *Manager) CleanupCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	m.active.Range(func(k, v any) bool {
		if v.(*Active).handle.Finished() {
			m.active.Delete(k)
			n++
		}
		return true
	})
	if n > 0 {
		m.metrics.ActiveDelta(context.Background(), int64(-n))
	}
	return n
}

func (m *Manager) load(userID string) (*Active, bool) {
	v, ok := m.active.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*Active), true
}

func (m *Manager) info(a *Active) Info {
	now := m.now()
	info := Info{
		UserID:          a.userID,
		TaskID:          a.opts.TaskID,
		Description:     a.opts.Description,
		TodoPath:        a.opts.TodoPath,
		HeartbeatPath:   a.opts.HeartbeatPath,
		StartedAt:       a.startedAt,
		Running:         now.Sub(a.startedAt),
		CancelRequested: a.cancelRequested.Load(),
		Finished:        a.handle.Finished(),
	}
	if ns := a.beatAt.Load(); ns != 0 {
		at := time.Unix(0, ns)
		info.LastHeartbeatAt = &at
		info.HeartbeatAge = now.Sub(at)
	} else {
		info.HeartbeatAge = info.Running
	}
	if note := a.beatNote.Load(); note != nil {
		info.LastHeartbeatNote = *note
	}
	return info
}

func (m *Manager) publishCancelled(a *Active, superseded bool) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.TopicActiveCancelled, bus.ActiveCancelledEvent{
		UserID:      a.userID,
		TaskID:      a.opts.TaskID,
		Description: a.opts.Description,
		Superseded:  superseded,
	})
}
