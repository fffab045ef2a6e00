package inbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/shared"
)

var (
	// ErrTaskTerminal is returned when completing or failing a task that has
	// already reached completed or failed.
	ErrTaskTerminal = errors.New("task already terminal")
	// ErrInvalidTransition is returned for any other disallowed status change.
	ErrInvalidTransition = errors.New("invalid task transition")
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ParsePriority accepts high/normal/low (case-insensitive). Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("unknown priority %q (want high, normal or low)", s)
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is the durable record of one piece of orchestrated work.
type Task struct {
	ID               string         `json:"task_id"`
	Seq              int64          `json:"seq"`
	Source           string         `json:"source"`
	Goal             string         `json:"goal"`
	UserID           string         `json:"user_id"`
	Priority         Priority       `json:"priority"`
	Status           Status         `json:"status"`
	AssignedWorkerID string         `json:"assigned_worker_id,omitempty"`
	AssignReason     string         `json:"assign_reason,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	Output           shared.Output  `json:"output"`
	FinalOutput      string         `json:"final_output,omitempty"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
}

// SubmitRequest carries the caller-provided fields of a new task.
type SubmitRequest struct {
	Source   string
	Goal     string
	UserID   string
	Payload  map[string]any
	Priority Priority
}

// Event is one line of the inbox event log.
type Event struct {
	Timestamp string `json:"ts"`
	Event     string `json:"event"`
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id,omitempty"`
	From      Status `json:"from,omitempty"`
	To        Status `json:"to"`
	WorkerID  string `json:"worker_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}
