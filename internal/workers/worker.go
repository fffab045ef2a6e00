package workers

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrWorkerNotFound is returned by mutations addressed to an unknown worker.
var ErrWorkerNotFound = errors.New("worker not found")

const (
	StatusReady = "ready"
	StatusBusy  = "busy"
	StatusError = "error"
)

// Worker is a named execution identity tasks can be assigned to.
type Worker struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Backend         string    `json:"backend"`
	Status          string    `json:"status"`
	Capabilities    []string  `json:"capabilities"`
	WorkspaceRoot   string    `json:"workspace_root"`
	CredentialsRoot string    `json:"credentials_root"`
	Summary         string    `json:"summary,omitempty"`
	LastTaskID      string    `json:"last_task_id,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

var placeholderName = regexp.MustCompile(`(?i)^(worker|agent|assistant|default|bot)([ _-]?(main|default|\d+))?$`)

// IsGenericName reports whether a stored name is a placeholder that an
// identity document should override.
func IsGenericName(name, id string) bool {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, id) {
		return true
	}
	return placeholderName.MatchString(name)
}

// synthesizeSummary builds a one-line description from backend and
// capabilities for workers stored without one.
func synthesizeSummary(w Worker) string {
	var b strings.Builder
	name := w.Name
	if name == "" {
		name = w.ID
	}
	b.WriteString(name)
	if w.Backend != "" {
		b.WriteString(" runs on the ")
		b.WriteString(w.Backend)
		b.WriteString(" backend")
	}
	if len(w.Capabilities) > 0 {
		if w.Backend != "" {
			b.WriteString(" and")
		}
		b.WriteString(" handles ")
		b.WriteString(strings.Join(w.Capabilities, ", "))
	} else if w.Backend == "" {
		b.WriteString(" is a general-purpose worker")
	}
	b.WriteString(".")
	return b.String()
}
