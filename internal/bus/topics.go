package bus

// Inbox lifecycle topics.
const (
	TopicTaskSubmitted = "task.submitted"
	TopicTaskAssigned  = "task.assigned"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
)

// Heartbeat and task manager topics.
const (
	TopicHeartbeatRun      = "heartbeat.run"
	TopicHeartbeatMigrated = "heartbeat.migrated"
	TopicActiveCancelled   = "active.cancelled"
)

// Substrate topics.
const (
	TopicVersionWritten    = "version.written"
	TopicVersionRolledBack = "version.rolled_back"
)

// TaskEvent is published on every inbox state change.
type TaskEvent struct {
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id"`
	Source    string `json:"source"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	WorkerID  string `json:"worker_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HeartbeatRunEvent is published after a heartbeat result is recorded.
type HeartbeatRunEvent struct {
	UserID string `json:"user_id"`
	Level  string `json:"level"`
	TaskID string `json:"task_id,omitempty"`
}

// HeartbeatMigratedEvent is published when a legacy heartbeat document is
// upgraded on read.
type HeartbeatMigratedEvent struct {
	UserID      string `json:"user_id"`
	FromVersion int    `json:"from_version"`
	ToVersion   int    `json:"to_version"`
	Note        string `json:"note"`
}

// ActiveCancelledEvent is published when a user's live unit of work is
// cancelled, either explicitly or by a newer registration.
type ActiveCancelledEvent struct {
	UserID      string `json:"user_id"`
	TaskID      string `json:"task_id,omitempty"`
	Description string `json:"description"`
	Superseded  bool   `json:"superseded"`
}

// VersionEvent is published for versioned writes and rollbacks.
type VersionEvent struct {
	Path              string `json:"path"`
	VersionID         string `json:"version_id,omitempty"`
	PreviousVersionID string `json:"previous_version_id,omitempty"`
	Actor             string `json:"actor"`
}
