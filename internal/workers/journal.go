package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glwlg/X-bot-sub002/internal/persistence"
	"github.com/glwlg/X-bot-sub002/internal/shared"
)

const journalKey = "journal/worker_tasks.jsonl"

// Journal record statuses.
const (
	RecordRunning   = "running"
	RecordCompleted = "completed"
	RecordFailed    = "failed"
	RecordCancelled = "cancelled"
)

// Record is one worker execution as folded from the journal.
type Record struct {
	TaskID      string         `json:"task_id"`
	WorkerID    string         `json:"worker_id"`
	Source      string         `json:"source"`
	Instruction string         `json:"instruction"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Output      shared.Output  `json:"output"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
}

// Update carries the fields UpdateTask may change. Nil/zero fields are left
// untouched; Output replaces the stored output as a whole.
type Update struct {
	Status  string         `json:"status,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Output  *shared.Output `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	EndedAt *time.Time     `json:"ended_at,omitempty"`
}

type journalLine struct {
	Op     string  `json:"op"`
	TS     string  `json:"ts"`
	TaskID string  `json:"task_id"`
	Record *Record `json:"record,omitempty"`
	Update *Update `json:"update,omitempty"`
}

type JournalConfig struct {
	Backend persistence.Backend
	Logger  *slog.Logger
	Now     func() time.Time
}

// Journal is the append-only execution history of all workers. Records are
// never rewritten: an update appends a delta that is folded on read.
type Journal struct {
	backend persistence.Backend
	logger  *slog.Logger
	now     func() time.Time
}

func NewJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Backend == nil {
		return nil, errors.New("worker journal: backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Journal{backend: cfg.Backend, logger: cfg.Logger, now: cfg.Now}, nil
}

// CreateTask appends a running record and returns it with its generated id.
func (j *Journal) CreateTask(ctx context.Context, workerID, source, instruction string, metadata map[string]any) (Record, error) {
	if strings.TrimSpace(workerID) == "" {
		return Record{}, errors.New("create worker task: worker id is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("generate journal id: %w", err)
	}
	rec := Record{
		TaskID:      "wt-" + id.String(),
		WorkerID:    workerID,
		Source:      source,
		Instruction: instruction,
		Metadata:    metadata,
		Status:      RecordRunning,
		StartedAt:   j.now().UTC(),
	}
	unlock := j.backend.Lock(journalKey)
	defer unlock()
	if err := j.append(ctx, journalLine{Op: "create", TaskID: rec.TaskID, Record: &rec}); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// UpdateTask appends a delta for taskID and returns the folded record.
// Unknown ids return ok=false and append nothing.
func (j *Journal) UpdateTask(ctx context.Context, taskID string, upd Update) (Record, bool, error) {
	unlock := j.backend.Lock(journalKey)
	defer unlock()

	records, _, err := j.fold(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := records[taskID]
	if !ok {
		return Record{}, false, nil
	}
	if upd.EndedAt == nil && isFinal(upd.Status) {
		ended := j.now().UTC()
		upd.EndedAt = &ended
	}
	if err := j.append(ctx, journalLine{Op: "update", TaskID: taskID, Update: &upd}); err != nil {
		return Record{}, false, err
	}
	apply(&rec, upd)
	return rec, true, nil
}

// Get returns the folded record for taskID.
func (j *Journal) Get(ctx context.Context, taskID string) (Record, bool, error) {
	records, _, err := j.fold(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := records[taskID]
	return rec, ok, nil
}

// ListRecentOutputs returns the worker's finished records, most recent
// first. Output.UI is returned exactly as stored.
func (j *Journal) ListRecentOutputs(ctx context.Context, workerID string, limit int) ([]Record, error) {
	records, order, err := j.fold(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for i := len(order) - 1; i >= 0; i-- {
		rec := records[order[i]]
		if workerID != "" && rec.WorkerID != workerID {
			continue
		}
		if rec.EndedAt == nil {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].EndedAt.After(*out[b].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *Journal) append(ctx context.Context, line journalLine) error {
	line.TS = j.now().UTC().Format(time.RFC3339Nano)
	raw, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode journal line: %w", err)
	}
	if err := j.backend.Append(ctx, journalKey, raw); err != nil {
		return fmt.Errorf("append worker journal: %w", err)
	}
	return nil
}

// fold replays the journal into records keyed by task id, plus creation order.
func (j *Journal) fold(ctx context.Context) (map[string]Record, []string, error) {
	lines, err := j.backend.ReadLog(ctx, journalKey)
	if err != nil {
		return nil, nil, fmt.Errorf("read worker journal: %w", err)
	}
	records := make(map[string]Record)
	var order []string
	for _, raw := range lines {
		var line journalLine
		if err := json.Unmarshal(raw, &line); err != nil {
			j.logger.Warn("skipping unreadable journal line", "error", err)
			continue
		}
		switch line.Op {
		case "create":
			if line.Record == nil {
				continue
			}
			if _, seen := records[line.TaskID]; !seen {
				order = append(order, line.TaskID)
			}
			records[line.TaskID] = *line.Record
		case "update":
			rec, ok := records[line.TaskID]
			if !ok || line.Update == nil {
				continue
			}
			apply(&rec, *line.Update)
			records[line.TaskID] = rec
		}
	}
	return records, order, nil
}

func apply(rec *Record, upd Update) {
	if upd.Status != "" {
		rec.Status = upd.Status
	}
	if upd.Result != nil {
		rec.Result = shared.MergeMaps(rec.Result, upd.Result)
	}
	if upd.Output != nil {
		rec.Output = *upd.Output
	}
	if upd.Error != "" {
		rec.Error = upd.Error
	}
	if upd.EndedAt != nil {
		ended := *upd.EndedAt
		rec.EndedAt = &ended
	}
}

func isFinal(status string) bool {
	return status == RecordCompleted || status == RecordFailed || status == RecordCancelled
}
