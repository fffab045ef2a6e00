package heartbeat

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentVersion is the heartbeat document schema written by this build.
const CurrentVersion = 2

const checklistHeading = "# Heartbeat checklist"

// Target is where non-suppressed heartbeat results are pushed.
type Target struct {
	Platform string `yaml:"platform,omitempty" json:"platform,omitempty"`
	ChatID   string `yaml:"chat_id,omitempty" json:"chat_id,omitempty"`
}

func (t Target) IsZero() bool { return t.Platform == "" || t.ChatID == "" }

// Spec is the user-editable schedule.
type Spec struct {
	Every       string `yaml:"every" json:"every"`
	ActiveStart string `yaml:"active_start,omitempty" json:"active_start,omitempty"`
	ActiveEnd   string `yaml:"active_end,omitempty" json:"active_end,omitempty"`
	Paused      bool   `yaml:"paused" json:"paused"`
	Delivery    Target `yaml:"delivery,omitempty" json:"delivery,omitempty"`
}

// ActiveTask points at the chat session's current long-running task so the
// heartbeat can report on it instead of starting a duplicate.
type ActiveTask struct {
	ID                string    `yaml:"id" json:"id"`
	Goal              string    `yaml:"goal,omitempty" json:"goal,omitempty"`
	Status            string    `yaml:"status,omitempty" json:"status,omitempty"`
	Source            string    `yaml:"source,omitempty" json:"source,omitempty"`
	ResultSummary     string    `yaml:"result_summary,omitempty" json:"result_summary,omitempty"`
	NeedsConfirmation bool      `yaml:"needs_confirmation,omitempty" json:"needs_confirmation,omitempty"`
	Confirmed         bool      `yaml:"confirmed,omitempty" json:"confirmed,omitempty"`
	UpdatedAt         time.Time `yaml:"updated_at" json:"updated_at"`
}

// Running reports whether the task is still in flight.
func (a ActiveTask) Running() bool {
	switch a.Status {
	case "", "pending", "running", "waiting":
		return true
	}
	return false
}

// Status is written by heartbeat runs and task bookkeeping.
type Status struct {
	LastRunAt      *time.Time  `yaml:"last_run_at,omitempty" json:"last_run_at,omitempty"`
	LastResult     string      `yaml:"last_result,omitempty" json:"last_result,omitempty"`
	LastLevel      Level       `yaml:"last_level,omitempty" json:"last_level,omitempty"`
	RunCount       int         `yaml:"run_count" json:"run_count"`
	ActiveTask     *ActiveTask `yaml:"active_task,omitempty" json:"active_task,omitempty"`
	// LastTask is the session task most recently cleared from ActiveTask.
	LastTask       *ActiveTask `yaml:"last_task,omitempty" json:"last_task,omitempty"`
	MigrationNotes []string    `yaml:"migration_notes,omitempty" json:"migration_notes,omitempty"`
}

// Document is one user's HEARTBEAT.md: a YAML front matter block carrying
// version, spec and status, followed by a markdown checklist.
type Document struct {
	Version   int      `yaml:"version" json:"version"`
	Spec      Spec     `yaml:"spec" json:"spec"`
	Status    Status   `yaml:"status" json:"status"`
	Checklist []string `yaml:"-" json:"checklist"`
}

// rawDocument is the version-agnostic envelope migrations operate on.
type rawDocument struct {
	Header map[string]any
	Body   string

	head    []byte // original front matter, valid until a migration rewrites Header
	rewrote bool
}

func (r *rawDocument) version() int {
	switch v := r.Header["version"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 1
}

func splitFrontMatter(data []byte) (rawDocument, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	raw := rawDocument{Header: map[string]any{}}
	if !strings.HasPrefix(text, "---\n") {
		raw.Body = text
		return raw, nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return raw, fmt.Errorf("unterminated front matter")
	}
	head := rest[:end]
	body := strings.TrimPrefix(rest[end+len("\n---"):], "\n")
	if err := yaml.Unmarshal([]byte(head), &raw.Header); err != nil {
		return raw, fmt.Errorf("parse front matter: %w", err)
	}
	if raw.Header == nil {
		raw.Header = map[string]any{}
	}
	raw.Body = body
	raw.head = []byte(head)
	return raw, nil
}

// decodeCurrent turns a current-version envelope into a Document.
func decodeCurrent(raw rawDocument) (Document, error) {
	buf := raw.head
	if raw.rewrote || buf == nil {
		var err error
		if buf, err = yaml.Marshal(raw.Header); err != nil {
			return Document{}, err
		}
	}
	var doc Document
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return Document{}, fmt.Errorf("decode heartbeat document: %w", err)
	}
	doc.Version = CurrentVersion
	doc.Checklist = parseChecklist(raw.Body)
	return doc, nil
}

// Render serialises the document in its on-disk form.
func (d Document) Render() ([]byte, error) {
	d.Version = CurrentVersion
	head, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode heartbeat document: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n")
	b.WriteString(checklistHeading)
	b.WriteString("\n\n")
	for _, item := range d.Checklist {
		b.WriteString("- [ ] ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	return b.Bytes(), nil
}

// parseChecklist collects markdown list items, with or without a task box.
func parseChecklist(body string) []string {
	var items []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		var item string
		switch {
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			item = strings.TrimSpace(line[2:])
		default:
			continue
		}
		for _, box := range []string{"[ ]", "[x]", "[X]"} {
			if strings.HasPrefix(item, box) {
				item = strings.TrimSpace(item[len(box):])
				break
			}
		}
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// migration upgrades an envelope from one version to the next.
type migration struct {
	from, to int
	apply    func(*rawDocument) error
}

var migrations = []migration{
	{from: 1, to: 2, apply: migrateV1toV2},
}

// migrate applies registered migrations until the envelope is current and
// returns the version it started from.
func migrate(raw *rawDocument) (int, error) {
	start := raw.version()
	v := start
	for v < CurrentVersion {
		var step *migration
		for i := range migrations {
			if migrations[i].from == v {
				step = &migrations[i]
				break
			}
		}
		if step == nil {
			return start, fmt.Errorf("no migration from version %d", v)
		}
		if err := step.apply(raw); err != nil {
			return start, fmt.Errorf("migrate v%d to v%d: %w", step.from, step.to, err)
		}
		v = step.to
		raw.Header["version"] = v
		raw.rewrote = true
	}
	if v > CurrentVersion {
		return start, fmt.Errorf("document version %d is newer than supported %d", v, CurrentVersion)
	}
	return start, nil
}

// migrateV1toV2 lifts the flat v1 layout (every, paused, active_hours and a
// tasks list at the top level, or a bare markdown checklist) into spec,
// status and a checklist body.
func migrateV1toV2(raw *rawDocument) error {
	h := raw.Header
	spec := map[string]any{}
	switch every := h["every"].(type) {
	case nil:
	case int:
		spec["every"] = fmt.Sprintf("%dm", every)
	default:
		spec["every"] = fmt.Sprint(every)
	}
	if paused, ok := h["paused"].(bool); ok {
		spec["paused"] = paused
	}
	if hours, ok := h["active_hours"].(string); ok && hours != "" {
		start, end, found := strings.Cut(hours, "-")
		if !found {
			return fmt.Errorf("active_hours %q: want HH:MM-HH:MM", hours)
		}
		spec["active_start"] = strings.TrimSpace(start)
		spec["active_end"] = strings.TrimSpace(end)
	}

	items := parseChecklist(raw.Body)
	if tasks, ok := h["tasks"]; ok {
		list, ok := tasks.([]any)
		if !ok {
			return fmt.Errorf("tasks: want a list, got %T", tasks)
		}
		for _, t := range list {
			switch v := t.(type) {
			case string:
				items = append(items, v)
			case map[string]any:
				if title, ok := v["title"].(string); ok && title != "" {
					items = append(items, title)
				}
			}
		}
	}

	status := map[string]any{}
	switch last := h["last_run"].(type) {
	case time.Time:
		status["last_run_at"] = last.UTC()
	case string:
		at, err := time.Parse(time.RFC3339, last)
		if err != nil {
			return fmt.Errorf("last_run %q: %w", last, err)
		}
		status["last_run_at"] = at.UTC()
	}

	raw.Header = map[string]any{"spec": spec, "status": status}
	var body strings.Builder
	body.WriteString(checklistHeading + "\n\n")
	for _, item := range items {
		body.WriteString("- [ ] " + item + "\n")
	}
	raw.Body = body.String()
	return nil
}
