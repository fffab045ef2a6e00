// Package heartbeat keeps each user's recurring check-in document and decides
// when a heartbeat run is due.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/audit"
	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/persistence"
)

// FileName is the per-user heartbeat document.
const FileName = "HEARTBEAT.md"

const (
	actor          = "heartbeat"
	category       = "heartbeat"
	maxResultBytes = 4000
)

// Defaults seed documents created on first access.
type Defaults struct {
	Every       string
	ActiveStart string
	ActiveEnd   string
}

type StoreConfig struct {
	// Root holds one directory per user.
	Root       string
	Versions   *audit.Store
	Bus        *bus.Bus
	Logger     *slog.Logger
	Classifier Classifier
	Defaults   Defaults
	// Location is used to evaluate active hours. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
}

// Store reads and writes heartbeat documents. Every load-mutate-persist
// sequence holds the document's path lock.
type Store struct {
	root       string
	versions   *audit.Store
	bus        *bus.Bus
	logger     *slog.Logger
	classifier Classifier
	defaults   Defaults
	loc        *time.Location
	now        func() time.Time
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("heartbeat: root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: resolve root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("heartbeat: create root: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Defaults.Every == "" {
		cfg.Defaults.Every = "30m"
	}
	if _, err := parseEvery(cfg.Defaults.Every); err != nil {
		return nil, fmt.Errorf("heartbeat: default interval: %w", err)
	}
	return &Store{
		root:       root,
		versions:   cfg.Versions,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		classifier: cfg.Classifier,
		defaults:   cfg.Defaults,
		loc:        cfg.Location,
		now:        cfg.Now,
	}, nil
}

// Path returns the absolute document path for a user.
func (s *Store) Path(userID string) (string, error) {
	if err := validUserID(userID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, userID, FileName), nil
}

func validUserID(userID string) error {
	if strings.TrimSpace(userID) == "" || userID == "." || userID == ".." ||
		strings.ContainsAny(userID, `/\`) || strings.Contains(userID, "..") {
		return fmt.Errorf("heartbeat: invalid user id %q", userID)
	}
	return nil
}

// Load returns the user's document, creating or migrating it as needed.
func (s *Store) Load(ctx context.Context, userID string) (Document, error) {
	path, err := s.Path(userID)
	if err != nil {
		return Document{}, err
	}
	unlock := persistence.LockPath(path)
	defer unlock()
	return s.loadLocked(ctx, userID, path)
}

// ListUsers returns every user with a heartbeat document, sorted.
func (s *Store) ListUsers(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list heartbeat users: %w", err)
	}
	var users []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), FileName)); err == nil {
			users = append(users, e.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}

// ClassifyResult maps run output to a Level using the configured sentinel
// and keywords.
func (s *Store) ClassifyResult(text string) Level {
	return s.classifier.Classify(text)
}

// ShouldRun reports whether a heartbeat is due: not paused, inside active
// hours, and at least one interval since the last run.
func (s *Store) ShouldRun(ctx context.Context, userID string) (bool, error) {
	doc, err := s.Load(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.due(doc, s.now())
}

func (s *Store) due(doc Document, now time.Time) (bool, error) {
	if doc.Spec.Paused {
		return false, nil
	}
	in, err := withinActiveHours(doc.Spec.ActiveStart, doc.Spec.ActiveEnd, now.In(s.loc))
	if err != nil {
		return false, fmt.Errorf("heartbeat active hours: %w", err)
	}
	if !in {
		return false, nil
	}
	if doc.Status.LastRunAt == nil {
		return true, nil
	}
	rec, err := parseEvery(doc.Spec.Every)
	if err != nil {
		return false, fmt.Errorf("heartbeat interval: %w", err)
	}
	return rec.due(*doc.Status.LastRunAt, now), nil
}

// MarkRun records a completed run and returns how its result was classified.
func (s *Store) MarkRun(ctx context.Context, userID, result string, runAt time.Time) (Level, error) {
	level := s.ClassifyResult(result)
	_, err := s.update(ctx, userID, false, "", func(doc *Document) error {
		at := runAt.UTC()
		doc.Status.LastRunAt = &at
		doc.Status.LastResult = truncate(result, maxResultBytes)
		doc.Status.LastLevel = level
		doc.Status.RunCount++
		return nil
	})
	if err != nil {
		return "", err
	}
	return level, nil
}

// SetActiveTask replaces the session active-task pointer.
func (s *Store) SetActiveTask(ctx context.Context, userID string, task ActiveTask) error {
	if strings.TrimSpace(task.ID) == "" {
		return errors.New("heartbeat: active task id is required")
	}
	_, err := s.update(ctx, userID, false, "", func(doc *Document) error {
		task.UpdatedAt = s.now().UTC()
		doc.Status.ActiveTask = &task
		return nil
	})
	return err
}

// GetActiveTask returns the session active-task pointer, if any.
func (s *Store) GetActiveTask(ctx context.Context, userID string) (ActiveTask, bool, error) {
	doc, err := s.Load(ctx, userID)
	if err != nil {
		return ActiveTask{}, false, err
	}
	if doc.Status.ActiveTask == nil {
		return ActiveTask{}, false, nil
	}
	return *doc.Status.ActiveTask, true, nil
}

// LastTask returns the session task most recently cleared on completion.
func (s *Store) LastTask(ctx context.Context, userID string) (ActiveTask, bool, error) {
	doc, err := s.Load(ctx, userID)
	if err != nil {
		return ActiveTask{}, false, err
	}
	if doc.Status.LastTask == nil {
		return ActiveTask{}, false, nil
	}
	return *doc.Status.LastTask, true, nil
}

// ActiveTaskPatch changes selected fields of the active task. A non-empty ID
// restricts the patch to that task.
type ActiveTaskPatch struct {
	ID                string
	Goal              *string
	Status            *string
	ResultSummary     *string
	NeedsConfirmation *bool
	Confirmed         *bool
}

// UpdateActiveTask applies patch to the active task and, when clearActive is
// set, moves it to Status.LastTask and removes the pointer. It returns the
// patched task and false when there is no matching active task.
func (s *Store) UpdateActiveTask(ctx context.Context, userID string, patch ActiveTaskPatch, clearActive bool) (ActiveTask, bool, error) {
	var (
		out   ActiveTask
		found bool
	)
	_, err := s.update(ctx, userID, false, "", func(doc *Document) error {
		cur := doc.Status.ActiveTask
		if cur == nil || (patch.ID != "" && cur.ID != patch.ID) {
			return errNoChange
		}
		if patch.Goal != nil {
			cur.Goal = *patch.Goal
		}
		if patch.Status != nil {
			cur.Status = *patch.Status
		}
		if patch.ResultSummary != nil {
			cur.ResultSummary = truncate(*patch.ResultSummary, maxResultBytes)
		}
		if patch.NeedsConfirmation != nil {
			cur.NeedsConfirmation = *patch.NeedsConfirmation
		}
		if patch.Confirmed != nil {
			cur.Confirmed = *patch.Confirmed
		}
		cur.UpdatedAt = s.now().UTC()
		out, found = *cur, true
		if clearActive {
			last := *cur
			doc.Status.LastTask = &last
			doc.Status.ActiveTask = nil
		}
		return nil
	})
	if err != nil {
		return ActiveTask{}, false, err
	}
	return out, found, nil
}

// SetDeliveryTarget records where results for the user are pushed.
func (s *Store) SetDeliveryTarget(ctx context.Context, userID string, target Target) error {
	_, err := s.update(ctx, userID, true, "set delivery target", func(doc *Document) error {
		doc.Spec.Delivery = target
		return nil
	})
	return err
}

// DeliveryTarget returns the user's delivery target; false when unset.
func (s *Store) DeliveryTarget(ctx context.Context, userID string) (Target, bool, error) {
	doc, err := s.Load(ctx, userID)
	if err != nil {
		return Target{}, false, err
	}
	return doc.Spec.Delivery, !doc.Spec.Delivery.IsZero(), nil
}

// SpecPatch changes selected schedule fields.
type SpecPatch struct {
	Every       *string
	ActiveStart *string
	ActiveEnd   *string
	Paused      *bool
}

// UpdateSpec validates and applies a schedule change.
func (s *Store) UpdateSpec(ctx context.Context, userID string, patch SpecPatch) (Spec, error) {
	doc, err := s.update(ctx, userID, true, "update heartbeat spec", func(doc *Document) error {
		next := doc.Spec
		if patch.Every != nil {
			next.Every = strings.TrimSpace(*patch.Every)
		}
		if patch.ActiveStart != nil {
			next.ActiveStart = strings.TrimSpace(*patch.ActiveStart)
		}
		if patch.ActiveEnd != nil {
			next.ActiveEnd = strings.TrimSpace(*patch.ActiveEnd)
		}
		if patch.Paused != nil {
			next.Paused = *patch.Paused
		}
		if err := validateSpec(next); err != nil {
			return fmt.Errorf("heartbeat: invalid spec: %w", err)
		}
		doc.Spec = next
		return nil
	})
	if err != nil {
		return Spec{}, err
	}
	return doc.Spec, nil
}

// AddChecklistItem appends item unless it is already present and returns
// the resulting checklist.
func (s *Store) AddChecklistItem(ctx context.Context, userID, item string) ([]string, error) {
	item = strings.TrimSpace(strings.ReplaceAll(item, "\n", " "))
	if item == "" {
		return nil, errors.New("heartbeat: checklist item is empty")
	}
	doc, err := s.update(ctx, userID, true, "add checklist item", func(doc *Document) error {
		for _, existing := range doc.Checklist {
			if existing == item {
				return errNoChange
			}
		}
		doc.Checklist = append(doc.Checklist, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc.Checklist, nil
}

// RemoveChecklistItem removes an item by exact text or 1-based index. It
// returns false when nothing matched.
func (s *Store) RemoveChecklistItem(ctx context.Context, userID, item string) (bool, error) {
	item = strings.TrimSpace(item)
	removed := false
	_, err := s.update(ctx, userID, true, "remove checklist item", func(doc *Document) error {
		idx := -1
		for i, existing := range doc.Checklist {
			if existing == item {
				idx = i
				break
			}
		}
		if idx < 0 {
			if n, err := strconv.Atoi(item); err == nil && n >= 1 && n <= len(doc.Checklist) {
				idx = n - 1
			}
		}
		if idx < 0 {
			return errNoChange
		}
		doc.Checklist = append(doc.Checklist[:idx], doc.Checklist[idx+1:]...)
		removed = true
		return nil
	})
	return removed, err
}

// errNoChange aborts an update without writing.
var errNoChange = errors.New("no change")

func (s *Store) update(ctx context.Context, userID string, versioned bool, reason string, fn func(*Document) error) (Document, error) {
	path, err := s.Path(userID)
	if err != nil {
		return Document{}, err
	}
	unlock := persistence.LockPath(path)
	defer unlock()

	doc, err := s.loadLocked(ctx, userID, path)
	if err != nil {
		return Document{}, err
	}
	if err := fn(&doc); err != nil {
		if errors.Is(err, errNoChange) {
			return doc, nil
		}
		return Document{}, err
	}
	if err := s.persist(path, doc, versioned, reason); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *Store) loadLocked(ctx context.Context, userID, path string) (Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		doc := s.defaultDocument()
		if err := s.persist(path, doc, false, ""); err != nil {
			return Document{}, err
		}
		return doc, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("read heartbeat document: %w", err)
	}

	raw, perr := splitFrontMatter(data)
	if perr == nil {
		switch v := raw.version(); {
		case v == CurrentVersion:
			doc, err := decodeCurrent(raw)
			if err == nil {
				return s.withDefaults(doc), nil
			}
			perr = err
		case v > CurrentVersion:
			return Document{}, fmt.Errorf("heartbeat document %s has version %d, newer than supported %d", path, v, CurrentVersion)
		}
	}
	return s.migrateLocked(ctx, userID, path, data, raw, perr)
}

// migrateLocked upgrades a legacy document or resets an unreadable one. The
// original bytes go to a sidecar that is never overwritten: .v<N>.bak for a
// legacy document, .corrupt-<ts>.bak for one that does not parse. Success or
// failure is recorded as one note.
func (s *Store) migrateLocked(_ context.Context, userID, path string, data []byte, raw rawDocument, perr error) (Document, error) {
	now := s.now().UTC()
	from := declaredVersion(data, raw, perr)
	legacy := perr == nil && from < CurrentVersion

	backup := fmt.Sprintf("%s.corrupt-%s.bak", path, now.Format("20060102T150405Z"))
	if legacy {
		backup = fmt.Sprintf("%s.v%d.bak", path, from)
	}
	backup, err := unusedPath(backup)
	if err != nil {
		return Document{}, err
	}
	if err := persistence.WriteFileAtomic(backup, data, 0o644); err != nil {
		return Document{}, fmt.Errorf("write heartbeat backup: %w", err)
	}

	var doc Document
	if legacy {
		if _, err := migrate(&raw); err != nil {
			perr = err
		} else if doc, err = decodeCurrent(raw); err != nil {
			perr = err
		}
	}

	stamp := now.Format(time.RFC3339)
	kept := filepath.Base(backup)
	var note, reason string
	switch {
	case !legacy:
		doc = s.defaultDocument()
		note = fmt.Sprintf("%s unreadable %s document replaced with defaults: %v; original kept in %s", stamp, versionLabel(from), perr, kept)
		reason = "reset unreadable heartbeat document"
		s.logger.Warn("heartbeat document unreadable", "user_id", userID, "version", from, "backup", kept, "error", perr)
	case perr != nil:
		doc = s.defaultDocument()
		note = fmt.Sprintf("%s migration from v%d failed: %v; original kept in %s", stamp, from, perr, kept)
		reason = fmt.Sprintf("migrate heartbeat v%d to v%d", from, CurrentVersion)
		s.logger.Warn("heartbeat migration failed", "user_id", userID, "from_version", from, "error", perr)
	default:
		doc = s.withDefaults(doc)
		note = fmt.Sprintf("%s migrated from v%d to v%d; original kept in %s", stamp, from, CurrentVersion, kept)
		reason = fmt.Sprintf("migrate heartbeat v%d to v%d", from, CurrentVersion)
		s.logger.Info("heartbeat document migrated", "user_id", userID, "from_version", from, "to_version", CurrentVersion)
	}
	doc.Status.MigrationNotes = append(doc.Status.MigrationNotes, note)

	if err := s.persist(path, doc, true, reason); err != nil {
		return Document{}, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicHeartbeatMigrated, bus.HeartbeatMigratedEvent{
			UserID:      userID,
			FromVersion: from,
			ToVersion:   CurrentVersion,
			Note:        note,
		})
	}
	return doc, nil
}

var versionLine = regexp.MustCompile(`(?m)^version:\s*(\d+)\s*$`)

// declaredVersion is the document's version, read from the raw text when the
// front matter does not parse. Zero means none was found.
func declaredVersion(data []byte, raw rawDocument, perr error) int {
	if perr == nil {
		return raw.version()
	}
	if m := versionLine.FindSubmatch(data); m != nil {
		if v, err := strconv.Atoi(string(m[1])); err == nil {
			return v
		}
	}
	return 0
}

func versionLabel(v int) string {
	if v <= 0 {
		return "unversioned"
	}
	return fmt.Sprintf("v%d", v)
}

// unusedPath returns p, or p with a numeric suffix before .bak when p exists.
func unusedPath(p string) (string, error) {
	base := strings.TrimSuffix(p, ".bak")
	for i := 1; i < 1000; i++ {
		candidate := p
		if i > 1 {
			candidate = fmt.Sprintf("%s-%d.bak", base, i)
		}
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat heartbeat backup: %w", err)
		}
	}
	return "", fmt.Errorf("no free backup name for %s", p)
}

func (s *Store) persist(path string, doc Document, versioned bool, reason string) error {
	data, err := doc.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create heartbeat dir: %w", err)
	}
	if versioned && s.versions != nil {
		if _, err := s.versions.WriteVersioned(path, data, actor, reason, category); err != nil {
			return fmt.Errorf("write heartbeat document: %w", err)
		}
		return nil
	}
	if err := persistence.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat document: %w", err)
	}
	return nil
}

func (s *Store) defaultDocument() Document {
	return Document{
		Version: CurrentVersion,
		Spec: Spec{
			Every:       s.defaults.Every,
			ActiveStart: s.defaults.ActiveStart,
			ActiveEnd:   s.defaults.ActiveEnd,
		},
	}
}

func (s *Store) withDefaults(doc Document) Document {
	if strings.TrimSpace(doc.Spec.Every) == "" {
		doc.Spec.Every = s.defaults.Every
	}
	doc.Version = CurrentVersion
	return doc
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
