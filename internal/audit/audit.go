// Package audit implements the versioned file store: every overwrite of a
// tracked file is preceded by a byte-for-byte snapshot, every action is
// appended to events.jsonl, and any snapshot can be restored by id.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/persistence"
	"github.com/glwlg/X-bot-sub002/internal/shared"
)

// Event kinds recorded in the log.
const (
	EventSnapshot = "snapshot"
	EventWrite    = "write"
	EventRollback = "rollback"
)

// versionTimeLayout is fixed width so lexical order equals time order.
const versionTimeLayout = "20060102T150405.000000000Z"

// Event is one line of events.jsonl.
type Event struct {
	Timestamp         string `json:"ts"`
	Event             string `json:"event"`
	Category          string `json:"category,omitempty"`
	Actor             string `json:"actor,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Path              string `json:"path"`
	VersionID         string `json:"version_id,omitempty"`
	PreviousVersionID string `json:"previous_version_id,omitempty"`
}

// WriteResult describes a completed versioned write.
type WriteResult struct {
	Path              string
	PreviousVersionID string // empty when the file did not exist before
}

// Options configures a Store.
type Options struct {
	Root string // holds events.jsonl and versions/
	Bus  *bus.Bus
	Now  func() time.Time
}

// Store is the versioned persistence substrate. A single mutex per instance
// guards the snapshot+write pair, so writes to unrelated paths serialize.
type Store struct {
	root string
	bus  *bus.Bus
	now  func() time.Time

	mu  sync.Mutex
	seq uint64 // guarded by mu; orders ids that share a timestamp
}

// New opens (creating if needed) a store rooted at opts.Root.
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("audit: root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("audit: resolve root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "versions"), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create versions dir: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{root: root, bus: opts.Bus, now: now}, nil
}

// LogPath returns the location of the append-only event log.
func (s *Store) LogPath() string {
	return filepath.Join(s.root, "events.jsonl")
}

// Snapshot copies the current bytes of path into a new version. A missing
// file is not an error: the returned id is empty.
func (s *Store) Snapshot(path, actor, reason, category string) (string, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(resolved, actor, reason, category)
}

// WriteVersioned snapshots path if it exists, overwrites it with content and
// logs a write event. The whole sequence holds the store mutex.
func (s *Store) WriteVersioned(path string, content []byte, actor, reason, category string) (WriteResult, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.snapshotLocked(resolved, actor, reason, category)
	if err != nil {
		return WriteResult{}, err
	}
	if err := persistence.WriteFileAtomic(resolved, content, 0o644); err != nil {
		return WriteResult{}, fmt.Errorf("write %s: %w", resolved, err)
	}
	if err := s.appendEvent(Event{
		Event:             EventWrite,
		Category:          category,
		Actor:             actor,
		Reason:            reason,
		Path:              resolved,
		PreviousVersionID: prev,
	}); err != nil {
		return WriteResult{}, err
	}
	s.publish(bus.TopicVersionWritten, bus.VersionEvent{Path: resolved, PreviousVersionID: prev, Actor: actor})
	return WriteResult{Path: resolved, PreviousVersionID: prev}, nil
}

// Rollback restores path to the version matching versionID (prefix match,
// newest match wins). The state being replaced is snapshotted first. It
// returns false when no stored version matches.
func (s *Store) Rollback(path, versionID, actor, reason string) (bool, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return false, err
	}
	versionID = strings.TrimSpace(versionID)
	if versionID == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	match, err := s.matchVersion(resolved, versionID)
	if err != nil || match == "" {
		return false, err
	}
	data, err := os.ReadFile(filepath.Join(s.versionDir(resolved), match+".bak"))
	if err != nil {
		return false, fmt.Errorf("read version %s: %w", match, err)
	}
	pre, err := s.snapshotLocked(resolved, actor, "pre-rollback: "+reason, "rollback")
	if err != nil {
		return false, err
	}
	if err := persistence.WriteFileAtomic(resolved, data, 0o644); err != nil {
		return false, fmt.Errorf("restore %s: %w", resolved, err)
	}
	if err := s.appendEvent(Event{
		Event:             EventRollback,
		Category:          "rollback",
		Actor:             actor,
		Reason:            reason,
		Path:              resolved,
		VersionID:         match,
		PreviousVersionID: pre,
	}); err != nil {
		return false, err
	}
	s.publish(bus.TopicVersionRolledBack, bus.VersionEvent{Path: resolved, VersionID: match, PreviousVersionID: pre, Actor: actor})
	return true, nil
}

// ListVersions returns up to limit snapshot events for path, newest first.
// limit <= 0 returns all of them.
func (s *Store) ListVersions(path string, limit int) ([]Event, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	events, err := s.Events()
	if err != nil {
		return nil, err
	}
	var out []Event
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Event != EventSnapshot || ev.Path != resolved {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ReadVersion returns the stored bytes of a version of path.
func (s *Store) ReadVersion(path, versionID string) ([]byte, bool, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	match, err := s.matchVersion(resolved, versionID)
	s.mu.Unlock()
	if err != nil || match == "" {
		return nil, false, err
	}
	data, err := os.ReadFile(filepath.Join(s.versionDir(resolved), match+".bak"))
	if err != nil {
		return nil, false, fmt.Errorf("read version %s: %w", match, err)
	}
	return data, true, nil
}

// Events replays the whole log in append order. Unparseable lines are skipped.
func (s *Store) Events() ([]Event, error) {
	lines, err := persistence.ReadLines(s.LogPath())
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(lines))
	for _, line := range lines {
		var ev Event
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) snapshotLocked(resolved, actor, reason, category string) (string, error) {
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read for snapshot %s: %w", resolved, err)
	}
	dir := s.versionDir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create version dir: %w", err)
	}
	id := s.newVersionID()
	if err := persistence.WriteFileAtomic(filepath.Join(dir, id+".bak"), data, 0o644); err != nil {
		return "", fmt.Errorf("store version %s: %w", id, err)
	}
	if err := s.appendEvent(Event{
		Event:     EventSnapshot,
		Category:  category,
		Actor:     actor,
		Reason:    reason,
		Path:      resolved,
		VersionID: id,
	}); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) matchVersion(resolved, prefix string) (string, error) {
	entries, err := os.ReadDir(s.versionDir(resolved))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("list versions: %w", err)
	}
	var matches []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".bak") {
			continue
		}
		id := strings.TrimSuffix(name, ".bak")
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func (s *Store) appendEvent(ev Event) error {
	if ev.Timestamp == "" {
		ev.Timestamp = s.now().UTC().Format(time.RFC3339Nano)
	}
	ev.Reason = shared.Redact(ev.Reason)
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	f, err := os.OpenFile(s.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// newVersionID must be called with mu held.
func (s *Store) newVersionID() string {
	s.seq++
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%08d-%s", s.now().UTC().Format(versionTimeLayout), s.seq, suffix)
}

func (s *Store) versionDir(resolved string) string {
	return filepath.Join(s.root, "versions", encodePath(resolved))
}

// encodePath turns an absolute path into a single directory name: a readable
// tail plus a hash of the full path to keep names unique and bounded.
func encodePath(resolved string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(resolved))
	readable := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.TrimLeft(resolved, string(filepath.Separator)))
	if len(readable) > 80 {
		readable = readable[len(readable)-80:]
	}
	return fmt.Sprintf("%s-%016x", readable, h.Sum64())
}

// resolvePath makes path absolute and resolves symlinks in its directory so
// that two spellings of one file share versions.
func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("audit: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("audit: resolve %s: %w", path, err)
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}
	return abs, nil
}
