package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/glwlg/X-bot-sub002/internal/audit"
	"github.com/glwlg/X-bot-sub002/internal/persistence"
	"github.com/glwlg/X-bot-sub002/internal/shared"
)

const (
	registryFile = "workers.json"
	identityFile = "IDENTITY.md"
	docVersion   = 1
)

const registrySchema = `{
  "type": "object",
  "required": ["version", "workers"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "workers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
          "name": {"type": "string"},
          "backend": {"type": "string"},
          "status": {"type": "string"},
          "capabilities": {"type": "array", "items": {"type": "string"}},
          "workspace_root": {"type": "string"},
          "credentials_root": {"type": "string"}
        }
      }
    }
  }
}`

var validWorkerID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

type registryDoc struct {
	Version int      `json:"version"`
	Workers []Worker `json:"workers"`
}

type RegistryConfig struct {
	// Root holds workers.json and one workspace directory per worker.
	Root           string
	Versions       *audit.Store
	DefaultBackend string
	Logger         *slog.Logger
	Now            func() time.Time
}

// Registry is the catalog of workers. Structural edits (Upsert,
// EnsureDefaultWorker) go through the versioned store; status churn from
// assignments is written atomically without a snapshot.
type Registry struct {
	root           string
	versions       *audit.Store
	defaultBackend string
	logger         *slog.Logger
	now            func() time.Time
	schema         *jsonschema.Schema
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("worker registry: root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("worker registry: resolve root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("worker registry: create root: %w", err)
	}
	schema, err := compileSchema("workers.schema.json", registrySchema)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultBackend == "" {
		cfg.DefaultBackend = "core-agent"
	}
	return &Registry{
		root:           root,
		versions:       cfg.Versions,
		defaultBackend: cfg.DefaultBackend,
		logger:         cfg.Logger,
		now:            cfg.Now,
		schema:         schema,
	}, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return schema, nil
}

// Path returns the location of the registry document.
func (r *Registry) Path() string { return filepath.Join(r.root, registryFile) }

// DefaultWorkspace is the workspace the registry computes for id on this host.
func (r *Registry) DefaultWorkspace(id string) string { return filepath.Join(r.root, id) }

// ListWorkers returns every worker, resolved for this runtime, ordered by id.
func (r *Registry) ListWorkers(ctx context.Context) ([]Worker, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]Worker, 0, len(doc.Workers))
	for _, w := range doc.Workers {
		out = append(out, r.resolve(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetWorker returns one resolved worker. Unknown ids return ok=false.
func (r *Registry) GetWorker(ctx context.Context, id string) (Worker, bool, error) {
	doc, err := r.load()
	if err != nil {
		return Worker{}, false, err
	}
	for _, w := range doc.Workers {
		if w.ID == id {
			return r.resolve(w), true, nil
		}
	}
	return Worker{}, false, nil
}

// EnsureDefaultWorker creates the default worker when the registry is empty
// and returns it (or the first existing worker).
func (r *Registry) EnsureDefaultWorker(ctx context.Context) (Worker, error) {
	unlock := persistence.LockPath(r.Path())
	defer unlock()

	doc, err := r.load()
	if err != nil {
		return Worker{}, err
	}
	for _, w := range doc.Workers {
		if w.ID == shared.DefaultWorkerID {
			return r.resolve(w), nil
		}
	}
	if len(doc.Workers) > 0 {
		sort.Slice(doc.Workers, func(i, j int) bool { return doc.Workers[i].ID < doc.Workers[j].ID })
		return r.resolve(doc.Workers[0]), nil
	}

	now := r.now().UTC()
	w := Worker{
		ID:           shared.DefaultWorkerID,
		Backend:      r.defaultBackend,
		Status:       StatusReady,
		Capabilities: []string{"general"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.prepareWorkspace(&w); err != nil {
		return Worker{}, err
	}
	doc.Workers = append(doc.Workers, w)
	if err := r.store(doc, true, "ensure default worker"); err != nil {
		return Worker{}, err
	}
	r.logger.Info("default worker created", "worker_id", w.ID, "workspace", w.WorkspaceRoot)
	return r.resolve(w), nil
}

// Upsert inserts or replaces a worker definition.
func (r *Registry) Upsert(ctx context.Context, w Worker) (Worker, error) {
	w.ID = strings.TrimSpace(w.ID)
	if !validWorkerID.MatchString(w.ID) {
		return Worker{}, fmt.Errorf("invalid worker id %q", w.ID)
	}
	unlock := persistence.LockPath(r.Path())
	defer unlock()

	doc, err := r.load()
	if err != nil {
		return Worker{}, err
	}
	now := r.now().UTC()
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = StatusReady
	}
	if w.Backend == "" {
		w.Backend = r.defaultBackend
	}
	if err := r.prepareWorkspace(&w); err != nil {
		return Worker{}, err
	}
	replaced := false
	for i := range doc.Workers {
		if doc.Workers[i].ID == w.ID {
			w.CreatedAt = doc.Workers[i].CreatedAt
			doc.Workers[i] = w
			replaced = true
			break
		}
	}
	if !replaced {
		w.CreatedAt = now
		doc.Workers = append(doc.Workers, w)
	}
	if err := r.store(doc, true, "upsert worker "+w.ID); err != nil {
		return Worker{}, err
	}
	return r.resolve(w), nil
}

// RecordAssignment marks a worker busy with taskID.
func (r *Registry) RecordAssignment(ctx context.Context, id, taskID string) error {
	return r.mutate(id, func(w *Worker) {
		w.Status = StatusBusy
		w.LastTaskID = taskID
	})
}

// RecordOutcome stores the result of the worker's last task. An empty
// errText clears any previous error.
func (r *Registry) RecordOutcome(ctx context.Context, id, taskID, errText string) error {
	return r.mutate(id, func(w *Worker) {
		w.LastTaskID = taskID
		w.LastError = errText
		if errText != "" {
			w.Status = StatusError
		} else {
			w.Status = StatusReady
		}
	})
}

func (r *Registry) mutate(id string, fn func(*Worker)) error {
	unlock := persistence.LockPath(r.Path())
	defer unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	for i := range doc.Workers {
		if doc.Workers[i].ID != id {
			continue
		}
		fn(&doc.Workers[i])
		doc.Workers[i].UpdatedAt = r.now().UTC()
		return r.store(doc, false, "")
	}
	return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
}

func (r *Registry) load() (registryDoc, error) {
	raw, err := os.ReadFile(r.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return registryDoc{Version: docVersion}, nil
		}
		return registryDoc{}, fmt.Errorf("read worker registry: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return registryDoc{Version: docVersion}, nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return registryDoc{}, fmt.Errorf("parse worker registry: %w", err)
	}
	if err := r.schema.Validate(inst); err != nil {
		return registryDoc{}, fmt.Errorf("validate worker registry: %w", err)
	}
	var doc registryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return registryDoc{}, fmt.Errorf("decode worker registry: %w", err)
	}
	return doc, nil
}

func (r *Registry) store(doc registryDoc, versioned bool, reason string) error {
	doc.Version = docVersion
	for i := range doc.Workers {
		if doc.Workers[i].Capabilities == nil {
			doc.Workers[i].Capabilities = []string{}
		}
	}
	sort.Slice(doc.Workers, func(i, j int) bool { return doc.Workers[i].ID < doc.Workers[j].ID })
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode worker registry: %w", err)
	}
	raw = append(raw, '\n')
	if versioned && r.versions != nil {
		if _, err := r.versions.WriteVersioned(r.Path(), raw, "worker-registry", reason, "workers"); err != nil {
			return fmt.Errorf("write worker registry: %w", err)
		}
		return nil
	}
	if err := persistence.WriteFileAtomic(r.Path(), raw, 0o644); err != nil {
		return fmt.Errorf("write worker registry: %w", err)
	}
	return nil
}

func (r *Registry) prepareWorkspace(w *Worker) error {
	if w.WorkspaceRoot == "" {
		w.WorkspaceRoot = r.DefaultWorkspace(w.ID)
	}
	if w.CredentialsRoot == "" {
		w.CredentialsRoot = filepath.Join(w.WorkspaceRoot, "credentials")
	}
	for _, dir := range []string{w.WorkspaceRoot, w.CredentialsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create worker dir %s: %w", dir, err)
		}
	}
	return nil
}

// resolve adapts a stored worker to this runtime: stale absolute paths fall
// back to the registry's computed ones, the identity document may supply the
// display name, and a missing summary is synthesised.
func (r *Registry) resolve(w Worker) Worker {
	w.Capabilities = append([]string(nil), w.Capabilities...)
	if !dirExists(w.WorkspaceRoot) {
		w.WorkspaceRoot = r.DefaultWorkspace(w.ID)
	}
	if !dirExists(w.CredentialsRoot) {
		w.CredentialsRoot = filepath.Join(w.WorkspaceRoot, "credentials")
	}
	if declared := readIdentityName(filepath.Join(w.WorkspaceRoot, identityFile)); declared != "" && IsGenericName(w.Name, w.ID) {
		w.Name = declared
	}
	if strings.TrimSpace(w.Name) == "" {
		w.Name = w.ID
	}
	if strings.TrimSpace(w.Summary) == "" {
		w.Summary = synthesizeSummary(w)
	}
	return w
}

func dirExists(p string) bool {
	if strings.TrimSpace(p) == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

var identityNameLine = regexp.MustCompile(`(?im)^\s*[-*]?\s*\**name\**\s*:\s*\**\s*(.+?)\s*\**\s*$`)

// readIdentityName returns the name declared by an identity document, either
// in YAML front matter or as a "Name: ..." line. Missing files yield "".
func readIdentityName(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if strings.HasPrefix(text, "---\n") {
		if end := strings.Index(text[4:], "\n---"); end >= 0 {
			var fm struct {
				Name string `yaml:"name"`
			}
			if yaml.Unmarshal([]byte(text[4:4+end]), &fm) == nil && strings.TrimSpace(fm.Name) != "" {
				return strings.TrimSpace(fm.Name)
			}
		}
	}
	if m := identityNameLine.FindStringSubmatch(text); m != nil {
		return strings.Trim(strings.TrimSpace(m[1]), `"'`)
	}
	return ""
}
