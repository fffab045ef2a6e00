// Package dispatch executes inbox tasks on registered workers: it claims a
// task, runs it through a worker runtime, journals the run and writes the
// outcome back to the inbox.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// RunRequest is handed to a worker runtime.
type RunRequest struct {
	TaskID          string         `json:"task_id"`
	InboxTaskID     string         `json:"inbox_task_id"`
	WorkerID        string         `json:"worker_id"`
	Backend         string         `json:"backend"`
	UserID          string         `json:"user_id,omitempty"`
	Source          string         `json:"source"`
	Instruction     string         `json:"instruction"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	WorkspaceRoot   string         `json:"workspace_root"`
	CredentialsRoot string         `json:"credentials_root"`
}

// Result is the envelope a runtime returns.
type Result struct {
	OK    bool           `json:"ok"`
	Text  string         `json:"text,omitempty"`
	Error string         `json:"error,omitempty"`
	UI    map[string]any `json:"ui,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Runtime executes one worker instruction. A returned error means the
// runtime itself could not run; a task that ran and failed returns
// Result{OK: false}.
type Runtime interface {
	Execute(ctx context.Context, req RunRequest) (Result, error)
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, req RunRequest) (Result, error)

func (f RuntimeFunc) Execute(ctx context.Context, req RunRequest) (Result, error) { return f(ctx, req) }

// Router sends each request to the runtime registered for its worker
// backend, falling back to Default.
type Router struct {
	Routes  map[string]Runtime
	Default Runtime
}

func (r Router) Execute(ctx context.Context, req RunRequest) (Result, error) {
	if rt, ok := r.Routes[req.Backend]; ok && rt != nil {
		return rt.Execute(ctx, req)
	}
	if r.Default == nil {
		return Result{}, fmt.Errorf("%w for backend %q", ErrNoCommand, req.Backend)
	}
	return r.Default.Execute(ctx, req)
}

const (
	defaultExecTimeout = 10 * time.Minute
	maxExecOutput      = 256 * 1024
)

// ExecRuntimeConfig maps worker backends to shell commands.
type ExecRuntimeConfig struct {
	// Commands is keyed by worker backend.
	Commands map[string]string
	// DefaultCommand runs backends without an entry in Commands.
	DefaultCommand string
	Timeout        time.Duration
}

// ExecRuntime runs a command per task. The request is written to stdin as
// JSON; the command prints a result envelope, or plain text, on stdout.
type ExecRuntime struct {
	commands       map[string]string
	defaultCommand string
	timeout        time.Duration
	validator      *envelopeValidator
}

func NewExecRuntime(cfg ExecRuntimeConfig) (*ExecRuntime, error) {
	v, err := newEnvelopeValidator()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExecTimeout
	}
	return &ExecRuntime{
		commands:       cfg.Commands,
		defaultCommand: cfg.DefaultCommand,
		timeout:        cfg.Timeout,
		validator:      v,
	}, nil
}

// ErrNoCommand is returned when no command is configured for a backend.
var ErrNoCommand = errors.New("no runtime command configured")

func (r *ExecRuntime) command(backend string) string {
	if cmd := strings.TrimSpace(r.commands[backend]); cmd != "" {
		return cmd
	}
	return strings.TrimSpace(r.defaultCommand)
}

func (r *ExecRuntime) Execute(ctx context.Context, req RunRequest) (Result, error) {
	cmdline := r.command(req.Backend)
	if cmdline == "" {
		return Result{}, fmt.Errorf("%w for backend %q", ErrNoCommand, req.Backend)
	}
	input, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode runtime request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.WaitDelay = time.Second
	if req.WorkspaceRoot != "" {
		if st, err := os.Stat(req.WorkspaceRoot); err == nil && st.IsDir() {
			cmd.Dir = req.WorkspaceRoot
		}
	}
	cmd.Env = append(os.Environ(),
		"XBOT_TASK_ID="+req.TaskID,
		"XBOT_INBOX_TASK_ID="+req.InboxTaskID,
		"XBOT_WORKER_ID="+req.WorkerID,
		"XBOT_USER_ID="+req.UserID,
		"XBOT_CREDENTIALS_ROOT="+req.CredentialsRoot,
	)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &capped{buf: &stdout, max: maxExecOutput}
	cmd.Stderr = &capped{buf: &stderr, max: maxExecOutput}

	runErr := cmd.Run()
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{OK: false, Error: fmt.Sprintf("runtime timed out after %s", r.timeout)}, nil
		}
		return Result{}, ctx.Err()
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{}, fmt.Errorf("run %q: %w", cmdline, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	res, found, perr := r.validator.parse(stdout.String())
	switch {
	case perr != nil:
		return Result{OK: false, Error: perr.Error(), Text: strings.TrimSpace(stdout.String())}, nil
	case found:
		if exitCode != 0 && res.OK {
			res.OK = false
			if res.Error == "" {
				res.Error = fmt.Sprintf("exit status %d", exitCode)
			}
		}
		return res, nil
	}

	text := strings.TrimSpace(stdout.String())
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", exitCode)
		}
		return Result{OK: false, Text: text, Error: msg}, nil
	}
	return Result{OK: true, Text: text}, nil
}

// capped is a writer that keeps at most max bytes and discards the rest.
type capped struct {
	buf *bytes.Buffer
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}
