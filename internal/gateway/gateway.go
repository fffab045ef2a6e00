package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/config"
	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/inbox"
	"github.com/glwlg/X-bot-sub002/internal/otel"
	"github.com/glwlg/X-bot-sub002/internal/shared"
	"github.com/glwlg/X-bot-sub002/internal/taskmgr"
	"github.com/glwlg/X-bot-sub002/internal/workers"
)

// SourceAPI marks tasks submitted over HTTP.
const SourceAPI = "api"

const defaultListLimit = 50

type Config struct {
	Inbox      *inbox.Inbox
	Dispatcher *dispatch.Dispatcher
	Registry   *workers.Registry
	Manager    *taskmgr.Manager
	Bus        *bus.Bus
	// Daemon, when set, is reported by /healthz.
	Daemon *dispatch.Daemon

	Settings config.GatewayConfig
	// ConfigFingerprint and BackendName are reported by /healthz.
	ConfigFingerprint string
	BackendName       string

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Server exposes the inbox, the worker registry and live bus events over
// HTTP and WebSocket.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	auth      *AuthMiddleware
	ratelimit *RateLimitMiddleware
}

func New(cfg Config) (*Server, error) {
	if cfg.Inbox == nil || cfg.Dispatcher == nil || cfg.Registry == nil {
		return nil, errors.New("gateway: inbox, dispatcher and registry are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.NoopTracer()
	}
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		auth:      NewAuthMiddleware(cfg.Settings.AuthToken),
		ratelimit: NewRateLimitMiddleware(cfg.Settings.RequestsPerMinute, cfg.Settings.BurstSize),
	}, nil
}

// Handler returns the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealthz)
	s.route(mux, "GET /api/tasks", s.handleListTasks)
	s.route(mux, "POST /api/tasks", s.handleSubmitTask)
	s.route(mux, "GET /api/tasks/{id}", s.handleGetTask)
	s.route(mux, "GET /api/workers", s.handleListWorkers)
	s.route(mux, "GET /api/sessions", s.handleListSessions)
	s.route(mux, "POST /api/sessions/{user}/cancel", s.handleCancelSession)
	mux.HandleFunc("GET /ws/events", s.handleEvents)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.Settings.MaxBodyBytes)(h)
	h = s.auth.Wrap(h)
	h = s.ratelimit.Wrap(h)
	h = NewCORSMiddleware(s.cfg.Settings.AllowOrigins)(h)
	return h
}

// StartEviction drops idle rate-limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.ratelimit.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, pattern)
		defer span.End()
		fn(w, r.WithContext(ctx))
		s.cfg.Metrics.Request(ctx, pattern, time.Since(started))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := true
	if _, err := s.cfg.Inbox.List(r.Context(), inbox.ListOptions{Limit: 1}); err != nil {
		s.logger.Warn("healthz: backend check failed", "error", err)
		healthy = false
	}
	active := 0
	if s.cfg.Manager != nil {
		for _, info := range s.cfg.Manager.List() {
			if !info.Finished {
				active++
			}
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{
		"healthy":            healthy,
		"backend":            s.cfg.BackendName,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"active_sessions":    active,
	}
	if s.cfg.Daemon != nil {
		body["daemon"] = s.cfg.Daemon.Status()
	}
	writeJSON(w, status, body)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := inbox.ListOptions{
		UserID: q.Get("user"),
		Status: inbox.Status(q.Get("status")),
		Limit:  defaultListLimit,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	tasks, err := s.cfg.Inbox.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []inbox.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok, err := s.cfg.Inbox.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type submitRequest struct {
	UserID   string `json:"user_id"`
	Goal     string `json:"goal"`
	Priority string `json:"priority"`
	WorkerID string `json:"worker_id"`
	// Mode is "async" (default) or "sync"; sync waits for the result.
	Mode    string         `json:"mode"`
	Payload map[string]any `json:"payload"`
}

type submitResponse struct {
	Task          inbox.Task     `json:"task"`
	Queued        bool           `json:"queued"`
	Output        *shared.Output `json:"output,omitempty"`
	JournalTaskID string         `json:"journal_task_id,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}
	priority, err := inbox.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := dispatch.Mode(strings.ToLower(strings.TrimSpace(req.Mode)))
	switch mode {
	case "":
		mode = dispatch.ModeAsync
	case dispatch.ModeAsync, dispatch.ModeSync:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}

	ctx := shared.WithSource(r.Context(), SourceAPI)
	out, err := s.cfg.Dispatcher.Dispatch(ctx, dispatch.Request{
		UserID:   req.UserID,
		Source:   SourceAPI,
		Goal:     req.Goal,
		Payload:  req.Payload,
		Priority: priority,
		WorkerID: req.WorkerID,
		Mode:     mode,
	})
	if err != nil && out.Task.ID == "" {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err != nil {
		// The task exists and carries the failure.
		s.logger.Warn("api dispatch failed", "task_id", out.Task.ID, "error", err)
	}

	resp := submitResponse{Task: out.Task, Queued: out.Queued}
	status := http.StatusAccepted
	if !out.Queued {
		status = http.StatusOK
		resp.Output = &out.Output
		resp.JournalTaskID = out.Record.TaskID
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Registry.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": list})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := []taskmgr.Info{}
	if s.cfg.Manager != nil {
		sessions = append(sessions, s.cfg.Manager.List()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions are not tracked")
		return
	}
	user := r.PathValue("user")
	desc, ok := s.cfg.Manager.Cancel(user)
	if !ok {
		writeError(w, http.StatusNotFound, "nothing is running")
		return
	}
	s.logger.Info("session cancelled over api", "user_id", user)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "description": desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
