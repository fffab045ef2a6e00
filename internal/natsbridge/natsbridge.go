// Package natsbridge connects the orchestrator to remote worker daemons over
// NATS. Tasks for remote backends are sent with request-reply on
// <prefix>.task.dispatch.<backend>; workers report progress on
// <prefix>.task.status; local bus events are mirrored to
// <prefix>.events.<topic> for outside observers.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/otel"
)

// ErrNoWorkers is returned when no daemon serves a backend.
var ErrNoWorkers = errors.New("no remote worker is serving this backend")

const defaultPrefix = "xbot"

// Connect dials url and keeps reconnecting for the life of the process.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

func prefixOr(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return defaultPrefix
	}
	return prefix
}

// DispatchSubject is where tasks for backend are requested.
func DispatchSubject(prefix, backend string) string {
	return prefixOr(prefix) + ".task.dispatch." + backend
}

// StatusSubject carries StatusReport messages from remote workers.
func StatusSubject(prefix string) string {
	return prefixOr(prefix) + ".task.status"
}

// EventSubject mirrors one bus topic.
func EventSubject(prefix, topic string) string {
	return prefixOr(prefix) + ".events." + topic
}

func queueGroup(prefix, backend string) string {
	return prefixOr(prefix) + ".workers." + backend
}

// StatusReport is published by a remote worker while it runs a task.
type StatusReport struct {
	TaskID      string    `json:"task_id"`
	InboxTaskID string    `json:"inbox_task_id"`
	UserID      string    `json:"user_id,omitempty"`
	WorkerID    string    `json:"worker_id"`
	Note        string    `json:"note"`
	At          time.Time `json:"at"`
}

// Runtime executes tasks on remote worker daemons. It implements
// dispatch.Runtime.
type Runtime struct {
	nc      *nats.Conn
	prefix  string
	metrics *otel.Metrics
}

func NewRuntime(nc *nats.Conn, prefix string, metrics *otel.Metrics) *Runtime {
	return &Runtime{nc: nc, prefix: prefix, metrics: metrics}
}

func (r *Runtime) Execute(ctx context.Context, req dispatch.RunRequest) (dispatch.Result, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("encode remote request: %w", err)
	}
	out := nats.NewMsg(DispatchSubject(r.prefix, req.Backend))
	out.Data = data
	otel.Inject(ctx, out.Header)
	r.metrics.BridgeMessage(ctx, "nats_out")
	msg, err := r.nc.RequestMsgWithContext(ctx, out)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return dispatch.Result{}, fmt.Errorf("%w: %s", ErrNoWorkers, req.Backend)
	case err != nil && ctx.Err() != nil:
		return dispatch.Result{}, ctx.Err()
	case err != nil:
		return dispatch.Result{}, fmt.Errorf("remote dispatch: %w", err)
	}
	r.metrics.BridgeMessage(ctx, "nats_in")
	return decodeReply(msg.Data)
}

func decodeReply(data []byte) (dispatch.Result, error) {
	var res dispatch.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return dispatch.Result{}, fmt.Errorf("decode remote result: %w", err)
	}
	return res, nil
}

type ServeConfig struct {
	Conn    *nats.Conn
	Prefix  string
	Backend string
	// WorkerID names this daemon in status reports.
	WorkerID string
	Runtime  dispatch.Runtime
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Serve answers dispatch requests for one backend until ctx is done. Daemons
// serving the same backend share work through a queue group.
func Serve(ctx context.Context, cfg ServeConfig) error {
	if cfg.Conn == nil || cfg.Runtime == nil || cfg.Backend == "" {
		return errors.New("natsbridge: conn, runtime and backend are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("backend", cfg.Backend, "worker_id", cfg.WorkerID)

	sub, err := cfg.Conn.QueueSubscribe(DispatchSubject(cfg.Prefix, cfg.Backend), queueGroup(cfg.Prefix, cfg.Backend), func(m *nats.Msg) {
		go serveOne(ctx, cfg, logger, m)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Backend, err)
	}
	logger.Info("remote worker serving", "subject", sub.Subject)
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		logger.Warn("drain subscription", "error", err)
	}
	return nil
}

func serveOne(ctx context.Context, cfg ServeConfig, logger *slog.Logger, m *nats.Msg) {
	var req dispatch.RunRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		logger.Warn("bad dispatch request", "error", err)
		respond(logger, m, dispatch.Result{OK: false, Error: "bad request: " + err.Error()})
		return
	}
	if cfg.WorkerID != "" {
		req.WorkerID = cfg.WorkerID
	}
	ctx, span := otel.StartServerSpan(otel.Extract(ctx, m.Header), cfg.Tracer, "natsbridge.serve",
		otel.AttrTaskID.String(req.InboxTaskID),
		otel.AttrBackend.String(cfg.Backend),
		otel.AttrWorkerID.String(req.WorkerID),
	)
	defer span.End()

	report(ctx, cfg, req, "started")
	logger.Info("remote task started", "task_id", req.TaskID, "inbox_task_id", req.InboxTaskID)

	res, err := cfg.Runtime.Execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		res = dispatch.Result{OK: false, Error: err.Error()}
	}
	report(ctx, cfg, req, "finished")
	logger.Info("remote task finished", "task_id", req.TaskID, "ok", res.OK)
	respond(logger, m, res)
}

func respond(logger *slog.Logger, m *nats.Msg, res dispatch.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		logger.Error("encode remote result", "error", err)
		return
	}
	if err := m.Respond(data); err != nil {
		logger.Warn("respond to dispatch request", "error", err)
	}
}

func report(ctx context.Context, cfg ServeConfig, req dispatch.RunRequest, note string) {
	data, err := json.Marshal(StatusReport{
		TaskID:      req.TaskID,
		InboxTaskID: req.InboxTaskID,
		UserID:      req.UserID,
		WorkerID:    req.WorkerID,
		Note:        note,
		At:          time.Now().UTC(),
	})
	if err != nil || ctx.Err() != nil {
		return
	}
	_ = cfg.Conn.Publish(StatusSubject(cfg.Prefix), data)
}
