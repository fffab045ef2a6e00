package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/glwlg/X-bot-sub002/internal/audit"
	"github.com/glwlg/X-bot-sub002/internal/bus"
	"github.com/glwlg/X-bot-sub002/internal/config"
	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/heartbeat"
	"github.com/glwlg/X-bot-sub002/internal/inbox"
	"github.com/glwlg/X-bot-sub002/internal/natsbridge"
	"github.com/glwlg/X-bot-sub002/internal/otel"
	"github.com/glwlg/X-bot-sub002/internal/persistence"
	"github.com/glwlg/X-bot-sub002/internal/telemetry"
	"github.com/glwlg/X-bot-sub002/internal/workers"
)

// core is the persistent state every command works against. serve adds the
// long-running loops on top of it; the other commands use it directly.
type core struct {
	cfg       config.Config
	logger    *slog.Logger
	closer    io.Closer
	backend   persistence.Backend
	bus       *bus.Bus
	versions  *audit.Store
	inbox     *inbox.Inbox
	registry  *workers.Registry
	journal   *workers.Journal
	heartbeat *heartbeat.Store
	metrics   *otel.Metrics
	tracer    trace.Tracer
}

type coreOptions struct {
	// Quiet keeps log output in logs/system.jsonl only.
	Quiet   bool
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openCore(ctx context.Context, cfg config.Config, opts coreOptions) (*core, error) {
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.Quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	c := &core{
		cfg:     cfg,
		logger:  logger,
		closer:  closer,
		bus:     bus.New(),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	if c.tracer == nil {
		c.tracer = otel.NoopTracer()
	}
	if err := c.open(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *core) open(ctx context.Context) error {
	cfg := c.cfg
	backend, err := persistence.Open(ctx, persistence.Config{
		Kind: cfg.Storage.Backend,
		Root: cfg.DataDir(),
		DSN:  cfg.Storage.DSN,
	})
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Storage.Backend, err)
	}
	c.backend = backend

	c.versions, err = audit.New(audit.Options{Root: cfg.AuditDir(), Bus: c.bus})
	if err != nil {
		return err
	}
	c.inbox, err = inbox.New(inbox.Config{
		Backend: backend,
		Bus:     c.bus,
		Logger:  telemetry.Component(c.logger, "inbox"),
		Metrics: c.metrics,
	})
	if err != nil {
		return err
	}
	c.registry, err = workers.NewRegistry(workers.RegistryConfig{
		Root:           cfg.WorkersDir(),
		Versions:       c.versions,
		DefaultBackend: cfg.Workers.DefaultBackend,
		Logger:         telemetry.Component(c.logger, "workers"),
	})
	if err != nil {
		return err
	}
	c.journal, err = workers.NewJournal(workers.JournalConfig{
		Backend: backend,
		Logger:  telemetry.Component(c.logger, "journal"),
	})
	if err != nil {
		return err
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	c.heartbeat, err = heartbeat.NewStore(heartbeat.StoreConfig{
		Root:     cfg.HeartbeatDir(),
		Versions: c.versions,
		Bus:      c.bus,
		Logger:   telemetry.Component(c.logger, "heartbeat"),
		Classifier: heartbeat.Classifier{
			Sentinel: cfg.Heartbeat.OKSentinel,
			Keywords: cfg.Heartbeat.ActionKeywords,
		},
		Defaults: heartbeat.Defaults{
			Every:       cfg.Heartbeat.Every,
			ActiveStart: cfg.Heartbeat.ActiveStart,
			ActiveEnd:   cfg.Heartbeat.ActiveEnd,
		},
		Location: loc,
	})
	return err
}

// dispatcher builds a dispatcher over the core. nc may be nil, in which case
// remote backends are unreachable and fall through to the local command.
func (c *core) dispatcher(nc *nats.Conn) (*dispatch.Dispatcher, error) {
	rt, err := buildRuntime(c.cfg, nc, c.metrics)
	if err != nil {
		return nil, err
	}
	return dispatch.New(dispatch.Config{
		Inbox:     c.inbox,
		Registry:  c.registry,
		Journal:   c.journal,
		Runtime:   rt,
		Heartbeat: c.heartbeat,
		Logger:    telemetry.Component(c.logger, "dispatch"),
		Metrics:   c.metrics,
		Tracer:    c.tracer,
		Timeout:   c.cfg.TaskTimeout(),
	})
}

func (c *core) Close() error {
	var errs []error
	if c.bus != nil {
		c.bus.Close()
	}
	if c.backend != nil {
		errs = append(errs, c.backend.Close())
	}
	if c.closer != nil {
		errs = append(errs, c.closer.Close())
	}
	return errors.Join(errs...)
}

// buildRuntime runs local backends through their configured command and
// sends nats.remote_backends to remote worker daemons.
func buildRuntime(cfg config.Config, nc *nats.Conn, metrics *otel.Metrics) (dispatch.Runtime, error) {
	local, err := dispatch.NewExecRuntime(dispatch.ExecRuntimeConfig{
		Commands:       cfg.Workers.Commands,
		DefaultCommand: cfg.Workers.Command,
		Timeout:        cfg.TaskTimeout(),
	})
	if err != nil {
		return nil, err
	}
	if nc == nil || len(cfg.NATS.RemoteBackends) == 0 {
		return local, nil
	}
	remote := natsbridge.NewRuntime(nc, cfg.NATS.SubjectPrefix, metrics)
	routes := make(map[string]dispatch.Runtime, len(cfg.NATS.RemoteBackends))
	for _, b := range cfg.NATS.RemoteBackends {
		routes[b] = remote
	}
	return dispatch.Router{Routes: routes, Default: local}, nil
}

// connectNATS returns nil when the bridge is disabled.
func connectNATS(cfg config.Config, name string, logger *slog.Logger) (*nats.Conn, error) {
	if !cfg.NATS.Enabled {
		return nil, nil
	}
	return natsbridge.Connect(cfg.NATS.URL, name, logger)
}
