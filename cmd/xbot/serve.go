package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glwlg/X-bot-sub002/internal/channels"
	"github.com/glwlg/X-bot-sub002/internal/config"
	"github.com/glwlg/X-bot-sub002/internal/cron"
	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/gateway"
	"github.com/glwlg/X-bot-sub002/internal/heartbeat"
	"github.com/glwlg/X-bot-sub002/internal/inbox"
	"github.com/glwlg/X-bot-sub002/internal/natsbridge"
	"github.com/glwlg/X-bot-sub002/internal/otel"
	"github.com/glwlg/X-bot-sub002/internal/taskmgr"
	"github.com/glwlg/X-bot-sub002/internal/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: worker daemon, heartbeat, schedules, channels and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Missing {
		if _, err := config.WriteStarter(cfg.HomeDir); err != nil {
			return err
		}
		if cfg, err = loadConfig(); err != nil {
			return err
		}
	}

	ocfg := cfg.OTel
	ocfg.ServiceVersion = Version
	ocfg.StorageBackend = cfg.Storage.Backend
	provider, err := otel.Init(ctx, ocfg)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	c, err := openCore(ctx, cfg, coreOptions{Metrics: metrics, Tracer: provider.Tracer})
	if err != nil {
		return err
	}
	defer c.Close()
	logger := c.logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "backend", c.backend.Name(), "config_fingerprint", cfg.Fingerprint())
	warnOpenBind(cfg, logger)

	if _, err := c.registry.EnsureDefaultWorker(ctx); err != nil {
		return fmt.Errorf("ensure default worker: %w", err)
	}

	nc, err := connectNATS(cfg, "xbot", telemetry.Component(logger, "nats"))
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
	}

	disp, err := c.dispatcher(nc)
	if err != nil {
		return err
	}
	daemon := dispatch.NewDaemon(dispatch.DaemonConfig{
		Inbox:        c.inbox,
		Dispatcher:   disp,
		Logger:       telemetry.Component(logger, "daemon"),
		Concurrency:  cfg.Workers.Concurrency,
		PollInterval: time.Duration(cfg.Workers.PollIntervalSeconds) * time.Second,
		SyncGrace:    time.Duration(cfg.Workers.SyncGraceSeconds) * time.Second,
	})
	daemon.Start(ctx)
	logger.Info("startup phase", "phase", "daemon_started")

	manager := taskmgr.New(taskmgr.Config{
		Bus:     c.bus,
		Logger:  telemetry.Component(logger, "taskmgr"),
		Metrics: metrics,
	})
	go sweepSessions(ctx, manager, logger)

	// Channels. The first enabled channel that can deliver becomes the
	// heartbeat notifier.
	var notifier heartbeat.Notifier
	if tg := cfg.Channels.Telegram; tg.Enabled {
		if tg.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			chat, err := channels.NewChat(channels.ChatConfig{
				Platform:   channels.PlatformTelegram,
				Manager:    manager,
				Dispatcher: disp,
				Heartbeat:  c.heartbeat,
				Logger:     telemetry.Component(logger, "chat"),
			})
			if err != nil {
				return err
			}
			ch := channels.NewTelegramChannel(channels.TelegramConfig{
				Token:      tg.Token,
				AllowedIDs: tg.AllowedIDs,
				Chat:       chat,
				Logger:     telemetry.Component(logger, "telegram"),
				Metrics:    metrics,
			})
			notifier = ch
			go func() {
				if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
					logger.Error("telegram channel stopped", "error", err)
				}
			}()
			logger.Info("startup phase", "phase", "channel_started", "channel", ch.Name())
		}
	}
	if notifier != nil {
		fwd := &channels.OutputForwarder{
			Bus:       c.bus,
			Inbox:     c.inbox,
			Heartbeat: c.heartbeat,
			Notifier:  notifier,
			Logger:    telemetry.Component(logger, "forwarder"),
		}
		go fwd.Run(ctx)
	}

	var hb *heartbeat.Worker
	if !cfg.Heartbeat.Disabled {
		hb = heartbeat.NewWorker(heartbeat.WorkerConfig{
			Store:    c.heartbeat,
			Runner:   disp,
			Notifier: notifier,
			Bus:      c.bus,
			Logger:   telemetry.Component(logger, "heartbeat"),
			Metrics:  metrics,
			Tracer:   provider.Tracer,
			Interval: time.Duration(cfg.Heartbeat.TickSeconds) * time.Second,
		})
		hb.Start(ctx)
		defer hb.Stop()
		logger.Info("startup phase", "phase", "heartbeat_started")
	}

	sched, err := cron.NewScheduler(cron.Config{
		Backend:   c.backend,
		Submitter: disp,
		Logger:    telemetry.Component(logger, "cron"),
	})
	if err != nil {
		return err
	}
	applySchedules(sched, cfg.Schedules, logger)
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, cfg.HeartbeatDir(), heartbeat.FileName, telemetry.Component(logger, "watcher"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchChanges(ctx, watcher, cfg, sched, hb, logger)
	}

	if nc != nil {
		bridge, err := natsbridge.NewBridge(natsbridge.BridgeConfig{
			Conn:     nc,
			Prefix:   cfg.NATS.SubjectPrefix,
			Bus:      c.bus,
			Sessions: manager,
			Logger:   telemetry.Component(logger, "nats"),
			Metrics:  metrics,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Error("nats bridge stopped", "error", err)
			}
		}()
	}

	gw, err := gateway.New(gateway.Config{
		Inbox:             c.inbox,
		Dispatcher:        disp,
		Registry:          c.registry,
		Manager:           manager,
		Bus:               c.bus,
		Daemon:            daemon,
		Settings:          cfg.Gateway,
		ConfigFingerprint: cfg.Fingerprint(),
		BackendName:       c.backend.Name(),
		Logger:            telemetry.Component(logger, "gateway"),
		Metrics:           metrics,
		Tracer:            provider.Tracer,
	})
	if err != nil {
		return err
	}
	gw.StartEviction(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	// Stop intake first, then let in-flight runs finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	drain := cfg.DrainTimeout()
	if drain <= 0 {
		drain = 5 * time.Second
	}
	daemon.Drain(drain)
	logger.Info("shutdown complete")
	return runErr
}

// warnOpenBind flags an unauthenticated API on a non-loopback address.
func warnOpenBind(cfg config.Config, logger *slog.Logger) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
	if !loopback && cfg.Gateway.AuthToken == "" {
		logger.Warn("gateway auth_token is empty on a non-loopback bind; anyone who can reach it can submit tasks", "bind_addr", cfg.BindAddr)
	}
}

// scheduleEntries converts config schedules, skipping disabled ones and
// those with an invalid priority.
func scheduleEntries(list []config.ScheduleConfig) ([]cron.Entry, error) {
	var (
		entries []cron.Entry
		errs    []error
	)
	for _, s := range list {
		if s.Disabled {
			continue
		}
		prio, err := inbox.ParsePriority(s.Priority)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", s.Name, err))
			continue
		}
		entries = append(entries, cron.Entry{
			Name:     s.Name,
			Expr:     s.Cron,
			Goal:     s.Goal,
			UserID:   s.UserID,
			Priority: prio,
			WorkerID: s.WorkerID,
		})
	}
	return entries, errors.Join(errs...)
}

func applySchedules(sched *cron.Scheduler, list []config.ScheduleConfig, logger *slog.Logger) {
	entries, err := scheduleEntries(list)
	if err != nil {
		logger.Warn("invalid schedules skipped", "error", err)
	}
	if err := sched.Set(entries); err != nil {
		logger.Warn("invalid schedules skipped", "error", err)
	}
	logger.Info("schedules loaded", "count", len(sched.Entries()))
}

// watchChanges applies what can change at runtime: schedules from
// config.yaml, and an immediate due-check for an edited heartbeat document.
// Everything covered by the config fingerprint needs a restart.
func watchChanges(ctx context.Context, w *config.Watcher, current config.Config, sched *cron.Scheduler, hb *heartbeat.Worker, logger *slog.Logger) {
	for ev := range w.Events() {
		switch ev.Kind {
		case config.ChangeConfig:
			next, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed; keeping previous settings", "error", err)
				continue
			}
			applySchedules(sched, next.Schedules, logger)
			if next.Fingerprint() != current.Fingerprint() {
				logger.Warn("config changed settings that need a restart", "old_fingerprint", current.Fingerprint(), "new_fingerprint", next.Fingerprint())
			}
			current = next
		case config.ChangeHeartbeat:
			if hb == nil || ev.UserID == "" {
				continue
			}
			if ran, err := hb.RunUser(ctx, ev.UserID, false); err != nil {
				logger.Warn("heartbeat run after edit failed", "user_id", ev.UserID, "error", err)
			} else if ran {
				logger.Info("heartbeat ran after document edit", "user_id", ev.UserID)
			}
		}
	}
}

// sweepSessions drops finished session entries once a minute.
func sweepSessions(ctx context.Context, m *taskmgr.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupCompleted(); n > 0 {
				logger.Debug("finished sessions removed", "count", n)
			}
		}
	}
}
