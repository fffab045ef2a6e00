package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/natsbridge"
	"github.com/glwlg/X-bot-sub002/internal/otel"
	"github.com/glwlg/X-bot-sub002/internal/telemetry"
	"github.com/glwlg/X-bot-sub002/internal/workers"
)

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers and run remote worker daemons",
	}
	cmd.AddCommand(newWorkerListCommand(), newWorkerAddCommand(), newWorkerServeCommand())
	return cmd
}

func newWorkerListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := openCore(cmd.Context(), cfg, coreOptions{Quiet: true})
			if err != nil {
				return err
			}
			defer c.Close()

			if _, err := c.registry.EnsureDefaultWorker(cmd.Context()); err != nil {
				return err
			}
			list, err := c.registry.ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, list)
			}
			renderWorkers(out, list)
			return nil
		},
	}
}

func renderWorkers(out io.Writer, list []workers.Worker) {
	s := newStyles(out)
	rows := make([][]string, 0, len(list))
	for _, w := range list {
		last := orDash(w.LastTaskID)
		if w.LastError != "" {
			last += " (" + truncate(w.LastError, 32) + ")"
		}
		rows = append(rows, []string{
			w.ID,
			orDash(w.Name),
			w.Backend,
			w.Status,
			strings.Join(w.Capabilities, ","),
			last,
		})
	}
	s.renderTable(out, []string{"ID", "NAME", "BACKEND", "STATUS", "CAPABILITIES", "LAST TASK"}, rows, 3)
}

func newWorkerAddCommand() *cobra.Command {
	var w workers.Worker
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register or update a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := openCore(cmd.Context(), cfg, coreOptions{Quiet: true})
			if err != nil {
				return err
			}
			defer c.Close()

			w.ID = args[0]
			saved, err := c.registry.Upsert(cmd.Context(), w)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, saved)
			}
			fmt.Fprintf(out, "%s %s (%s backend, workspace %s)\n",
				newStyles(out).ok.Render("saved"), saved.ID, saved.Backend, saved.WorkspaceRoot)
			return nil
		},
	}
	cmd.Flags().StringVar(&w.Name, "name", "", "display name")
	cmd.Flags().StringVar(&w.Backend, "backend", "", "runtime backend (default workers.default_backend)")
	cmd.Flags().StringSliceVar(&w.Capabilities, "capability", nil, "capability tag, repeatable")
	cmd.Flags().StringVar(&w.Summary, "summary", "", "one-line description")
	return cmd
}

func newWorkerServeCommand() *cobra.Command {
	var (
		backend  string
		workerID string
		command  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve one backend to the orchestrator over NATS",
		Long: `Run a remote worker daemon. It answers dispatch requests for --backend on
<prefix>.task.dispatch.<backend>, runs each with the configured command and
reports progress on <prefix>.task.status. Daemons serving the same backend
share work through a queue group.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.NATS.Enabled {
				return errors.New("nats is disabled; set nats.enabled or XBOT_NATS_URL")
			}
			logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
			if err != nil {
				return err
			}
			defer closer.Close()
			logger = telemetry.Component(logger, "remote-worker")

			if command == "" {
				command = cfg.Workers.Commands[backend]
			}
			if command == "" {
				command = cfg.Workers.Command
			}
			rt, err := dispatch.NewExecRuntime(dispatch.ExecRuntimeConfig{
				Commands: map[string]string{backend: command},
				Timeout:  cfg.TaskTimeout(),
			})
			if err != nil {
				return err
			}
			if workerID == "" {
				host, _ := os.Hostname()
				workerID = backend + "@" + orDash(host)
			}

			ocfg := cfg.OTel
			ocfg.ServiceName = "xbot-worker"
			ocfg.ServiceVersion = Version
			provider, err := otel.Init(cmd.Context(), ocfg)
			if err != nil {
				return fmt.Errorf("init otel: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = provider.Shutdown(shutdownCtx)
			}()

			nc, err := natsbridge.Connect(cfg.NATS.URL, "xbot-worker-"+workerID, logger)
			if err != nil {
				return err
			}
			defer nc.Close()

			return natsbridge.Serve(cmd.Context(), natsbridge.ServeConfig{
				Conn:     nc,
				Prefix:   cfg.NATS.SubjectPrefix,
				Backend:  backend,
				WorkerID: workerID,
				Runtime:  rt,
				Logger:   logger,
				Tracer:   provider.Tracer,
			})
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "backend to serve (required)")
	cmd.Flags().StringVar(&workerID, "id", "", "name reported in status updates (default <backend>@<host>)")
	cmd.Flags().StringVar(&command, "command", "", "command to run per task (default from workers.commands)")
	_ = cmd.MarkFlagRequired("backend")
	return cmd
}
