package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/inbox"
	"github.com/glwlg/X-bot-sub002/internal/workers"
)

// SourceCLI marks tasks submitted from the command line.
const SourceCLI = "cli"

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect inbox tasks",
	}
	cmd.AddCommand(newTaskSubmitCommand(), newTaskListCommand(), newTaskShowCommand())
	return cmd
}

func newTaskSubmitCommand() *cobra.Command {
	var (
		userID   string
		priority string
		workerID string
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Queue a task for the worker daemon, or run it here with --sync",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := inbox.ParsePriority(priority)
			if err != nil {
				return err
			}
			mode := dispatch.ModeAsync
			if wait {
				mode = dispatch.ModeSync
			}
			return runTaskSubmit(cmd.Context(), cmd.OutOrStdout(), jsonOutput(cmd), dispatch.Request{
				UserID:   userID,
				Source:   SourceCLI,
				Goal:     strings.Join(args, " "),
				Priority: prio,
				WorkerID: workerID,
				Mode:     mode,
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "owner of the task")
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "high, normal or low")
	cmd.Flags().StringVar(&workerID, "worker", "", "pin the task to a worker id")
	cmd.Flags().BoolVar(&wait, "sync", false, "run the task in this process and wait for the result")
	return cmd
}

func runTaskSubmit(ctx context.Context, out io.Writer, asJSON bool, req dispatch.Request) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := openCore(ctx, cfg, coreOptions{Quiet: true})
	if err != nil {
		return err
	}
	defer c.Close()

	nc, err := connectNATS(cfg, "xbot-cli", c.logger)
	if err != nil {
		if req.Mode == dispatch.ModeSync {
			return err
		}
		c.logger.Warn("nats unavailable; queueing anyway", "error", err)
	}
	if nc != nil {
		defer nc.Close()
	}
	disp, err := c.dispatcher(nc)
	if err != nil {
		return err
	}

	outcome, runErr := disp.Dispatch(ctx, req)
	if outcome.Task.ID == "" {
		return runErr
	}
	if asJSON {
		if err := writeJSON(out, outcome); err != nil {
			return err
		}
		return runErr
	}

	s := newStyles(out)
	task := outcome.Task
	if outcome.Queued {
		fmt.Fprintf(out, "%s %s (%s priority)\n", s.ok.Render("queued"), task.ID, task.Priority)
		return nil
	}
	fmt.Fprintf(out, "%s %s\n", s.status(string(task.Status)).Render(string(task.Status)), task.ID)
	if text := strings.TrimSpace(outcome.Output.Text); text != "" {
		fmt.Fprintln(out, text)
	}
	if task.Status == inbox.StatusFailed {
		if task.Error != "" {
			fmt.Fprintln(out, s.bad.Render(task.Error))
		}
		return exitError{code: 1}
	}
	return runErr
}

func newTaskListCommand() *cobra.Command {
	var (
		userID string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
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

			tasks, err := c.inbox.List(cmd.Context(), inbox.ListOptions{
				UserID: userID,
				Status: inbox.Status(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, tasks)
			}
			renderTasks(out, tasks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "only tasks owned by this user")
	cmd.Flags().StringVarP(&status, "status", "s", "", "pending, running, completed or failed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum tasks to show")
	return cmd
}

func renderTasks(out io.Writer, tasks []inbox.Task) {
	s := newStyles(out)
	if len(tasks) == 0 {
		fmt.Fprintln(out, s.dim.Render("no tasks"))
		return
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			string(t.Status),
			string(t.Priority),
			orDash(t.UserID),
			orDash(t.Source),
			orDash(t.AssignedWorkerID),
			formatTime(t.CreatedAt),
			truncate(t.Goal, 48),
		})
	}
	s.renderTable(out, []string{"ID", "STATUS", "PRIORITY", "USER", "SOURCE", "WORKER", "CREATED", "GOAL"}, rows, 1)
}

// taskDetail is the show output: the inbox task plus the journal record of
// its latest run, when there is one.
type taskDetail struct {
	Task inbox.Task      `json:"task"`
	Run  *workers.Record `json:"run,omitempty"`
}

func newTaskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task and its latest worker run",
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

			detail, err := loadTaskDetail(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, detail)
			}
			renderTaskDetail(out, detail)
			return nil
		},
	}
}

var errTaskNotFound = errors.New("task not found")

func loadTaskDetail(ctx context.Context, c *core, id string) (taskDetail, error) {
	task, ok, err := c.inbox.Get(ctx, id)
	if err != nil {
		return taskDetail{}, err
	}
	if !ok {
		return taskDetail{}, fmt.Errorf("%w: %s", errTaskNotFound, id)
	}
	detail := taskDetail{Task: task}
	if jid, _ := task.Result["journal_task_id"].(string); jid != "" {
		rec, ok, err := c.journal.Get(ctx, jid)
		if err != nil {
			return taskDetail{}, err
		}
		if ok {
			detail.Run = &rec
		}
	}
	return detail, nil
}

func renderTaskDetail(out io.Writer, d taskDetail) {
	s := newStyles(out)
	t := d.Task
	field := func(name, value string) {
		fmt.Fprintf(out, "%s %s\n", s.dim.Render(fmt.Sprintf("%-10s", name)), value)
	}
	field("task", t.ID)
	field("status", s.status(string(t.Status)).Render(string(t.Status)))
	field("priority", string(t.Priority))
	field("user", orDash(t.UserID))
	field("source", orDash(t.Source))
	field("worker", orDash(t.AssignedWorkerID))
	field("created", formatTime(t.CreatedAt))
	field("started", formatTimePtr(t.StartedAt))
	field("ended", formatTimePtr(t.EndedAt))
	field("goal", t.Goal)
	if t.Error != "" {
		field("error", s.bad.Render(t.Error))
	}
	if d.Run != nil {
		field("run", d.Run.TaskID+" ["+d.Run.Status+"]")
	}
	if n := len(t.Output.UI); n > 0 {
		field("ui", strconv.Itoa(n)+" element(s)")
	}
	if text := strings.TrimSpace(t.FinalOutput); text != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, text)
	}
}
