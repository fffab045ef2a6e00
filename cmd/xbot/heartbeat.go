package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/glwlg/X-bot-sub002/internal/heartbeat"
)

func newHeartbeatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Inspect and control a user's heartbeat",
	}
	cmd.PersistentFlags().StringP("user", "u", "", "user id (required)")
	_ = cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(
		newHeartbeatShowCommand(),
		newHeartbeatPauseCommand("pause", "Stop periodic heartbeat runs", true),
		newHeartbeatPauseCommand("resume", "Resume periodic heartbeat runs", false),
		newHeartbeatEveryCommand(),
	)
	return cmd
}

func heartbeatUser(cmd *cobra.Command) string {
	u, _ := cmd.Flags().GetString("user")
	return u
}

func newHeartbeatShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the heartbeat document",
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

			doc, err := c.heartbeat.Load(cmd.Context(), heartbeatUser(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, doc)
			}
			path, _ := c.heartbeat.Path(heartbeatUser(cmd))
			renderHeartbeat(out, path, doc)
			return nil
		},
	}
}

func renderHeartbeat(out io.Writer, path string, doc heartbeat.Document) {
	s := newStyles(out)
	field := func(name, value string) {
		fmt.Fprintf(out, "%s %s\n", s.dim.Render(fmt.Sprintf("%-12s", name)), value)
	}
	state := s.ok.Render("active")
	if doc.Spec.Paused {
		state = s.warn.Render("paused")
	}
	field("document", path)
	field("state", state)
	field("every", doc.Spec.Every)
	if doc.Spec.ActiveStart != "" || doc.Spec.ActiveEnd != "" {
		field("active", orDash(doc.Spec.ActiveStart)+" - "+orDash(doc.Spec.ActiveEnd))
	}
	if !doc.Spec.Delivery.IsZero() {
		field("delivery", doc.Spec.Delivery.Platform+":"+doc.Spec.Delivery.ChatID)
	}
	field("runs", strconv.Itoa(doc.Status.RunCount))
	field("last run", formatTimePtr(doc.Status.LastRunAt))
	if doc.Status.LastLevel != "" {
		field("last level", s.status(string(doc.Status.LastLevel)).Render(string(doc.Status.LastLevel)))
	}
	if at := doc.Status.ActiveTask; at != nil {
		field("active task", fmt.Sprintf("%s [%s] %s", at.ID, orDash(at.Status), truncate(at.Goal, 48)))
	}
	if at := doc.Status.LastTask; at != nil {
		field("last task", fmt.Sprintf("%s [%s] %s", at.ID, orDash(at.Status), truncate(at.Goal, 48)))
		if at.ResultSummary != "" {
			field("summary", truncate(at.ResultSummary, 72))
		}
	}
	for _, note := range doc.Status.MigrationNotes {
		field("note", s.warn.Render(note))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, s.header.Render("Checklist"))
	if len(doc.Checklist) == 0 {
		fmt.Fprintln(out, s.dim.Render("  (empty)"))
	}
	for i, item := range doc.Checklist {
		fmt.Fprintf(out, "  %d. %s\n", i+1, item)
	}
}

func newHeartbeatPauseCommand(use, short string, paused bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return updateHeartbeatSpec(cmd, heartbeat.SpecPatch{Paused: &paused})
		},
	}
}

func newHeartbeatEveryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "every <interval|cron>",
		Short: "Set how often the heartbeat runs (e.g. 30m, 2h, \"0 9 * * *\")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateHeartbeatSpec(cmd, heartbeat.SpecPatch{Every: &args[0]})
		},
	}
}

func updateHeartbeatSpec(cmd *cobra.Command, patch heartbeat.SpecPatch) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := openCore(cmd.Context(), cfg, coreOptions{Quiet: true})
	if err != nil {
		return err
	}
	defer c.Close()

	spec, err := c.heartbeat.UpdateSpec(cmd.Context(), heartbeatUser(cmd), patch)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, spec)
	}
	state := "active"
	if spec.Paused {
		state = "paused"
	}
	fmt.Fprintf(out, "heartbeat for %s: %s, every %s\n", heartbeatUser(cmd), state, spec.Every)
	return nil
}
