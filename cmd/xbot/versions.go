package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/glwlg/X-bot-sub002/internal/audit"
)

func newVersionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List and restore versioned snapshots",
		Long: `Every versioned write keeps a snapshot of the previous file. A target is
"workers" for the worker registry, "heartbeat:<user>" for a heartbeat
document, or a file path.`,
	}
	cmd.AddCommand(newVersionsListCommand(), newVersionsRollbackCommand())
	return cmd
}

// resolveVersionTarget maps a target name to the file it versions.
func resolveVersionTarget(c *core, target string) (string, error) {
	target = strings.TrimSpace(target)
	switch {
	case target == "":
		return "", errors.New("target is required")
	case target == "workers":
		return c.registry.Path(), nil
	case strings.HasPrefix(target, "heartbeat:"):
		user := strings.TrimPrefix(target, "heartbeat:")
		if user == "" {
			return "", errors.New("heartbeat target needs a user id")
		}
		return c.heartbeat.Path(user)
	default:
		return filepath.Abs(target)
	}
}

func newVersionsListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <target>",
		Short: "List snapshots of a target, newest first",
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

			path, err := resolveVersionTarget(c, args[0])
			if err != nil {
				return err
			}
			events, err := c.versions.ListVersions(path, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, events)
			}
			renderVersions(out, path, events)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum versions to show (0 for all)")
	return cmd
}

func renderVersions(out io.Writer, path string, events []audit.Event) {
	s := newStyles(out)
	fmt.Fprintln(out, s.dim.Render(path))
	if len(events) == 0 {
		fmt.Fprintln(out, s.dim.Render("no versions"))
		return
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{ev.VersionID, ev.Timestamp, orDash(ev.Actor), orDash(ev.Reason)})
	}
	s.renderTable(out, []string{"VERSION", "TIME", "ACTOR", "REASON"}, rows, -1)
}

func newVersionsRollbackCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <target> <version-id>",
		Short: "Restore a target to a snapshot (a unique prefix is enough)",
		Args:  cobra.ExactArgs(2),
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

			path, err := resolveVersionTarget(c, args[0])
			if err != nil {
				return err
			}
			ok, err := c.versions.Rollback(path, args[1], "cli", reason)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no version %q for %s", args[1], path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s to %s\n", newStyles(cmd.OutOrStdout()).ok.Render("restored"), path, args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual rollback", "reason recorded in the audit log")
	return cmd
}
