package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/glwlg/X-bot-sub002/internal/config"
	"github.com/glwlg/X-bot-sub002/internal/doctor"
)

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgPtr *config.Config
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
				// Keep going so the config check reports it.
			} else {
				cfgPtr = &cfg
			}

			diag := doctor.Run(cmd.Context(), cfgPtr, Version)
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				if err := writeJSON(out, diag); err != nil {
					return err
				}
			} else {
				renderDiagnosis(out, diag)
			}
			if diag.Failed() {
				return exitError{code: 1}
			}
			return nil
		},
	}
}

func renderDiagnosis(out io.Writer, diag doctor.Diagnosis) {
	s := newStyles(out)
	fmt.Fprintln(out, s.header.Render(fmt.Sprintf("xbot doctor report (%s)", diag.Timestamp.Format(time.RFC3339))))
	fmt.Fprintf(out, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(out, s.dim.Render("---"))

	for _, res := range diag.Results {
		label := fmt.Sprintf("%-4s", res.Status)
		fmt.Fprintf(out, "%s %-12s %s\n", s.status(res.Status).Render(label), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "     %s\n", s.dim.Render(res.Detail))
		}
	}
}
