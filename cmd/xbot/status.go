package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glwlg/X-bot-sub002/internal/dispatch"
	"github.com/glwlg/X-bot-sub002/internal/taskmgr"
)

type healthReport struct {
	Healthy           bool                   `json:"healthy"`
	Backend           string                 `json:"backend"`
	ConfigFingerprint string                 `json:"config_fingerprint"`
	ActiveSessions    int                    `json:"active_sessions"`
	Daemon            *dispatch.DaemonStatus `json:"daemon,omitempty"`
}

type statusReport struct {
	Health   healthReport   `json:"health"`
	Sessions []taskmgr.Info `json:"sessions"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show health and active sessions of a running xbot serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()

			rep, err := fetchStatus(ctx, baseURL(cfg.BindAddr), cfg.Gateway.AuthToken)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				if err := writeJSON(out, rep); err != nil {
					return err
				}
			} else {
				renderStatus(out, rep)
			}
			if !rep.Health.Healthy {
				return exitError{code: 1}
			}
			return nil
		},
	}
}

// baseURL turns bind_addr into a URL the CLI can reach.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func fetchStatus(ctx context.Context, base, token string) (statusReport, error) {
	var rep statusReport
	// /healthz answers 503 with a body when the backend is down.
	if err := getJSON(ctx, base+"/healthz", "", &rep.Health, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return rep, err
	}
	var sessions struct {
		Sessions []taskmgr.Info `json:"sessions"`
	}
	if err := getJSON(ctx, base+"/api/sessions", token, &sessions, http.StatusOK); err != nil {
		return rep, err
	}
	rep.Sessions = sessions.Sessions
	return rep, nil
}

func getJSON(ctx context.Context, url, token string, v any, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func renderStatus(out io.Writer, rep statusReport) {
	s := newStyles(out)
	h := rep.Health
	health := s.ok.Render("healthy")
	if !h.Healthy {
		health = s.bad.Render("unhealthy")
	}
	fmt.Fprintf(out, "%s  %s backend  %s\n", health, h.Backend, s.dim.Render(h.ConfigFingerprint))
	if d := h.Daemon; d != nil {
		line := fmt.Sprintf("workers: %d/%d busy, %d processed", d.Active, d.Concurrency, d.Processed)
		if d.LastError != "" {
			line += ", last error: " + s.bad.Render(truncate(d.LastError, 60))
		}
		fmt.Fprintln(out, line)
	}
	if len(rep.Sessions) == 0 {
		fmt.Fprintln(out, s.dim.Render("no active sessions"))
		return
	}
	rows := make([][]string, 0, len(rep.Sessions))
	for _, info := range rep.Sessions {
		state := "running"
		switch {
		case info.Finished:
			state = "finished"
		case info.CancelRequested:
			state = "cancelling"
		}
		rows = append(rows, []string{
			info.UserID,
			orDash(info.TaskID),
			state,
			info.Running.Round(time.Second).String(),
			info.HeartbeatAge.Round(time.Second).String(),
			truncate(orDash(info.LastHeartbeatNote), 32),
			truncate(info.Description, 40),
		})
	}
	s.renderTable(out, []string{"USER", "TASK", "STATE", "RUNNING", "LAST BEAT", "NOTE", "DESCRIPTION"}, rows, 2)
}
