package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

type styles struct {
	color  bool
	header lipgloss.Style
	dim    lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
}

// newStyles colors output only when w is a terminal and NO_COLOR is unset.
func newStyles(w io.Writer) styles {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == ""
	}
	s := styles{color: color}
	if !color {
		plain := lipgloss.NewStyle()
		s.header, s.dim, s.ok, s.warn, s.bad = plain, plain, plain, plain, plain
		return s
	}
	s.header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	s.dim = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	s.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	s.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	s.bad = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	return s
}

// status picks a style for a task, worker or check status word.
func (s styles) status(v string) lipgloss.Style {
	switch strings.ToLower(v) {
	case "completed", "ready", "pass", "ok", "true":
		return s.ok
	case "running", "busy", "pending", "warn", "notice":
		return s.warn
	case "failed", "fail", "error", "action", "false":
		return s.bad
	default:
		return s.dim
	}
}

// renderTable draws rows under headers. statusCol, when >= 0, is colored by
// its value.
func (s styles) renderTable(w io.Writer, headers []string, rows [][]string, statusCol int) {
	t := table.New().
		Headers(headers...).
		Rows(rows...).
		Border(lipgloss.RoundedBorder()).
		BorderStyle(s.dim).
		StyleFunc(func(row, col int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.header.Padding(0, 1)
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				return s.status(rows[row][col]).Padding(0, 1)
			}
			return base
		})
	fmt.Fprintln(w, t.String())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
