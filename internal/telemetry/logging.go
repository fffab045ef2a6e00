// Package telemetry builds the process logger. Every record goes to
// <home>/logs/system.jsonl as JSON and, unless quiet, to stdout.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/glwlg/X-bot-sub002/internal/shared"
)

// LogFile is the log path relative to the home directory.
const LogFile = "logs/system.jsonl"

func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	file, err := openLogFile(filepath.Join(homeDir, filepath.FromSlash(LogFile)))
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("component", "xbot", "trace_id", "-"), file, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// Component returns a child logger tagged with the given component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// FromContext returns logger annotated with the correlation ids in ctx
// (trace, user, task, worker).
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(shared.LogAttrs(ctx)...)
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
	case shared.SensitiveKey(a.Key):
		return slog.String(a.Key, shared.Redacted)
	case a.Value.Kind() == slog.KindString:
		return slog.String(a.Key, redactValue(a.Value.String()))
	}
	return a
}

// redactValue drops strings that carry credentials whole and masks
// recognisable secrets inside anything else.
func redactValue(v string) string {
	lower := strings.ToLower(v)
	for _, marker := range []string{"bearer ", "authorization:", "api_key"} {
		if strings.Contains(lower, marker) {
			return shared.Redacted
		}
	}
	return shared.Redact(v)
}

func parseLevel(level string) slog.Level {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
