// Package logging builds the structured logger shared by the server and
// client. Two levels are added to slog's four: NOTE sits between INFO
// and WARN for state changes an operator wants to see by default, and
// CRIT above ERROR for conditions that stop the process.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/term"
)

// Additional levels.
const (
	LevelNote = slog.Level(2)
	LevelCrit = slog.Level(12)
)

// Output formats.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel accepts debug, info, note, warn/warning, error and
// crit/critical, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "note":
		return LevelNote, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "crit", "critical", "fatal":
		return LevelCrit, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Options configures New.
type Options struct {
	Level  slog.Level
	Format string
	Output io.Writer
}

type fileDescriptor interface {
	Fd() uintptr
}

// New creates a logger writing to opts.Output. FormatAuto picks text when
// the output is a terminal and JSON otherwise.
func New(opts Options) (*slog.Logger, error) {
	options := &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: replaceLevel,
	}
	var handler slog.Handler
	switch opts.Format {
	case FormatText:
		handler = slog.NewTextHandler(opts.Output, options)
	case FormatJSON:
		handler = slog.NewJSONHandler(opts.Output, options)
	case FormatAuto, "":
		if f, ok := opts.Output.(fileDescriptor); ok && term.IsTerminal(int(f.Fd())) {
			handler = slog.NewTextHandler(opts.Output, options)
		} else {
			handler = slog.NewJSONHandler(opts.Output, options)
		}
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return slog.New(handler), nil
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) != 0 || a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelNote:
		a.Value = slog.StringValue("NOTE")
	case LevelCrit:
		a.Value = slog.StringValue("CRIT")
	}
	return a
}

// Note logs at LevelNote.
func Note(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelNote, msg, args...)
}

// Crit logs at LevelCrit.
func Crit(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelCrit, msg, args...)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
