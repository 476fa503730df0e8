// Package log provides the leveled, structured logger used throughout the
// prover. It mirrors the shape of go-ethereum's log package: a small Logger
// interface over key-value pairs, a terminal handler for interactive use and
// a JSON handler for production, built on top of the standard library's
// log/slog.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger is the interface every package in this module depends on instead of
// calling fmt.Println or the standard log package directly.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)

	// With returns a Logger that always includes the given key-value pairs.
	With(ctx ...any) Logger
}

const LevelTrace = slog.Level(-8)

type logger struct {
	inner *slog.Logger
}

func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) Trace(msg string, ctx ...any) { l.inner.Log(context.Background(), LevelTrace, msg, ctx...) }
func (l *logger) Debug(msg string, ctx ...any) { l.inner.Debug(msg, ctx...) }
func (l *logger) Info(msg string, ctx ...any)  { l.inner.Info(msg, ctx...) }
func (l *logger) Warn(msg string, ctx ...any)  { l.inner.Warn(msg, ctx...) }
func (l *logger) Error(msg string, ctx ...any) { l.inner.Error(msg, ctx...) }
func (l *logger) Crit(msg string, ctx ...any) {
	l.inner.Log(context.Background(), slog.LevelError+4, msg, ctx...)
	os.Exit(1)
}
func (l *logger) With(ctx ...any) Logger { return &logger{inner: l.inner.With(ctx...)} }

// TerminalHandler renders human-readable, aligned log lines similar to
// go-ethereum's terminal format: "LEVEL [date|time] msg k=v k=v".
func TerminalHandler(w io.Writer, level slog.Level) slog.Handler {
	return &termHandler{w: w, level: level}
}

type termHandler struct {
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
}

func (h *termHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }

func (h *termHandler) Handle(_ context.Context, r slog.Record) error {
	lvl := levelName(r.Level)
	line := fmt.Sprintf("%-5s [%s] %s", lvl, r.Time.Format("01-02|15:04:05.000"), r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *termHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &termHandler{w: h.w, level: h.level}
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return n
}

func (h *termHandler) WithGroup(_ string) slog.Handler { return h }

func levelName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	case l < slog.LevelError+4:
		return "ERROR"
	default:
		return "CRIT"
	}
}

// JSONHandler is a thin wrapper selecting slog's JSON handler, kept as a
// named entry point so callers configure logs.format = "json" without
// reaching into log/slog themselves.
func JSONHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
		}
		return a
	}})
}

var root Logger = NewLogger(TerminalHandler(os.Stderr, slog.LevelInfo))

// Root returns the process-wide default logger.
func Root() Logger { return root }

// SetRoot replaces the process-wide default logger, used once at startup
// after configuration has been loaded.
func SetRoot(l Logger) { root = l }

func Trace(msg string, ctx ...any) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { root.Crit(msg, ctx...) }
