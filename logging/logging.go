// Package logging provides the runtime logger backends: go-logger for console and JSON
// output and slog with tint for coloured terminal output.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-logger/glog"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/goliatone/go-reorder/runstate"
)

// Formats understood by New.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatPretty  = "pretty"
)

// New builds the logger for format, writing to w (stderr when nil).
func New(format, level string, w io.Writer) (runstate.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatConsole:
		return NewGlog(w, level, false), nil
	case FormatJSON:
		return NewGlog(w, level, true), nil
	case FormatPretty:
		return NewTint(w, level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Glog adapts a go-logger logger to the runtime contract.
type Glog struct {
	logger glog.Logger
}

// NewGlog builds a go-logger backend. level accepts trace, debug, info, warn, error.
func NewGlog(w io.Writer, level string, json bool) *Glog {
	if json {
		return &Glog{logger: glog.NewLogger(
			glog.WithWriter(w),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(normalizeLevel(level)),
		)}
	}
	return &Glog{logger: glog.NewLogger(
		glog.WithWriter(w),
		glog.WithLevel(normalizeLevel(level)),
	)}
}

// WrapGlog adapts an existing go-logger logger.
func WrapGlog(logger glog.Logger) *Glog {
	return &Glog{logger: logger}
}

func (l *Glog) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l *Glog) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *Glog) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *Glog) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *Glog) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *Glog) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l *Glog) WithContext(ctx context.Context) runstate.Logger {
	return &Glog{logger: l.logger.WithContext(ctx)}
}

func (l *Glog) WithFields(fields map[string]any) runstate.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return &Glog{logger: fl.WithFields(fields)}
	}
	return l
}

// Extra slog levels for the runtime contract.
const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// Slog adapts a *slog.Logger. Messages are printf formatted, fields become attributes.
type Slog struct {
	logger *slog.Logger
	ctx    context.Context
}

// NewTint builds a slog logger on a tint handler. Colour is enabled only when w is a
// terminal.
func NewTint(w io.Writer, level string) *Slog {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      slogLevel(level),
		TimeFormat: time.Kitchen,
		NoColor:    !isTerminal(w),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				switch a.Value.Any() {
				case LevelTrace:
					a.Value = slog.StringValue("TRC")
				case LevelFatal:
					a.Value = slog.StringValue("FTL")
				}
			}
			return a
		},
	})
	return WrapSlog(slog.New(handler))
}

func WrapSlog(logger *slog.Logger) *Slog {
	return &Slog{logger: logger, ctx: context.Background()}
}

func (l *Slog) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args...) }
func (l *Slog) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Slog) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Slog) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Slog) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }
func (l *Slog) Fatal(msg string, args ...any) { l.log(LevelFatal, msg, args...) }

func (l *Slog) WithContext(ctx context.Context) runstate.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Slog{logger: l.logger, ctx: ctx}
}

func (l *Slog) WithFields(fields map[string]any) runstate.Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return &Slog{logger: l.logger.With(attrs...), ctx: l.ctx}
}

func (l *Slog) log(level slog.Level, msg string, args ...any) {
	if !l.logger.Enabled(l.ctx, level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.logger.Log(l.ctx, level, msg)
}

func normalizeLevel(level string) string {
	switch v := strings.ToLower(strings.TrimSpace(level)); v {
	case "trace", "debug", "info", "warn", "error", "fatal":
		return v
	case "warning":
		return "warn"
	default:
		return "info"
	}
}

func slogLevel(level string) slog.Level {
	switch normalizeLevel(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

var (
	_ runstate.Logger       = (*Glog)(nil)
	_ runstate.FieldsLogger = (*Glog)(nil)
	_ runstate.Logger       = (*Slog)(nil)
	_ runstate.FieldsLogger = (*Slog)(nil)
)
