package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ekisa-team/voxforge/internal/env"
	"github.com/ekisa-team/voxforge/internal/envvar"
)

type options struct {
	console    io.Writer
	logFile    string
	level      slog.Level
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
	logToFile  bool
}

// Option configures New.
type Option func(*options)

// WithLogToFile enables the rotating log file.
func WithLogToFile(enabled bool) Option {
	return func(o *options) { o.logToFile = enabled }
}

// WithLogFile sets the path of the rotating log file.
func WithLogFile(path string) Option {
	return func(o *options) { o.logFile = path }
}

// WithLevel sets the minimum level for every handler.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = level }
}

// WithConsole replaces stderr as the console destination.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithRotation sets the lumberjack rotation limits.
func WithRotation(maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(o *options) {
		o.maxSizeMB = maxSizeMB
		o.maxBackups = maxBackups
		o.maxAgeDays = maxAgeDays
	}
}

// New builds the process logger. Development uses a colored tint handler,
// production uses JSON. The optional log file is always JSON.
func New(e env.Environment, opts ...Option) *slog.Logger {
	o := &options{
		console:    os.Stderr,
		logFile:    "logs/voxforge.log",
		level:      LevelFromEnv(),
		maxSizeMB:  50,
		maxBackups: 3,
		maxAgeDays: 28,
	}
	for _, opt := range opts {
		opt(o)
	}

	var console slog.Handler
	if e.IsProduction() {
		console = slog.NewJSONHandler(o.console, &slog.HandlerOptions{Level: o.level})
	} else {
		console = tint.NewHandler(o.console, &tint.Options{
			Level:      o.level,
			TimeFormat: time.TimeOnly,
			NoColor:    e == env.Test,
		})
	}

	if !o.logToFile || o.logFile == "" {
		return slog.New(console)
	}

	file := &lumberjack.Logger{
		Filename:   o.logFile,
		MaxSize:    o.maxSizeMB,
		MaxBackups: o.maxBackups,
		MaxAge:     o.maxAgeDays,
		Compress:   true,
	}

	return slog.New(&fanout{handlers: []slog.Handler{
		console,
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: o.level}),
	}})
}

// LevelFromEnv parses VOXFORGE_LOG_LEVEL, defaulting to info.
func LevelFromEnv() slog.Level {
	var level slog.Level
	raw := strings.TrimSpace(os.Getenv(envvar.VoxforgeLogLevel))
	if raw == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}

	return level
}

// fanout dispatches every record to all handlers that accept its level.
type fanout struct {
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}

	return &fanout{handlers: handlers}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithGroup(name)
	}

	return &fanout{handlers: handlers}
}
