// Package logging provides structured logging for gridpulse.
//
// This package wraps the standard library's log/slog package so that every
// component logs in the same shape. It supports text and JSON output,
// configurable levels and component-scoped loggers.
//
// Usage:
//
//	logging.Init(slog.LevelInfo, false) // text
//	logging.Init(slog.LevelDebug, true) // JSON
//
//	var log = logging.Component("ingestion")
//	log.Info("worker started", "queue_size", 1024)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger writing to stdout.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter initializes the global logger writing to w.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a config string (debug, info, warn, error) to a level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
//
//	log := logging.Component("rollup")
//	log.Info("bucket closed") // time=... level=INFO component=rollup msg="bucket closed"
func Component(name string) *slog.Logger {
	return componentLogger{name: name}.logger()
}

// componentLogger defers binding to Logger so that package-level loggers
// created before Init still follow the configured handler.
type componentLogger struct {
	name string
}

func (c componentLogger) logger() *slog.Logger {
	return slog.New(&lazyHandler{attrs: []slog.Attr{slog.String("component", c.name)}})
}

// lazyHandler resolves the global handler at log time.
type lazyHandler struct {
	attrs []slog.Attr
	group string
}

func (h *lazyHandler) target() slog.Handler {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	base := Logger.Handler()
	if len(h.attrs) > 0 {
		base = base.WithAttrs(h.attrs)
	}
	if h.group != "" {
		base = base.WithGroup(h.group)
	}
	return base
}

func (h *lazyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.target().Enabled(ctx, level)
}

func (h *lazyHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *lazyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.group != "" {
		return &boundHandler{parent: h, attrs: attrs}
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &lazyHandler{attrs: merged}
}

func (h *lazyHandler) WithGroup(name string) slog.Handler {
	if h.group != "" {
		return &boundHandler{parent: h, group: name}
	}
	return &lazyHandler{attrs: h.attrs, group: name}
}

// boundHandler stacks further attrs/groups on top of a lazyHandler.
type boundHandler struct {
	parent slog.Handler
	attrs  []slog.Attr
	group  string
}

func (h *boundHandler) resolve() slog.Handler {
	var base slog.Handler
	switch p := h.parent.(type) {
	case *lazyHandler:
		base = p.target()
	case *boundHandler:
		base = p.resolve()
	}
	if len(h.attrs) > 0 {
		base = base.WithAttrs(h.attrs)
	}
	if h.group != "" {
		base = base.WithGroup(h.group)
	}
	return base
}

func (h *boundHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *boundHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *boundHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &boundHandler{parent: h, attrs: attrs}
}

func (h *boundHandler) WithGroup(name string) slog.Handler {
	return &boundHandler{parent: h, group: name}
}

// WithContext returns a logger that includes request-scoped values.
func WithContext(ctx context.Context) *slog.Logger {
	logger := With()

	if remote, ok := ctx.Value(contextKeyRemote).(string); ok {
		logger = logger.With("remote", remote)
	}
	if source, ok := ctx.Value(contextKeySource).(string); ok {
		logger = logger.With("source", source)
	}
	if subID, ok := ctx.Value(contextKeySubscriberID).(uint64); ok {
		logger = logger.With("subscriber_id", subID)
	}

	return logger
}

type contextKey int

const (
	contextKeyRemote contextKey = iota
	contextKeySource
	contextKeySubscriberID
)

// ContextWithRemote records the remote address of a client connection.
func ContextWithRemote(ctx context.Context, remote string) context.Context {
	return context.WithValue(ctx, contextKeyRemote, remote)
}

// ContextWithSource records which ingestion boundary a reading came from.
func ContextWithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, contextKeySource, source)
}

// ContextWithSubscriberID records the subscriber being delivered to.
func ContextWithSubscriberID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, contextKeySubscriberID, id)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	With().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	With().Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	With().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	With().Error(msg, args...)
}
