// Package obslog sets up structured logging for the routing core. Every
// stage logs through the same *slog.Logger so operators can correlate a
// request across Preprocessor, Router, Batcher, Executor, and
// ResponseProcessor by request_id alone.
package obslog

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// sensitiveKeys are attribute names that must never reach the log sink
// verbatim, regardless of which stage emits them.
var sensitiveKeys = []string{"key", "token", "secret", "password", "credential"}

var globalLevel = new(slog.LevelVar)

// Setup builds the process-wide logger at the given level ("debug", "info",
// "warn", "error"; anything else defaults to "info") and installs it as the
// slog default.
func Setup(level string) *slog.Logger {
	SetLevel(level)
	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(&redactingHandler{base: base})
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the process log level at runtime without rebuilding the
// logger.
func SetLevel(level string) {
	switch level {
	case "debug":
		globalLevel.Set(slog.LevelDebug)
	case "warn":
		globalLevel.Set(slog.LevelWarn)
	case "error":
		globalLevel.Set(slog.LevelError)
	default:
		globalLevel.Set(slog.LevelInfo)
	}
}

// redactingHandler strips attribute values whose key suggests secret
// material before they reach the base handler.
type redactingHandler struct {
	base slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.base.Handle(ctx, redacted)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	red := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		red[i] = redactAttr(a)
	}
	return &redactingHandler{base: h.base.WithAttrs(red)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{base: h.base.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if key == "content" || key == "body" {
		return slog.String(a.Key, "[REDACTED]")
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// WithRequest returns a logger bound to a request's ID and tenant, the
// attributes every pipeline stage log line should carry.
func WithRequest(logger *slog.Logger, requestID, tenantID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID), slog.String("tenant_id", tenantID))
}
