// Package logger sets up log/slog for the agent and carries a per-tick
// trace ID through context.Context so every line written while handling
// one candle can be grepped together.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Options controls handler construction.
type Options struct {
	Level  slog.Level
	Format string    // "json" (default) or "text"
	Output io.Writer // default os.Stdout
}

// Init creates a logger for the given service and installs it as the slog
// default, so package-level slog calls share the same handler.
func Init(service string, opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(out, hopts)
	} else {
		handler = slog.NewJSONHandler(out, hopts)
	}

	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID builds a tick trace ID from the symbol and the candle
// close time, e.g. "ETHUSD-1714521600". Re-processing the same candle after
// a restart yields the same ID.
func GenerateTraceID(symbol string, closeTime time.Time) string {
	sym := strings.NewReplacer("/", "", "-", "", " ", "").Replace(symbol)
	return fmt.Sprintf("%s-%d", strings.ToUpper(sym), closeTime.Unix())
}

// LogWithTrace returns slog attributes including the trace ID from context.
// Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("trace_id", tid)}
}

// From returns the default logger annotated with the context's trace ID.
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if tid := TraceID(ctx); tid != "" {
		l = l.With(slog.String("trace_id", tid))
	}
	return l
}
