// Package logging wraps logrus with the trace-context conventions used
// across indexwarden's components: every structured event carries a
// scope (tenant/table) when one is in play, and errors are logged with
// their taxonomy type so operators can grep by category.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	scopeKey
)

// Logger wraps a *logrus.Logger with indexwarden's field conventions.
type Logger struct {
	*logrus.Logger
}

// Config controls construction of the root logger.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	Output io.Writer
}

// New builds a Logger from Config, defaulting to info/text/stderr.
func New(cfg Config) *Logger {
	l := logrus.New()

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return &Logger{Logger: l}
}

// WithTraceID attaches a trace id to ctx for downstream WithContext calls.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithScope attaches a scope label ("tenant:table") to ctx.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// WithContext returns an entry pre-populated with any trace id / scope
// found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		fields["trace_id"] = v
	}
	if v, ok := ctx.Value(scopeKey).(string); ok && v != "" {
		fields["scope"] = v
	}
	return l.WithFields(fields)
}

// WithComponent tags the entry with the owning component for filtering.
func (l *Logger) WithComponent(name string) *logrus.Entry {
	return l.WithField("component", name)
}

// LogGateOutcome is a convenience for safety gates (C7) recording an
// admit/deny decision for the observability surface.
func (l *Logger) LogGateOutcome(ctx context.Context, gate string, admitted bool, reason string) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"gate":     gate,
		"admitted": admitted,
	})
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	if admitted {
		entry.Debug("gate admitted")
	} else {
		entry.Info("gate denied")
	}
}

// LogMutation records a one-line summary of a mutation outcome; the full
// record lives in internal/lineage, this is operator-facing only.
func (l *Logger) LogMutation(ctx context.Context, scope, kind, status string, improvement float64) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"scope":       scope,
		"kind":        kind,
		"status":      status,
		"improvement": improvement,
	}).Info("mutation event")
}
