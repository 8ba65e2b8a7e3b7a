package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithJob returns a context whose logger tags every record with the job,
// rule and correlation ids.
func WithJob(ctx context.Context, base *slog.Logger, jobID, ruleID, correlationID string) context.Context {
	if base == nil {
		base = Logger
	}
	l := base.With(
		"job_id", jobID,
		"rule_id", ruleID,
		"correlation_id", correlationID,
	)
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or fallback, or the
// package logger.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return Logger
}
