// Package numeruscontext carries trace/job/task/invocation identifiers
// through context.Context and exposes them as structured log attributes.
package numeruscontext

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type ctxKey int

const (
	keyTraceID ctxKey = iota
	keyJobID
	keyTaskID
	keyInvocationID
)

func withString(ctx context.Context, key ctxKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func getString(ctx context.Context, key ctxKey) string {
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withString(ctx, keyTraceID, traceID)
}

// TraceID returns the trace id carried by ctx, or "-" if absent.
func TraceID(ctx context.Context) string { return getString(ctx, keyTraceID) }

// NewTraceID generates a fresh random trace id.
func NewTraceID() string { return uuid.NewString() }

// WithJobID attaches a job id to ctx.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return withString(ctx, keyJobID, jobID)
}

// JobID returns the job id carried by ctx, or "-" if absent.
func JobID(ctx context.Context) string { return getString(ctx, keyJobID) }

// WithTaskID attaches a task id to ctx.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return withString(ctx, keyTaskID, taskID)
}

// TaskID returns the task id carried by ctx, or "-" if absent.
func TaskID(ctx context.Context) string { return getString(ctx, keyTaskID) }

// WithInvocationID attaches an invocation id (planner/claim/exec run) to ctx.
func WithInvocationID(ctx context.Context, invocationID string) context.Context {
	return withString(ctx, keyInvocationID, invocationID)
}

// InvocationID returns the invocation id carried by ctx, or "-" if absent.
func InvocationID(ctx context.Context) string { return getString(ctx, keyInvocationID) }

// LoggerWith returns logger augmented with every identifier present on
// ctx, suitable for use as the logger for one call's duration.
func LoggerWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	return logger.With(
		"trace_id", TraceID(ctx),
		"job_id", JobID(ctx),
		"task_id", TaskID(ctx),
		"invocation_id", InvocationID(ctx),
	)
}
