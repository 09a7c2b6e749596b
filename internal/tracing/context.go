package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for run ID
	RunIDKey ContextKey = "run_id"
	// ThreadIDKey is the context key for thread ID
	ThreadIDKey ContextKey = "thread_id"
	// InstanceIDKey is the context key for the owning server instance ID
	InstanceIDKey ContextKey = "instance_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithThreadID adds a thread ID to the context
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

// WithInstanceID adds an instance ID to the context
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, instanceID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetThreadID retrieves the thread ID from the context
func GetThreadID(ctx context.Context) string {
	if threadID, ok := ctx.Value(ThreadIDKey).(string); ok {
		return threadID
	}
	return ""
}

// GetInstanceID retrieves the instance ID from the context
func GetInstanceID(ctx context.Context) string {
	if instanceID, ok := ctx.Value(InstanceIDKey).(string); ok {
		return instanceID
	}
	return ""
}

// NewRequestContext creates a context carrying a fresh trace ID.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext creates a context scoped to one agent run.
func NewRunContext(ctx context.Context, runID, threadID string) context.Context {
	ctx = WithRunID(ctx, runID)
	return WithThreadID(ctx, threadID)
}
