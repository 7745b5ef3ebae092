package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// InvocationIDKey is the context key for a single orchestration invocation
	InvocationIDKey ContextKey = "invocation_id"
	// AgentableIDKey is the context key for the agentable being run
	AgentableIDKey ContextKey = "agentable_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithInvocationID adds an invocation ID to the context
func WithInvocationID(ctx context.Context, invocationID string) context.Context {
	return context.WithValue(ctx, InvocationIDKey, invocationID)
}

// WithAgentableID adds an agentable ID to the context
func WithAgentableID(ctx context.Context, agentableID string) context.Context {
	return context.WithValue(ctx, AgentableIDKey, agentableID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetInvocationID retrieves the invocation ID from the context
func GetInvocationID(ctx context.Context) string {
	if invocationID, ok := ctx.Value(InvocationIDKey).(string); ok {
		return invocationID
	}
	return ""
}

// GetAgentableID retrieves the agentable ID from the context
func GetAgentableID(ctx context.Context) string {
	if agentableID, ok := ctx.Value(AgentableIDKey).(string); ok {
		return agentableID
	}
	return ""
}

// NewInvocationContext creates a context for one orchestration invocation,
// generating a fresh trace ID if none is present.
func NewInvocationContext(ctx context.Context, agentableID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithInvocationID(ctx, uuid.New().String())
	ctx = WithAgentableID(ctx, agentableID)
	return ctx
}

// LoggerFromContext returns a logger enriched with whatever tracing
// identifiers are present in the context.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	if traceID := GetTraceID(ctx); traceID != "" {
		lc = lc.Str("trace_id", traceID)
	}
	if invocationID := GetInvocationID(ctx); invocationID != "" {
		lc = lc.Str("invocation_id", invocationID)
	}
	if agentableID := GetAgentableID(ctx); agentableID != "" {
		lc = lc.Str("agentable_id", agentableID)
	}
	return lc.Logger()
}
