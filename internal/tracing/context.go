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
	// CallIDKey is the context key for the tool call ID
	CallIDKey ContextKey = "call_id"
	// ActorIDKey is the context key for the calling actor
	ActorIDKey ContextKey = "actor_id"
	// ProviderIDKey is the context key for the provider serving a call
	ProviderIDKey ContextKey = "provider_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	CallID     string
	ActorID    string
	ProviderID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithCallID adds a call ID to the context
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIDKey, callID)
}

// WithActorID adds an actor ID to the context
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// WithProviderID adds a provider ID to the context
func WithProviderID(ctx context.Context, providerID string) context.Context {
	return context.WithValue(ctx, ProviderIDKey, providerID)
}

func value(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return value(ctx, TraceIDKey)
}

// GetCallID retrieves the call ID from the context
func GetCallID(ctx context.Context) string {
	return value(ctx, CallIDKey)
}

// GetActorID retrieves the actor ID from the context
func GetActorID(ctx context.Context) string {
	return value(ctx, ActorIDKey)
}

// GetProviderID retrieves the provider ID from the context
func GetProviderID(ctx context.Context) string {
	return value(ctx, ProviderIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		CallID:     GetCallID(ctx),
		ActorID:    GetActorID(ctx),
		ProviderID: GetProviderID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.CallID != "" {
		ctx = WithCallID(ctx, tc.CallID)
	}
	if tc.ActorID != "" {
		ctx = WithActorID(ctx, tc.ActorID)
	}
	if tc.ProviderID != "" {
		ctx = WithProviderID(ctx, tc.ProviderID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
