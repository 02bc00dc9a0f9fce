package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := logger.With()

	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.CallID != "" {
		lc = lc.Str("call_id", tc.CallID)
	}
	if tc.ActorID != "" {
		lc = lc.Str("actor_id", tc.ActorID)
	}
	if tc.ProviderID != "" {
		lc = lc.Str("provider_id", tc.ProviderID)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing values from source that target lacks
func MergeContext(target, source context.Context) context.Context {
	src := FromContext(source)
	dst := FromContext(target)

	if dst.TraceID == "" && src.TraceID != "" {
		target = WithTraceID(target, src.TraceID)
	}
	if dst.CallID == "" && src.CallID != "" {
		target = WithCallID(target, src.CallID)
	}
	if dst.ActorID == "" && src.ActorID != "" {
		target = WithActorID(target, src.ActorID)
	}
	if dst.ProviderID == "" && src.ProviderID != "" {
		target = WithProviderID(target, src.ProviderID)
	}
	return target
}

// Detach returns a background context carrying ctx's tracing values, for
// work that must outlive ctx's cancellation.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
