package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names
const (
	ExecutorTracer = "toolgate.executor"
	ProviderTracer = "toolgate.provider"
)

// Span attribute keys shared by executor and provider spans.
const (
	AttrCallID    = attribute.Key("toolgate.call_id")
	AttrTool      = attribute.Key("toolgate.tool")
	AttrActor     = attribute.Key("toolgate.actor")
	AttrOrigin    = attribute.Key("toolgate.origin")
	AttrProvider  = attribute.Key("toolgate.provider")
	AttrErrorKind = attribute.Key("toolgate.error_kind")
)

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the process tracer provider. It is a no-op while
// one is already installed.
func InitOpenTelemetry(serviceName, version string) error {
	providerMu.Lock()
	defer providerMu.Unlock()

	if provider != nil {
		return nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	provider = tp
	otel.SetTracerProvider(tp)
	return nil
}

// ShutdownOpenTelemetry flushes and uninstalls the tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()

	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span tagged with the call and actor ids carried by ctx,
// and makes the span's trace id the context trace id when none is set.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := GetCallID(ctx); id != "" {
		attrs = append(attrs, AttrCallID.String(id))
	}
	if id := GetActorID(ctx); id != "" {
		attrs = append(attrs, AttrActor.String(id))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// Fail marks span as failed. kind is the pipeline error kind when known.
func Fail(span trace.Span, err error, kind string) {
	if err != nil {
		span.RecordError(err)
	}
	if kind != "" {
		span.SetAttributes(AttrErrorKind.String(kind))
		span.SetStatus(codes.Error, kind)
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
}
