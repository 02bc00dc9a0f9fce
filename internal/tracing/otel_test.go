package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestStartSpanTagsCall(t *testing.T) {
	rec := withRecorder(t)

	ctx := WithActorID(WithCallID(context.Background(), "call-1"), "alice")
	ctx, span := StartSpan(ctx, ExecutorTracer, "tool.execute", AttrTool.String("read_file"))
	span.End()

	if GetTraceID(ctx) == "" {
		t.Fatal("expected trace id from span")
	}

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	attrs := ended[0].Attributes()
	if got := attrValue(attrs, AttrCallID); got != "call-1" {
		t.Errorf("call id = %q", got)
	}
	if got := attrValue(attrs, AttrActor); got != "alice" {
		t.Errorf("actor = %q", got)
	}
	if got := attrValue(attrs, AttrTool); got != "read_file" {
		t.Errorf("tool = %q", got)
	}
}

func TestStartSpanKeepsExistingTraceID(t *testing.T) {
	withRecorder(t)

	ctx := WithTraceID(context.Background(), "fixed")
	ctx, span := StartSpan(ctx, ProviderTracer, "provider.invoke")
	span.End()

	if got := GetTraceID(ctx); got != "fixed" {
		t.Errorf("trace id = %q, want fixed", got)
	}
}

func TestFail(t *testing.T) {
	rec := withRecorder(t)

	_, span := StartSpan(context.Background(), ExecutorTracer, "tool.execute")
	Fail(span, errors.New("boom"), "timeout")
	span.End()

	s := rec.Ended()[0]
	if s.Status().Code != codes.Error || s.Status().Description != "timeout" {
		t.Errorf("status = %+v", s.Status())
	}
	if got := attrValue(s.Attributes(), AttrErrorKind); got != "timeout" {
		t.Errorf("error kind = %q", got)
	}
	if len(s.Events()) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestInitAndShutdown(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	if err := InitOpenTelemetry("toolgate-test", "dev"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := InitOpenTelemetry("toolgate-test", "dev"); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if err := ShutdownOpenTelemetry(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := ShutdownOpenTelemetry(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
