package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestStartStageSpan_NameKindAndAttributes(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartStageSpan(context.Background(), SpanOperationProcessStage,
		WithJobID("job-1"), WithStage("draft"), WithQueue("draft"), WithAttempt(2), AsConsumer())
	End(span, nil)

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	got := ended[0]
	if got.Name() != "worker.process draft" {
		t.Fatalf("unexpected span name %q", got.Name())
	}
	if got.SpanKind() != trace.SpanKindConsumer {
		t.Fatalf("unexpected span kind %v", got.SpanKind())
	}
	attrs := map[string]string{}
	for _, kv := range got.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["conveyor.job_id"] != "job-1" || attrs["conveyor.stage"] != "draft" || attrs["conveyor.attempt"] != "2" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if got.Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", got.Status())
	}
}

func TestEnd_RecordsError(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartStageSpan(context.Background(), SpanOperationDeadLetter)
	End(span, errors.New("boom"))

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error || ended[0].Status().Description != "boom" {
		t.Fatalf("unexpected status %v", ended[0].Status())
	}
	if len(ended[0].Events()) == 0 {
		t.Fatal("expected recorded error event")
	}
}

func TestNewTracerProvider_DisabledAndValidation(t *testing.T) {
	provider, err := NewTracerProvider(context.Background(), TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("disabled provider: %v", err)
	}
	if provider.Tracer("test") == nil {
		t.Fatal("expected tracer")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	invalid := []TracerConfig{
		{Enabled: true, Endpoint: "localhost:4317", SampleRate: 1},
		{Enabled: true, ServiceName: "conveyor", SampleRate: 1},
		{Enabled: true, ServiceName: "conveyor", Endpoint: "localhost:4317", SampleRate: 1.5},
	}
	for _, cfg := range invalid {
		if _, err := NewTracerProvider(context.Background(), cfg); err == nil {
			t.Fatalf("expected validation error for %+v", cfg)
		}
	}
}
