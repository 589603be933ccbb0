package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_CorrelationID(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "lifecycle.prepare")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Fatalf("CorrelationID length = %d, want 32", len(cid))
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "lifecycle.prepare" {
		t.Fatalf("spans = %v, want one lifecycle.prepare span", spans)
	}
	if spans[0].SpanContext.TraceID().String() != cid {
		t.Errorf("span trace id = %s, want %s", spans[0].SpanContext.TraceID(), cid)
	}
}

func TestEndSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "failed")
	EndSpan(failed, errors.New("store unavailable"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "store unavailable" {
		t.Errorf("failed span status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("failed span has no recorded error event")
	}
}

func TestLoggerFrom(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("component", "test")

	LoggerFrom(context.Background(), base).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span contains trace_id: %s", buf.String())
	}

	buf.Reset()
	ctx, span := StartSpan(context.Background(), "with-span")
	defer span.End()
	LoggerFrom(ctx, base).Info("with span")
	out := buf.String()
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id=", "component=test"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
}

func TestLogger_NilBaseUsesDefault(t *testing.T) {
	if LoggerFrom(context.Background(), nil) != slog.Default() {
		t.Error("LoggerFrom(nil) did not return the default logger")
	}
	if Logger(context.Background()) != slog.Default() {
		t.Error("Logger without span did not return the default logger")
	}
}
