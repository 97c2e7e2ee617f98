package main

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanLogger exports finished spans as debug log records.
type spanLogger struct {
	logger *slog.Logger
}

func (e *spanLogger) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"status", s.Status().Code.String(),
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		e.logger.DebugContext(ctx, "span "+s.Name(), attrs...)
	}
	return nil
}

func (e *spanLogger) Shutdown(context.Context) error { return nil }

// newTracerProvider installs a global tracer provider that batches spans
// into logger.
func newTracerProvider(logger *slog.Logger) *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&spanLogger{logger: logger}),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "marketgraph"),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp
}
