package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingEmitter(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{
		RunID:  "run-001",
		Branch: "technical",
		Step:   1,
		NodeID: "technical_analyst",
		Msg:    MsgNodeEnd,
		Meta: map[string]interface{}{
			"tokens_in":   120,
			"model":       "gpt-4o",
			"duration_ms": int64(35),
			"custom":      "x",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != MsgNodeEnd {
		t.Errorf("span name = %q", span.Name)
	}

	attrs := attributeMap(span.Attributes)
	want := map[string]interface{}{
		"marketgraph.run_id":           "run-001",
		"marketgraph.branch":           "technical",
		"marketgraph.step":             int64(1),
		"marketgraph.node_id":          "technical_analyst",
		"marketgraph.llm.tokens_in":    int64(120),
		"marketgraph.llm.model":        "gpt-4o",
		"marketgraph.node.duration_ms": int64(35),
		"custom":                       "x",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("%s = %v (%T), want %v", k, attrs[k], attrs[k], v)
		}
	}
	if span.EndTime.IsZero() {
		t.Error("span was not ended")
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{RunID: "run-001", NodeID: "sentiment_analysis", Msg: MsgNodeError,
		Meta: map[string]interface{}{"error": "reasoning unavailable"}})

	span := exporter.GetSpans()[0]
	if span.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status.Code)
	}
	if span.Status.Description != "reasoning unavailable" {
		t.Errorf("description = %q", span.Status.Description)
	}
	if len(span.Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestOTelEmitter_MetadataTypes(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	emitter.Emit(Event{RunID: "r", Msg: "types", Meta: map[string]interface{}{
		"i64":      int64(99),
		"f":        3.5,
		"b":        true,
		"d":        250 * time.Millisecond,
		"branches": []string{"technical", "sentiment"},
		"other":    struct{ A int }{A: 1},
	}})

	attrs := attributeMap(exporter.GetSpans()[0].Attributes)
	if attrs["i64"] != int64(99) || attrs["f"] != 3.5 || attrs["b"] != true || attrs["d"] != int64(250) {
		t.Errorf("unexpected scalar attributes: %v", attrs)
	}
	if got, ok := attrs["branches"].([]string); !ok || len(got) != 2 {
		t.Errorf("branches = %v", attrs["branches"])
	}
	if attrs["other"] != "{1}" {
		t.Errorf("other = %v", attrs["other"])
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	emitter, exporter := newRecordingEmitter(t)

	events := []Event{
		{RunID: "r", Msg: MsgRunStart},
		{RunID: "r", Branch: "fundamental", Msg: MsgBranchStart},
		{RunID: "r", Msg: MsgRunEnd},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	for i, e := range events {
		if spans[i].Name != e.Msg {
			t.Errorf("span[%d] = %q, want %q", i, spans[i].Name, e.Msg)
		}
	}
}

func TestOTelEmitter_Flush(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(otel.Tracer("test"))
	emitter.Emit(Event{RunID: "run-001", Msg: MsgRunStart})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emitter.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 1 {
		t.Errorf("expected 1 span after flush, got %d", got)
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
