package observability

import (
	"context"
	"errors"
	"testing"
)

func TestStartSpan_ProducesValidTraceAndSpanIDs(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.StartSpan(context.Background(), "cccs:check_action", nil)
	tc := span.TraceContext()
	if tc.TraceID == "" || tc.SpanID == "" {
		t.Fatalf("expected non-empty trace/span ids, got %+v", tc)
	}
	if tc.EndTime != nil {
		t.Fatal("expected nil EndTime before End is called")
	}
}

func TestSpan_EndStampsEndTimeAndIsIdempotent(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.StartSpan(context.Background(), "cccs:check_action", nil)
	tc1 := span.End(nil)
	if tc1.EndTime == nil {
		t.Fatal("expected EndTime to be set after End")
	}
	tc2 := span.End(errors.New("should be ignored"))
	if tc1.EndTime != tc2.EndTime {
		t.Fatal("expected End to be idempotent, returning the same stamped context")
	}
}

func TestStartSpan_InheritsParentTraceID(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	_, parentSpan := p.StartSpan(context.Background(), "cccs:parent", nil)
	parentTC := parentSpan.End(nil)

	_, childSpan := p.StartSpan(context.Background(), "cccs:child", parentTC)
	childTC := childSpan.TraceContext()

	if childTC.TraceID != parentTC.TraceID {
		t.Fatalf("expected child to inherit parent trace id %s, got %s", parentTC.TraceID, childTC.TraceID)
	}
	if childTC.ParentSpanID != parentTC.SpanID {
		t.Fatalf("expected child's parent_span_id to be parent's span id, got %s", childTC.ParentSpanID)
	}
}

func TestEnd_RecordsErrorWithoutPanicking(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.StartSpan(context.Background(), "cccs:failing_action", nil)
	tc := span.End(errors.New("boom"))
	if tc.EndTime == nil {
		t.Fatal("expected EndTime to be set even when End receives an error")
	}
}
