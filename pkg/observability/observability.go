// Package observability provides the scoped tracing span the
// orchestrator opens around every execute_flow call. It is trimmed
// from a full OpenTelemetry provider (which also exports RED metrics
// over OTLP) to one concern: start_span/end_span producing a
// contracts.TraceContext, with structured start_span/end_span log
// markers. Metrics export is out of scope here; the trace pipeline is
// kept because the receipt envelope carries a TraceContext.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/cccs-substrate/cccs/pkg/contracts"
)

// Config configures the tracer provider. Enabled=false yields a
// provider that still produces valid trace/span ids and log markers
// but never exports over OTLP — the mode used by default so the
// request path never blocks on a collector being reachable.
type Config struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
	Enabled      bool
}

// DefaultConfig returns a disabled (local-only) configuration.
func DefaultConfig() Config {
	return Config{ServiceName: "cccs", Enabled: false}
}

// Provider owns the tracer used to open spans.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	logger         *slog.Logger
}

// New builds a Provider. When cfg.Enabled is false, spans are produced
// locally (valid ids, no OTLP export) — a provider that degrades to
// local-only rather than failing to construct when a collector
// endpoint is unset.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.Enabled {
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("observability: build exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Provider{
		tracerProvider: tp,
		tracer:         tp.Tracer("cccs"),
		logger:         slog.Default().With("component", "observability"),
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tracerProvider.Shutdown(ctx)
}

// Span is a scoped tracing resource: the caller must call End exactly
// once, typically via defer immediately after StartSpan, so the
// end_span marker is emitted even when the scope exits abnormally.
type Span struct {
	otelSpan trace.Span
	trace    *contracts.TraceContext
	logger   *slog.Logger
	ended    bool
}

// StartSpan opens a span named name. When parent is non-nil, the new
// span's trace id is inherited from parent.TraceID and parent's span
// id is recorded as ParentSpanID; otherwise a fresh trace id is
// generated. Emits a structured start_span log marker.
func (p *Provider) StartSpan(ctx context.Context, name string, parent *contracts.TraceContext) (context.Context, *Span) {
	if parent != nil {
		if tid, err := trace.TraceIDFromHex(parent.TraceID); err == nil {
			var psid trace.SpanID
			if sid, err := trace.SpanIDFromHex(parent.SpanID); err == nil {
				psid = sid
			}
			sc := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    tid,
				SpanID:     psid,
				TraceFlags: trace.FlagsSampled,
				Remote:     true,
			})
			ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
		}
	}

	ctx, otelSpan := p.tracer.Start(ctx, name)
	sc := otelSpan.SpanContext()

	tc := &contracts.TraceContext{
		TraceID:   sc.TraceID().String(),
		SpanID:    sc.SpanID().String(),
		Name:      name,
		StartTime: time.Now().UTC(),
	}
	if parent != nil {
		tc.ParentSpanID = parent.SpanID
	}

	p.logger.InfoContext(ctx, "start_span", "trace_id", tc.TraceID, "span_id", tc.SpanID, "name", name)

	return ctx, &Span{otelSpan: otelSpan, trace: tc, logger: p.logger}
}

// End closes the span, records err if non-nil, stamps EndTime, emits
// the structured end_span marker, and returns the finished
// TraceContext for embedding in the receipt envelope. Idempotent.
func (s *Span) End(err error) *contracts.TraceContext {
	if s.ended {
		return s.trace
	}
	s.ended = true

	now := time.Now().UTC()
	s.trace.EndTime = &now

	if err != nil {
		s.otelSpan.RecordError(err)
	}
	s.otelSpan.End()

	s.logger.Info("end_span", "trace_id", s.trace.TraceID, "span_id", s.trace.SpanID, "name", s.trace.Name, "error", err)

	return s.trace
}

// TraceContext returns the span's TraceContext as it stands right now
// (EndTime is nil until End is called).
func (s *Span) TraceContext() *contracts.TraceContext {
	return s.trace
}
