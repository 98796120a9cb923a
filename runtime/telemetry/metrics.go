package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/parley-dev/parley/runtime"

type (
	// Metrics records runtime instrumentation through OTel. It uses the
	// global MeterProvider; configure an exporter via otel.SetMeterProvider
	// before serving. A zero exporter configuration makes every call a no-op.
	Metrics struct {
		invocations metric.Int64Counter
		duration    metric.Float64Histogram
		inFlight    metric.Int64UpDownCounter
	}

	// Tracer wraps OTel tracing for dispatch spans.
	Tracer struct {
		tracer trace.Tracer
	}
)

// NewMetrics constructs a Metrics recorder on the global MeterProvider.
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	invocations, _ := meter.Int64Counter(
		"parley.tool.invocations",
		metric.WithDescription("Tool invocations by tool name and outcome"),
	)
	duration, _ := meter.Float64Histogram(
		"parley.tool.duration",
		metric.WithDescription("Tool handler duration"),
		metric.WithUnit("ms"),
	)
	inFlight, _ := meter.Int64UpDownCounter(
		"parley.tool.in_flight",
		metric.WithDescription("Handlers currently holding an execution slot"),
	)
	return &Metrics{invocations: invocations, duration: duration, inFlight: inFlight}
}

// RecordInvocation records a settled tool invocation.
func (m *Metrics) RecordInvocation(ctx context.Context, tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.invocations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// AddInFlight adjusts the in-flight handler gauge.
func (m *Metrics) AddInFlight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, delta)
}

// NewTracer constructs a Tracer on the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

// StartToolSpan opens a span for a tool dispatch. The returned end function
// records the outcome and closes the span.
func (t *Tracer) StartToolSpan(ctx context.Context, tool string) (context.Context, func(outcome string, err error)) {
	if t == nil {
		return ctx, func(string, error) {}
	}
	ctx, span := t.tracer.Start(ctx, "tools/call",
		trace.WithAttributes(attribute.String("tool", tool)),
	)
	return ctx, func(outcome string, err error) {
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
