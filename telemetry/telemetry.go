// Package telemetry sets up OpenTelemetry tracing and metrics for the gate
// server and provides its HTTP middleware.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry owns the tracer and meter providers. A nil *Telemetry is valid
// and records nothing.
type Telemetry struct {
	serviceName string

	tp *trace.TracerProvider
	mp *metric.MeterProvider

	tracer oteltrace.Tracer
	meter  otelmetric.Meter
}

// NewTelemetry builds the providers and installs them as the otel globals,
// so packages that call otel.Tracer directly report through them too.
func NewTelemetry(ctx context.Context, serviceName, serviceVersion string, o Options) (*Telemetry, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	tp, err := NewTracerProvider(ctx, res, o)
	if err != nil {
		return nil, err
	}
	mp, err := NewMeterProvider(ctx, res, o)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	return &Telemetry{
		serviceName: serviceName,
		tp:          tp,
		mp:          mp,
		tracer:      tp.Tracer(serviceName),
		meter:       mp.Meter(serviceName),
	}, nil
}

func (t *Telemetry) Meter() otelmetric.Meter {
	return t.meter
}

func (t *Telemetry) Tracer() oteltrace.Tracer {
	return t.tracer
}

// TraceStart opens a span named name. On a nil receiver the span is a no-op.
func (t *Telemetry) TraceStart(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if t == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes whatever spans and metrics are still buffered.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
