package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Options picks where spans and metrics go. Dev mode writes them to Writer;
// otherwise they are pushed over OTLP/gRPC, configured through the usual
// OTEL_EXPORTER_OTLP_* variables.
type Options struct {
	Dev bool
	// defaults to stdout
	Writer io.Writer
	// how often metrics are exported, defaults to 10s
	MetricInterval time.Duration
}

func (o Options) writer() io.Writer {
	if o.Writer == nil {
		return os.Stdout
	}
	return o.Writer
}

func (o Options) metricInterval() time.Duration {
	if o.MetricInterval <= 0 {
		return 10 * time.Second
	}
	return o.MetricInterval
}

func NewTracerProvider(ctx context.Context, res *resource.Resource, o Options) (*trace.TracerProvider, error) {
	var (
		exporter trace.SpanExporter
		err      error
	)
	if o.Dev {
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(o.writer()))
	} else {
		exporter, err = otlptracegrpc.New(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func NewMeterProvider(ctx context.Context, res *resource.Resource, o Options) (*metric.MeterProvider, error) {
	var (
		exporter metric.Exporter
		err      error
	)
	if o.Dev {
		exporter, err = stdoutmetric.New(stdoutmetric.WithWriter(o.writer()))
	} else {
		exporter, err = otlpmetricgrpc.New(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(o.metricInterval()))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}
