package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const (
	metricNameStepDurationMs = "gate_step_duration_millis"
	metricNameStepOutcomes   = "gate_step_outcomes"
)

// StepMetrics records how long steps take and how they end. A nil
// *StepMetrics records nothing.
type StepMetrics struct {
	duration otelmetric.Int64Histogram
	outcomes otelmetric.Int64Counter
}

func NewStepMetrics(meter otelmetric.Meter) (*StepMetrics, error) {
	duration, err := meter.Int64Histogram(
		metricNameStepDurationMs,
		otelmetric.WithDescription("Measures the wall time of a single workflow step, in milliseconds."),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create %s histogram: %w", metricNameStepDurationMs, err)
	}

	outcomes, err := meter.Int64Counter(
		metricNameStepOutcomes,
		otelmetric.WithDescription("Counts finished workflow steps by outcome and failure policy."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create %s counter: %w", metricNameStepOutcomes, err)
	}

	return &StepMetrics{duration: duration, outcomes: outcomes}, nil
}

func (m *StepMetrics) Record(ctx context.Context, workflow, step, policy, outcome string, d time.Duration) {
	if m == nil {
		return
	}

	attrs := otelmetric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("step", step),
		attribute.String("policy", policy),
		attribute.String("outcome", outcome),
	)
	m.duration.Record(ctx, d.Milliseconds(), attrs)
	m.outcomes.Add(ctx, 1, attrs)
}
