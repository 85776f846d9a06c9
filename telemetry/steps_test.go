package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestStepMetrics(t *testing.T) {
	ctx := context.Background()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m, err := NewStepMetrics(mp.Meter("test"))
	require.NoError(t, err)

	m.Record(ctx, "default", "black", "suppressed", "suppressed", 1500*time.Millisecond)
	m.Record(ctx, "default", "bandit", "fatal", "success", 200*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = m
	}

	outcomes, ok := names[metricNameStepOutcomes].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, outcomes.DataPoints, 2)

	hist, ok := names[metricNameStepDurationMs].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range hist.DataPoints {
		total += dp.Sum
	}
	assert.EqualValues(t, 1700, total)
}

func TestNilStepMetrics(t *testing.T) {
	var m *StepMetrics
	assert.NotPanics(t, func() {
		m.Record(context.Background(), "w", "s", "fatal", "failed", time.Second)
	})
}
