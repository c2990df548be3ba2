package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})
	return reader, provider
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecorderCounts(t *testing.T) {
	reader, provider := setupMetricsTest(t)
	rec, err := New(provider)
	require.NoError(t, err)

	ctx := context.Background()
	rec.RecordPublish(ctx, "orders")
	rec.RecordPublish(ctx, "orders")
	rec.RecordDelivery(ctx, "orders")
	rec.RecordDrop(ctx, "orders", "validation")
	rec.RecordHandlerError(ctx, "orders")
	rec.RecordReconnect(ctx, "socket", 1)
	rec.RecordQueued(ctx, "orders")

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumOf(t, findMetric(rm, Published)))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, Delivered)))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, Dropped)))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, HandlerErrors)))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, Reconnects)))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, Queued)))
}

func TestNoop(t *testing.T) {
	var rec Recorder = Noop{}
	assert.NotPanics(t, func() {
		ctx := context.Background()
		rec.RecordPublish(ctx, "x")
		rec.RecordDelivery(ctx, "x")
		rec.RecordDrop(ctx, "x", "y")
		rec.RecordHandlerError(ctx, "x")
		rec.RecordReconnect(ctx, "x", 0)
		rec.RecordQueued(ctx, "x")
	})
	assert.NotNil(t, Default())
}
