package instrumentation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewDefaultsToNoop(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, inst.Metrics())

	// Recording against noop providers must be safe.
	inst.Metrics().CodeIssued.Add(context.Background(), 1)
	inst.Metrics().RecordStorageOperation(context.Background(), "save_code", time.Now(), nil)
	inst.Metrics().RecordDPoPVerdict(context.Background(), nil)
	inst.Metrics().RecordDPoPVerdict(context.Background(), errors.New("bad proof"))

	assert.NoError(t, inst.Shutdown(context.Background()))
	// Shutdown is idempotent.
	assert.NoError(t, inst.Shutdown(context.Background()))
}

func TestMetricsRecordedThroughSDK(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	inst, err := New(Config{
		ServiceName:   "oauth-core-test",
		MeterProvider: provider,
	})
	require.NoError(t, err)

	inst.Metrics().CodeIssued.Add(context.Background(), 3)
	inst.Metrics().RecordDPoPVerdict(context.Background(), errors.New("bad proof"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				found[m.Name] = total
			}
		}
	}

	assert.Equal(t, int64(3), found["oauth.code.issued"])
	assert.Equal(t, int64(1), found["oauth.dpop.rejected"])
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	inst, err := New(Config{MeterProvider: provider})
	require.NoError(t, err)

	require.NoError(t, inst.RegisterStorageSizeCallbacks(
		func() int64 { return 7 },
		func() int64 { return 5 },
		func() int64 { return 2 },
		func() int64 { return 1 },
	))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if gauge, ok := m.Data.(metricdata.Gauge[int64]); ok && len(gauge.DataPoints) > 0 {
				found[m.Name] = gauge.DataPoints[0].Value
			}
		}
	}

	assert.Equal(t, int64(7), found["oauth.storage.codes.count"])
	assert.Equal(t, int64(5), found["oauth.storage.families.count"])
	assert.Equal(t, int64(2), found["oauth.storage.keys.count"])
	assert.Equal(t, int64(1), found["oauth.storage.denied.count"])
}
