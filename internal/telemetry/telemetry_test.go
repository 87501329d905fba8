package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/mohammad-safakhou/dossier/config"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordStep(ctx, "S01", "completed", 1, false)
	m.RecordStep(ctx, "S02", "failed", 3, true)
	m.RecordCitationDiscards(ctx, 2, 1)
	m.RecordSynthesis(ctx, "")
	m.RecordSynthesis(ctx, "start")

	sums := collectSums(t, reader)
	assert.Equal(t, int64(2), sums["protocol_steps_total"])
	assert.Equal(t, int64(4), sums["protocol_step_attempts_total"])
	assert.Equal(t, int64(1), sums["protocol_placeholders_total"])
	assert.Equal(t, int64(3), sums["citations_discarded_total"])
	assert.Equal(t, int64(2), sums["synthesis_builds_total"])
	assert.Equal(t, int64(1), sums["synthesis_failures_total"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStep(context.Background(), "S01", "completed", 1, false)
		m.RecordCitationDiscards(context.Background(), 1, 1)
		m.RecordSynthesis(context.Background(), "render")
	})
}

func TestSetupDisabled(t *testing.T) {
	tel, meter, tracer, err := Setup(context.Background(), config.TelemetryConfig{}, Options{ServiceName: "dossier"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, meter)
	assert.NotNil(t, tracer)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "production")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	logger, err = NewLogger("nonsense", "development")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.NotNil(t, OrNop(nil))
}
