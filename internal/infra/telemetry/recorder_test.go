package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/optexec/internal/domain/schema"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestRecorderCountsByAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	rec, err := NewRecorder(provider.Meter("optexec"))
	require.NoError(t, err)

	ctx := context.Background()
	rec.Execution(ctx, schema.StrategyShortStraddle, schema.ModePaper, true, 120*time.Millisecond)
	rec.Execution(ctx, schema.StrategyShortStraddle, schema.ModePaper, true, 80*time.Millisecond)
	rec.Execution(ctx, schema.StrategySpotStrangle, schema.ModeLive, false, time.Second)
	rec.StopLossOutcome(ctx, "FILLED")
	rec.JobFired(ctx, "deferred", true)

	data := collect(t, reader)

	executions, ok := data["optexec.executions"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, executions.DataPoints, 2)
	for _, dp := range executions.DataPoints {
		strategy, _ := dp.Attributes.Value(AttrStrategy)
		switch strategy.AsString() {
		case string(schema.StrategyShortStraddle):
			require.Equal(t, int64(2), dp.Value)
			result, _ := dp.Attributes.Value(AttrResult)
			require.Equal(t, ResultSuccess, result.AsString())
		case string(schema.StrategySpotStrangle):
			require.Equal(t, int64(1), dp.Value)
			require.True(t, dp.Attributes.HasValue(AttrMode))
		default:
			t.Fatalf("unexpected strategy attribute %q", strategy.AsString())
		}
	}

	duration, ok := data["optexec.execution.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.NotEmpty(t, duration.DataPoints)

	stops, ok := data["optexec.stoploss.outcomes"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, stops.DataPoints, 1)
	outcome, _ := stops.DataPoints[0].Attributes.Value(AttrOutcome)
	require.Equal(t, "FILLED", outcome.AsString())

	fires, ok := data["optexec.scheduler.fires"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Equal(t, attribute.StringValue("deferred"), mustValue(t, fires.DataPoints[0].Attributes, AttrJobKind))
}

func mustValue(t *testing.T, set attribute.Set, key attribute.Key) attribute.Value {
	t.Helper()
	v, ok := set.Value(key)
	require.True(t, ok, "missing attribute %s", key)
	return v
}

func TestNewProviderWithoutEndpointIsNoop(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Environment: "STAGING", EnableMetrics: true})
	require.NoError(t, err)
	require.NotNil(t, provider.Meter("optexec"))
	require.Equal(t, "staging", Environment())
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318/"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
}
