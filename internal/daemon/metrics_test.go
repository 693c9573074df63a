package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/vahti/internal/inventory"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumByAttr(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestMetrics_Discovery(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDiscovery(ctx, "full", "ok", 1.5)
	m.RecordDiscovery(ctx, "scheduled", "partial", 0.5)
	m.RecordDiscovery(ctx, "scheduled", "ok", 0.25)
	m.RecordDiscoveryFailure(ctx, "process")
	m.RecordDiscoveryFailure(ctx, "process")

	got := collect(t, reader)

	runs := sumByAttr(t, got["vahti.discovery.runs"], "kind")
	assert.Equal(t, int64(1), runs["full"])
	assert.Equal(t, int64(2), runs["scheduled"])

	hist, ok := got["vahti.discovery.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)

	failures := sumByAttr(t, got["vahti.discovery.failures"], "resource.type")
	assert.Equal(t, int64(2), failures["process"])
}

func TestMetrics_ResourcesRecordsEveryState(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordResources(ctx, map[inventory.State]int{inventory.StateStarted: 4, inventory.StateFailed: 1})
	m.RecordResources(ctx, map[inventory.State]int{inventory.StateStarted: 5})

	gauge, ok := collect(t, reader)["vahti.inventory.resources"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)

	byState := make(map[string]int64)
	for _, dp := range gauge.DataPoints {
		v, _ := dp.Attributes.Value("state")
		byState[v.AsString()] = dp.Value
	}
	assert.Len(t, byState, 6)
	assert.Equal(t, int64(5), byState["STARTED"])
	assert.Equal(t, int64(0), byState["FAILED"])
}

func TestMetrics_Requests(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFailoverSwitch(ctx, "s1:7080/7443", "connect")
	m.RecordFailoverSwitch(ctx, "s2:7080/7443", "failover")
	m.RecordBundle(ctx, "schedule", "ok")
	m.RecordBundle(ctx, "purge", "error")
	m.RecordOperation(ctx, "reboot", "ok")

	got := collect(t, reader)

	assert.Equal(t, map[string]int64{"connect": 1, "failover": 1}, sumByAttr(t, got["vahti.failover.switches"], "reason"))
	assert.Equal(t, map[string]int64{"ok": 1, "error": 1}, sumByAttr(t, got["vahti.bundle.requests"], "outcome"))
	assert.Equal(t, map[string]int64{"reboot": 1}, sumByAttr(t, got["vahti.operations"], "operation"))
}
