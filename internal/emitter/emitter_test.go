package emitter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// mockEmitter records calls for testing.
type mockEmitter struct {
	measurementCalls  int
	availabilityCalls int
	closeCalls        int
	emitErr           error
	closeErr          error
}

func (m *mockEmitter) EmitMeasurements(_ context.Context, _ types.MeasurementReport) error {
	m.measurementCalls++
	return m.emitErr
}

func (m *mockEmitter) EmitAvailability(_ context.Context, _ types.AvailabilityReport) error {
	m.availabilityCalls++
	return m.emitErr
}

func (m *mockEmitter) Close() error {
	m.closeCalls++
	return m.closeErr
}

func TestMultiEmitter_EmitsToAll(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	require.NoError(t, multi.EmitMeasurements(context.Background(), types.MeasurementReport{}))
	require.NoError(t, multi.EmitAvailability(context.Background(), types.AvailabilityReport{}))

	assert.Equal(t, 1, e1.measurementCalls)
	assert.Equal(t, 1, e2.measurementCalls)
	assert.Equal(t, 1, e1.availabilityCalls)
	assert.Equal(t, 1, e2.availabilityCalls)
}

func TestMultiEmitter_ErrorDoesNotStopOthers(t *testing.T) {
	failure := errors.New("emit failed")
	e1 := &mockEmitter{emitErr: failure}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.EmitMeasurements(context.Background(), types.MeasurementReport{})

	assert.ErrorIs(t, err, failure)
	assert.Equal(t, 1, e1.measurementCalls)
	assert.Equal(t, 1, e2.measurementCalls)
}

func TestMultiEmitter_Reporter(t *testing.T) {
	e1 := &mockEmitter{emitErr: errors.New("emit failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	multi.ReportMeasurements(context.Background(), types.MeasurementReport{})
	multi.ReportAvailability(context.Background(), types.AvailabilityReport{})

	assert.Equal(t, 1, e2.measurementCalls)
	assert.Equal(t, 1, e2.availabilityCalls)
}

func TestMultiEmitter_Close(t *testing.T) {
	e1 := &mockEmitter{closeErr: errors.New("close failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Close()

	assert.Error(t, err)
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 1, e2.closeCalls)
}

func TestMultiEmitter_Empty(t *testing.T) {
	multi := NewMultiEmitter()

	require.NoError(t, multi.EmitMeasurements(context.Background(), types.MeasurementReport{}))
	require.NoError(t, multi.Close())
}

func TestPrometheusEmitter_LastValues(t *testing.T) {
	e, err := NewPrometheusEmitter()
	require.NoError(t, err)

	report := types.MeasurementReport{DataPoints: []types.DataPoint{
		{ResourceID: "r1", Metric: "cpu", Value: 0.5},
		{ResourceID: "r1", Metric: "cpu", Value: 0.7},
		{ResourceID: "r1", Metric: "os", Trait: "linux"},
		{ResourceID: "r2", Metric: "cpu", Error: "boom"},
	}}
	require.NoError(t, e.EmitMeasurements(context.Background(), report))

	v, ok := e.Value("r1", "cpu")
	require.True(t, ok)
	assert.InDelta(t, 0.7, v, 1e-9)

	_, ok = e.Value("r1", "os")
	assert.False(t, ok, "traits are not exported")
	_, ok = e.Value("r2", "cpu")
	assert.False(t, ok, "errors carry no value")

	e.Forget("r1")
	_, ok = e.Value("r1", "cpu")
	assert.False(t, ok)
}

func TestPrometheusEmitter_Availability(t *testing.T) {
	e, err := NewPrometheusEmitter()
	require.NoError(t, err)

	require.NoError(t, e.EmitAvailability(context.Background(), types.AvailabilityReport{
		Entries: []types.AvailabilityEntry{
			{ResourceID: "r1", Availability: resource.AvailabilityUp},
			{ResourceID: "r2", Availability: resource.AvailabilityDown},
		},
	}))

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Equal(t, int64(1), availabilityValue(e.avail["r1"]))
	assert.Equal(t, int64(0), availabilityValue(e.avail["r2"]))
	assert.Equal(t, int64(-1), availabilityValue(resource.AvailabilityUnknown))
}
