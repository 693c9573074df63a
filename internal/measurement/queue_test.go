package measurement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/types"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func sched(id int64, resourceID string, interval time.Duration) types.MeasurementSchedule {
	return types.MeasurementSchedule{ID: id, ResourceID: resourceID, Metric: "m", Interval: interval, Enabled: true}
}

func TestNextDue(t *testing.T) {
	const interval = time.Minute

	// On time, or late by less than an interval: stay on the grid.
	assert.Equal(t, t0.Add(interval), NextDue(t0, interval, t0))
	assert.Equal(t, t0.Add(interval), NextDue(t0, interval, t0.Add(10*time.Second)))

	// Late by two intervals: one interval from now, no catch-up burst.
	now := t0.Add(2 * interval)
	assert.Equal(t, now.Add(interval), NextDue(t0, interval, now))
	assert.NotEqual(t, now, NextDue(t0, interval, now))
}

func TestQueue_AddAndPopDue(t *testing.T) {
	q := newQueue()
	q.add(measurementKey(sched(1, "r1", time.Minute)), sched(1, "r1", time.Minute), t0)
	q.add(measurementKey(sched(2, "r1", 2*time.Minute)), sched(2, "r1", 2*time.Minute), t0)

	due, ok := q.peek()
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), due)

	assert.Empty(t, q.popDue(t0.Add(30*time.Second)))
	popped := q.popDue(t0.Add(time.Minute))
	require.Len(t, popped, 1)
	assert.Equal(t, int64(1), popped[0].sched.ID)
	assert.Equal(t, t0.Add(time.Minute), popped[0].sched.LastStart)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_DisabledIsNotQueued(t *testing.T) {
	q := newQueue()
	s := sched(1, "r1", time.Minute)
	s.Enabled = false

	q.add(measurementKey(s), s, t0)

	assert.Equal(t, 0, q.Len())
	assert.Len(t, q.schedules("r1"), 1)
}

func TestQueue_CompleteUsesLateReschedule(t *testing.T) {
	q := newQueue()
	s := sched(1, "r1", time.Minute)
	q.add(measurementKey(s), s, t0)

	// The agent was asleep for two intervals past the due time.
	late := t0.Add(3 * time.Minute)
	popped := q.popDue(late)
	require.Len(t, popped, 1)

	next, ok := q.complete(popped[0].key, late)
	require.True(t, ok)
	assert.Equal(t, late.Add(time.Minute), next)
	assert.Len(t, q.popDue(late), 0)
}

func TestQueue_CompleteOnTimeKeepsGrid(t *testing.T) {
	q := newQueue()
	s := sched(1, "r1", time.Minute)
	q.add(measurementKey(s), s, t0)

	due := t0.Add(time.Minute)
	popped := q.popDue(due)
	next, ok := q.complete(popped[0].key, due.Add(5*time.Second))

	require.True(t, ok)
	assert.Equal(t, due.Add(time.Minute), next)
}

func TestQueue_UpdateAppliesFromNextPass(t *testing.T) {
	q := newQueue()
	s := sched(1, "r1", time.Minute)
	key := measurementKey(s)
	q.add(key, s, t0)

	s.Interval = 5 * time.Minute
	q.update(key, s, t0.Add(10*time.Second))

	due, _ := q.peek()
	assert.Equal(t, t0.Add(time.Minute), due, "current due time is kept")

	popped := q.popDue(due)
	next, _ := q.complete(popped[0].key, due)
	assert.Equal(t, due.Add(5*time.Minute), next)
}

func TestQueue_UpdateWhileInFlight(t *testing.T) {
	q := newQueue()
	s := sched(1, "r1", time.Minute)
	key := measurementKey(s)
	q.add(key, s, t0)
	due := t0.Add(time.Minute)
	q.popDue(due)

	s.Enabled = false
	q.update(key, s, due)
	_, ok := q.complete(key, due)

	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_EnableDisabledSchedule(t *testing.T) {
	q := newQueue()
	s := sched(1, "r1", time.Minute)
	s.Enabled = false
	key := measurementKey(s)
	q.add(key, s, t0)

	s.Enabled = true
	now := t0.Add(time.Hour)
	q.update(key, s, now)

	due, ok := q.peek()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), due)
}

func TestQueue_RemoveResource(t *testing.T) {
	q := newQueue()
	q.add(measurementKey(sched(1, "r1", time.Minute)), sched(1, "r1", time.Minute), t0)
	q.add(availabilityKey("r1"), types.MeasurementSchedule{ResourceID: "r1", Metric: AvailabilityMetric, Interval: time.Minute, Enabled: true}, t0)
	q.add(measurementKey(sched(2, "r2", time.Minute)), sched(2, "r2", time.Minute), t0)

	assert.Equal(t, 2, q.removeResource("r1"))
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, q.schedules("r1"))
}

func TestQueue_RemoveInFlight(t *testing.T) {
	q := newQueue()
	s := sched(1, "r1", time.Minute)
	key := measurementKey(s)
	q.add(key, s, t0)
	q.popDue(t0.Add(time.Minute))

	q.remove(key)
	_, ok := q.complete(key, t0.Add(time.Minute))

	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestCoalesce(t *testing.T) {
	due := []dueJob{
		{key: measurementKey(sched(1, "r1", time.Minute)), sched: sched(1, "r1", time.Minute)},
		{key: measurementKey(sched(2, "r2", time.Minute)), sched: sched(2, "r2", time.Minute)},
		{key: availabilityKey("r1")},
		{key: measurementKey(sched(3, "r1", time.Minute)), sched: sched(3, "r1", time.Minute)},
	}

	units := coalesce(due)

	require.Len(t, units, 3)
	assert.Equal(t, "r1", units[0].resourceID)
	assert.Equal(t, KindMeasurement, units[0].kind)
	assert.Len(t, units[0].jobs, 2)
	assert.Equal(t, "r2", units[1].resourceID)
	assert.Equal(t, KindAvailability, units[2].kind)
}
