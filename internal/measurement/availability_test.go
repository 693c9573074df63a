package measurement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/internal/plugin/plugintest"
	"github.com/yairfalse/vahti/pkg/resource"
)

func TestForceAvailability(t *testing.T) {
	f := newFixture(t, Config{})
	up := f.addStarted(t, "up", &plugintest.Component{})
	down := f.addStarted(t, "down", &plugintest.Component{AvailabilityFunc: func(context.Context) (resource.Availability, error) {
		return resource.AvailabilityDown, nil
	}})

	got, err := f.sched.ForceAvailability(context.Background(), []string{up.ID(), down.ID(), "missing"})

	require.Error(t, err)
	assert.ErrorIs(t, err, inventory.ErrNotFound)
	assert.Equal(t, map[string]resource.Availability{
		up.ID():   resource.AvailabilityUp,
		down.ID(): resource.AvailabilityDown,
	}, got)
	assert.Equal(t, resource.AvailabilityDown, down.Availability())
	assert.Len(t, f.rec.availabilityEntries(), 2)
}

func TestForceAvailability_OnlyChangesAreReported(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.addStarted(t, "h1", &plugintest.Component{})

	_, err := f.sched.ForceAvailability(context.Background(), []string{c.ID()})
	require.NoError(t, err)
	_, err = f.sched.ForceAvailability(context.Background(), []string{c.ID()})
	require.NoError(t, err)

	assert.Len(t, f.rec.availabilityEntries(), 1)
}

func TestForceAvailability_PluginErrorIsDown(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.addStarted(t, "h1", &plugintest.Component{AvailabilityFunc: func(context.Context) (resource.Availability, error) {
		return resource.AvailabilityUp, errors.New("ping failed")
	}})

	got, err := f.sched.ForceAvailability(context.Background(), []string{c.ID()})

	require.NoError(t, err)
	assert.Equal(t, resource.AvailabilityDown, got[c.ID()])
}

func TestForceAvailability_FailedStartIsDown(t *testing.T) {
	f := newFixture(t, Config{})
	c, err := f.tree.AddResource("", resource.Resource{Type: "host", Key: "h1"})
	require.NoError(t, err)
	require.NoError(t, c.SetComponent(&plugintest.Component{StartFunc: func(context.Context, plugin.ResourceContext) error {
		return errors.New("bad credentials")
	}}))
	require.Error(t, c.Start(context.Background(), plugin.ResourceContext{}))

	got, err := f.sched.ForceAvailability(context.Background(), []string{c.ID()})

	require.NoError(t, err)
	assert.Equal(t, resource.AvailabilityDown, got[c.ID()])
}

func TestForceAvailability_BusyLeavesAvailabilityUnchanged(t *testing.T) {
	f := newFixture(t, Config{LockTimeout: 10 * time.Millisecond})
	comp := &plugintest.Component{AvailabilityFunc: func(context.Context) (resource.Availability, error) {
		return resource.AvailabilityDown, nil
	}}
	c := f.addStarted(t, "h1", comp)
	c.SetAvailability(resource.AvailabilityUp)
	w, err := f.locks.Acquire(context.Background(), c.ID(), facetlock.Write, 0)
	require.NoError(t, err)
	defer w.Release()

	got, err := f.sched.ForceAvailability(context.Background(), []string{c.ID()})

	assert.ErrorIs(t, err, facetlock.ErrTimeout)
	assert.Equal(t, resource.AvailabilityUp, got[c.ID()])
	assert.Equal(t, resource.AvailabilityUp, c.Availability())
	assert.EqualValues(t, 0, comp.AvailCalls.Load())
}

func TestAvailability_SingleFlightPerResource(t *testing.T) {
	f := newFixture(t, Config{})
	release := make(chan struct{})
	comp := &plugintest.Component{AvailabilityFunc: func(context.Context) (resource.Availability, error) {
		<-release
		return resource.AvailabilityUp, nil
	}}
	c := f.addStarted(t, "h1", comp)

	var wg sync.WaitGroup
	results := make([]resource.Availability, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = f.sched.checkAvailability(context.Background(), c.ID())
		}()
	}
	require.Eventually(t, func() bool { return comp.AvailCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, comp.AvailCalls.Load())
	for _, r := range results {
		assert.Equal(t, resource.AvailabilityUp, r)
	}
}

func TestAvailability_ScheduledCheck(t *testing.T) {
	f := newFixture(t, Config{})
	comp := &plugintest.Component{}
	c := f.addStarted(t, "h1", comp)
	f.sched.Install(c.ID(), nil, 20*time.Millisecond)
	f.run(t)

	require.Eventually(t, func() bool { return c.Availability() == resource.AvailabilityUp }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.rec.availabilityEntries(), 1)
}

func TestAvailability_CancelledCallerDoesNotAbortSharedCheck(t *testing.T) {
	f := newFixture(t, Config{})
	release := make(chan struct{})
	comp := &plugintest.Component{AvailabilityFunc: func(ctx context.Context) (resource.Availability, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return resource.AvailabilityUnknown, err
		}
		return resource.AvailabilityUp, nil
	}}
	c := f.addStarted(t, "h1", comp)

	forced, cancel := context.WithCancel(context.Background())
	forcedErr := make(chan error, 1)
	go func() {
		_, err := f.sched.checkAvailability(forced, c.ID())
		forcedErr <- err
	}()
	require.Eventually(t, func() bool { return comp.AvailCalls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		a   resource.Availability
		err error
	}
	scheduled := make(chan outcome, 1)
	go func() {
		a, err := f.sched.checkAvailability(context.Background(), c.ID())
		scheduled <- outcome{a, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-forcedErr, context.Canceled)
	close(release)

	got := <-scheduled
	require.NoError(t, got.err)
	assert.Equal(t, resource.AvailabilityUp, got.a)
	assert.Equal(t, resource.AvailabilityUp, c.Availability())
	assert.EqualValues(t, 1, comp.AvailCalls.Load())
}

func TestAvailability_SuccessClearsStuckFlag(t *testing.T) {
	f := newFixture(t, Config{LockTimeout: 10 * time.Millisecond, StuckThreshold: 2})
	c := f.addStarted(t, "h1", &plugintest.Component{})
	w, err := f.locks.Acquire(context.Background(), c.ID(), facetlock.Write, 0)
	require.NoError(t, err)

	for range 2 {
		_, err := f.sched.ForceAvailability(context.Background(), []string{c.ID()})
		require.ErrorIs(t, err, facetlock.ErrTimeout)
	}
	require.Equal(t, []string{c.ID()}, f.sched.StuckResources())

	w.Release()
	got, err := f.sched.ForceAvailability(context.Background(), []string{c.ID()})

	require.NoError(t, err)
	assert.Equal(t, resource.AvailabilityUp, got[c.ID()])
	assert.Empty(t, f.sched.StuckResources())
}
