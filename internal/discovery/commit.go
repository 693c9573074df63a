package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// commit merges NEW resources with the server, assigns schedules to the
// newly committed ones and starts every committed resource that is not
// running yet.
func (d *Driver) commit(ctx context.Context, stats *Stats) error {
	var errs []error

	newly, err := d.mergeWithServer(ctx)
	if err != nil {
		errs = append(errs, err)
		stats.Errors = append(stats.Errors, err.Error())
	}
	stats.Committed += len(newly)

	if len(newly) > 0 {
		if err := d.persist(newly...); err != nil {
			errs = append(errs, err)
		}
		d.assignSchedules(ctx, newly)
	}

	started := d.startPending(ctx, stats)
	d.forceAvailability(ctx, started)
	return errors.Join(errs...)
}

// mergeWithServer reports NEW resources and applies the statuses the server
// returns. It returns the newly committed containers in pre-order. Without
// a server every NEW resource is committed locally.
func (d *Driver) mergeWithServer(ctx context.Context) ([]*inventory.Container, error) {
	var (
		pending    []resource.Resource
		containers []*inventory.Container
	)
	for c := range d.tree.Walk(func(c *inventory.Container) bool {
		return c.Resource().Status == resource.StatusNew
	}) {
		pending = append(pending, c.Resource())
		containers = append(containers, c)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	statuses := make(map[string]resource.InventoryStatus, len(pending))
	if d.server == nil {
		for _, r := range pending {
			statuses[r.ID] = resource.StatusCommitted
		}
	} else {
		resp, err := d.server.MergeInventoryReport(ctx, &types.InventoryReport{
			Agent:       d.cfg.Agent,
			GeneratedAt: time.Now(),
			Resources:   pending,
		})
		if err != nil {
			return nil, fmt.Errorf("merge inventory report: %w", err)
		}
		statuses = resp.Statuses
	}

	var newly []*inventory.Container
	for _, c := range containers {
		status, ok := statuses[c.ID()]
		if !ok || status == resource.StatusNew {
			continue
		}
		if err := c.SetStatus(status); err != nil {
			log.Warn().Err(err).Str("resource_id", c.ID()).Msg("Ignoring inventory status from server")
			continue
		}
		switch status {
		case resource.StatusCommitted:
			newly = append(newly, c)
		case resource.StatusDeleted:
			log.Info().Str("resource_id", c.ID()).Str("type", c.Type()).Msg("Server ignored discovered resource")
		}
	}
	return newly, nil
}

// persist writes the given committed resources to the store in one
// transaction.
func (d *Driver) persist(containers ...*inventory.Container) error {
	if d.store == nil || len(containers) == 0 {
		return nil
	}
	committed := make([]resource.Resource, len(containers))
	for i, c := range containers {
		committed[i] = c.Resource()
	}
	if _, err := d.store.SaveResources(committed); err != nil {
		return fmt.Errorf("persist inventory: %w", err)
	}
	return nil
}

// assignSchedules asks the server for the schedules of newly committed
// resources. Resources the server returns nothing for get the descriptor
// defaults.
func (d *Driver) assignSchedules(ctx context.Context, newly []*inventory.Container) {
	assigned := make(map[string]types.ResourceSchedules)
	if d.server != nil {
		ids := make([]string, len(newly))
		for i, c := range newly {
			ids[i] = c.ID()
		}
		resp, err := d.server.PostProcessNewlyCommittedResources(ctx, &types.CommitRequest{Agent: d.cfg.Agent, ResourceIDs: ids})
		if err != nil {
			log.Warn().Err(err).Int("resources", len(ids)).Msg("No schedules from server, using descriptor defaults")
		} else {
			for _, rs := range resp.Resources {
				assigned[rs.ResourceID] = rs
			}
		}
	}

	for _, c := range newly {
		rs, ok := assigned[c.ID()]
		if !ok || len(rs.Schedules) == 0 {
			rs = d.defaultSchedules(c)
		}
		d.setSchedules(c, rs)
	}
}

// defaultSchedules builds schedules for the default-enabled metrics of the
// resource's type. They get negative ids so they never collide with server ids.
func (d *Driver) defaultSchedules(c *inventory.Container) types.ResourceSchedules {
	rs := types.ResourceSchedules{ResourceID: c.ID()}
	rt, ok := d.registry.ResourceType(c.Type())
	if !ok {
		return rs
	}
	rs.AvailabilityInterval = rt.AvailabilityInterval
	for i, m := range rt.Metrics {
		if !m.DefaultEnabled || m.DefaultInterval <= 0 {
			continue
		}
		rs.Schedules = append(rs.Schedules, types.MeasurementSchedule{
			ID:         -int64(i + 1),
			ResourceID: c.ID(),
			Metric:     m.Name,
			DataType:   m.DataType,
			Interval:   m.DefaultInterval,
			Enabled:    true,
		})
	}
	return rs
}

func (d *Driver) setSchedules(c *inventory.Container, rs types.ResourceSchedules) {
	c.SetSchedules(rs.Schedules)
	d.setAvailabilityInterval(c.ID(), rs.AvailabilityInterval)
	if d.store != nil {
		if err := d.store.SaveSchedules(c.ID(), rs.Schedules); err != nil {
			log.Warn().Err(err).Str("resource_id", c.ID()).Msg("Failed to persist schedules")
		}
	}
	if c.State() == inventory.StateStarted {
		d.sched.Install(c.ID(), rs.Schedules, d.availabilityInterval(c))
	}
}

func (d *Driver) setAvailabilityInterval(id string, interval time.Duration) {
	d.intervalsMu.Lock()
	defer d.intervalsMu.Unlock()
	if interval > 0 {
		d.intervals[id] = interval
	} else {
		delete(d.intervals, id)
	}
}

// availabilityInterval is the server assigned interval, else the descriptor's.
func (d *Driver) availabilityInterval(c *inventory.Container) time.Duration {
	d.intervalsMu.Lock()
	interval, ok := d.intervals[c.ID()]
	d.intervalsMu.Unlock()
	if ok {
		return interval
	}
	if rt, ok := d.registry.ResourceType(c.Type()); ok {
		return rt.AvailabilityInterval
	}
	return 0
}

// startPending starts committed resources that are UNINITIALIZED or FAILED,
// parents before children. A child whose parent is not STARTED waits for a
// later pass. It returns the ids that started.
func (d *Driver) startPending(ctx context.Context, stats *Stats) []string {
	startable := func(c *inventory.Container) bool {
		if c.Resource().Status != resource.StatusCommitted {
			return false
		}
		s := c.State()
		return s == inventory.StateUninitialized || s == inventory.StateFailed
	}

	var started []string
	for c := range d.tree.Walk(startable) {
		if ctx.Err() != nil {
			break
		}
		if p := c.Parent(); p != nil && p.State() != inventory.StateStarted {
			continue
		}
		ok, err := d.start(ctx, c)
		if err != nil {
			stats.StartFailures++
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}
		if !ok {
			continue
		}
		stats.Started++
		started = append(started, c.ID())
	}
	return started
}

// start starts c under its WRITE facet lock. It returns false without an
// error when c left UNINITIALIZED or FAILED while the lock was awaited.
func (d *Driver) start(ctx context.Context, c *inventory.Container) (bool, error) {
	h, err := d.locks.Acquire(ctx, c.ID(), facetlock.Write, d.cfg.LockTimeout)
	if err != nil {
		return false, fmt.Errorf("start %s: %w", c.ID(), err)
	}
	defer h.Release()
	if s := c.State(); s != inventory.StateUninitialized && s != inventory.StateFailed {
		log.Debug().Str("resource_id", c.ID()).Str("state", s.String()).Msg("Resource already handled, skipping start")
		return false, nil
	}
	return true, d.startLocked(ctx, c)
}

func (d *Driver) startLocked(ctx context.Context, c *inventory.Container) error {
	logger := log.With().Str("resource_id", c.ID()).Str("type", c.Type()).Logger()

	if c.Component() == nil {
		comp, err := d.registry.NewComponent(c.Type())
		if err != nil {
			logger.Warn().Err(err).Msg("Cannot create resource component")
			return err
		}
		if err := c.SetComponent(comp); err != nil {
			return err
		}
	}

	rc := plugin.ResourceContext{Resource: c.Resource(), DataDir: d.dataDir(c.ID())}
	if p := c.Parent(); p != nil {
		rc.ParentComponent = p.Component()
	}
	if rc.DataDir != "" {
		if err := os.MkdirAll(rc.DataDir, 0o750); err != nil {
			return fmt.Errorf("create data dir for %s: %w", c.ID(), err)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, d.cfg.StartTimeout)
	defer cancel()
	if err := c.Start(startCtx, rc); err != nil {
		var invErr *plugin.InvocationError
		if errors.As(err, &invErr) {
			d.sched.Unschedule(c.ID())
		}
		logger.Warn().Err(err).Msg("Resource component failed to start")
		return err
	}

	d.sched.Install(c.ID(), c.Schedules(), d.availabilityInterval(c))
	logger.Debug().Int("schedules", len(c.Schedules())).Msg("Resource component started")
	return nil
}

func (d *Driver) forceAvailability(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if _, err := d.sched.ForceAvailability(ctx, ids); err != nil {
		log.Warn().Err(err).Int("resources", len(ids)).Msg("Initial availability check incomplete")
	}
}
