package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// ErrNoStore is returned by LoadInventory when the driver has no store.
var ErrNoStore = errors.New("no inventory store configured")

// LoadInventory rebuilds the tree and the schedules from the store.
func (d *Driver) LoadInventory() (int, error) {
	if d.store == nil {
		return 0, ErrNoStore
	}
	resources, err := d.store.LoadResources()
	if err != nil {
		return 0, fmt.Errorf("load inventory: %w", err)
	}
	n := d.tree.Load(resources)

	schedules, err := d.store.LoadSchedules()
	if err != nil {
		return n, fmt.Errorf("load schedules: %w", err)
	}
	for id, s := range schedules {
		c, err := d.tree.GetContainer(id)
		if err != nil {
			continue
		}
		c.SetSchedules(s)
	}

	log.Info().Int("resources", n).Int("scheduled", len(schedules)).Msg("Loaded persisted inventory")
	return n, nil
}

// StartCommitted starts every committed resource that is not running,
// typically right after LoadInventory.
func (d *Driver) StartCommitted(ctx context.Context) (Stats, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	stats := Stats{StartTime: time.Now()}
	started := d.startPending(ctx, &stats)
	d.forceAvailability(ctx, started)
	stats.Duration = time.Since(stats.StartTime)
	return stats, ctx.Err()
}

// ManualAdd discovers one resource of resourceType under parentID from
// operator supplied plugin configuration, then merges, commits and starts
// it like any discovered resource.
func (d *Driver) ManualAdd(ctx context.Context, parentID, resourceType string, pluginConfig map[string]string) (*inventory.Container, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	rt, ok := d.registry.ResourceType(resourceType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", plugin.ErrUnknownType, resourceType)
	}

	var parent *inventory.Container
	switch {
	case parentID != "":
		p, err := d.tree.GetContainer(parentID)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(rt.Parents, p.Type()) {
			return nil, fmt.Errorf("resource type %s cannot be a child of %s", rt.Name, p.Type())
		}
		if p.State() != inventory.StateStarted {
			return nil, fmt.Errorf("parent %s is %s: %w", parentID, p.State(), inventory.ErrNotStarted)
		}
		parent = p
	case !rt.IsRoot():
		return nil, fmt.Errorf("resource type %s needs a parent", rt.Name)
	}

	disc, ok := d.registry.Discovery(resourceType)
	if !ok {
		return nil, fmt.Errorf("resource type %s has no discovery component", resourceType)
	}

	dc := plugin.DiscoveryContext{ResourceType: rt, PluginConfig: d.pluginConfig(rt)}
	maps.Copy(dc.PluginConfig, pluginConfig)
	if parent != nil {
		dc.Parent = parent.Resource()
		dc.ParentComponent = parent.Component()
	}

	r, err := callDiscovery(ctx, d, parent, func(ctx context.Context) (resource.Resource, error) {
		if m, ok := disc.(plugin.ManualAddComponent); ok {
			return m.DiscoverResource(ctx, dc, pluginConfig)
		}
		found, err := disc.DiscoverResources(ctx, dc)
		if err != nil {
			return resource.Resource{}, err
		}
		if len(found) != 1 {
			return resource.Resource{}, fmt.Errorf("expected one resource, discovery found %d", len(found))
		}
		return found[0], nil
	})
	if err != nil {
		return nil, &Failure{ResourceType: rt.Name, ParentID: parentID, Err: err}
	}
	r = normalize(rt, r)
	if r.Key == "" {
		return nil, &Failure{ResourceType: rt.Name, ParentID: parentID, Err: errors.New("discovered resource has no key")}
	}

	c, err := d.tree.AddResource(parentID, r)
	if err != nil {
		return nil, err
	}
	log.Info().Str("resource_id", c.ID()).Str("type", rt.Name).Str("key", r.Key).Msg("Manually added resource")

	stats := Stats{StartTime: time.Now(), Discovered: 1, New: 1}
	return c, d.commit(ctx, &stats)
}

// Restart stops and starts the component of a committed resource under
// its WRITE facet lock.
func (d *Driver) Restart(ctx context.Context, id string) error {
	c, err := d.tree.GetContainer(id)
	if err != nil {
		return err
	}
	if status := c.Resource().Status; status != resource.StatusCommitted {
		return fmt.Errorf("restart %s: resource is %s", id, status)
	}
	if p := c.Parent(); p != nil && p.State() != inventory.StateStarted {
		return fmt.Errorf("restart %s: parent %s is %s: %w", id, p.ID(), p.State(), inventory.ErrNotStarted)
	}

	h, err := d.locks.Acquire(ctx, id, facetlock.Write, d.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("restart %s: %w", id, err)
	}
	defer h.Release()

	d.sched.Unschedule(id)
	stopCtx, cancel := context.WithTimeout(ctx, d.cfg.StartTimeout)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Str("resource_id", id).Msg("Resource component failed to stop cleanly")
	}
	if err := d.startLocked(ctx, c); err != nil {
		return err
	}
	h.Release()
	d.forceAvailability(ctx, []string{id})
	return nil
}

// UpdateSchedules merges changed schedules into a committed resource's set
// by id and persists the result. A started resource gets them applied
// without losing its due times. Nothing changes if any schedule is invalid.
func (d *Driver) UpdateSchedules(rs types.ResourceSchedules) ([]types.MeasurementSchedule, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	c, err := d.tree.GetContainer(rs.ResourceID)
	if err != nil {
		return nil, err
	}
	if status := c.Resource().Status; status != resource.StatusCommitted {
		return nil, fmt.Errorf("update schedules of %s: resource is %s", c.ID(), status)
	}

	merged := c.Schedules()
	index := make(map[int64]int, len(merged))
	for i, s := range merged {
		index[s.ID] = i
	}
	changed := make([]types.MeasurementSchedule, 0, len(rs.Schedules))
	for _, s := range rs.Schedules {
		s.ResourceID = c.ID()
		s.NextDue, s.LastStart = time.Time{}, time.Time{}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if i, ok := index[s.ID]; ok {
			merged[i] = s
		} else {
			index[s.ID] = len(merged)
			merged = append(merged, s)
		}
		changed = append(changed, s)
	}

	c.SetSchedules(merged)
	if rs.AvailabilityInterval > 0 {
		d.setAvailabilityInterval(c.ID(), rs.AvailabilityInterval)
	}
	if c.State() == inventory.StateStarted {
		if rs.AvailabilityInterval > 0 {
			d.sched.Install(c.ID(), merged, rs.AvailabilityInterval)
		} else {
			for _, s := range changed {
				if err := d.sched.Update(s); err != nil {
					return merged, err
				}
			}
		}
	}
	log.Info().Str("resource_id", c.ID()).Int("changed", len(changed)).Int("schedules", len(merged)).Msg("Measurement schedules updated")

	if d.store != nil {
		if err := d.store.SaveSchedules(c.ID(), merged); err != nil {
			return merged, fmt.Errorf("persist schedules of %s: %w", c.ID(), err)
		}
	}
	return merged, nil
}

// Uninventory removes a resource and its subtree, stops their components
// children first, drops their schedules and deletes them from the store.
// It fails with a ResourceInUseError while any of them is write-locked.
// It returns the removed ids in pre-order.
func (d *Driver) Uninventory(ctx context.Context, id string) ([]string, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()
	return d.uninventory(ctx, id)
}

func (d *Driver) uninventory(ctx context.Context, id string) ([]string, error) {
	removed, err := d.tree.RemoveResource(id)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(removed))
	for i, c := range removed {
		ids[i] = c.ID()
	}
	for _, c := range slices.Backward(removed) {
		d.sched.Unschedule(c.ID())
		d.setAvailabilityInterval(c.ID(), 0)
		stopCtx, cancel := context.WithTimeout(ctx, d.cfg.StartTimeout)
		if err := c.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Str("resource_id", c.ID()).Msg("Resource component failed to stop cleanly")
		}
		cancel()
	}

	log.Info().Str("resource_id", id).Int("removed", len(ids)).Msg("Resource uninventoried")
	if d.store != nil {
		if _, err := d.store.DeleteResources(ids); err != nil {
			return ids, fmt.Errorf("delete persisted resources: %w", err)
		}
	}
	return ids, nil
}

// StopAll stops every running component, children before parents.
func (d *Driver) StopAll(ctx context.Context) {
	var running []*inventory.Container
	for c := range d.tree.Walk(func(c *inventory.Container) bool {
		return c.State() == inventory.StateStarted
	}) {
		running = append(running, c)
	}
	for _, c := range slices.Backward(running) {
		stopCtx, cancel := context.WithTimeout(ctx, d.cfg.StartTimeout)
		if err := c.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Str("resource_id", c.ID()).Msg("Resource component failed to stop cleanly")
		}
		cancel()
	}
}
