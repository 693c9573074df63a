package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
)

// job is one discovery component call for one parent.
type job struct {
	rt     plugin.ResourceType
	disc   plugin.DiscoveryComponent
	parent *inventory.Container // nil for root types

	found []resource.Resource
	err   error
}

func (j *job) parentID() string {
	if j.parent == nil {
		return ""
	}
	return j.parent.ID()
}

// DiscoverPlatform discovers the root resource types only.
func (d *Driver) DiscoverPlatform(ctx context.Context) (Stats, error) {
	return d.pass(ctx, true)
}

// Run performs one full discovery pass: root types, then the child types of
// every started, committed resource. New resources are merged with the
// server, committed ones started parent first and scheduled.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	return d.pass(ctx, false)
}

func (d *Driver) pass(ctx context.Context, rootsOnly bool) (Stats, error) {
	if !d.passMu.TryLock() {
		return Stats{}, ErrPassInProgress
	}
	defer d.passMu.Unlock()

	ctx, span := d.tracer.Start(ctx, "discovery.pass", trace.WithAttributes(attribute.Bool("roots_only", rootsOnly)))
	defer span.End()

	stats := Stats{StartTime: time.Now()}
	var since int64
	if d.store != nil {
		since = d.store.CurrentRevision()
	}

	jobs := d.plan(rootsOnly)
	stats.TypesScanned = len(jobs)
	if err := d.scan(ctx, jobs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d.finish(&stats), err
	}
	for i := range jobs {
		d.merge(ctx, &jobs[i], &stats)
	}

	err := d.commit(ctx, &stats)
	if d.store != nil {
		stats.Persisted = len(d.store.ChangedSince(since))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return d.finish(&stats), err
}

// plan lists the discovery calls of a pass in pre-order.
func (d *Driver) plan(rootsOnly bool) []job {
	var jobs []job
	for _, rt := range d.registry.RootTypes() {
		if !d.filter.ShouldScanType(rt.Name) {
			continue
		}
		if disc, ok := d.registry.Discovery(rt.Name); ok {
			jobs = append(jobs, job{rt: rt, disc: disc})
		}
	}
	if rootsOnly {
		return jobs
	}

	running := func(c *inventory.Container) bool {
		return c.State() == inventory.StateStarted && c.Resource().Status == resource.StatusCommitted
	}
	for parent := range d.tree.Walk(running) {
		for _, rt := range d.registry.ChildTypes(parent.Type()) {
			if !d.filter.ShouldScanType(rt.Name) {
				continue
			}
			if disc, ok := d.registry.Discovery(rt.Name); ok {
				jobs = append(jobs, job{rt: rt, disc: disc, parent: parent})
			}
		}
	}
	return jobs
}

// scan runs the jobs on a bounded pool. Job errors stay on the job.
func (d *Driver) scan(ctx context.Context, jobs []job) error {
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)
	for i := range jobs {
		j := &jobs[i]
		g.Go(func() error {
			j.found, j.err = d.discover(ctx, j)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (d *Driver) discover(ctx context.Context, j *job) ([]resource.Resource, error) {
	dc := plugin.DiscoveryContext{
		ResourceType: j.rt,
		PluginConfig: d.pluginConfig(j.rt),
	}
	if j.parent != nil {
		dc.Parent = j.parent.Resource()
		dc.ParentComponent = j.parent.Component()
	}
	return callDiscovery(ctx, d, j.parent, func(ctx context.Context) ([]resource.Resource, error) {
		return j.disc.DiscoverResources(ctx, dc)
	})
}

// callDiscovery runs fn under the parent's READ facet lock, or bounded by the
// discovery timeout alone for root types.
func callDiscovery[T any](ctx context.Context, d *Driver, parent *inventory.Container, fn func(context.Context) (T, error)) (T, error) {
	if parent == nil {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.DiscoveryTimeout)
		defer cancel()
		return guard(func() (T, error) { return fn(ctx) })
	}
	timeouts := facetlock.Timeouts{Lock: d.cfg.LockTimeout, Call: d.cfg.DiscoveryTimeout}
	return facetlock.Invoke(ctx, d.locks, parent.ID(), facetlock.Read, timeouts, fn)
}

func guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("discovery panic: %v", r)
		}
	}()
	return fn()
}

// normalize stamps the runtime-owned fields on a discovered resource.
func normalize(rt plugin.ResourceType, r resource.Resource) resource.Resource {
	r = r.Clone()
	r.ID = ""
	r.Type = rt.Name
	r.Plugin = rt.Plugin
	r.Status = ""
	r.Availability = ""
	if r.Name == "" {
		r.Name = r.Key
	}
	return r
}

// merge folds one job's result into the tree. Known resources that are
// still discovered but now excluded by the filter are uninventoried.
func (d *Driver) merge(ctx context.Context, j *job, stats *Stats) {
	logger := log.With().Str("type", j.rt.Name).Str("parent_id", j.parentID()).Logger()

	if j.err != nil {
		f := &Failure{ResourceType: j.rt.Name, ParentID: j.parentID(), Err: j.err}
		logger.Warn().Err(j.err).Msg("Discovery component failed")
		stats.fail(f)
		return
	}
	if j.parent != nil && j.parent.Removed() {
		return
	}

	found := make([]resource.Resource, 0, len(j.found))
	for _, r := range j.found {
		if r.Key == "" {
			logger.Warn().Str("name", r.Name).Msg("Ignoring discovered resource without key")
			continue
		}
		found = append(found, normalize(j.rt, r))
	}
	stats.Discovered += len(found)

	excluded := make(map[resource.Identity]bool)
	if !d.filter.IsEmpty() {
		for _, r := range found {
			if !d.filter.ShouldIncludeResource(r) {
				excluded[r.Identity()] = true
			}
		}
	}
	found, filtered := d.filter.FilterResources(found)
	stats.Filtered += filtered

	unique, dropped := resource.Dedupe(found)
	stats.Duplicates += dropped
	if j.rt.Singleton && len(unique) > 1 {
		logger.Warn().Int("found", len(unique)).Msg("Singleton type discovered more than once, keeping the first")
		stats.Duplicates += len(unique) - 1
		unique = unique[:1]
	}

	known, byIdentity := d.known(j)
	var remove []*inventory.Container
	for _, diff := range resource.Diff(known, unique) {
		switch diff.Type {
		case resource.DiffAdded:
			if _, err := d.tree.AddResource(j.parentID(), diff.Resource); err != nil {
				logger.Warn().Err(err).Str("key", diff.Resource.Key).Msg("Failed to add discovered resource")
				continue
			}
			stats.New++
		case resource.DiffModified:
			c := byIdentity[diff.Resource.Identity()]
			c.UpdateDiscovered(diff.Resource)
			stats.Modified++
			if c.Resource().Status == resource.StatusCommitted {
				if err := d.persist(c); err != nil {
					logger.Warn().Err(err).Str("resource_id", c.ID()).Msg("Failed to persist changed resource")
				}
			}
			logger.Debug().Str("key", diff.Resource.Key).Interface("changes", diff.Changes).Msg("Discovered resource changed")
		case resource.DiffDeleted:
			if excluded[diff.Resource.Identity()] {
				remove = append(remove, byIdentity[diff.Resource.Identity()])
				continue
			}
			logger.Debug().Str("key", diff.Resource.Key).Msg("Known resource no longer discovered")
		}
	}

	for _, c := range remove {
		ids, err := d.uninventory(ctx, c.ID())
		var inUse *inventory.ResourceInUseError
		switch {
		case errors.As(err, &inUse):
			logger.Warn().Str("resource_id", c.ID()).Str("held_by", inUse.HeldBy).Msg("Excluded resource in use, removing it on a later pass")
			continue
		case err != nil && len(ids) == 0:
			logger.Warn().Err(err).Str("resource_id", c.ID()).Msg("Failed to remove excluded resource")
			continue
		case err != nil:
			stats.Errors = append(stats.Errors, err.Error())
		}
		logger.Info().Str("resource_id", c.ID()).Str("key", c.Resource().Key).Msg("Removed resource excluded by filter")
		stats.Removed += len(ids)
	}
}

// known returns the existing children of the job's parent with the job's type.
func (d *Driver) known(j *job) ([]resource.Resource, map[resource.Identity]*inventory.Container) {
	var siblings []*inventory.Container
	if j.parent == nil {
		siblings = d.tree.Roots()
	} else {
		siblings = j.parent.Children()
	}
	var known []resource.Resource
	byIdentity := make(map[resource.Identity]*inventory.Container)
	for _, c := range siblings {
		if c.Type() != j.rt.Name {
			continue
		}
		known = append(known, c.Resource())
		byIdentity[c.Identity()] = c
	}
	return known, byIdentity
}
