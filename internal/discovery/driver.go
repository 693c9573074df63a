// Package discovery populates the inventory tree from plugin discovery
// components and drives newly committed resources through their lifecycle.
package discovery

import (
	"context"
	"errors"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/filter"
	"github.com/yairfalse/vahti/internal/inventory"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/types"
)

// ErrPassInProgress is returned by Run while another pass is running.
var ErrPassInProgress = errors.New("discovery pass already in progress")

// Server is the part of the management server the driver reports to.
type Server interface {
	MergeInventoryReport(ctx context.Context, req *types.InventoryReport) (*types.MergeResponse, error)
	PostProcessNewlyCommittedResources(ctx context.Context, req *types.CommitRequest) (*types.ScheduleResponse, error)
}

// Scheduler receives the schedules of started resources.
type Scheduler interface {
	Install(resourceID string, schedules []types.MeasurementSchedule, availabilityInterval time.Duration)
	Update(schedule types.MeasurementSchedule) error
	Unschedule(resourceID string)
	ForceAvailability(ctx context.Context, ids []string) (map[string]resource.Availability, error)
}

// Store persists committed resources.
type Store interface {
	storage.InventoryWriter
	storage.InventoryReader
	storage.InventoryChanges
}

// Config controls the driver.
type Config struct {
	Agent string
	// Workers bounds concurrent discovery component calls.
	Workers int
	// DiscoveryTimeout bounds one discovery component call.
	DiscoveryTimeout time.Duration
	// LockTimeout bounds the wait for a parent's READ lock during
	// discovery and for a resource's WRITE lock during start and stop.
	LockTimeout time.Duration
	// StartTimeout bounds one component Start.
	StartTimeout time.Duration
	// DataDir is the root of per-resource component data directories.
	DataDir string
	// PluginConfig overrides descriptor plugin configuration per resource type.
	PluginConfig map[string]map[string]string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 2 * time.Minute
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = time.Minute
	}
}

// Driver runs discovery passes. Passes, manual adds and uninventory are
// serialized; the scan inside a pass runs on a bounded pool.
type Driver struct {
	cfg      Config
	registry *plugin.Registry
	tree     *inventory.Tree
	locks    *facetlock.Manager
	server   Server
	sched    Scheduler
	store    Store
	filter   *filter.Filter
	tracer   trace.Tracer

	passMu sync.Mutex

	intervalsMu sync.Mutex
	intervals   map[string]time.Duration

	statsMu sync.RWMutex
	last    Stats
	passes  int
}

// Option configures a Driver.
type Option func(*Driver)

// WithStore persists committed resources and their schedules.
func WithStore(s Store) Option {
	return func(d *Driver) { d.store = s }
}

// WithFilter skips excluded resource types and drops excluded resources
// before they are merged.
func WithFilter(f *filter.Filter) Option {
	return func(d *Driver) { d.filter = f }
}

// New creates a driver.
func New(cfg Config, registry *plugin.Registry, tree *inventory.Tree, locks *facetlock.Manager, server Server, sched Scheduler, opts ...Option) *Driver {
	cfg.applyDefaults()
	d := &Driver{
		cfg:      cfg,
		registry: registry,
		tree:     tree,
		locks:    locks,
		server:   server,
		sched:    sched,
		tracer:   otel.Tracer("vahti.discovery"),

		intervals: make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// LastStats returns the stats of the last finished pass and the pass count.
func (d *Driver) LastStats() (Stats, int) {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()
	return d.last, d.passes
}

func (d *Driver) record(stats Stats) {
	d.statsMu.Lock()
	d.last = stats
	d.passes++
	d.statsMu.Unlock()
}

func (d *Driver) pluginConfig(rt plugin.ResourceType) map[string]string {
	cfg := maps.Clone(rt.PluginConfig)
	if cfg == nil {
		cfg = make(map[string]string)
	}
	maps.Copy(cfg, d.cfg.PluginConfig[rt.Name])
	return cfg
}

func (d *Driver) dataDir(resourceID string) string {
	if d.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(d.cfg.DataDir, "resources", resourceID)
}

func (d *Driver) finish(stats *Stats) Stats {
	stats.Duration = time.Since(stats.StartTime)
	d.record(*stats)

	log.Info().
		Int("types", stats.TypesScanned).
		Int("discovered", stats.Discovered).
		Int("new", stats.New).
		Int("modified", stats.Modified).
		Int("removed", stats.Removed).
		Int("persisted", stats.Persisted).
		Int("committed", stats.Committed).
		Int("started", stats.Started).
		Int("start_failures", stats.StartFailures).
		Int("failures", len(stats.Failures)).
		Dur("duration", stats.Duration).
		Msg("Discovery pass complete")
	return *stats
}
