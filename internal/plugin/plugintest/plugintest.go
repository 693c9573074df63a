// Package plugintest provides a scriptable plugin for runtime tests.
package plugintest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// Component is a resource component whose facet behaviour is set by the test.
// Nil functions fall back to sensible defaults.
type Component struct {
	StartFunc        func(ctx context.Context, rc plugin.ResourceContext) error
	StopFunc         func(ctx context.Context) error
	GetValuesFunc    func(ctx context.Context, reqs []plugin.MeasurementRequest) ([]types.DataPoint, error)
	AvailabilityFunc func(ctx context.Context) (resource.Availability, error)
	DeployFunc       func(ctx context.Context, req types.BundleScheduleRequest) (types.BundleResponse, error)

	mu          sync.Mutex
	rc          plugin.ResourceContext
	started     bool
	Starts      atomic.Int32
	Stops       atomic.Int32
	ValueCalls  atomic.Int32
	AvailCalls  atomic.Int32
	lastBatches [][]plugin.MeasurementRequest
}

func (c *Component) Start(ctx context.Context, rc plugin.ResourceContext) error {
	c.Starts.Add(1)
	if c.StartFunc != nil {
		if err := c.StartFunc(ctx, rc); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.rc = rc
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	c.Stops.Add(1)
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	if c.StopFunc != nil {
		return c.StopFunc(ctx)
	}
	return nil
}

// Context returns the context the component was last started with.
func (c *Component) Context() plugin.ResourceContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rc
}

func (c *Component) GetValues(ctx context.Context, reqs []plugin.MeasurementRequest) ([]types.DataPoint, error) {
	c.ValueCalls.Add(1)
	c.mu.Lock()
	c.lastBatches = append(c.lastBatches, reqs)
	c.mu.Unlock()
	if c.GetValuesFunc != nil {
		return c.GetValuesFunc(ctx, reqs)
	}
	points := make([]types.DataPoint, 0, len(reqs))
	for _, r := range reqs {
		points = append(points, types.DataPoint{ScheduleID: r.ScheduleID, Metric: r.Metric, Value: 1})
	}
	return points, nil
}

// Batches returns the request batches GetValues has received.
func (c *Component) Batches() [][]plugin.MeasurementRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]plugin.MeasurementRequest(nil), c.lastBatches...)
}

func (c *Component) GetAvailability(ctx context.Context) (resource.Availability, error) {
	c.AvailCalls.Add(1)
	if c.AvailabilityFunc != nil {
		return c.AvailabilityFunc(ctx)
	}
	return resource.AvailabilityUp, nil
}

func (c *Component) DeployBundle(ctx context.Context, req types.BundleScheduleRequest) (types.BundleResponse, error) {
	if c.DeployFunc != nil {
		return c.DeployFunc(ctx, req)
	}
	return types.BundleResponse{ResourceID: req.ResourceID, DeploymentID: req.DeploymentID, Success: true}, nil
}

func (c *Component) PurgeBundle(ctx context.Context, req types.BundlePurgeRequest) (types.BundleResponse, error) {
	return types.BundleResponse{ResourceID: req.ResourceID, DeploymentID: req.DeploymentID, Success: true}, nil
}

// Discovery returns a fixed set of resources, or the result of Func.
type Discovery struct {
	Func      func(ctx context.Context, dc plugin.DiscoveryContext) ([]resource.Resource, error)
	Resources []resource.Resource
	Calls     atomic.Int32
}

func (d *Discovery) DiscoverResources(ctx context.Context, dc plugin.DiscoveryContext) ([]resource.Resource, error) {
	d.Calls.Add(1)
	if d.Func != nil {
		return d.Func(ctx, dc)
	}
	return d.Resources, nil
}

// Plugin serves Components and Discoveries registered by type.
type Plugin struct {
	Desc *plugin.Descriptor

	mu          sync.Mutex
	factories   map[string]func() plugin.ResourceComponent
	discoveries map[string]plugin.DiscoveryComponent
	created     map[string][]*Component
}

// New builds a plugin from a YAML descriptor.
func New(descriptor string) *Plugin {
	return &Plugin{
		Desc:        plugin.MustParseDescriptor([]byte(descriptor)),
		factories:   make(map[string]func() plugin.ResourceComponent),
		discoveries: make(map[string]plugin.DiscoveryComponent),
		created:     make(map[string][]*Component),
	}
}

func (p *Plugin) Name() string                   { return p.Desc.Name }
func (p *Plugin) Descriptor() *plugin.Descriptor { return p.Desc }

// SetFactory overrides how components of a type are created.
func (p *Plugin) SetFactory(resourceType string, f func() plugin.ResourceComponent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[resourceType] = f
}

// SetDiscovery installs the discovery component for a type.
func (p *Plugin) SetDiscovery(resourceType string, d plugin.DiscoveryComponent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveries[resourceType] = d
}

// Created returns the default components created for a type, in creation order.
func (p *Plugin) Created(resourceType string) []*Component {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Component(nil), p.created[resourceType]...)
}

func (p *Plugin) NewComponent(resourceType string) (plugin.ResourceComponent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := findType(p.Desc, resourceType); !ok {
		return nil, fmt.Errorf("%w: %s", plugin.ErrUnknownType, resourceType)
	}
	if f, ok := p.factories[resourceType]; ok {
		return f(), nil
	}
	c := &Component{}
	p.created[resourceType] = append(p.created[resourceType], c)
	return c, nil
}

func (p *Plugin) Discovery(resourceType string) (plugin.DiscoveryComponent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.discoveries[resourceType]
	return d, ok
}

func findType(d *plugin.Descriptor, name string) (plugin.ResourceType, bool) {
	for _, rt := range d.ResourceTypes {
		if rt.Name == name {
			return rt, true
		}
	}
	return plugin.ResourceType{}, false
}

// Descriptor is a small platform/server/service hierarchy used across tests.
const Descriptor = `
name: test
version: "1.0"
resource_types:
  - name: test-host
    category: platform
    availability_interval: 1m
    metrics:
      - name: cpu.usage
        default_interval: 30s
        default_enabled: true
      - name: os.name
        data_type: trait
        default_interval: 1h
  - name: test-server
    category: server
    parents: [test-host]
    metrics:
      - name: requests
        default_interval: 1m
        default_enabled: true
  - name: test-service
    category: service
    parents: [test-server]
`
