// Package plugin defines the plugin contract for vahti: resource types,
// resource components with optional facets, and discovery components.
package plugin

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

// ErrUnknownType is returned for resource types no registered plugin declares.
var ErrUnknownType = errors.New("unknown resource type")

// Plugin supplies components for the resource types in its descriptor.
type Plugin interface {
	// Name returns the plugin identifier (e.g., "platform", "aws").
	Name() string

	// Descriptor declares the plugin's resource types.
	Descriptor() *Descriptor

	// NewComponent returns a fresh, unstarted component for one resource.
	NewComponent(resourceType string) (ResourceComponent, error)

	// Discovery returns the discovery component for a type, if it has one.
	Discovery(resourceType string) (DiscoveryComponent, bool)
}

// Registry holds the plugins of one agent.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	types   map[string]ResourceType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		types:   make(map[string]ResourceType),
	}
}

// Register adds a plugin. Resource type names must be unique across plugins,
// and every parent type must already be known or declared by p itself.
func (r *Registry) Register(p Plugin) error {
	d := p.Descriptor()
	if d == nil {
		return fmt.Errorf("plugin %s has no descriptor", p.Name())
	}
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plugins[p.Name()]; ok {
		return fmt.Errorf("plugin %s already registered", p.Name())
	}
	own := make(map[string]bool, len(d.ResourceTypes))
	for _, rt := range d.ResourceTypes {
		if existing, ok := r.types[rt.Name]; ok {
			return fmt.Errorf("resource type %s already declared by plugin %s", rt.Name, existing.Plugin)
		}
		own[rt.Name] = true
	}
	for _, rt := range d.ResourceTypes {
		for _, parent := range rt.Parents {
			if _, ok := r.types[parent]; !ok && !own[parent] {
				return fmt.Errorf("resource type %s: parent type %s: %w", rt.Name, parent, ErrUnknownType)
			}
		}
	}

	r.plugins[p.Name()] = p
	for _, rt := range d.ResourceTypes {
		r.types[rt.Name] = rt
	}
	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// All returns all registered plugins ordered by name.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugins := make([]Plugin, 0, len(r.plugins))
	for _, name := range slices.Sorted(maps.Keys(r.plugins)) {
		plugins = append(plugins, r.plugins[name])
	}
	return plugins
}

// Names returns all registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.plugins))
}

// ResourceType returns a declared resource type by name.
func (r *Registry) ResourceType(name string) (ResourceType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.types[name]
	return rt, ok
}

// RootTypes returns the types discovered without a parent, sorted by name.
func (r *Registry) RootTypes() []ResourceType {
	return r.filterTypes(func(rt ResourceType) bool { return rt.IsRoot() })
}

// ChildTypes returns the types that can live under parentType, sorted by name.
func (r *Registry) ChildTypes(parentType string) []ResourceType {
	return r.filterTypes(func(rt ResourceType) bool { return slices.Contains(rt.Parents, parentType) })
}

func (r *Registry) filterTypes(keep func(ResourceType) bool) []ResourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ResourceType
	for _, rt := range r.types {
		if keep(rt) {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NewComponent creates an unstarted component for a resource of the given type.
func (r *Registry) NewComponent(resourceType string) (ResourceComponent, error) {
	p, err := r.pluginFor(resourceType)
	if err != nil {
		return nil, err
	}
	c, err := p.NewComponent(resourceType)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: new %s component: %w", p.Name(), resourceType, err)
	}
	return c, nil
}

// Discovery returns the discovery component for a resource type.
func (r *Registry) Discovery(resourceType string) (DiscoveryComponent, bool) {
	p, err := r.pluginFor(resourceType)
	if err != nil {
		return nil, false
	}
	return p.Discovery(resourceType)
}

func (r *Registry) pluginFor(resourceType string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.types[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, resourceType)
	}
	return r.plugins[rt.Plugin], nil
}
