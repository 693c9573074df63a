package plugin

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// Descriptor declares the resource types a plugin manages.
type Descriptor struct {
	Name          string         `yaml:"name"`
	Version       string         `yaml:"version"`
	Description   string         `yaml:"description"`
	ResourceTypes []ResourceType `yaml:"resource_types"`
}

// ResourceType is one type of resource a plugin manages.
type ResourceType struct {
	Name        string            `yaml:"name"`
	Plugin      string            `yaml:"-"`
	Category    resource.Category `yaml:"category"`
	Description string            `yaml:"description"`
	// Parents lists the types this type can be discovered under. Empty means root.
	Parents              []string                 `yaml:"parents"`
	Singleton            bool                     `yaml:"singleton"`
	AvailabilityInterval time.Duration            `yaml:"availability_interval"`
	Metrics              []types.MetricDefinition `yaml:"metrics"`
	PluginConfig         map[string]string        `yaml:"plugin_config"`
}

// IsRoot reports whether the type is discovered without a parent.
func (t ResourceType) IsRoot() bool {
	return len(t.Parents) == 0
}

// Metric returns the metric definition with the given name.
func (t ResourceType) Metric(name string) (types.MetricDefinition, bool) {
	for _, m := range t.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return types.MetricDefinition{}, false
}

// ParseDescriptor decodes and validates a YAML plugin descriptor.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse plugin descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// MustParseDescriptor is ParseDescriptor for descriptors embedded at build time.
func MustParseDescriptor(data []byte) *Descriptor {
	d, err := ParseDescriptor(data)
	if err != nil {
		panic(err)
	}
	return d
}

// Validate checks the descriptor and stamps the plugin name on every type.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("plugin descriptor name cannot be empty")
	}
	if len(d.ResourceTypes) == 0 {
		return fmt.Errorf("plugin %s declares no resource types", d.Name)
	}

	seen := make(map[string]bool, len(d.ResourceTypes))
	for i := range d.ResourceTypes {
		rt := &d.ResourceTypes[i]
		if rt.Name == "" {
			return fmt.Errorf("plugin %s: resource type %d has no name", d.Name, i)
		}
		if seen[rt.Name] {
			return fmt.Errorf("plugin %s: duplicate resource type %s", d.Name, rt.Name)
		}
		seen[rt.Name] = true
		if !rt.Category.Valid() {
			return fmt.Errorf("plugin %s: resource type %s has invalid category %q", d.Name, rt.Name, rt.Category)
		}
		for j := range rt.Metrics {
			if err := rt.Metrics[j].Validate(); err != nil {
				return fmt.Errorf("plugin %s: resource type %s: %w", d.Name, rt.Name, err)
			}
		}
		rt.Plugin = d.Name
	}
	return nil
}
