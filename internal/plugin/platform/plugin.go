// Package platform is the built-in plugin for the host the agent runs on
// and the processes on it.
package platform

import (
	_ "embed"
	"fmt"

	"github.com/yairfalse/vahti/internal/plugin"
)

const (
	// PluginName is the plugin identifier.
	PluginName = "platform"

	TypeHost    = "host"
	TypeProcess = "process"
)

//go:embed descriptor.yaml
var descriptorYAML []byte

// Plugin serves the host and process resource types.
type Plugin struct {
	collector  Collector
	descriptor *plugin.Descriptor
}

// New creates the platform plugin. A nil collector reads the local system.
func New(collector Collector) *Plugin {
	if collector == nil {
		collector = SystemCollector{}
	}
	return &Plugin{
		collector:  collector,
		descriptor: plugin.MustParseDescriptor(descriptorYAML),
	}
}

func (p *Plugin) Name() string {
	return PluginName
}

func (p *Plugin) Descriptor() *plugin.Descriptor {
	return p.descriptor
}

func (p *Plugin) NewComponent(resourceType string) (plugin.ResourceComponent, error) {
	switch resourceType {
	case TypeHost:
		return &hostComponent{collector: p.collector}, nil
	case TypeProcess:
		return &processComponent{collector: p.collector}, nil
	}
	return nil, fmt.Errorf("%w: %s", plugin.ErrUnknownType, resourceType)
}

func (p *Plugin) Discovery(resourceType string) (plugin.DiscoveryComponent, bool) {
	switch resourceType {
	case TypeHost:
		return hostDiscovery{collector: p.collector}, true
	case TypeProcess:
		return processDiscovery{collector: p.collector}, true
	}
	return nil, false
}
