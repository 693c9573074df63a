// Package filter decides which resource types discovery runs and which
// discovered resources enter the inventory.
package filter

import (
	"fmt"
	"path"

	"github.com/yairfalse/vahti/pkg/resource"
)

// Filter excludes resource types, resource names matching a glob and
// resources carrying a given plugin configuration value.
type Filter struct {
	excludeTypes  map[string]bool
	excludeNames  []string
	excludeConfig map[string]string
}

// New creates a Filter. Name patterns use path.Match syntax.
func New(excludeTypes, excludeNames []string, excludeConfig map[string]string) (*Filter, error) {
	for _, p := range excludeNames {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("exclude name %q: %w", p, err)
		}
	}

	excludeMap := make(map[string]bool, len(excludeTypes))
	for _, t := range excludeTypes {
		excludeMap[t] = true
	}

	return &Filter{
		excludeTypes:  excludeMap,
		excludeNames:  excludeNames,
		excludeConfig: excludeConfig,
	}, nil
}

// ShouldScanType returns true if discovery should run for the type.
func (f *Filter) ShouldScanType(typ string) bool {
	return f == nil || !f.excludeTypes[typ]
}

// ShouldIncludeResource returns true unless the resource name matches an
// excluded pattern or its plugin configuration carries an excluded value.
func (f *Filter) ShouldIncludeResource(r resource.Resource) bool {
	if f == nil {
		return true
	}
	if !f.ShouldScanType(r.Type) {
		return false
	}
	for _, p := range f.excludeNames {
		if ok, _ := path.Match(p, r.Name); ok {
			return false
		}
	}
	for k, v := range f.excludeConfig {
		if cv, ok := r.PluginConfig[k]; ok && cv == v {
			return false
		}
	}
	return true
}

// FilterResources returns the resources that pass the filter and how many
// were dropped.
func (f *Filter) FilterResources(resources []resource.Resource) ([]resource.Resource, int) {
	if f.IsEmpty() {
		return resources, 0
	}

	filtered := make([]resource.Resource, 0, len(resources))
	for _, r := range resources {
		if f.ShouldIncludeResource(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered, len(resources) - len(filtered)
}

// IsEmpty returns true if nothing is excluded.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.excludeTypes) == 0 && len(f.excludeNames) == 0 && len(f.excludeConfig) == 0
}
