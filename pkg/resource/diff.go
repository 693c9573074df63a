package resource

import (
	"encoding/json"
	"maps"
	"sort"
)

// DiffType represents the type of change detected.
type DiffType string

const (
	// DiffAdded indicates a resource discovered for the first time.
	DiffAdded DiffType = "added"
	// DiffDeleted indicates a known resource that discovery no longer reports.
	DiffDeleted DiffType = "deleted"
	// DiffModified indicates a known resource whose properties changed.
	DiffModified DiffType = "modified"
)

// Change represents a single field change.
// The field name is the map key in ResourceDiff.Changes.
type Change struct {
	Previous string
	Current  string
}

// ResourceDiff represents a detected change in a resource.
type ResourceDiff struct {
	Type     DiffType
	Resource Resource
	Previous *Resource         // nil for added resources
	Changes  map[string]Change // field name → change details
}

// Dedupe drops resources whose identity already appeared earlier in the slice.
// It returns the unique resources in their original order and the number dropped.
func Dedupe(resources []Resource) ([]Resource, int) {
	seen := make(map[Identity]struct{}, len(resources))
	unique := make([]Resource, 0, len(resources))
	for _, r := range resources {
		if _, ok := seen[r.Identity()]; ok {
			continue
		}
		seen[r.Identity()] = struct{}{}
		unique = append(unique, r)
	}
	return unique, len(resources) - len(unique)
}

// Diff compares the known children of a parent with a fresh discovery result.
// Resources are matched by identity; the result is ordered by type then key.
func Diff(known, discovered []Resource) []ResourceDiff {
	knownMap := indexResources(known)
	currentMap := indexResources(discovered)

	diffs := make([]ResourceDiff, 0)
	for id, prev := range knownMap {
		curr, exists := currentMap[id]
		prevCopy := prev
		if !exists {
			diffs = append(diffs, ResourceDiff{Type: DiffDeleted, Resource: prev, Previous: &prevCopy})
			continue
		}
		if changes := detectChanges(prev, curr); len(changes) > 0 {
			diffs = append(diffs, ResourceDiff{
				Type:     DiffModified,
				Resource: curr,
				Previous: &prevCopy,
				Changes:  changes,
			})
		}
	}
	for id, curr := range currentMap {
		if _, exists := knownMap[id]; !exists {
			diffs = append(diffs, ResourceDiff{Type: DiffAdded, Resource: curr})
		}
	}

	sort.Slice(diffs, func(i, j int) bool {
		a, b := diffs[i].Resource.Identity(), diffs[j].Resource.Identity()
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Key < b.Key
	})
	return diffs
}

func indexResources(resources []Resource) map[Identity]Resource {
	m := make(map[Identity]Resource, len(resources))
	for _, r := range resources {
		m[r.Identity()] = r
	}
	return m
}

// detectChanges compares the discovery-owned fields of two resources.
// Status, availability and timestamps belong to the agent and are not compared.
func detectChanges(prev, curr Resource) map[string]Change {
	changes := make(map[string]Change)

	if prev.Name != curr.Name {
		changes["name"] = Change{Previous: prev.Name, Current: curr.Name}
	}
	if prev.Version != curr.Version {
		changes["version"] = Change{Previous: prev.Version, Current: curr.Version}
	}
	if prev.Description != curr.Description {
		changes["description"] = Change{Previous: prev.Description, Current: curr.Description}
	}
	if !maps.Equal(prev.PluginConfig, curr.PluginConfig) {
		changes["plugin_config"] = Change{
			Previous: mapToJSON(prev.PluginConfig),
			Current:  mapToJSON(curr.PluginConfig),
		}
	}

	return changes
}

// mapToJSON converts a map to a deterministic JSON string for comparison.
func mapToJSON(m map[string]string) string {
	if m == nil {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}
