// Package resource defines the inventory resource model for vahti.
package resource

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// InventoryStatus is the server-acknowledged state of a resource.
type InventoryStatus string

const (
	// StatusNew marks a resource discovered by the agent but not yet accepted by the server.
	StatusNew InventoryStatus = "NEW"
	// StatusCommitted marks a resource the server has accepted into inventory.
	StatusCommitted InventoryStatus = "COMMITTED"
	// StatusDeleted marks a resource removed from inventory.
	StatusDeleted InventoryStatus = "DELETED"
)

// CanTransitionTo reports whether a resource may move from s to next.
// A deleted resource can only come back as NEW through re-discovery.
func (s InventoryStatus) CanTransitionTo(next InventoryStatus) bool {
	switch s {
	case StatusNew:
		return next == StatusCommitted || next == StatusDeleted || next == StatusNew
	case StatusCommitted:
		return next == StatusDeleted || next == StatusCommitted
	case StatusDeleted:
		return next == StatusNew || next == StatusDeleted
	}
	return false
}

// Availability is the last known up/down state of a resource.
type Availability string

const (
	AvailabilityUnknown Availability = "UNKNOWN"
	AvailabilityUp      Availability = "UP"
	AvailabilityDown    Availability = "DOWN"
)

// Category places a resource type in the platform/server/service hierarchy.
type Category string

const (
	CategoryPlatform Category = "platform"
	CategoryServer   Category = "server"
	CategoryService  Category = "service"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryPlatform, CategoryServer, CategoryService:
		return true
	}
	return false
}

// Resource is one managed entity in the agent's inventory.
type Resource struct {
	ID           string            `json:"id"`
	Key          string            `json:"key"`  // Plugin-assigned key, unique per (parent, type)
	Type         string            `json:"type"` // Resource type name from the plugin descriptor
	Plugin       string            `json:"plugin"`
	Name         string            `json:"name"`
	Version      string            `json:"version,omitempty"`
	Description  string            `json:"description,omitempty"`
	ParentID     string            `json:"parent_id,omitempty"`
	Status       InventoryStatus   `json:"status"`
	Availability Availability      `json:"availability"`
	PluginConfig map[string]string `json:"plugin_config,omitempty"`
	DiscoveredAt time.Time         `json:"discovered_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Identity is what makes a resource unique among its siblings.
type Identity struct {
	Type string
	Key  string
}

func (i Identity) String() string {
	return i.Type + "/" + i.Key
}

// Identity returns the sibling-unique identity of r.
func (r Resource) Identity() Identity {
	return Identity{Type: r.Type, Key: r.Key}
}

// Clone returns a copy of r that shares no maps with it.
func (r Resource) Clone() Resource {
	c := r
	c.PluginConfig = maps.Clone(r.PluginConfig)
	return c
}

var idNamespace = uuid.MustParse("6f1c8a52-3d0e-4c1b-9a57-0d9a4f2e7b13")

// NewID derives a stable id from the parent id and identity, so a resource
// that is discovered again after a restart keeps the same id.
func NewID(parentID string, id Identity) string {
	return uuid.NewSHA1(idNamespace, []byte(parentID+"|"+id.Type+"|"+id.Key)).String()
}
