package storage

import (
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// InventoryWriter records committed resources and their schedules.
type InventoryWriter interface {
	SaveResources(resources []resource.Resource) (revision int64, err error)
	DeleteResources(ids []string) (revision int64, err error)
	SaveSchedules(resourceID string, schedules []types.MeasurementSchedule) error
}

// InventoryReader reads the persisted inventory.
type InventoryReader interface {
	LoadResources() ([]resource.Resource, error)
	LoadSchedules() (map[string][]types.MeasurementSchedule, error)
}

// InventoryChanges reports what was written after a revision.
type InventoryChanges interface {
	CurrentRevision() int64
	ChangedSince(rev int64) []ResourceState
}

// Store is the complete persistence surface used by the agent.
type Store interface {
	InventoryWriter
	InventoryReader
	InventoryChanges
	Stats() (resourceCount int, currentRev int64, dbSizeBytes int64)
	Close() error
}

var _ Store = (*InventoryStore)(nil)
