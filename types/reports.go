package types

import (
	"time"

	"github.com/yairfalse/vahti/pkg/resource"
)

// MeasurementReport carries data points and misses to the server.
type MeasurementReport struct {
	Agent       string      `json:"agent"`
	CollectedAt time.Time   `json:"collected_at"`
	DataPoints  []DataPoint `json:"data_points,omitempty"`
	Misses      []Miss      `json:"misses,omitempty"`
}

// Empty reports whether there is nothing to send.
func (r *MeasurementReport) Empty() bool {
	return len(r.DataPoints) == 0 && len(r.Misses) == 0
}

// AvailabilityEntry is the availability of one resource at a point in time.
type AvailabilityEntry struct {
	ResourceID   string                `json:"resource_id"`
	Availability resource.Availability `json:"availability"`
	Timestamp    time.Time             `json:"timestamp"`
}

// AvailabilityReport carries availability changes to the server.
type AvailabilityReport struct {
	Agent       string              `json:"agent"`
	ChangesOnly bool                `json:"changes_only"`
	Entries     []AvailabilityEntry `json:"entries"`
}

// InventoryReport proposes NEW resources to the server for merging.
type InventoryReport struct {
	Agent       string              `json:"agent"`
	GeneratedAt time.Time           `json:"generated_at"`
	Resources   []resource.Resource `json:"resources"`
}

// MergeResponse maps resource ids to the inventory status the server assigned.
type MergeResponse struct {
	Statuses map[string]resource.InventoryStatus `json:"statuses"`
}

// CommitRequest names resources the agent has just seen become COMMITTED.
type CommitRequest struct {
	Agent       string   `json:"agent"`
	ResourceIDs []string `json:"resource_ids"`
}

// ScheduleResponse returns the schedule sets for newly committed resources.
type ScheduleResponse struct {
	Resources []ResourceSchedules `json:"resources"`
}

// Ack acknowledges a report.
type Ack struct {
	Accepted int `json:"accepted"`
}

// FailoverListRequest asks the server for the agent's current failover list.
type FailoverListRequest struct {
	Agent string `json:"agent"`
}

// FailoverListResponse holds the failover list in its text form, one server per line.
type FailoverListResponse struct {
	Servers []string `json:"servers"`
}
