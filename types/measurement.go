// Package types holds the values exchanged between the agent runtime, its
// plugins and the server: schedules, data points and reports.
package types

import (
	"fmt"
	"time"
)

// DataType distinguishes numeric measurements from string traits.
type DataType string

const (
	DataTypeMeasurement DataType = "measurement"
	DataTypeTrait       DataType = "trait"
)

// MetricDefinition describes a metric a resource type can collect.
type MetricDefinition struct {
	Name            string        `json:"name" yaml:"name"`
	DisplayName     string        `json:"display_name,omitempty" yaml:"display_name"`
	DataType        DataType      `json:"data_type" yaml:"data_type"`
	Units           string        `json:"units,omitempty" yaml:"units"`
	DefaultInterval time.Duration `json:"default_interval" yaml:"default_interval"`
	DefaultEnabled  bool          `json:"default_enabled" yaml:"default_enabled"`
}

// Validate ensures the definition can be scheduled.
func (m *MetricDefinition) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("metric name cannot be empty")
	}
	if m.DataType == "" {
		m.DataType = DataTypeMeasurement
	}
	if m.DataType != DataTypeMeasurement && m.DataType != DataTypeTrait {
		return fmt.Errorf("metric %s: unknown data type %q", m.Name, m.DataType)
	}
	if m.DefaultInterval < 0 {
		return fmt.Errorf("metric %s: negative default interval", m.Name)
	}
	return nil
}

// MeasurementSchedule is a recurring collection of one metric on one resource.
type MeasurementSchedule struct {
	ID         int64         `json:"id"`
	ResourceID string        `json:"resource_id"`
	Metric     string        `json:"metric"`
	DataType   DataType      `json:"data_type"`
	Interval   time.Duration `json:"interval"`
	Enabled    bool          `json:"enabled"`
	NextDue    time.Time     `json:"next_due,omitzero"`
	LastStart  time.Time     `json:"last_start,omitzero"`
}

// Validate ensures the schedule can be queued.
func (s *MeasurementSchedule) Validate() error {
	if s.ResourceID == "" {
		return fmt.Errorf("schedule %d: resource ID cannot be empty", s.ID)
	}
	if s.Metric == "" {
		return fmt.Errorf("schedule %d: metric cannot be empty", s.ID)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("schedule %d: interval must be positive", s.ID)
	}
	return nil
}

// ResourceSchedules is the schedule set for one resource.
type ResourceSchedules struct {
	ResourceID           string                `json:"resource_id"`
	Schedules            []MeasurementSchedule `json:"schedules"`
	AvailabilityInterval time.Duration         `json:"availability_interval,omitempty"`
}

// ScheduleUpdateRequest changes measurement schedules on the agent. Schedules
// are matched by id; ids the resource does not have yet are added.
type ScheduleUpdateRequest struct {
	Resources []ResourceSchedules `json:"resources"`
}

// Validate ensures every entry names a resource.
func (r *ScheduleUpdateRequest) Validate() error {
	if len(r.Resources) == 0 {
		return fmt.Errorf("schedule update names no resources")
	}
	for i, rs := range r.Resources {
		if rs.ResourceID == "" {
			return fmt.Errorf("schedule update %d: resource ID cannot be empty", i)
		}
		if rs.AvailabilityInterval < 0 {
			return fmt.Errorf("schedule update for %s: negative availability interval", rs.ResourceID)
		}
	}
	return nil
}

// ScheduleUpdateResponse lists the resources whose schedules changed and,
// by resource id, why the others did not.
type ScheduleUpdateResponse struct {
	Updated []string          `json:"updated"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// DataPoint is one collected value. Exactly one of Value or Trait is meaningful,
// depending on the schedule's data type. Error is set when the plugin failed
// to produce a value for this schedule.
type DataPoint struct {
	ScheduleID int64     `json:"schedule_id"`
	ResourceID string    `json:"resource_id"`
	Metric     string    `json:"metric"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value,omitempty"`
	Trait      string    `json:"trait,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Miss records schedules that were due but not collected, with the reason.
type Miss struct {
	ResourceID  string    `json:"resource_id"`
	ScheduleIDs []int64   `json:"schedule_ids"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// Miss reasons.
const (
	MissResourceBusy = "resource busy"
	MissTimeout      = "collection timed out"
	MissOverloaded   = "worker pool saturated"
	MissNotStarted   = "component not started"
)
