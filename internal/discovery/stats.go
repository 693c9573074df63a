package discovery

import (
	"fmt"
	"time"
)

// Failure records a discovery component that failed for one parent.
// It never aborts the rest of the pass.
type Failure struct {
	ResourceType string `json:"resource_type"`
	ParentID     string `json:"parent_id,omitempty"`
	Err          error  `json:"-"`
}

func (f *Failure) Error() string {
	if f.ParentID == "" {
		return fmt.Sprintf("discover %s: %v", f.ResourceType, f.Err)
	}
	return fmt.Sprintf("discover %s under %s: %v", f.ResourceType, f.ParentID, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Stats contains the results of one discovery pass
type Stats struct {
	StartTime     time.Time     `json:"start_time"`
	Duration      time.Duration `json:"duration"`
	TypesScanned  int           `json:"types_scanned"`
	Discovered    int           `json:"discovered"`
	Duplicates    int           `json:"duplicates"`
	Filtered      int           `json:"filtered"`
	New           int           `json:"new"`
	Modified      int           `json:"modified"`
	Removed       int           `json:"removed"`
	Persisted     int           `json:"persisted"`
	Committed     int           `json:"committed"`
	Started       int           `json:"started"`
	StartFailures int           `json:"start_failures"`
	Failures      []*Failure    `json:"-"`
	Errors        []string      `json:"errors,omitempty"`
}

func (s *Stats) fail(f *Failure) {
	s.Failures = append(s.Failures, f)
	s.Errors = append(s.Errors, f.Error())
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.TypesScanned += other.TypesScanned
	s.Discovered += other.Discovered
	s.Duplicates += other.Duplicates
	s.Filtered += other.Filtered
	s.New += other.New
	s.Modified += other.Modified
	s.Removed += other.Removed
	s.Persisted += other.Persisted
	s.Committed += other.Committed
	s.Started += other.Started
	s.StartFailures += other.StartFailures
	s.Failures = append(s.Failures, other.Failures...)
	s.Errors = append(s.Errors, other.Errors...)
}
