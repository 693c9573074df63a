package wal

import (
	"errors"
	"fmt"
	"time"
)

// Stats describes the reports waiting in a spool.
type Stats struct {
	Files          int
	Bytes          int64
	PendingReports int
	Oldest         time.Time
	LastSequence   int64
}

// Stats returns the state of the open spool. Entries already handed to a
// Drain handler are not counted as pending.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := statsFor(w.listWALFiles(), w.delivered)
	stats.Bytes = w.total
	stats.LastSequence = w.sequence
	return stats
}

// StatsFromDir inspects a spool directory without opening it.
func StatsFromDir(dir string, config Config) Stats {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	files := findAllWALFiles(dir, config.FilePrefix)
	stats := statsFor(files, 0)
	stats.Bytes = calculateTotalSize(files)
	return stats
}

func statsFor(files []string, delivered int64) Stats {
	stats := Stats{}
	var nonEmpty []string
	for _, file := range files {
		if fileSize(file) == 0 {
			continue
		}
		nonEmpty = append(nonEmpty, file)
		pending, last := scanFile(file, delivered)
		stats.PendingReports += pending
		stats.LastSequence = max(stats.LastSequence, last)
	}
	stats.Files = len(nonEmpty)
	stats.Oldest, _ = findTimeRange(nonEmpty)
	return stats
}

func (s Stats) String() string {
	if s.PendingReports == 0 {
		return "empty"
	}
	return fmt.Sprintf("%d reports in %d files (%d bytes), oldest %s",
		s.PendingReports, s.Files, s.Bytes, s.Oldest.Format(time.RFC3339))
}

// findLastSequenceInFiles finds highest sequence across files
func findLastSequenceInFiles(files []string) int64 {
	maxSeq := int64(0)
	for _, file := range files {
		_, last := scanFile(file, 0)
		maxSeq = max(maxSeq, last)
	}
	return maxSeq
}

// scanFile counts entries after delivered and returns the highest sequence,
// skipping corrupt lines.
func scanFile(path string, delivered int64) (pending int, last int64) {
	reader, err := NewReader(path)
	if err != nil {
		return 0, 0
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, ErrCorruptEntry) {
			continue
		}
		if err != nil {
			return pending, last
		}
		if entry.Sequence > delivered {
			pending++
		}
		last = max(last, entry.Sequence)
	}
}

// HealthStatus represents spool health
type HealthStatus struct {
	Healthy           bool
	SpoolUsagePercent float64
	OldestFileAge     time.Duration
	NeedsPrune        bool
	Issues            []string
}

// GetHealth returns spool health status
func (w *WAL) GetHealth() HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	health := HealthStatus{Issues: []string{}}

	if w.config.MaxTotalSize > 0 {
		health.SpoolUsagePercent = float64(w.total) / float64(w.config.MaxTotalSize) * 100
		if health.SpoolUsagePercent > 90 {
			health.Issues = append(health.Issues, "spool >90% of max size")
		}
	}

	if files := w.listWALFiles(); len(files) > 0 && w.total > 0 {
		oldest, _ := findTimeRange(files)
		health.OldestFileAge = time.Since(oldest)
		retention := time.Duration(w.config.RetentionDays) * 24 * time.Hour
		if w.config.RetentionDays > 0 && health.OldestFileAge > retention {
			health.NeedsPrune = true
			health.Issues = append(health.Issues, "spooled reports exceed retention period")
		}
	}

	health.Healthy = len(health.Issues) == 0
	return health
}
