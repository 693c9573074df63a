package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PruneStats describes what Prune removed from a spool directory.
type PruneStats struct {
	Expired        int   // files past the retention period
	Trimmed        int   // files removed to get under MaxTotalSize
	ReportsDropped int   // entries in the removed files
	BytesFreed     int64 // bytes in the removed files
	OldestRemoved  time.Time
}

// Removed returns the number of files Prune deleted.
func (s PruneStats) Removed() int {
	return s.Expired + s.Trimmed
}

// Prune drops spooled reports the agent will not deliver: files older than
// the retention period, then the oldest files until the spool fits in
// MaxTotalSize. It must run while no spool is open on dir.
func Prune(dir string, config Config, now time.Time) (PruneStats, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}

	var stats PruneStats
	files := findAllWALFiles(dir, config.FilePrefix)

	var kept []string
	if config.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -config.RetentionDays)
		for _, file := range files {
			if !isOlderThan(file, cutoff) {
				kept = append(kept, file)
				continue
			}
			if err := stats.remove(file); err != nil {
				return stats, err
			}
			stats.Expired++
		}
	} else {
		kept = files
	}

	if config.MaxTotalSize <= 0 {
		return stats, nil
	}
	total := calculateTotalSize(kept)
	for _, file := range kept {
		if total <= config.MaxTotalSize {
			break
		}
		size := fileSize(file)
		if err := stats.remove(file); err != nil {
			return stats, err
		}
		stats.Trimmed++
		total -= size
	}
	return stats, nil
}

func (s *PruneStats) remove(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	entries, _ := scanFile(path, 0)
	if err := removeFile(path); err != nil {
		return err
	}
	s.ReportsDropped += entries
	s.BytesFreed += info.Size()
	if s.OldestRemoved.IsZero() || info.ModTime().Before(s.OldestRemoved) {
		s.OldestRemoved = info.ModTime()
	}
	return nil
}

// findAllWALFiles returns all spool files in dir, oldest name first
func findAllWALFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	return sortedFiles(files)
}

func isOlderThan(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		total += fileSize(file)
	}
	return total
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// findTimeRange returns oldest and newest file modification times
func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}

		modTime := info.ModTime()
		if oldest.IsZero() || modTime.Before(oldest) {
			oldest = modTime
		}
		if modTime.After(newest) {
			newest = modTime
		}
	}
	return oldest, newest
}
