package wal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeSpoolFile writes a spool file with n entries and the given age.
func writeSpoolFile(t *testing.T, dir, stamp string, n int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, "vahti-spool-"+stamp+".wal")
	line := `{"timestamp":"2024-01-01T00:00:00Z","sequence":1,"type":"measurement","data":{}}` + "\n"
	if err := os.WriteFile(path, []byte(strings.Repeat(line, n)), 0o600); err != nil {
		t.Fatalf("write spool file: %v", err)
	}
	mod := time.Now().Add(-age)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return path
}

func spoolFiles(dir string) []string {
	files, _ := filepath.Glob(filepath.Join(dir, "vahti-spool-*.wal"))
	return files
}

func TestPrune_EmptyDirectory(t *testing.T) {
	stats, err := Prune(t.TempDir(), DefaultConfig(), time.Now())
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if stats.Removed() != 0 || stats.BytesFreed != 0 {
		t.Errorf("expected nothing removed, got %+v", stats)
	}
}

func TestPrune_KeepsFreshSpool(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = w.Append(EntryMeasurement, report(1))
	_ = w.Close()

	stats, err := Prune(dir, DefaultConfig(), time.Now())
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if stats.Removed() != 0 {
		t.Errorf("expected no files removed, got %d", stats.Removed())
	}
	if len(spoolFiles(dir)) != 1 {
		t.Errorf("expected spool file to remain")
	}
}

func TestPrune_ExpiresOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := writeSpoolFile(t, dir, "20240101-120000-0000000000000001", 3, 60*24*time.Hour)
	recent := writeSpoolFile(t, dir, "20240301-120000-0000000000000004", 2, 24*time.Hour)

	config := DefaultConfig()
	config.RetentionDays = 30

	stats, err := Prune(dir, config, time.Now())
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if stats.Expired != 1 || stats.Trimmed != 0 {
		t.Errorf("expected 1 expired file, got %+v", stats)
	}
	if stats.ReportsDropped != 3 {
		t.Errorf("expected 3 dropped reports, got %d", stats.ReportsDropped)
	}
	if stats.BytesFreed == 0 || stats.OldestRemoved.IsZero() {
		t.Errorf("expected bytes and oldest time to be set, got %+v", stats)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old file was not removed")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("recent file was removed")
	}
}

func TestPrune_TrimsOldestToFitTotalSize(t *testing.T) {
	dir := t.TempDir()
	first := writeSpoolFile(t, dir, "20240101-120000-0000000000000001", 4, time.Hour)
	second := writeSpoolFile(t, dir, "20240101-130000-0000000000000005", 4, time.Hour)
	third := writeSpoolFile(t, dir, "20240101-140000-0000000000000009", 4, time.Hour)

	config := DefaultConfig()
	config.MaxTotalSize = fileSize(third) + 1

	stats, err := Prune(dir, config, time.Now())
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if stats.Trimmed != 2 || stats.Expired != 0 {
		t.Errorf("expected 2 trimmed files, got %+v", stats)
	}
	if stats.ReportsDropped != 8 {
		t.Errorf("expected 8 dropped reports, got %d", stats.ReportsDropped)
	}
	for _, f := range []string{first, second} {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("%s was not trimmed", filepath.Base(f))
		}
	}
	if _, err := os.Stat(third); err != nil {
		t.Error("newest file was trimmed")
	}
}

func TestPrune_ZeroRetentionKeepsFiles(t *testing.T) {
	dir := t.TempDir()
	writeSpoolFile(t, dir, "20240101-120000-0000000000000001", 1, 400*24*time.Hour)

	config := DefaultConfig()
	config.RetentionDays = 0

	stats, err := Prune(dir, config, time.Now())
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if stats.Removed() != 0 || len(spoolFiles(dir)) != 1 {
		t.Errorf("expected file to be kept, got %+v", stats)
	}
}

func TestPrune_CountsOnlyReadableEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeSpoolFile(t, dir, "20240101-120000-0000000000000001", 2, 60*24*time.Hour)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("{torn")
	_ = f.Close()
	old := time.Now().Add(-60 * 24 * time.Hour)
	_ = os.Chtimes(path, old, old)

	config := DefaultConfig()
	config.RetentionDays = 30

	stats, err := Prune(dir, config, time.Now())
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if stats.ReportsDropped != 2 {
		t.Errorf("expected 2 dropped reports, got %d", stats.ReportsDropped)
	}
}

func TestIsOlderThan(t *testing.T) {
	path := writeSpoolFile(t, t.TempDir(), "20240101-120000-0000000000000001", 1, 10*24*time.Hour)

	if !isOlderThan(path, time.Now().AddDate(0, 0, -5)) {
		t.Error("file should be older than 5 days ago")
	}
	if isOlderThan(path, time.Now().AddDate(0, 0, -20)) {
		t.Error("file should not be older than 20 days ago")
	}
	if isOlderThan(filepath.Join(t.TempDir(), "missing.wal"), time.Now()) {
		t.Error("missing file is never older")
	}
}
