package failover

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Load reads a failover list file. A missing file yields an empty list.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewList(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open failover list: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Save writes the list atomically: a reader sees either the old or the new file.
func Save(path string, l *List) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create failover directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp failover file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Serialize(tmp, l); err != nil {
		tmp.Close()
		return fmt.Errorf("write failover list: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync failover list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close failover list: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace failover list: %w", err)
	}
	return nil
}
