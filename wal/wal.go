// Package wal is an append-only spool of JSON-lines files. The agent writes
// reports here while no server is reachable and drains them, oldest first,
// once a send succeeds again.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of spooled report
type EntryType string

const (
	EntryMeasurement  EntryType = "measurement"
	EntryAvailability EntryType = "availability"
)

var (
	// ErrSpoolFull is returned by Append when the spool reached MaxTotalSize.
	ErrSpoolFull = errors.New("spool full")
	// ErrCorruptEntry marks a line that is not a valid entry.
	ErrCorruptEntry = errors.New("corrupt entry")
)

// Entry represents a single spooled report
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// Config controls file naming, rotation and retention.
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	MaxTotalSize  int64 // 0 means unbounded
	RetentionDays int
}

// DefaultConfig returns the spool defaults.
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "vahti-spool",
		MaxFileSize:   8 * 1024 * 1024,
		MaxTotalSize:  128 * 1024 * 1024,
		RetentionDays: 7,
	}
}

// WAL is the spool writer. It is safe for concurrent use.
type WAL struct {
	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	current   string
	size      int64
	total     int64
	sequence  int64
	delivered int64
	dir       string
	config    Config
}

// Open creates or opens a spool in dir with the default config
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig creates or opens a spool in dir
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultConfig().MaxFileSize
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{dir: dir, config: config}
	w.loadSequence()
	w.total = calculateTotalSize(w.listWALFiles())
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) openFile() error {
	// The sequence in the name keeps files opened within one second apart.
	filename := fmt.Sprintf("%s-%s-%016d.wal", w.config.FilePrefix, time.Now().Format("20060102-150405"), w.sequence+1)
	path := filepath.Join(w.dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.current = path
	w.size = info.Size()
	return nil
}

// Close flushes and closes the spool. An empty current file is removed.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}

func (w *WAL) closeFile() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if w.size == 0 {
		_ = os.Remove(w.current)
	}
	return nil
}

// Append adds a report to the spool
func (w *WAL) Append(entryType EntryType, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now(),
		Sequence:  w.sequence + 1,
		Type:      entryType,
		Data:      jsonData,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if w.config.MaxTotalSize > 0 && w.total+int64(len(line)) > w.config.MaxTotalSize {
		return ErrSpoolFull
	}
	if w.shouldRotate() {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if err := w.writeLine(line); err != nil {
		return err
	}
	w.sequence = entry.Sequence
	return nil
}

// writeLine writes a single entry line
func (w *WAL) writeLine(line []byte) error {
	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	// Flush immediately for durability
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.size += int64(len(line))
	w.total += int64(len(line))
	return nil
}

func (w *WAL) shouldRotate() bool {
	return w.size > 0 && w.size >= w.config.MaxFileSize
}

// Rotate seals the current file and starts a new one.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate()
}

func (w *WAL) rotate() error {
	if w.size == 0 {
		return nil
	}
	if err := w.closeFile(); err != nil {
		return err
	}
	return w.openFile()
}

// Drain hands every spooled entry, oldest first, to handler and removes
// each file once all of its entries were handled. It stops at the first
// handler error; entries handled before it are not handed out again.
func (w *WAL) Drain(handler func(*Entry) error) (int, error) {
	w.mu.Lock()
	if err := w.rotate(); err != nil {
		w.mu.Unlock()
		return 0, err
	}
	var sealed []string
	for _, f := range w.listWALFiles() {
		if f != w.current {
			sealed = append(sealed, f)
		}
	}
	delivered := w.delivered
	w.mu.Unlock()

	handled := 0
	for _, file := range sealed {
		n, last, err := drainFile(file, delivered, handler)
		handled += n
		if last > delivered {
			delivered = last
		}
		w.mu.Lock()
		w.delivered = delivered
		w.mu.Unlock()
		if err != nil {
			return handled, err
		}

		size := fileSize(file)
		if err := removeFile(file); err != nil {
			return handled, err
		}
		w.mu.Lock()
		w.total -= size
		w.mu.Unlock()
	}
	return handled, nil
}

func drainFile(path string, delivered int64, handler func(*Entry) error) (handled int, last int64, err error) {
	reader, err := NewReader(path)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return handled, last, nil
		}
		if errors.Is(err, ErrCorruptEntry) {
			// A torn final line from a crash is skipped.
			continue
		}
		if err != nil {
			return handled, last, err
		}
		if entry.Sequence <= delivered {
			continue
		}
		if err := handler(entry); err != nil {
			return handled, last, err
		}
		handled++
		last = entry.Sequence
	}
}

// Pending reports whether spooled entries are waiting to be drained.
func (w *WAL) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total > 0
}

// loadSequence continues numbering after the highest sequence on disk
func (w *WAL) loadSequence() {
	w.sequence = findLastSequenceInFiles(w.listWALFiles())
}

func (w *WAL) listWALFiles() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

// Reader reads entries from one spool file
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next reads the next entry
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

func sortedFiles(files []string) []string {
	sort.Strings(files)
	return files
}
