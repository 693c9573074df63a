package failover

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long the watcher waits after the last file event before reloading.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a failover file when an operator edits it.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*List)

	mu   sync.Mutex
	last *List
}

// NewWatcher creates a watcher for path. onChange receives every reloaded
// list that differs from the previous one.
func NewWatcher(path string, current *List, onChange func(*List)) *Watcher {
	return &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		onChange: onChange,
		last:     current,
	}
}

// Run watches until ctx is done. The parent directory is watched so that
// atomic replacements (rename over the file) are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	log.Info().Str("path", w.path).Msg("Watching failover list")

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", w.path).Msg("Failover watcher error")
		case <-timer.C:
			w.reload()
		}
	}
}

// SetCurrent records a list the agent itself installed, so writing it to
// disk does not come back as an operator change.
func (w *Watcher) SetCurrent(l *List) {
	w.mu.Lock()
	w.last = l
	w.mu.Unlock()
}

func (w *Watcher) reload() {
	l, err := Load(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Failed to reload failover list")
		return
	}

	w.mu.Lock()
	if w.last != nil && w.last.Equal(l) {
		w.mu.Unlock()
		return
	}
	w.last = l
	w.mu.Unlock()

	log.Info().Str("path", w.path).Int("servers", l.Len()).Msg("Failover list changed on disk")
	if w.onChange != nil {
		w.onChange(l)
	}
}
