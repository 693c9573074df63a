package failover

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failover.list")
	initial := NewList(entries()[:1]...)
	require.NoError(t, Save(path, initial))

	changes := make(chan *List, 4)
	w := NewWatcher(path, initial, func(l *List) { changes <- l })
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, Save(path, NewList(entries()...)))

	select {
	case l := <-changes:
		assert.Equal(t, 3, l.Len())
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

func TestWatcher_IgnoresUnchangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failover.list")
	l := NewList(entries()...)
	require.NoError(t, Save(path, l))

	called := false
	w := NewWatcher(path, l, func(*List) { called = true })
	w.reload()

	assert.False(t, called)
}
