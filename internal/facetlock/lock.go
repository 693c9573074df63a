// Package facetlock serializes plugin facet calls per resource.
//
// Each resource has one fair reader/writer lock. Data reads (measurements,
// availability) take it shared; state-changing calls (operations,
// configuration updates, bundle deployment, lifecycle changes) take it
// exclusively. Waiters are served in arrival order, so a queued writer holds
// back readers that arrive after it.
package facetlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mode is the kind of access requested.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

var (
	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("facet lock timeout")
	// ErrCallTimeout means the lock was acquired but the facet call did not return in time.
	ErrCallTimeout = errors.New("facet call timeout")
	// ErrUnknownResource means no lock is registered for the resource.
	ErrUnknownResource = errors.New("no facet lock for resource")
)

// TimeoutError reports that a lock could not be acquired in time. It means
// the resource is busy, not that it is down.
type TimeoutError struct {
	ResourceID string
	Mode       Mode
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("facet lock timeout: %s lock on resource %s not acquired within %s", e.Mode, e.ResourceID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type waiter struct {
	mode  Mode
	ready chan struct{}
}

// Lock is a FIFO-fair reader/writer lock with timeouts.
type Lock struct {
	mu          sync.Mutex
	readers     int
	writer      bool
	writerSince time.Time
	queue       []*waiter
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	return &Lock{}
}

// Acquire blocks until the lock is granted, timeout elapses or ctx is done.
// A zero timeout waits only on ctx.
func (l *Lock) Acquire(ctx context.Context, mode Mode, timeout time.Duration) (*Handle, error) {
	l.mu.Lock()
	if len(l.queue) == 0 && l.compatible(mode) {
		l.grant(mode)
		l.mu.Unlock()
		return &Handle{lock: l, mode: mode}, nil
	}
	w := &waiter{mode: mode, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ready:
		return &Handle{lock: l, mode: mode}, nil
	case <-expired:
		if l.abandon(w) {
			return nil, &TimeoutError{Mode: mode, Timeout: timeout}
		}
	case <-ctx.Done():
		if l.abandon(w) {
			return nil, ctx.Err()
		}
	}
	// Granted while giving up; hand it back.
	l.release(mode)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, &TimeoutError{Mode: mode, Timeout: timeout}
}

// abandon removes w from the queue. It returns false if w was already granted.
func (l *Lock) abandon(w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			// A departing writer may unblock readers queued behind it.
			l.dispatch()
			return true
		}
	}
	return false
}

func (l *Lock) compatible(mode Mode) bool {
	if mode == Write {
		return !l.writer && l.readers == 0
	}
	return !l.writer
}

func (l *Lock) grant(mode Mode) {
	if mode == Write {
		l.writer = true
		l.writerSince = time.Now()
		return
	}
	l.readers++
}

// dispatch grants the head of the queue for as long as it is compatible.
// Must be called with l.mu held.
func (l *Lock) dispatch() {
	for len(l.queue) > 0 {
		head := l.queue[0]
		if !l.compatible(head.mode) {
			return
		}
		l.grant(head.mode)
		l.queue = l.queue[1:]
		close(head.ready)
	}
}

func (l *Lock) release(mode Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mode == Write {
		l.writer = false
		l.writerSince = time.Time{}
	} else {
		l.readers--
	}
	l.dispatch()
}

// State is a point-in-time view of a lock.
type State struct {
	Readers     int
	Writer      bool
	WriterSince time.Time
	Waiting     int
}

// State returns the current holders and waiters.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Readers:     l.readers,
		Writer:      l.writer,
		WriterSince: l.writerSince,
		Waiting:     len(l.queue),
	}
}

// WriteHeld reports whether a writer currently holds the lock.
func (l *Lock) WriteHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}

// Handle is a granted lock. Release it exactly once; extra calls are no-ops.
type Handle struct {
	lock *Lock
	mode Mode
	once sync.Once
}

// Mode returns the mode the handle was granted in.
func (h *Handle) Mode() Mode {
	return h.mode
}

// Release gives the lock back.
func (h *Handle) Release() {
	h.once.Do(func() { h.lock.release(h.mode) })
}
