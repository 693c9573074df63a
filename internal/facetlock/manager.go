package facetlock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Timeouts bound a facet invocation. Lock limits the wait for the lock,
// Call limits the facet call once the lock is held. Zero means unbounded.
type Timeouts struct {
	Lock time.Duration
	Call time.Duration
}

// Manager owns the per-resource locks.
type Manager struct {
	mu    sync.RWMutex
	locks map[string]*Lock
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*Lock)}
}

// Register returns the lock for resourceID, creating it if needed.
func (m *Manager) Register(resourceID string) *Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[resourceID]; ok {
		return l
	}
	l := NewLock()
	m.locks[resourceID] = l
	return l
}

// Forget drops the lock for a removed resource. Holders keep their handles.
func (m *Manager) Forget(resourceID string) {
	m.mu.Lock()
	delete(m.locks, resourceID)
	m.mu.Unlock()
}

// Lock returns the lock for resourceID, if registered.
func (m *Manager) Lock(resourceID string) (*Lock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locks[resourceID]
	return l, ok
}

// Len returns the number of registered locks.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locks)
}

// Acquire takes the lock of resourceID in the given mode.
func (m *Manager) Acquire(ctx context.Context, resourceID string, mode Mode, timeout time.Duration) (*Handle, error) {
	l, ok := m.Lock(resourceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
	}
	h, err := l.Acquire(ctx, mode, timeout)
	if te, ok := err.(*TimeoutError); ok {
		te.ResourceID = resourceID
	}
	return h, err
}

type result[T any] struct {
	val T
	err error
}

// Invoke runs fn while holding the resource's lock. The lock is released
// when fn returns, not when Invoke does: if fn overruns the call timeout,
// Invoke returns ErrCallTimeout while fn keeps the lock until it finishes.
// A panic in fn is returned as an error.
func Invoke[T any](ctx context.Context, m *Manager, resourceID string, mode Mode, t Timeouts, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	h, err := m.Acquire(ctx, resourceID, mode, t.Lock)
	if err != nil {
		return zero, err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if t.Call > 0 {
		callCtx, cancel = context.WithTimeout(ctx, t.Call)
	}

	done := make(chan result[T], 1)
	go func() {
		defer h.Release()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("facet panic: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-callCtx.Done():
		// fn may have finished at the same moment.
		select {
		case r := <-done:
			return r.val, r.err
		default:
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%s call on resource %s exceeded %s: %w", mode, resourceID, t.Call, ErrCallTimeout)
	}
}

// Do is Invoke for calls without a result.
func Do(ctx context.Context, m *Manager, resourceID string, mode Mode, t Timeouts, fn func(context.Context) error) error {
	_, err := Invoke(ctx, m, resourceID, mode, t, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
