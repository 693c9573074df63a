package inventory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/internal/plugin"
	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/types"
)

// State is the lifecycle state of a container's component.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	// StateFailed is the error sub-state entered when Start fails.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	StateUninitialized: {StateStarting},
	StateStarting:      {StateStarted, StateFailed},
	StateStarted:       {StateStopping},
	StateStopping:      {StateStopped},
	StateStopped:       {StateStarting},
	StateFailed:        {StateStarting, StateStopped},
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s State) CanTransitionTo(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Container binds a resource to its plugin component and runtime state.
type Container struct {
	tree *Tree
	lock *facetlock.Lock

	// Guarded by tree.mu.
	parent   *Container
	children *btree.BTreeG[*Container]

	removed atomic.Bool

	mu        sync.RWMutex
	res       resource.Resource
	component plugin.ResourceComponent
	state     State
	startErr  error
	startedAt time.Time
	schedules []types.MeasurementSchedule
}

func byIdentity(a, b *Container) bool {
	if a.res.Type != b.res.Type {
		return a.res.Type < b.res.Type
	}
	return a.res.Key < b.res.Key
}

// ID returns the resource id. It never changes.
func (c *Container) ID() string {
	return c.res.ID
}

// Identity returns the sibling-unique identity. It never changes.
func (c *Container) Identity() resource.Identity {
	return c.res.Identity()
}

// Type returns the resource type name.
func (c *Container) Type() string {
	return c.res.Type
}

// Resource returns a copy of the resource.
func (c *Container) Resource() resource.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.res.Clone()
}

// Parent returns the parent container, nil for roots.
func (c *Container) Parent() *Container {
	c.tree.mu.RLock()
	defer c.tree.mu.RUnlock()
	return c.parent
}

// Children returns the current children ordered by type then key.
func (c *Container) Children() []*Container {
	c.tree.mu.RLock()
	defer c.tree.mu.RUnlock()
	return collect(c.children)
}

// Removed reports whether the container has been removed from the tree.
func (c *Container) Removed() bool {
	return c.removed.Load()
}

// FacetLock returns the container's facet lock.
func (c *Container) FacetLock() *facetlock.Lock {
	return c.lock
}

// State returns the lifecycle state.
func (c *Container) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// StartError returns the error of the last failed start, if the container is FAILED.
func (c *Container) StartError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startErr
}

// StartedAt returns when the component last reached STARTED.
func (c *Container) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt
}

// Component returns the plugin component, possibly nil.
func (c *Container) Component() plugin.ResourceComponent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.component
}

// SetComponent attaches a component. It is refused while the current one is running.
func (c *Container) SetComponent(comp plugin.ResourceComponent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateUninitialized, StateStopped, StateFailed:
		c.component = comp
		return nil
	}
	return fmt.Errorf("%w: set component while %s", ErrInvalidTransition, c.state)
}

// Start runs the component's Start. On failure the container enters FAILED
// and the error is kept for inspection; a later Start may retry.
func (c *Container) Start(ctx context.Context, rc plugin.ResourceContext) error {
	c.mu.Lock()
	if c.component == nil {
		c.mu.Unlock()
		return ErrNoComponent
	}
	if err := c.transitionLocked(StateStarting); err != nil {
		c.mu.Unlock()
		return err
	}
	comp := c.component
	c.mu.Unlock()

	err := callGuarded(func() error { return comp.Start(ctx, rc) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateFailed
		c.startErr = &plugin.InvocationError{ResourceID: c.res.ID, Facet: plugin.FacetLifecycle, Err: err}
		return c.startErr
	}
	c.state = StateStarted
	c.startErr = nil
	c.startedAt = time.Now()
	return nil
}

// Stop runs the component's Stop. Stopping a container that is not STARTED
// only settles its state.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateUninitialized, StateStopped:
		c.mu.Unlock()
		return nil
	case StateFailed:
		c.state = StateStopped
		c.mu.Unlock()
		return nil
	}
	if err := c.transitionLocked(StateStopping); err != nil {
		c.mu.Unlock()
		return err
	}
	comp := c.component
	c.mu.Unlock()

	err := callGuarded(func() error { return comp.Stop(ctx) })

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	if err != nil {
		return &plugin.InvocationError{ResourceID: c.res.ID, Facet: plugin.FacetLifecycle, Err: err}
	}
	return nil
}

func (c *Container) transitionLocked(next State) error {
	if !c.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s on %s", ErrInvalidTransition, c.state, next, c.res.ID)
	}
	c.state = next
	return nil
}

func callGuarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Facet returns the component as facet T if the container is STARTED and
// the component implements T.
func Facet[T any](c *Container) (T, error) {
	var zero T
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateStarted {
		return zero, fmt.Errorf("%w: %s is %s", ErrNotStarted, c.res.ID, c.state)
	}
	f, ok := c.component.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T on %s", ErrFacetUnsupported, zero, c.res.ID)
	}
	return f, nil
}

// Availability returns the last recorded availability.
func (c *Container) Availability() resource.Availability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.res.Availability
}

// SetAvailability records a new availability and reports whether it changed.
func (c *Container) SetAvailability(a resource.Availability) (prev resource.Availability, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev = c.res.Availability
	if prev == a {
		return prev, false
	}
	c.res.Availability = a
	c.res.UpdatedAt = time.Now()
	return prev, true
}

// SetStatus moves the resource to a new inventory status.
func (c *Container) SetStatus(s resource.InventoryStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.res.Status.CanTransitionTo(s) {
		return fmt.Errorf("inventory status %s -> %s on %s: %w", c.res.Status, s, c.res.ID, ErrInvalidTransition)
	}
	c.res.Status = s
	c.res.UpdatedAt = time.Now()
	return nil
}

// UpdateDiscovered applies discovery-owned fields from a rediscovered resource.
func (c *Container) UpdateDiscovered(r resource.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res.Name = r.Name
	c.res.Version = r.Version
	c.res.Description = r.Description
	c.res.PluginConfig = maps.Clone(r.PluginConfig)
	c.res.UpdatedAt = time.Now()
}

// Schedules returns the measurement schedules installed for the resource.
func (c *Container) Schedules() []types.MeasurementSchedule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.schedules)
}

// SetSchedules replaces the measurement schedules.
func (c *Container) SetSchedules(s []types.MeasurementSchedule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedules = slices.Clone(s)
}
