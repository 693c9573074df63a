package inventory

import (
	"errors"
	"fmt"

	"github.com/yairfalse/vahti/pkg/resource"
)

var (
	// ErrNotFound is returned for resource ids that are not in the tree.
	ErrNotFound = errors.New("resource not found")
	// ErrNotStarted is returned when a facet is requested from a component that is not STARTED.
	ErrNotStarted = errors.New("component not started")
	// ErrFacetUnsupported is returned when the component does not implement the requested facet.
	ErrFacetUnsupported = errors.New("facet not supported")
	// ErrNoComponent is returned when starting a container that has no component.
	ErrNoComponent = errors.New("container has no component")
	// ErrInvalidTransition is returned for lifecycle changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// DuplicateResourceError is returned when a resource with the same identity
// already exists under the parent.
type DuplicateResourceError struct {
	ParentID   string
	Identity   resource.Identity
	ExistingID string
}

func (e *DuplicateResourceError) Error() string {
	parent := e.ParentID
	if parent == "" {
		parent = "<root>"
	}
	return fmt.Sprintf("duplicate resource %s under %s (existing id %s)", e.Identity, parent, e.ExistingID)
}

// ResourceInUseError is returned when a subtree cannot be removed because a
// writer holds the facet lock of one of its resources.
type ResourceInUseError struct {
	ResourceID string
	HeldBy     string
}

func (e *ResourceInUseError) Error() string {
	if e.HeldBy == e.ResourceID {
		return fmt.Sprintf("resource %s is in use", e.ResourceID)
	}
	return fmt.Sprintf("resource %s is in use: descendant %s holds a write lock", e.ResourceID, e.HeldBy)
}
