// Package inventory holds the agent's tree of resource containers.
//
// The tree is guarded by one coarse lock for structural changes. Container
// runtime state has its own lock, and plugin calls are serialized per
// resource by the facet lock manager, never by the tree lock.
package inventory

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/pkg/resource"
)

const btreeDegree = 16

// Tree is the inventory of one agent.
type Tree struct {
	mu    sync.RWMutex
	byID  *btree.BTreeG[*Container]
	roots *btree.BTreeG[*Container]
	locks *facetlock.Manager
}

func byID(a, b *Container) bool {
	return a.res.ID < b.res.ID
}

// NewTree creates an empty tree whose containers register their facet locks with locks.
func NewTree(locks *facetlock.Manager) *Tree {
	return &Tree{
		byID:  btree.NewG(btreeDegree, byID),
		roots: btree.NewG(btreeDegree, byIdentity),
		locks: locks,
	}
}

func lookupKey(id string) *Container {
	return &Container{res: resource.Resource{ID: id}}
}

func identityKey(id resource.Identity) *Container {
	return &Container{res: resource.Resource{Type: id.Type, Key: id.Key}}
}

func collect(t *btree.BTreeG[*Container]) []*Container {
	out := make([]*Container, 0, t.Len())
	t.Ascend(func(c *Container) bool {
		out = append(out, c)
		return true
	})
	return out
}

// AddResource inserts r under parentID ("" for a root) in the UNINITIALIZED
// state. An empty r.ID is derived from the parent and identity.
func (t *Tree) AddResource(parentID string, r resource.Resource) (*Container, error) {
	if r.Type == "" || r.Key == "" {
		return nil, fmt.Errorf("add resource: type and key are required (got %q/%q)", r.Type, r.Key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	siblings := t.roots
	var parent *Container
	if parentID != "" {
		p, ok := t.byID.Get(lookupKey(parentID))
		if !ok {
			return nil, fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
		}
		parent = p
		siblings = p.children
	}

	if existing, ok := siblings.Get(identityKey(r.Identity())); ok {
		return nil, &DuplicateResourceError{ParentID: parentID, Identity: r.Identity(), ExistingID: existing.ID()}
	}
	if r.ID == "" {
		r.ID = resource.NewID(parentID, r.Identity())
	}
	if existing, ok := t.byID.Get(lookupKey(r.ID)); ok {
		return nil, &DuplicateResourceError{ParentID: parentID, Identity: r.Identity(), ExistingID: existing.ID()}
	}

	r = r.Clone()
	r.ParentID = parentID
	if r.Status == "" {
		r.Status = resource.StatusNew
	}
	if r.Availability == "" {
		r.Availability = resource.AvailabilityUnknown
	}
	now := time.Now()
	if r.DiscoveredAt.IsZero() {
		r.DiscoveredAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	c := &Container{
		tree:     t,
		lock:     t.locks.Register(r.ID),
		parent:   parent,
		children: btree.NewG(btreeDegree, byIdentity),
		res:      r,
		state:    StateUninitialized,
	}
	siblings.ReplaceOrInsert(c)
	t.byID.ReplaceOrInsert(c)
	return c, nil
}

// GetContainer returns the container with the given id.
func (t *Tree) GetContainer(id string) (*Container, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID.Get(lookupKey(id))
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// FindChild returns the child of parentID ("" for roots) with the given identity.
func (t *Tree) FindChild(parentID string, id resource.Identity) (*Container, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	siblings := t.roots
	if parentID != "" {
		p, ok := t.byID.Get(lookupKey(parentID))
		if !ok {
			return nil, false
		}
		siblings = p.children
	}
	return siblings.Get(identityKey(id))
}

// Roots returns the root containers ordered by type then key.
func (t *Tree) Roots() []*Container {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return collect(t.roots)
}

// Len returns the number of containers.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID.Len()
}

// RemoveResource removes id and its whole subtree, returned in pre-order.
// It fails with ResourceInUseError if a writer holds the facet lock of any
// resource in the subtree. Removed resources are marked DELETED; stopping
// their components is the caller's job.
func (t *Tree) RemoveResource(id string) ([]*Container, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byID.Get(lookupKey(id))
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}

	subtree := preorderLocked(c)
	for _, n := range subtree {
		if n.lock.WriteHeld() {
			return nil, &ResourceInUseError{ResourceID: id, HeldBy: n.ID()}
		}
	}

	if c.parent != nil {
		c.parent.children.Delete(c)
	} else {
		t.roots.Delete(c)
	}
	for _, n := range subtree {
		t.byID.Delete(n)
		n.removed.Store(true)
		n.mu.Lock()
		n.res.Status = resource.StatusDeleted
		n.mu.Unlock()
		t.locks.Forget(n.ID())
	}
	return subtree, nil
}

func preorderLocked(c *Container) []*Container {
	out := []*Container{c}
	c.children.Ascend(func(child *Container) bool {
		out = append(out, preorderLocked(child)...)
		return true
	})
	return out
}

// Walk returns a pre-order traversal yielding the containers that match pred
// (all containers when pred is nil). The traversal descends into every node
// regardless of pred. No tree lock is held while yielding, so the caller may
// modify the tree; children are read when their parent is reached and
// containers removed in the meantime are skipped.
func (t *Tree) Walk(pred func(*Container) bool) iter.Seq[*Container] {
	return func(yield func(*Container) bool) {
		stack := t.Roots()
		slices.Reverse(stack)
		for len(stack) > 0 {
			c := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if c.Removed() {
				continue
			}
			if pred == nil || pred(c) {
				if !yield(c) {
					return
				}
			}
			children := c.Children()
			slices.Reverse(children)
			stack = append(stack, children...)
		}
	}
}

// Snapshot returns copies of all resources in pre-order.
func (t *Tree) Snapshot() []resource.Resource {
	var out []resource.Resource
	for c := range t.Walk(nil) {
		out = append(out, c.Resource())
	}
	return out
}

// CountByState returns how many containers are in each lifecycle state.
func (t *Tree) CountByState() map[State]int {
	counts := make(map[State]int)
	for c := range t.Walk(nil) {
		counts[c.State()]++
	}
	return counts
}

// Load rebuilds the tree from persisted resources. Parents are inserted
// before children whatever the input order; resources whose parent is
// missing are skipped and logged. It returns the number of resources added.
func (t *Tree) Load(resources []resource.Resource) int {
	pending := slices.Clone(resources)
	added := 0
	for len(pending) > 0 {
		var next []resource.Resource
		for _, r := range pending {
			if r.ParentID != "" {
				if _, err := t.GetContainer(r.ParentID); err != nil {
					next = append(next, r)
					continue
				}
			}
			if _, err := t.AddResource(r.ParentID, r); err != nil {
				log.Warn().Err(err).Str("resource_id", r.ID).Msg("Skipping persisted resource")
				continue
			}
			added++
		}
		if len(next) == len(pending) {
			for _, r := range next {
				log.Warn().Str("resource_id", r.ID).Str("parent_id", r.ParentID).Msg("Skipping orphaned persisted resource")
			}
			break
		}
		pending = next
	}
	return added
}
