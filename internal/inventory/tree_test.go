package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/internal/facetlock"
	"github.com/yairfalse/vahti/pkg/resource"
)

func newTestTree() (*Tree, *facetlock.Manager) {
	locks := facetlock.NewManager()
	return NewTree(locks), locks
}

func res(typ, key string) resource.Resource {
	return resource.Resource{Type: typ, Key: key, Name: key}
}

// buildTree creates host -> {server-a -> {svc-1, svc-2}, server-b}.
func buildTree(t *testing.T) (*Tree, map[string]*Container) {
	t.Helper()
	tree, _ := newTestTree()
	nodes := map[string]*Container{}
	add := func(name, parent string, r resource.Resource) {
		parentID := ""
		if parent != "" {
			parentID = nodes[parent].ID()
		}
		c, err := tree.AddResource(parentID, r)
		require.NoError(t, err)
		nodes[name] = c
	}
	add("host", "", res("host", "h1"))
	add("server-a", "host", res("server", "a"))
	add("server-b", "host", res("server", "b"))
	add("svc-1", "server-a", res("service", "1"))
	add("svc-2", "server-a", res("service", "2"))
	return tree, nodes
}

func ids(cs []*Container) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Resource().Key
	}
	return out
}

func TestAddResource_Defaults(t *testing.T) {
	tree, locks := newTestTree()

	c, err := tree.AddResource("", res("host", "h1"))
	require.NoError(t, err)

	r := c.Resource()
	assert.Equal(t, resource.NewID("", resource.Identity{Type: "host", Key: "h1"}), r.ID)
	assert.Equal(t, resource.StatusNew, r.Status)
	assert.Equal(t, resource.AvailabilityUnknown, r.Availability)
	assert.False(t, r.DiscoveredAt.IsZero())
	assert.Equal(t, StateUninitialized, c.State())
	assert.Nil(t, c.Parent())
	_, ok := locks.Lock(r.ID)
	assert.True(t, ok)
}

func TestAddResource_Duplicate(t *testing.T) {
	tree, nodes := buildTree(t)

	_, err := tree.AddResource(nodes["host"].ID(), res("server", "a"))

	var dup *DuplicateResourceError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, nodes["server-a"].ID(), dup.ExistingID)
	assert.Equal(t, 5, tree.Len())
}

func TestAddResource_SameKeyDifferentParent(t *testing.T) {
	tree, nodes := buildTree(t)

	c, err := tree.AddResource(nodes["server-b"].ID(), res("service", "1"))
	require.NoError(t, err)
	assert.NotEqual(t, nodes["svc-1"].ID(), c.ID())
}

func TestAddResource_UnknownParent(t *testing.T) {
	tree, _ := newTestTree()

	_, err := tree.AddResource("missing", res("server", "a"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddResource_RequiresIdentity(t *testing.T) {
	tree, _ := newTestTree()

	_, err := tree.AddResource("", resource.Resource{Type: "host"})
	assert.Error(t, err)
}

func TestGetContainer(t *testing.T) {
	tree, nodes := buildTree(t)

	c, err := tree.GetContainer(nodes["svc-2"].ID())
	require.NoError(t, err)
	assert.Same(t, nodes["svc-2"], c)
	assert.Same(t, nodes["server-a"], c.Parent())

	_, err = tree.GetContainer("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindChild(t *testing.T) {
	tree, nodes := buildTree(t)

	c, ok := tree.FindChild(nodes["host"].ID(), resource.Identity{Type: "server", Key: "b"})
	require.True(t, ok)
	assert.Same(t, nodes["server-b"], c)

	_, ok = tree.FindChild("", resource.Identity{Type: "host", Key: "h1"})
	assert.True(t, ok)
	_, ok = tree.FindChild("missing", resource.Identity{Type: "host", Key: "h1"})
	assert.False(t, ok)
}

func TestWalk_PreOrder(t *testing.T) {
	tree, _ := buildTree(t)

	var keys []string
	for c := range tree.Walk(nil) {
		keys = append(keys, c.Resource().Key)
	}

	assert.Equal(t, []string{"h1", "a", "1", "2", "b"}, keys)
}

func TestWalk_PredicateAndEarlyStop(t *testing.T) {
	tree, _ := buildTree(t)

	var services []string
	for c := range tree.Walk(func(c *Container) bool { return c.Type() == "service" }) {
		services = append(services, c.Resource().Key)
	}
	assert.Equal(t, []string{"1", "2"}, services)

	count := 0
	for range tree.Walk(nil) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestWalk_Restartable(t *testing.T) {
	tree, _ := buildTree(t)
	walk := tree.Walk(nil)

	first, second := 0, 0
	for range walk {
		first++
	}
	for range walk {
		second++
	}

	assert.Equal(t, 5, first)
	assert.Equal(t, first, second)
}

func TestWalk_ToleratesMutation(t *testing.T) {
	tree, nodes := buildTree(t)

	var keys []string
	for c := range tree.Walk(nil) {
		keys = append(keys, c.Resource().Key)
		if c == nodes["host"] {
			_, err := tree.RemoveResource(nodes["server-b"].ID())
			require.NoError(t, err)
		}
		if c == nodes["svc-1"] {
			_, err := tree.AddResource(nodes["server-a"].ID(), res("service", "3"))
			require.NoError(t, err)
		}
	}

	// server-b was removed before it was reached; service 3 was added
	// after server-a's children were read.
	assert.Equal(t, []string{"h1", "a", "1", "2"}, keys)
}

func TestRemoveResource_Subtree(t *testing.T) {
	tree, nodes := buildTree(t)

	removed, err := tree.RemoveResource(nodes["server-a"].ID())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "1", "2"}, ids(removed))
	assert.Equal(t, 2, tree.Len())
	for _, c := range removed {
		assert.True(t, c.Removed())
		assert.Equal(t, resource.StatusDeleted, c.Resource().Status)
		_, err := tree.GetContainer(c.ID())
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, []string{"b"}, ids(nodes["host"].Children()))
}

func TestRemoveResource_InUse(t *testing.T) {
	tree, nodes := buildTree(t)
	h, err := nodes["svc-2"].FacetLock().Acquire(context.Background(), facetlock.Write, 0)
	require.NoError(t, err)

	_, err = tree.RemoveResource(nodes["server-a"].ID())

	var inUse *ResourceInUseError
	require.True(t, errors.As(err, &inUse))
	assert.Equal(t, nodes["svc-2"].ID(), inUse.HeldBy)
	assert.Equal(t, 5, tree.Len())

	h.Release()
	_, err = tree.RemoveResource(nodes["server-a"].ID())
	assert.NoError(t, err)
}

func TestRemoveResource_ReadersDoNotBlock(t *testing.T) {
	tree, nodes := buildTree(t)
	h, err := nodes["svc-1"].FacetLock().Acquire(context.Background(), facetlock.Read, 0)
	require.NoError(t, err)
	defer h.Release()

	_, err = tree.RemoveResource(nodes["svc-1"].ID())
	assert.NoError(t, err)
}

func TestRemoveResource_ThenReAdd(t *testing.T) {
	tree, nodes := buildTree(t)
	oldID := nodes["svc-1"].ID()

	_, err := tree.RemoveResource(oldID)
	require.NoError(t, err)
	c, err := tree.AddResource(nodes["server-a"].ID(), res("service", "1"))
	require.NoError(t, err)

	assert.Equal(t, oldID, c.ID())
	assert.Equal(t, resource.StatusNew, c.Resource().Status)
}

func TestSnapshotAndLoad(t *testing.T) {
	tree, _ := buildTree(t)
	snap := tree.Snapshot()
	require.Len(t, snap, 5)

	// Reverse the order so children come before parents.
	reversed := make([]resource.Resource, len(snap))
	for i, r := range snap {
		reversed[len(snap)-1-i] = r
	}
	orphan := res("service", "orphan")
	orphan.ID = "orphan"
	orphan.ParentID = "missing"
	reversed = append(reversed, orphan)

	loaded, _ := newTestTree()
	added := loaded.Load(reversed)

	assert.Equal(t, 5, added)
	assert.Equal(t, snap, loaded.Snapshot())
}
