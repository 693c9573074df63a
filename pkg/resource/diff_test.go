package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_Stable(t *testing.T) {
	id := Identity{Type: "process", Key: "nginx"}

	assert.Equal(t, NewID("parent-1", id), NewID("parent-1", id))
	assert.NotEqual(t, NewID("parent-1", id), NewID("parent-2", id))
	assert.NotEqual(t, NewID("parent-1", id), NewID("parent-1", Identity{Type: "process", Key: "sshd"}))
}

func TestInventoryStatus_Transitions(t *testing.T) {
	assert.True(t, StatusNew.CanTransitionTo(StatusCommitted))
	assert.True(t, StatusCommitted.CanTransitionTo(StatusDeleted))
	assert.True(t, StatusDeleted.CanTransitionTo(StatusNew))
	assert.False(t, StatusCommitted.CanTransitionTo(StatusNew))
	assert.False(t, StatusDeleted.CanTransitionTo(StatusCommitted))
	assert.False(t, InventoryStatus("bogus").CanTransitionTo(StatusNew))
}

func TestClone_CopiesPluginConfig(t *testing.T) {
	r := Resource{Key: "a", PluginConfig: map[string]string{"pid": "1"}}

	c := r.Clone()
	c.PluginConfig["pid"] = "2"

	assert.Equal(t, "1", r.PluginConfig["pid"])
}

func TestDedupe(t *testing.T) {
	in := []Resource{
		{Type: "process", Key: "nginx", Name: "first"},
		{Type: "process", Key: "sshd"},
		{Type: "process", Key: "nginx", Name: "second"},
		{Type: "service", Key: "nginx"},
	}

	out, dropped := Dedupe(in)

	assert.Equal(t, 1, dropped)
	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].Name)
	assert.Equal(t, "service", out[2].Type)
}

func TestDiff(t *testing.T) {
	known := []Resource{
		{Type: "process", Key: "nginx", Name: "nginx"},
		{Type: "process", Key: "sshd", Name: "sshd"},
	}
	discovered := []Resource{
		{Type: "process", Key: "nginx", Name: "nginx", Version: "1.25"},
		{Type: "process", Key: "redis", Name: "redis"},
	}

	diffs := Diff(known, discovered)

	require.Len(t, diffs, 3)
	assert.Equal(t, DiffModified, diffs[0].Type)
	assert.Equal(t, "nginx", diffs[0].Resource.Key)
	assert.Equal(t, Change{Previous: "", Current: "1.25"}, diffs[0].Changes["version"])
	assert.Equal(t, DiffAdded, diffs[1].Type)
	assert.Equal(t, "redis", diffs[1].Resource.Key)
	assert.Nil(t, diffs[1].Previous)
	assert.Equal(t, DiffDeleted, diffs[2].Type)
	assert.Equal(t, "sshd", diffs[2].Resource.Key)
}

func TestDiff_IgnoresAgentOwnedFields(t *testing.T) {
	known := []Resource{{Type: "host", Key: "h1", Status: StatusCommitted, Availability: AvailabilityUp}}
	discovered := []Resource{{Type: "host", Key: "h1"}}

	assert.Empty(t, Diff(known, discovered))
}

func TestDiff_PluginConfigChange(t *testing.T) {
	known := []Resource{{Type: "process", Key: "nginx", PluginConfig: map[string]string{"pid": "10"}}}
	discovered := []Resource{{Type: "process", Key: "nginx", PluginConfig: map[string]string{"pid": "42"}}}

	diffs := Diff(known, discovered)

	require.Len(t, diffs, 1)
	assert.Equal(t, `{"pid":"10"}`, diffs[0].Changes["plugin_config"].Previous)
	assert.Equal(t, `{"pid":"42"}`, diffs[0].Changes["plugin_config"].Current)
}
