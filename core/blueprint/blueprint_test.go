package blueprint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/node"
)

func testBlueprint() *Blueprint {
	return &Blueprint{
		SchemaVersion: SchemaVersion,
		Metadata:      Metadata{Name: "test"},
		Nodes: []*node.Config{
			{
				ID:   "A",
				Kind: node.KindTool,
				Tool: &node.ToolConfig{ToolName: "echo", ToolArgs: map[string]any{"value": 1}},
			},
			{
				ID:           "B",
				Kind:         node.KindTool,
				Dependencies: []string{"A"},
				Tool:         &node.ToolConfig{ToolName: "add_one"},
				InputMappings: map[string]node.Mapping{
					"value": {SourceNodeID: "A", SourcePath: "value"},
				},
			},
		},
	}
}

func TestComputeLockIsContentAddressed(t *testing.T) {
	bp := testBlueprint()
	lock1, err := bp.ComputeLock()
	require.NoError(t, err)

	// Same content yields the same lock
	lock2, err := testBlueprint().ComputeLock()
	require.NoError(t, err)
	assert.Equal(t, lock1, lock2)

	// Any content change yields a different lock
	bp.Metadata.Name = "renamed"
	lock3, err := bp.ComputeLock()
	require.NoError(t, err)
	assert.NotEqual(t, lock1, lock3)
}

func TestCanonicalJSONSortsNestedKeys(t *testing.T) {
	a := &Blueprint{
		SchemaVersion: SchemaVersion,
		Metadata:      Metadata{Name: "x", Extra: map[string]any{"zebra": 1, "alpha": map[string]any{"b": 2, "a": 1}}},
		Nodes:         testBlueprint().Nodes,
	}
	b := &Blueprint{
		SchemaVersion: SchemaVersion,
		Metadata:      Metadata{Name: "x", Extra: map[string]any{"alpha": map[string]any{"a": 1, "b": 2}, "zebra": 1}},
		Nodes:         testBlueprint().Nodes,
	}

	ca, err := a.CanonicalJSON()
	require.NoError(t, err)
	cb, err := b.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}

func TestValidateRejectsEmptyAndMalformed(t *testing.T) {
	empty := &Blueprint{SchemaVersion: SchemaVersion}
	require.Error(t, empty.Validate())

	bad := testBlueprint()
	bad.Nodes[1].Dependencies = nil // mapping source no longer a dependency
	require.Error(t, bad.Validate())
}

func TestMemStoreLockRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	id, lock, err := store.Create(ctx, testBlueprint(), NewLock)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, gotLock, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, lock, gotLock)

	computed, err := got.ComputeLock()
	require.NoError(t, err)
	assert.Equal(t, lock, computed, "lock of a read-back blueprint matches the lock returned at write")
}

func TestMemStoreCreateRequiresSentinel(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	_, _, err := store.Create(ctx, testBlueprint(), "")
	assert.True(t, errs.Is(err, errs.PreconditionRequired))

	_, _, err = store.Create(ctx, testBlueprint(), "some-lock")
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestMemStoreStaleLockConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	id, lock, err := store.Create(ctx, testBlueprint(), NewLock)
	require.NoError(t, err)

	// Client 1 writes with the current lock
	updated := testBlueprint()
	updated.Metadata.Name = "client1"
	newLock, err := store.Put(ctx, id, updated, lock)
	require.NoError(t, err)
	require.NotEqual(t, lock, newLock)

	// Client 2 writes with the now-stale lock
	stale := testBlueprint()
	stale.Metadata.Name = "client2"
	_, err = store.Put(ctx, id, stale, lock)
	assert.True(t, errs.Is(err, errs.Conflict))

	// Missing lock is a distinct failure
	_, err = store.Put(ctx, id, stale, "")
	assert.True(t, errs.Is(err, errs.PreconditionRequired))
}

func TestMemStorePatchNodes(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	id, lock, err := store.Create(ctx, testBlueprint(), NewLock)
	require.NoError(t, err)

	addC := json.RawMessage(`{
		"id": "C",
		"kind": "tool",
		"dependencies": ["A"],
		"tool": {"tool_name": "echo"}
	}`)
	removeB := json.RawMessage(`{"id": "B", "type": "__delete__"}`)

	newLock, err := store.PatchNodes(ctx, id, []json.RawMessage{addC, removeB}, lock)
	require.NoError(t, err)

	bp, _, err := store.Get(ctx, id)
	require.NoError(t, err)
	ids := make([]string, 0, len(bp.Nodes))
	for _, n := range bp.Nodes {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"A", "C"}, ids)

	// Deleting a missing node fails and leaves the blueprint untouched
	_, err = store.PatchNodes(ctx, id, []json.RawMessage{json.RawMessage(`{"id": "ghost", "type": "__delete__"}`)}, newLock)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestMemStorePatchRevalidates(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	id, lock, err := store.Create(ctx, testBlueprint(), NewLock)
	require.NoError(t, err)

	// Removing A orphans B's dependency; the patched set must fail validation
	_, err = store.PatchNodes(ctx, id, []json.RawMessage{json.RawMessage(`{"id": "A", "type": "__delete__"}`)}, lock)
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestMemStoreApplyJSONPatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	id, lock, err := store.Create(ctx, testBlueprint(), NewLock)
	require.NoError(t, err)

	patch := []byte(`[{"op": "replace", "path": "/metadata/name", "value": "patched"}]`)
	_, err = store.ApplyPatch(ctx, id, patch, lock)
	require.NoError(t, err)

	bp, _, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "patched", bp.Metadata.Name)
}

func TestMemStoreRevisions(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	id, lock, err := store.Create(ctx, testBlueprint(), NewLock)
	require.NoError(t, err)

	updated := testBlueprint()
	updated.Metadata.Name = "v2"
	_, err = store.Put(ctx, id, updated, lock)
	require.NoError(t, err)

	revs, err := store.Revisions(ctx, id)
	require.NoError(t, err)
	require.Len(t, revs, 2)

	first, err := store.Revision(ctx, id, revs[0])
	require.NoError(t, err)
	assert.Equal(t, "test", first.Metadata.Name)

	second, err := store.Revision(ctx, id, revs[1])
	require.NoError(t, err)
	assert.Equal(t, "v2", second.Metadata.Name)
}

func TestMemStoreDeleteRequiresLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	id, lock, err := store.Create(ctx, testBlueprint(), NewLock)
	require.NoError(t, err)

	require.True(t, errs.Is(store.Delete(ctx, id, "stale"), errs.Conflict))
	require.NoError(t, store.Delete(ctx, id, lock))

	_, _, err = store.Get(ctx, id)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestMemStoreFavoritesAndCollections(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	id, _, err := store.Create(ctx, testBlueprint(), NewLock)
	require.NoError(t, err)

	require.NoError(t, store.Favorite(ctx, "alice", id))
	favs, err := store.Favorites(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, favs)

	require.NoError(t, store.Unfavorite(ctx, "alice", id))
	favs, err = store.Favorites(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, favs)

	require.NoError(t, store.AddToCollection(ctx, "team", id))
	items, err := store.CollectionItems(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, items)
}

func TestTemplateMaterialize(t *testing.T) {
	tpl := &Template{
		ID: "greeting",
		Params: []Param{
			{Name: "tool", Required: true},
			{Name: "greeting", Default: "hello"},
		},
		Body: &Blueprint{
			SchemaVersion: SchemaVersion,
			Metadata:      Metadata{Name: "greeting"},
			Nodes: []*node.Config{
				{
					ID:   "A",
					Kind: node.KindTool,
					Tool: &node.ToolConfig{
						ToolName: "{{tool}}",
						ToolArgs: map[string]any{"value": "{{greeting}} world"},
					},
				},
			},
		},
	}

	bp, err := tpl.Materialize(map[string]any{"tool": "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", bp.Nodes[0].Tool.ToolName)
	assert.Equal(t, "hello world", bp.Nodes[0].Tool.ToolArgs["value"])
}

func TestTemplateMaterializeMissingRequired(t *testing.T) {
	tpl := &Template{
		Params: []Param{{Name: "tool", Required: true}},
		Body:   testBlueprint(),
	}
	_, err := tpl.Materialize(nil)
	assert.True(t, errs.Is(err, errs.Validation))
}
