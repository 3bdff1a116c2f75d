package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wasmhost/pkg/loader"
	"github.com/Mindburn-Labs/wasmhost/pkg/policy"
	"github.com/Mindburn-Labs/wasmhost/pkg/secrets"
	"github.com/Mindburn-Labs/wasmhost/pkg/storage"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmengine"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

// minimalModule is a structurally valid, empty WebAssembly module: the
// "\0asm" magic plus version 1 and no sections. It compiles and
// instantiates but exports nothing, so components built from it are
// registered with zero discovered tools.
var minimalModule = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "store"))
	require.NoError(t, err)
	l := loader.New(loader.DefaultConfig(), nil)
	engine := wasmengine.New()
	t.Cleanup(func() { engine.Close(context.Background()) })
	return New(l, store, engine, secrets.NewStore()), dir
}

func writeModule(t *testing.T, dir, name string, policyYAML string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, minimalModule, 0o644))
	if policyYAML != "" {
		require.NoError(t, os.WriteFile(path+".policy.yaml", []byte(policyYAML), 0o644))
	}
	return "file://" + path
}

func TestRegistry_LoadAndGet(t *testing.T) {
	r, dir := newTestRegistry(t)
	ref := writeModule(t, dir, "comp-a.wasm", "")

	changed := 0
	r.OnChange = func() { changed++ }

	comp, err := r.Load(context.Background(), ref, nil, "")
	require.NoError(t, err)
	assert.Equal(t, StateLive, comp.State)
	assert.Equal(t, 1, changed)

	got, ok := r.Get(comp.ComponentID)
	require.True(t, ok)
	assert.Equal(t, comp.ComponentID, got.ComponentID)
}

func TestRegistry_LoadTwiceSameReferenceReplaces(t *testing.T) {
	r, dir := newTestRegistry(t)
	ref := writeModule(t, dir, "comp-b.wasm", "")

	first, err := r.Load(context.Background(), ref, nil, "")
	require.NoError(t, err)
	assert.Equal(t, LoadOutcomeNew, first.Outcome)

	second, err := r.Load(context.Background(), ref, nil, "")
	require.NoError(t, err, "reloading the same reference must replace, not fail")
	assert.Equal(t, LoadOutcomeReplaced, second.Outcome)

	got, ok := r.Get(first.ComponentID)
	require.True(t, ok)
	assert.Equal(t, second, got)
}

func TestRegistry_LoadCollisionDifferentSourceAmbiguous(t *testing.T) {
	r, dir := newTestRegistry(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "b"), 0o755))
	refA := writeModule(t, filepath.Join(dir, "a"), "comp-same.wasm", "")
	refB := writeModule(t, filepath.Join(dir, "b"), "comp-same.wasm", "")

	_, err := r.Load(context.Background(), refA, nil, "")
	require.NoError(t, err)

	_, err = r.Load(context.Background(), refB, nil, "")
	require.Error(t, err)
	assert.Equal(t, wasmerr.ClassAmbiguousComponent, wasmerr.ClassOf(err))
}

func TestRegistry_LoadMissingFileRollsBack(t *testing.T) {
	r, dir := newTestRegistry(t)
	_, err := r.Load(context.Background(), "file://"+filepath.Join(dir, "missing.wasm"), nil, "")
	require.Error(t, err)
	assert.Empty(t, r.List())
}

func TestRegistry_UnloadRemovesFromIndex(t *testing.T) {
	r, dir := newTestRegistry(t)
	ref := writeModule(t, dir, "comp-c.wasm", "")
	comp, err := r.Load(context.Background(), ref, nil, "")
	require.NoError(t, err)

	require.NoError(t, r.Unload(context.Background(), comp.ComponentID))
	_, ok := r.Get(comp.ComponentID)
	assert.False(t, ok)
}

func TestRegistry_UnloadUnknownIsNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Unload(context.Background(), "never-loaded")
	require.Error(t, err)
}

func TestRegistry_ComponentForTool_NotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.ComponentForTool("nonexistent")
	require.Error(t, err)
}

func TestRegistry_AttachPolicyAndGrant(t *testing.T) {
	r, dir := newTestRegistry(t)
	ref := writeModule(t, dir, "comp-d.wasm", "")
	comp, err := r.Load(context.Background(), ref, nil, "")
	require.NoError(t, err)

	doc := &policy.Document{Version: "1.0"}
	require.NoError(t, r.AttachPolicy(comp.ComponentID, doc))

	err = r.Grant(comp.ComponentID, func(d *policy.Document) {
		d.Permissions.Network = &policy.NetworkPermission{
			Allow: []policy.NetworkHost{{Host: "*.example.com"}},
		}
	})
	require.NoError(t, err)

	got, _ := r.Get(comp.ComponentID)
	assert.True(t, got.Enforcer.MayConnect("api.example.com"))
}

func TestRegistry_RestoreRehydratesFromDisk(t *testing.T) {
	r, dir := newTestRegistry(t)
	ref := writeModule(t, dir, "comp-g.wasm", "")
	comp, err := r.Load(context.Background(), ref, nil, "")
	require.NoError(t, err)

	store := r.store
	fresh := New(r.loader, store, r.engine, secrets.NewStore())

	results, err := fresh.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, comp.ComponentID, results[0].ComponentID)
	assert.True(t, results[0].EngineCompatible)

	got, ok := fresh.Get(comp.ComponentID)
	require.True(t, ok)
	assert.Equal(t, StateLive, got.State)
}

func TestRegistry_GrantPersistsAcrossRestore(t *testing.T) {
	r, dir := newTestRegistry(t)
	ref := writeModule(t, dir, "comp-grant.wasm", "")
	comp, err := r.Load(context.Background(), ref, nil, "")
	require.NoError(t, err)

	require.NoError(t, r.Grant(comp.ComponentID, func(d *policy.Document) {
		d.Permissions.Network = &policy.NetworkPermission{Allow: []policy.NetworkHost{{Host: "a.b"}}}
	}))

	policyBytes, ok, err := r.store.ReadPolicy(comp.ComponentID)
	require.NoError(t, err)
	require.True(t, ok, "grant must persist {id}.policy.yaml, not just the in-memory enforcer")
	assert.Contains(t, string(policyBytes), "a.b")

	fresh := New(r.loader, r.store, r.engine, secrets.NewStore())
	_, err = fresh.Restore(context.Background())
	require.NoError(t, err)

	got, ok := fresh.Get(comp.ComponentID)
	require.True(t, ok)
	assert.True(t, got.Enforcer.MayConnect("a.b"), "a restarted registry must still enforce a granted policy")
}

func TestRegistry_RestoreFlagsIncompatibleEngineVersion(t *testing.T) {
	r, dir := newTestRegistry(t)
	ref := writeModule(t, dir, "comp-h.wasm", "")
	comp, err := r.Load(context.Background(), ref, nil, "")
	require.NoError(t, err)

	meta, ok, err := r.store.ReadMetadata(comp.ComponentID)
	require.NoError(t, err)
	require.True(t, ok)
	meta.EngineVersion = "0.0.1+host.1"
	require.NoError(t, r.store.WriteMetadata(context.Background(), meta))

	fresh := New(r.loader, r.store, r.engine, secrets.NewStore())
	results, err := fresh.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err, "a stale engine version is flagged, not a load failure")
	assert.False(t, results[0].EngineCompatible)
}

func TestRegistry_RestoreIsolatesCorruptEntries(t *testing.T) {
	r, dir := newTestRegistry(t)
	ref := writeModule(t, dir, "comp-i.wasm", "")
	_, err := r.Load(context.Background(), ref, nil, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "store", "ghost.meta.json"), []byte("not json"), 0o644))

	fresh := New(r.loader, r.store, r.engine, secrets.NewStore())
	results, err := fresh.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	var failed, ok int
	for _, res := range results {
		if res.Err != nil {
			failed++
		} else {
			ok++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, ok)
}

func TestRegistry_AuditRecordsLoadUnloadAndGrant(t *testing.T) {
	r, dir := newTestRegistry(t)
	ref := writeModule(t, dir, "comp-j.wasm", "")

	var events []string
	r.Audit = func(ctx context.Context, componentID, eventType string, detail any) {
		events = append(events, eventType)
	}

	comp, err := r.Load(context.Background(), ref, nil, "")
	require.NoError(t, err)

	require.NoError(t, r.Grant(comp.ComponentID, func(d *policy.Document) {
		d.Permissions.Network = &policy.NetworkPermission{Allow: []policy.NetworkHost{{Host: "a.b"}}}
	}))
	require.NoError(t, r.Unload(context.Background(), comp.ComponentID))

	assert.Equal(t, []string{"Load", "Grant", "Unload"}, events)
}

func TestRegistry_ToolCatalog_PrefixesOnlyCollisions(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.components = map[string]*LoadedComponent{
		"comp-a": {ComponentID: "comp-a", Tools: []storage.ToolSchema{{Name: "foo"}, {Name: "only-a"}}},
		"comp-b": {ComponentID: "comp-b", Tools: []storage.ToolSchema{{Name: "foo"}}},
	}
	r.toolIndex = map[string][]string{
		"foo":    {"comp-a", "comp-b"},
		"only-a": {"comp-a"},
	}

	catalog := r.ToolCatalog()
	names := make([]string, len(catalog))
	for i, t := range catalog {
		names[i] = t.Name
	}
	assert.ElementsMatch(t, []string{"comp-a/foo", "only-a", "comp-b/foo"}, names)

	id, err := r.ComponentForTool("comp-b/foo")
	require.NoError(t, err)
	assert.Equal(t, "comp-b", id)

	_, err = r.ComponentForTool("foo")
	require.Error(t, err, "the bare colliding name stays ambiguous")
}

func TestRegistry_List_Deterministic(t *testing.T) {
	r, dir := newTestRegistry(t)
	refA := writeModule(t, dir, "comp-e.wasm", "")
	refB := writeModule(t, dir, "comp-f.wasm", "")
	_, err := r.Load(context.Background(), refA, nil, "")
	require.NoError(t, err)
	_, err = r.Load(context.Background(), refB, nil, "")
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	assert.True(t, list[0].ComponentID < list[1].ComponentID)
}
