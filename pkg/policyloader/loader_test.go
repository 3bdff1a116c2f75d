package policyloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wasmhost/pkg/hooks"
)

func newTestLoader(t *testing.T, dir string) *Loader {
	t.Helper()
	l, err := NewLoader(dir)
	require.NoError(t, err)
	return l
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()

	bundle := `{
		"version": "1.0.0",
		"name": "security-rules",
		"rules": [
			{
				"id": "R-001",
				"name": "Block dangerous tools",
				"expression": "tool_name in ['rm', 'dd', 'format']",
				"action": "BLOCK",
				"priority": 100,
				"enabled": true
			},
			{
				"id": "R-002",
				"name": "Warn on network access",
				"expression": "arguments.requires_network == true",
				"action": "WARN",
				"priority": 50,
				"enabled": true
			},
			{
				"id": "R-003",
				"name": "Disabled rule",
				"expression": "true",
				"action": "LOG",
				"priority": 10,
				"enabled": false
			}
		]
	}`

	path := filepath.Join(dir, "security.json")
	if err := os.WriteFile(path, []byte(bundle), 0600); err != nil {
		t.Fatal(err)
	}

	loader := newTestLoader(t, dir)
	if err := loader.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	b, ok := loader.GetBundle("security-rules")
	if !ok {
		t.Fatal("bundle not found")
	}
	if b.Version != "1.0.0" {
		t.Errorf("version = %q, want 1.0.0", b.Version)
	}
	if len(b.Rules) != 3 {
		t.Errorf("rules count = %d, want 3", len(b.Rules))
	}
}

func TestLoader_LoadFile_RejectsUncompilableExpression(t *testing.T) {
	dir := t.TempDir()
	bundle := `{"version":"1","name":"broken","rules":[{"id":"bad","name":"bad","expression":"tool_name +++ nonsense(","action":"BLOCK","priority":1,"enabled":true}]}`
	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(bundle), 0600))

	loader := newTestLoader(t, dir)
	err := loader.LoadFile(path)
	require.Error(t, err, "a rule that fails to compile must fail the whole load")

	_, ok := loader.GetBundle("broken")
	require.False(t, ok, "a bundle that fails to load must not be installed")
}

func TestLoader_LoadAll(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"a.json", "b.json"} {
		data := `{"version":"1","name":"` + name + `","rules":[{"id":"1","name":"test","expression":"true","action":"LOG","priority":1,"enabled":true}]}`
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0600); err != nil {
			t.Fatal(err)
		}
	}
	// Non-json file should be ignored
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("ignore"), 0600); err != nil {
		t.Fatal(err)
	}

	loader := newTestLoader(t, dir)
	if err := loader.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	bundles := loader.AllBundles()
	if len(bundles) != 2 {
		t.Errorf("bundles = %d, want 2", len(bundles))
	}
}

func TestLoader_ActiveRules_SortedByPriority(t *testing.T) {
	dir := t.TempDir()

	bundle := `{
		"version": "1",
		"name": "test",
		"rules": [
			{"id":"lo","name":"low","expression":"true","action":"LOG","priority":1,"enabled":true},
			{"id":"hi","name":"high","expression":"true","action":"BLOCK","priority":100,"enabled":true},
			{"id":"mid","name":"mid","expression":"true","action":"WARN","priority":50,"enabled":true},
			{"id":"off","name":"off","expression":"true","action":"LOG","priority":200,"enabled":false}
		]
	}`

	path := filepath.Join(dir, "test.json")
	if err := os.WriteFile(path, []byte(bundle), 0600); err != nil {
		t.Fatal(err)
	}

	loader := newTestLoader(t, dir)
	if err := loader.LoadFile(path); err != nil {
		t.Fatal(err)
	}

	rules := loader.ActiveRules()
	if len(rules) != 3 {
		t.Fatalf("active rules = %d, want 3 (disabled excluded)", len(rules))
	}

	// Should be sorted: high (100), mid (50), low (1)
	if rules[0].ID != "hi" || rules[1].ID != "mid" || rules[2].ID != "lo" {
		t.Errorf("priority order wrong: %s, %s, %s", rules[0].ID, rules[1].ID, rules[2].ID)
	}
}

func TestLoader_OnReload(t *testing.T) {
	dir := t.TempDir()
	bundle := `{"version":"1","name":"callback-test","rules":[]}`
	path := filepath.Join(dir, "cb.json")
	if err := os.WriteFile(path, []byte(bundle), 0600); err != nil {
		t.Fatal(err)
	}

	loader := newTestLoader(t, dir)

	var called bool
	loader.OnReload(func(b *PolicyBundle) {
		called = true
		if b.Name != "callback-test" {
			t.Errorf("reload bundle name = %q, want callback-test", b.Name)
		}
	})

	if err := loader.LoadFile(path); err != nil {
		t.Fatal(err)
	}

	if !called {
		t.Error("OnReload callback not invoked")
	}
}

func TestLoader_Evaluate_BlocksOnMatchingRule(t *testing.T) {
	dir := t.TempDir()
	bundle := `{"version":"1","name":"block-rm","rules":[
		{"id":"R-001","name":"block rm","expression":"tool_name == 'rm'","action":"BLOCK","priority":10,"enabled":true}
	]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(bundle), 0600))

	loader := newTestLoader(t, dir)
	require.NoError(t, loader.LoadAll())

	blocked, rule, err := loader.Evaluate("rm", map[string]any{})
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, "R-001", rule.ID)

	blocked, _, err = loader.Evaluate("ls", map[string]any{})
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestLoader_Evaluate_WarnDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	bundle := `{"version":"1","name":"warn-net","rules":[
		{"id":"R-002","name":"warn network","expression":"arguments.host == 'evil.example'","action":"WARN","priority":10,"enabled":true}
	]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "w.json"), []byte(bundle), 0600))

	loader := newTestLoader(t, dir)
	require.NoError(t, loader.LoadAll())

	blocked, _, err := loader.Evaluate("fetch", map[string]any{"host": "evil.example"})
	require.NoError(t, err)
	require.False(t, blocked, "a WARN-action rule must not block the call")
}

func TestLoader_BlockHook_BlocksPipeline(t *testing.T) {
	dir := t.TempDir()
	bundle := `{"version":"1","name":"block-dd","rules":[
		{"id":"R-001","name":"block dd","expression":"tool_name == 'dd'","action":"BLOCK","priority":10,"enabled":true}
	]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(bundle), 0600))

	loader := newTestLoader(t, dir)
	require.NoError(t, loader.LoadAll())

	pipeline := hooks.New(nil)
	pipeline.RegisterBefore("cel-block", loader.BlockHook())

	call := hooks.NewToolCallContext("comp-a", "dd", map[string]any{})
	err := pipeline.RunBefore(t.Context(), call)
	require.Error(t, err)
	blocked, _ := call.Blocked()
	require.True(t, blocked)

	call = hooks.NewToolCallContext("comp-a", "ls", map[string]any{})
	require.NoError(t, pipeline.RunBefore(t.Context(), call))
}
