package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wasmhost/pkg/hooks"
	"github.com/Mindburn-Labs/wasmhost/pkg/loader"
	"github.com/Mindburn-Labs/wasmhost/pkg/registry"
	"github.com/Mindburn-Labs/wasmhost/pkg/secrets"
	"github.com/Mindburn-Labs/wasmhost/pkg/storage"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmengine"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

var minimalModule = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

type recordingPeer struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPeer) Notify(ctx context.Context, method string, params any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, method)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "store"))
	require.NoError(t, err)
	l := loader.New(loader.DefaultConfig(), nil)
	engine := wasmengine.New()
	t.Cleanup(func() { engine.Close(context.Background()) })

	reg := registry.New(l, store, engine, secrets.NewStore())
	pipeline := hooks.New(nil)
	d := New(reg, pipeline, engine, secrets.NewStore())
	return d, reg, dir
}

func TestDispatcher_Initialize(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{JSONRPC: "2.0", Method: "initialize"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, serverName, result["serverInfo"].(map[string]any)["name"])
}

func TestDispatcher_ToolsList_EmptyRegistry(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{JSONRPC: "2.0", Method: "tools/list"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Empty(t, result["tools"])
}

func TestDispatcher_ToolsCall_UnknownToolIsError(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	params, _ := json.Marshal(toolCallParams{Name: "nonexistent"})
	resp := d.Handle(context.Background(), Request{JSONRPC: "2.0", Method: "tools/call", Params: params})
	require.Nil(t, resp.Error)
	result := resp.Result.(toolCallResult)
	assert.True(t, result.IsError)
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{JSONRPC: "2.0", Method: "bogus/method"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestDispatcher_PromptsAndResourcesListAreEmpty(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{JSONRPC: "2.0", Method: "prompts/list"})
	require.Nil(t, resp.Error)
	assert.Empty(t, resp.Result.(map[string]any)["prompts"])

	resp = d.Handle(context.Background(), Request{JSONRPC: "2.0", Method: "resources/list"})
	require.Nil(t, resp.Error)
	assert.Empty(t, resp.Result.(map[string]any)["resources"])
}

func TestDispatcher_LoadEmitsToolsListChanged(t *testing.T) {
	d, reg, dir := newTestDispatcher(t)
	peer := &recordingPeer{}
	d.AttachPeer(peer)

	path := filepath.Join(dir, "comp.wasm")
	require.NoError(t, os.WriteFile(path, minimalModule, 0o644))

	_, err := reg.Load(context.Background(), "file://"+path, nil, "")
	require.NoError(t, err)

	peer.mu.Lock()
	defer peer.mu.Unlock()
	assert.Contains(t, peer.calls, "notifications/tools/list_changed")
}

func TestDispatcher_ToolsCall_UnknownToolDoesNotAudit(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	var events []string
	d.Audit = func(ctx context.Context, componentID string, eventType string, detail any) {
		events = append(events, eventType)
	}

	params, _ := json.Marshal(toolCallParams{Name: "nonexistent"})
	d.Handle(context.Background(), Request{JSONRPC: "2.0", Method: "tools/call", Params: params})

	// ComponentForTool fails before a component is resolved, so there is
	// nothing yet to attribute an audit entry to.
	assert.Empty(t, events)
}

func TestErrorResult_BlockedUsesToolCallBlockedWireText(t *testing.T) {
	result := errorResult(wasmerr.Blocked("nope"))
	require.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "Tool call blocked: nope", result.Content[0].Text)
}

func TestErrorResult_OtherClassesKeepClassPrefix(t *testing.T) {
	result := errorResult(wasmerr.NotFound("comp-x"))
	require.True(t, result.IsError)
	assert.Equal(t, "NotFound: not found: comp-x", result.Content[0].Text)
}

func TestDispatcher_NoPeerAttached_NotificationIsNoop(t *testing.T) {
	_, reg, dir := newTestDispatcher(t)
	path := filepath.Join(dir, "comp2.wasm")
	require.NoError(t, os.WriteFile(path, minimalModule, 0o644))

	_, err := reg.Load(context.Background(), "file://"+path, nil, "")
	require.NoError(t, err, "a missing peer must not fail the load")
}
