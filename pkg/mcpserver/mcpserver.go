// Package mcpserver implements the MCP control-protocol dispatcher: a
// transport-agnostic JSON-RPC 2.0 handler for initialize, tools/list,
// tools/call, prompts/list and resources/list, plus the background
// notifications/tools/list_changed emitter that fires whenever the
// registry's tool index changes.
//
// The request/response envelope and the lazily-attached, mutex-guarded
// peer handle used for outbound notifications are generalized from this
// codebase's own MCP gateway; tools/call's pre/post hook wrapping and
// is_error-with-class-tag result shape are generalized from its governance
// firewall's wrap-handler pattern.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/wasmhost/pkg/hooks"
	"github.com/Mindburn-Labs/wasmhost/pkg/registry"
	"github.com/Mindburn-Labs/wasmhost/pkg/secrets"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmengine"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

const protocolVersion = "2024-11-05"
const serverName = "wasmhost"
const serverVersion = "1.0.0"

// Request is a JSON-RPC 2.0 request or notification (no ID).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notification is a JSON-RPC 2.0 notification sent to the connected peer.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Peer abstracts the outbound half of the control connection, so the
// dispatcher can be tested without a real transport.
type Peer interface {
	Notify(ctx context.Context, method string, params any) error
}

// Dispatcher handles every inbound JSON-RPC request and owns the lazily
// attached peer used for server-initiated notifications.
type Dispatcher struct {
	reg      *registry.Registry
	pipeline *hooks.Pipeline
	engine   *wasmengine.Engine
	secrets  *secrets.Store

	mu   sync.Mutex
	peer Peer

	// Audit, if set, receives one entry per tools/call outcome (blocked or
	// completed). Nil-safe: a dispatcher with no audit log attached skips
	// this entirely.
	Audit registry.AppendFunc
}

func New(reg *registry.Registry, pipeline *hooks.Pipeline, engine *wasmengine.Engine, secretStore *secrets.Store) *Dispatcher {
	d := &Dispatcher{reg: reg, pipeline: pipeline, engine: engine, secrets: secretStore}
	reg.OnChange = d.emitToolsListChanged
	return d
}

// AttachPeer installs the peer used for outbound notifications. It is safe
// to call at any time; notifications sent before a peer is attached are
// simply dropped, matching the "populated lazily on first request"
// lifecycle.
func (d *Dispatcher) AttachPeer(p Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer = p
}

// emitToolsListChanged is registered as the registry's OnChange callback:
// every successful Load/Unload triggers a best-effort notification. A
// missing peer, or a transport error, is silently swallowed — a
// notification is an optimization, not a correctness requirement, since a
// client can always re-issue tools/list.
func (d *Dispatcher) emitToolsListChanged() {
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer == nil {
		return
	}
	_ = peer.Notify(context.Background(), "notifications/tools/list_changed", nil)
}

// Handle dispatches a single JSON-RPC request and returns its response.
// Handle never returns an error itself; transport-level failures (bad
// Method, missing component) are encoded into the Response.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = d.handleInitialize()
	case "tools/list":
		resp.Result = d.handleToolsList(ctx)
	case "tools/call":
		result, err := d.handleToolsCall(ctx, req.Params)
		if err != nil {
			resp.Error = &RPCError{Code: -32000, Message: err.Error()}
			break
		}
		resp.Result = result
	case "prompts/list":
		resp.Result = map[string]any{"prompts": []any{}}
	case "resources/list":
		resp.Result = map[string]any{"resources": []any{}}
	default:
		resp.Error = &RPCError{Code: -32601, Message: "method not found: " + req.Method}
	}
	return resp
}

func (d *Dispatcher) handleInitialize() any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
	}
}

type mcpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (d *Dispatcher) handleToolsList(ctx context.Context) any {
	tools := d.reg.ToolCatalog()
	tools = d.pipeline.RunListTools(ctx, tools)

	out := make([]mcpTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, mcpTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return map[string]any{"tools": out}
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolCallContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallResult struct {
	Content           []toolCallContent  `json:"content"`
	IsError           bool               `json:"isError"`
	StructuredContent *structuredContent `json:"structured_content,omitempty"`
}

// structuredContent carries a tool's typed result alongside the legacy text
// content, per the "result"-shaped output schema case in spec §4.F step 6 /
// §6.
type structuredContent struct {
	Result any `json:"result"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, rawParams json.RawMessage) (any, error) {
	var params toolCallParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, wasmerr.New(wasmerr.ClassMalformedArtifact, "invalid tools/call params")
	}

	componentID, err := d.reg.ComponentForTool(params.Name)
	if err != nil {
		return errorResult(err), nil
	}
	component, ok := d.reg.Get(componentID)
	if !ok {
		return errorResult(wasmerr.NotFound(componentID)), nil
	}

	call := hooks.NewToolCallContext(componentID, params.Name, params.Arguments)
	if err := d.pipeline.RunBefore(ctx, call); err != nil {
		d.audit(ctx, componentID, "ToolCallBlocked", map[string]any{"tool": params.Name, "reason": err.Error()})
		return errorResult(err), nil
	}

	argsJSON, err := json.Marshal(call.Arguments())
	if err != nil {
		return errorResult(wasmerr.New(wasmerr.ClassMalformedArtifact, "arguments not serializable")), nil
	}
	if v, ok := component.Validators[params.Name]; ok {
		if err := v.ValidateArgs(argsJSON); err != nil {
			d.audit(ctx, componentID, "ToolCallBlocked", map[string]any{"tool": params.Name, "reason": err.Error()})
			return errorResult(err), nil
		}
	}

	invResult, err := d.engine.Invoke(ctx, component.Compiled, componentID, component.Enforcer, d.secrets, component.EnvKeys(), wasmengine.Invocation{
		ExportName: params.Name,
		JSONArgs:   argsJSON,
	})

	result := &hooks.ToolCallResult{}
	if err != nil {
		result.IsError = true
		result.ErrorClass = string(wasmerr.ClassOf(err))
	} else {
		result.Output = invResult.Stdout
		if v, ok := component.Validators[params.Name]; ok {
			if verr := v.ValidateResult(invResult.Stdout); verr != nil {
				result.IsError = true
				result.ErrorClass = string(wasmerr.ClassOf(verr))
			}
		}
	}
	d.pipeline.RunAfter(ctx, call, result)
	d.audit(ctx, componentID, "ToolCall", map[string]any{"tool": params.Name, "is_error": result.IsError})

	if result.IsError {
		if err != nil {
			return errorResult(err), nil
		}
		return errorResult(wasmerr.New(wasmerr.Class(result.ErrorClass), "tool call failed")), nil
	}

	callResult := toolCallResult{Content: []toolCallContent{{Type: "text", Text: string(result.Output)}}}
	if v, ok := component.Validators[params.Name]; ok && v.HasOutputSchema() {
		var decoded any
		if err := json.Unmarshal(result.Output, &decoded); err == nil {
			callResult.StructuredContent = &structuredContent{Result: decoded}
		}
	}
	return callResult, nil
}

func (d *Dispatcher) audit(ctx context.Context, componentID, eventType string, detail any) {
	if d.Audit == nil {
		return
	}
	d.Audit(ctx, componentID, eventType, detail)
}

func errorResult(err error) toolCallResult {
	class := wasmerr.ClassOf(err)
	if class == wasmerr.ClassBlocked {
		return toolCallResult{
			Content: []toolCallContent{{Type: "text", Text: "Tool call blocked: " + blockedReason(err)}},
			IsError: true,
		}
	}
	msg := err.Error()
	if class != "" && !strings.HasPrefix(msg, string(class)+": ") {
		msg = string(class) + ": " + msg
	}
	return toolCallResult{
		Content: []toolCallContent{{Type: "text", Text: msg}},
		IsError: true,
	}
}

// blockedReason extracts the hook-supplied block reason from err, stripping
// the Blocked class tag that *wasmerr.Error.Error() would otherwise prepend.
func blockedReason(err error) string {
	var e *wasmerr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
