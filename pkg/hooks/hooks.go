// Package hooks implements the before/after/list-tools middleware pipeline
// that every tool call and tool listing passes through: before-hooks run in
// registration order and can short-circuit a call, after-hooks run in
// reverse order and never fail the call, list-tools hooks filter or
// annotate the advertised catalog.
//
// The wrap-handler-around-the-real-handler shape, with a pre-execution
// check that can short-circuit and a post-execution step that audits but
// never blocks, is generalized from this codebase's own firewall
// middleware; "failures logged not propagated" for the post-execution step
// matches that firewall's audit-is-best-effort behavior.
package hooks

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/wasmhost/pkg/storage"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

// ToolCallContext is threaded through every hook invoked for one tool call.
// Arguments follow copy-on-write semantics: a hook that wants to change an
// argument must clone via CloneArguments and install the clone with
// SetArguments; a hook that makes no change leaves the same map in place
// for every hook downstream, so the identity of Arguments() is stable
// across a call unless something actually changed it. Metadata is a single
// map shared by reference across the whole chain, before and after alike.
type ToolCallContext struct {
	ComponentID string
	ToolName    string
	Metadata    map[string]any

	arguments map[string]any
	blocked   bool
	blockedBy string
}

func NewToolCallContext(componentID, toolName string, arguments map[string]any) *ToolCallContext {
	return &ToolCallContext{
		ComponentID: componentID,
		ToolName:    toolName,
		Metadata:    make(map[string]any),
		arguments:   arguments,
	}
}

// Arguments returns the current argument map. Callers that only read never
// need to clone.
func (c *ToolCallContext) Arguments() map[string]any { return c.arguments }

// CloneArguments returns a shallow copy of the current arguments, for a
// hook that intends to mutate them.
func (c *ToolCallContext) CloneArguments() map[string]any {
	clone := make(map[string]any, len(c.arguments))
	for k, v := range c.arguments {
		clone[k] = v
	}
	return clone
}

// SetArguments installs a (presumably cloned-then-mutated) replacement
// argument map.
func (c *ToolCallContext) SetArguments(args map[string]any) { c.arguments = args }

// Block short-circuits the pipeline: no further before-hooks run, the
// underlying tool is never invoked, and After never runs either.
func (c *ToolCallContext) Block(reason string) {
	c.blocked = true
	c.blockedBy = reason
}

func (c *ToolCallContext) Blocked() (bool, string) { return c.blocked, c.blockedBy }

// ArgumentsIdentity exposes the underlying map's identity for tests
// verifying the copy-on-write invariant: unchanged arguments keep the same
// identity across the whole before-hook chain.
func (c *ToolCallContext) ArgumentsIdentity() uintptr {
	return reflect.ValueOf(c.arguments).Pointer()
}

// ToolCallResult is what a before-hook chain hands to the real invocation,
// and what after-hooks observe and may annotate (but not replace).
type ToolCallResult struct {
	Output     []byte
	IsError    bool
	ErrorClass string
}

// BeforeHook inspects (and may mutate, via ToolCallContext) an in-flight
// call before it reaches the engine. Returning an error, or calling
// call.Block, stops the chain: the tool is never invoked.
type BeforeHook func(ctx context.Context, call *ToolCallContext) error

// AfterHook observes a completed call's result. Errors are logged, never
// propagated: a broken audit hook must not turn a successful tool call into
// a failed one.
type AfterHook func(ctx context.Context, call *ToolCallContext, result *ToolCallResult) error

// ListToolsHook filters or annotates the tool catalog advertised to a
// client; each hook receives the previous stage's list and returns the next.
type ListToolsHook func(ctx context.Context, tools []storage.ToolSchema) []storage.ToolSchema

type namedHook[T any] struct {
	name string
	fn   T
}

// Pipeline owns the three hook chains and their registration order.
type Pipeline struct {
	mu        sync.RWMutex
	before    []namedHook[BeforeHook]
	after     []namedHook[AfterHook]
	listTools []namedHook[ListToolsHook]
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{logger: logger}
}

func (p *Pipeline) RegisterBefore(name string, fn BeforeHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.before = append(p.before, namedHook[BeforeHook]{name, fn})
}

func (p *Pipeline) RegisterAfter(name string, fn AfterHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.after = append(p.after, namedHook[AfterHook]{name, fn})
}

func (p *Pipeline) RegisterListTools(name string, fn ListToolsHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listTools = append(p.listTools, namedHook[ListToolsHook]{name, fn})
}

// RunBefore executes every before-hook in registration order. It returns a
// Blocked error the instant a hook blocks the call, or a HookFailure error
// the instant one returns an error; either way no further before-hooks run
// and the caller must not invoke the tool.
func (p *Pipeline) RunBefore(ctx context.Context, call *ToolCallContext) error {
	p.mu.RLock()
	chain := make([]namedHook[BeforeHook], len(p.before))
	copy(chain, p.before)
	p.mu.RUnlock()

	for _, h := range chain {
		if err := h.fn(ctx, call); err != nil {
			return wasmerr.HookFailure(h.name, err)
		}
		if blocked, reason := call.Blocked(); blocked {
			return wasmerr.Blocked(reason)
		}
	}
	return nil
}

// RunAfter executes every after-hook in reverse registration order. Hook
// errors are logged and swallowed: the call's own outcome is never altered
// by a broken after-hook.
func (p *Pipeline) RunAfter(ctx context.Context, call *ToolCallContext, result *ToolCallResult) {
	p.mu.RLock()
	chain := make([]namedHook[AfterHook], len(p.after))
	copy(chain, p.after)
	p.mu.RUnlock()

	for i := len(chain) - 1; i >= 0; i-- {
		h := chain[i]
		if err := h.fn(ctx, call, result); err != nil {
			p.logger.Error("hooks: after-hook failed", "hook", h.name, "tool", call.ToolName, "error", err)
		}
	}
}

// RunListTools threads tools through every list-tools hook in registration
// order, returning the final, possibly filtered and annotated, catalog.
func (p *Pipeline) RunListTools(ctx context.Context, tools []storage.ToolSchema) []storage.ToolSchema {
	p.mu.RLock()
	chain := make([]namedHook[ListToolsHook], len(p.listTools))
	copy(chain, p.listTools)
	p.mu.RUnlock()

	out := tools
	for _, h := range chain {
		out = h.fn(ctx, out)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
