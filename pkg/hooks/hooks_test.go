package hooks

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wasmhost/pkg/storage"
)

func TestPipeline_BeforeHooksRunInOrder(t *testing.T) {
	p := New(nil)
	var order []string
	p.RegisterBefore("first", func(ctx context.Context, c *ToolCallContext) error {
		order = append(order, "first")
		return nil
	})
	p.RegisterBefore("second", func(ctx context.Context, c *ToolCallContext) error {
		order = append(order, "second")
		return nil
	})

	call := NewToolCallContext("comp", "tool", map[string]any{"x": 1})
	require.NoError(t, p.RunBefore(context.Background(), call))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPipeline_BeforeHookBlockShortCircuits(t *testing.T) {
	p := New(nil)
	var ran2 bool
	p.RegisterBefore("blocker", func(ctx context.Context, c *ToolCallContext) error {
		c.Block("not allowed")
		return nil
	})
	p.RegisterBefore("never", func(ctx context.Context, c *ToolCallContext) error {
		ran2 = true
		return nil
	})

	call := NewToolCallContext("comp", "tool", nil)
	err := p.RunBefore(context.Background(), call)
	require.Error(t, err)
	assert.False(t, ran2, "a hook after a block must never run")
}

func TestPipeline_BeforeHookErrorShortCircuits(t *testing.T) {
	p := New(nil)
	var ran2 bool
	p.RegisterBefore("failing", func(ctx context.Context, c *ToolCallContext) error {
		return errors.New("boom")
	})
	p.RegisterBefore("never", func(ctx context.Context, c *ToolCallContext) error {
		ran2 = true
		return nil
	})

	call := NewToolCallContext("comp", "tool", nil)
	err := p.RunBefore(context.Background(), call)
	require.Error(t, err)
	assert.False(t, ran2)
}

func TestPipeline_AfterHooksRunInReverseOrderAndSwallowErrors(t *testing.T) {
	p := New(slog.Default())
	var order []string
	p.RegisterAfter("first", func(ctx context.Context, c *ToolCallContext, r *ToolCallResult) error {
		order = append(order, "first")
		return errors.New("audit sink down")
	})
	p.RegisterAfter("second", func(ctx context.Context, c *ToolCallContext, r *ToolCallResult) error {
		order = append(order, "second")
		return nil
	})

	call := NewToolCallContext("comp", "tool", nil)
	result := &ToolCallResult{Output: []byte("ok")}

	assert.NotPanics(t, func() { p.RunAfter(context.Background(), call, result) })
	assert.Equal(t, []string{"second", "first"}, order, "after-hooks run in reverse registration order")
}

func TestPipeline_ListToolsFiltersAndSorts(t *testing.T) {
	p := New(nil)
	p.RegisterListTools("drop-internal", func(ctx context.Context, tools []storage.ToolSchema) []storage.ToolSchema {
		out := tools[:0]
		for _, t := range tools {
			if t.Name != "internal" {
				out = append(out, t)
			}
		}
		return out
	})

	in := []storage.ToolSchema{{Name: "zeta"}, {Name: "internal"}, {Name: "alpha"}}
	out := p.RunListTools(context.Background(), in)
	require.Len(t, out, 2)
	assert.Equal(t, "alpha", out[0].Name)
	assert.Equal(t, "zeta", out[1].Name)
}

// TestArgumentCOWIdentity is the property-based test for spec's "copy on
// write argument identity": a before-hook chain that never calls
// SetArguments must hand every hook the exact same underlying map; a chain
// containing a mutating hook must produce a distinct identity from that
// point forward.
func TestArgumentCOWIdentity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("unchanged arguments keep identity across a read-only chain", prop.ForAll(
		func(hookCount int) bool {
			p := New(nil)
			call := NewToolCallContext("comp", "tool", map[string]any{"seed": 1})
			original := call.ArgumentsIdentity()

			for i := 0; i < hookCount; i++ {
				p.RegisterBefore("noop", func(ctx context.Context, c *ToolCallContext) error {
					_ = c.Arguments()["seed"]
					return nil
				})
			}
			if err := p.RunBefore(context.Background(), call); err != nil {
				return false
			}
			return call.ArgumentsIdentity() == original
		},
		gen.IntRange(0, 10),
	))

	properties.Property("a mutating hook changes identity for every hook after it", prop.ForAll(
		func(hookCount int) bool {
			p := New(nil)
			call := NewToolCallContext("comp", "tool", map[string]any{"seed": 1})
			original := call.ArgumentsIdentity()

			p.RegisterBefore("mutator", func(ctx context.Context, c *ToolCallContext) error {
				clone := c.CloneArguments()
				clone["seed"] = 2
				c.SetArguments(clone)
				return nil
			})
			var sawChanged = true
			for i := 0; i < hookCount; i++ {
				p.RegisterBefore("observer", func(ctx context.Context, c *ToolCallContext) error {
					sawChanged = sawChanged && c.ArgumentsIdentity() != original
					return nil
				})
			}
			if err := p.RunBefore(context.Background(), call); err != nil {
				return false
			}
			return sawChanged && call.Arguments()["seed"] == 2
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
