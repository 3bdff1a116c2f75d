package policyloader

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/wasmhost/pkg/hooks"
)

// BlockHook returns a hooks.BeforeHook backed by this loader's active
// rules, suitable for hooks.Pipeline.RegisterBefore. It re-reads the
// loader's current rule set on every call, so a bundle reload (via
// LoadFile/LoadAll) takes effect on the next tool call with no
// re-registration needed.
func (l *Loader) BlockHook() hooks.BeforeHook {
	return func(ctx context.Context, call *hooks.ToolCallContext) error {
		blocked, rule, err := l.Evaluate(call.ToolName, call.Arguments())
		if err != nil {
			return fmt.Errorf("policyloader: %w", err)
		}
		if blocked {
			call.Block(fmt.Sprintf("rule %s (%s): %s", rule.ID, rule.Name, rule.Expression))
		}
		return nil
	}
}
