package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Host-specific semantic convention attributes.
var (
	AttrComponentID     = attribute.Key("wasmhost.component.id")
	AttrComponentState  = attribute.Key("wasmhost.component.state")
	AttrComponentAction = attribute.Key("wasmhost.component.action")
	AttrComponentEpoch  = attribute.Key("wasmhost.component.epoch")

	AttrToolName   = attribute.Key("wasmhost.tool.name")
	AttrToolAction = attribute.Key("wasmhost.tool.action")

	AttrHookName     = attribute.Key("wasmhost.hook.name")
	AttrHookDecision = attribute.Key("wasmhost.hook.decision")
	AttrHookLatency  = attribute.Key("wasmhost.hook.latency_ms")

	AttrEngineInstalledVersion = attribute.Key("wasmhost.engine.installed_version")
	AttrEngineRunningVersion   = attribute.Key("wasmhost.engine.running_version")
	AttrEngineCompatible       = attribute.Key("wasmhost.engine.compatible")

	AttrAuditEventType     = attribute.Key("wasmhost.audit.event_type")
	AttrAuditSeq           = attribute.Key("wasmhost.audit.seq")
	AttrAuditChainVerified = attribute.Key("wasmhost.audit.chain_verified")
)

// ComponentLifecycleOperation builds attributes for a Load/Unload
// transition.
func ComponentLifecycleOperation(componentID, state, action string, epoch int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrComponentID.String(componentID),
		AttrComponentState.String(state),
		AttrComponentAction.String(action),
		AttrComponentEpoch.Int64(epoch),
	}
}

// ToolCallOperation builds attributes for one dispatched tool call.
func ToolCallOperation(componentID, toolName, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrComponentID.String(componentID),
		AttrToolName.String(toolName),
		AttrToolAction.String(outcome),
	}
}

// HookDecisionOperation builds attributes for a before-hook's verdict on a
// call, including its evaluation cost.
func HookDecisionOperation(hookName, decision string, latencyMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrHookName.String(hookName),
		AttrHookDecision.String(decision),
		AttrHookLatency.Float64(latencyMs),
	}
}

// EngineCompatibilityOperation builds attributes for a Registry.Restore
// engine-version compatibility check.
func EngineCompatibilityOperation(installed, running string, compatible bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEngineInstalledVersion.String(installed),
		AttrEngineRunningVersion.String(running),
		AttrEngineCompatible.Bool(compatible),
	}
}

// AuditEntryOperation builds attributes for one appended or verified audit
// log entry.
func AuditEntryOperation(eventType string, seq int64, chainVerified bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAuditEventType.String(eventType),
		AttrAuditSeq.Int64(seq),
		AttrAuditChainVerified.Bool(chainVerified),
	}
}

// SpanFromContext extracts the current span from ctx, or a no-op span if
// none is active.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches a named event with attributes to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
