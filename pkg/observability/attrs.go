// Domain-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for the experiment platform.
var (
	AttrJobID     = attribute.Key("eam.job_id")
	AttrRunID     = attribute.Key("eam.run_id")
	AttrStage     = attribute.Key("eam.stage")
	AttrAgentID   = attribute.Key("eam.agent_id")
	AttrSnapshot  = attribute.Key("eam.snapshot_id")
	AttrBundleID  = attribute.Key("eam.policy_bundle_id")
	AttrGatePass  = attribute.Key("eam.gates.overall_pass")
	AttrGateSuite = attribute.Key("eam.gates.suite_id")
	AttrSweepStop = attribute.Key("eam.sweep.stopped_reason")
)

// JobOperation creates attributes for one job advancement.
func JobOperation(jobID, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrStage.String(stage),
	}
}

// RunOperation creates attributes for one backtest run.
func RunOperation(runID, snapshotID, bundleID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrSnapshot.String(snapshotID),
		AttrBundleID.String(bundleID),
	}
}

// GateOperation creates attributes for one gate arbitration.
func GateOperation(runID, suiteID string, overallPass bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrGateSuite.String(suiteID),
		AttrGatePass.Bool(overallPass),
	}
}

// AgentOperation creates attributes for one agent session.
func AgentOperation(jobID, agentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrAgentID.String(agentID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
