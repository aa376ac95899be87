package gates

import (
	"github.com/quantforge/eam/pkg/contracts/schemas"
)

// gate_no_lookahead_v1 re-queries the catalog for the test window and asserts
// that the availability gate held: no bar with available_at past as_of.
func runNoLookahead(ctx *Context, params map[string]interface{}) schemas.GateResult {
	seg, ok := extractSegment(ctx.RunSpec, "test")
	if !ok {
		return schemas.GateResult{
			GateID:      "gate_no_lookahead_v1",
			GateVersion: "v1",
			Pass:        false,
			Status:      schemas.StatusError,
			Metrics:     map[string]interface{}{"reason": "missing runspec.segments.test.{start,end,as_of}"},
			Evidence:    &schemas.GateEvidence{Artifacts: []string{"config_snapshot.json"}},
		}
	}

	bars, stats, err := ctx.queryPrices(seg)
	if err != nil {
		return schemas.GateResult{
			GateID:      "gate_no_lookahead_v1",
			GateVersion: "v1",
			Pass:        false,
			Status:      schemas.StatusError,
			Metrics:     map[string]interface{}{"error": err.Error()},
			Evidence:    &schemas.GateEvidence{Artifacts: []string{"config_snapshot.json", "data_manifest.json"}},
		}
	}

	violations := countAsOfViolations(bars, seg.asOf)
	passed := violations == 0
	status := schemas.StatusOK
	if !passed {
		status = schemas.StatusError
	}
	return schemas.GateResult{
		GateID:      "gate_no_lookahead_v1",
		GateVersion: "v1",
		Pass:        passed,
		Status:      status,
		Metrics: map[string]interface{}{
			"rows_before_asof": stats.RowsBeforeAsOf,
			"rows_after_asof":  stats.RowsAfterAsOf,
			"violations_count": violations,
			"snapshot_id":      strField(ctx.RunSpec, "data_snapshot_id"),
			"segment":          map[string]interface{}{"start": seg.start, "end": seg.end, "as_of": seg.asOf},
		},
		Evidence: &schemas.GateEvidence{
			Artifacts: []string{"config_snapshot.json", "data_manifest.json"},
			Notes:     "re-queries the catalog and asserts available_at <= as_of held",
		},
	}
}
