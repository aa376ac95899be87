package gates

import (
	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/holdout"
)

// gate_holdout_passfail_v1 hands the sealed holdout window to the vault and
// records only the minimal verdict it returns. Full holdout metrics stay
// inside pkg/holdout.
func runHoldoutPassFail(ctx *Context, params map[string]interface{}) schemas.GateResult {
	result := func(pass bool, status string, metrics map[string]interface{}) schemas.GateResult {
		return schemas.GateResult{
			GateID:      "gate_holdout_passfail_v1",
			GateVersion: "v1",
			Pass:        pass,
			Status:      status,
			Metrics:     metrics,
			Evidence:    &schemas.GateEvidence{Artifacts: []string{"config_snapshot.json"}},
		}
	}

	seg, ok := extractSegment(ctx.RunSpec, "holdout")
	if !ok {
		return result(true, schemas.StatusSkipped, map[string]interface{}{
			"holdout_present": false,
			"reason":          "runspec declares no holdout segment",
		})
	}

	// The suite must opt in to the minimal-output protocol before the vault
	// will be consulted.
	output := ""
	if ctx.GateSuite != nil {
		output = strField(objField(ctx.GateSuite.Params, "holdout_policy"), "output")
	}
	if output != "pass_fail_minimal_summary" {
		return result(false, schemas.StatusError, map[string]interface{}{
			"holdout_present": true,
			"error":           "gate_suite holdout_policy.output must be pass_fail_minimal_summary",
		})
	}

	ext := objField(ctx.RunSpec, "extensions")
	res, err := holdout.EvaluateMinimal(holdout.Request{
		DataRoot:        ctx.dataRoot(),
		SnapshotID:      strField(ctx.RunSpec, "data_snapshot_id"),
		Symbols:         extractSymbols(ctx.RunSpec),
		Window:          holdout.Window{Start: seg.start, End: seg.end, AsOf: seg.asOf},
		AdapterID:       strField(objField(ctx.RunSpec, "adapter"), "adapter_id"),
		LagBars:         ctx.baselineLag(),
		ExecutionPolicy: cloneAsset(ctx.Execution),
		CostPolicy:      cloneAsset(ctx.Cost),
		SignalDSL:       objField(ext, "signal_dsl"),
		StrategyID:      strField(ext, "strategy_id"),
		Params:          params,
	})
	if err != nil {
		return result(false, schemas.StatusError, map[string]interface{}{
			"holdout_present": true,
			"error":           err.Error(),
		})
	}

	status := schemas.StatusOK
	if !res.Passed {
		status = schemas.StatusError
	}
	return result(res.Passed, status, map[string]interface{}{
		"holdout_present": true,
		"pass":            res.Passed,
		"summary":         res.Summary,
		"metrics_minimal": map[string]interface{}{
			"total_return": res.MetricsMinimal.TotalReturn,
			"trade_count":  res.MetricsMinimal.TradeCount,
			"lag_bars":     res.MetricsMinimal.LagBars,
		},
	})
}
