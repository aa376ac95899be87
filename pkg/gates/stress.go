package gates

import (
	"github.com/quantforge/eam/pkg/adapter"
	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/policy"
)

// baselineLag recovers the lag the runner used: dossier metrics first, then
// the as-of latency policy default, never below 1.
func (ctx *Context) baselineLag() int {
	if v, ok := ctx.Metrics["lag_bars"]; ok {
		if n := asInt(v, 0); n >= 1 {
			return n
		}
	}
	if ctx.AsOfLatency != nil {
		if n := ctx.AsOfLatency.IntParam("trade_lag_bars_default", 1); n >= 1 {
			return n
		}
	}
	return 1
}

// stressRerun executes the adapter against the test window with perturbed
// inputs and compares total_return to the dossier baseline. A nil
// costOverride keeps the bundle's cost policy.
func stressRerun(ctx *Context, gateID string, lagBars int, costOverride *policy.Asset, maxReturnDrop float64, extraMetrics map[string]interface{}, thresholds map[string]interface{}, notes string) schemas.GateResult {
	fail := func(metrics map[string]interface{}) schemas.GateResult {
		return schemas.GateResult{
			GateID:      gateID,
			GateVersion: "v1",
			Pass:        false,
			Status:      schemas.StatusError,
			Metrics:     metrics,
			Evidence:    &schemas.GateEvidence{Artifacts: []string{"config_snapshot.json", "metrics.json", "curve.csv", "trades.csv"}},
		}
	}

	seg, ok := extractSegment(ctx.RunSpec, "test")
	if !ok {
		return fail(map[string]interface{}{"reason": "missing runspec.segments.test.{start,end,as_of}"})
	}
	bars, stats, err := ctx.queryPrices(seg)
	if err != nil {
		return fail(map[string]interface{}{"error": err.Error()})
	}

	costPolicy := cloneAsset(ctx.Cost)
	if costOverride != nil {
		costPolicy = costOverride
	}
	ext := objField(ctx.RunSpec, "extensions")
	res, err := adapter.Run(strField(objField(ctx.RunSpec, "adapter"), "adapter_id"), adapter.Request{
		Bars:            bars,
		LagBars:         lagBars,
		ExecutionPolicy: cloneAsset(ctx.Execution),
		CostPolicy:      costPolicy,
		SignalDSL:       objField(ext, "signal_dsl"),
		StrategyID:      strField(ext, "strategy_id"),
	})
	if err != nil {
		m := map[string]interface{}{"error": err.Error()}
		for k, v := range extraMetrics {
			m[k] = v
		}
		return fail(m)
	}

	baseline := asFloat(ctx.Metrics["total_return"], 0)
	stressed := asFloat(res.Stats["total_return"], 0)
	passed := stressed >= baseline-maxReturnDrop

	metrics := map[string]interface{}{
		"rows_before_asof":      stats.RowsBeforeAsOf,
		"rows_after_asof":       stats.RowsAfterAsOf,
		"baseline_total_return": baseline,
		"stressed_total_return": stressed,
		"return_drop":           baseline - stressed,
	}
	for k, v := range extraMetrics {
		metrics[k] = v
	}
	status := schemas.StatusOK
	if !passed {
		status = schemas.StatusError
	}
	return schemas.GateResult{
		GateID:      gateID,
		GateVersion: "v1",
		Pass:        passed,
		Status:      status,
		Metrics:     metrics,
		Thresholds:  thresholds,
		Evidence: &schemas.GateEvidence{
			Artifacts: []string{"config_snapshot.json", "metrics.json", "curve.csv", "trades.csv"},
			Notes:     notes,
		},
	}
}

// gate_delay_plus_1bar_v1 re-runs the backtest with one extra bar of lag; a
// strategy whose edge evaporates under +1 bar was trading on lookahead.
func runDelayPlus1Bar(ctx *Context, params map[string]interface{}) schemas.GateResult {
	maxDrop := 0.05
	if v, ok := params["max_return_drop"]; ok {
		maxDrop = asFloat(v, maxDrop)
	}
	baseLag := ctx.baselineLag()
	return stressRerun(ctx, "gate_delay_plus_1bar_v1", baseLag+1, nil, maxDrop,
		map[string]interface{}{
			"baseline_lag_bars": baseLag,
			"stressed_lag_bars": baseLag + 1,
		},
		map[string]interface{}{"max_return_drop": maxDrop},
		"re-runs backtest with lag_bars+1 in-memory; compares total_return vs dossier baseline",
	)
}

// gate_cost_x2_v1 re-runs the backtest with commission and slippage doubled.
func runCostX2(ctx *Context, params map[string]interface{}) schemas.GateResult {
	maxDrop := 0.10
	if v, ok := params["max_return_drop"]; ok {
		maxDrop = asFloat(v, maxDrop)
	}

	stressedCost := cloneAsset(ctx.Cost)
	baselineParams := map[string]interface{}{}
	stressedParams := map[string]interface{}{}
	if stressedCost != nil {
		for _, k := range []string{"commission_bps", "slippage_bps"} {
			if v, ok := stressedCost.Params[k]; ok {
				baselineParams[k] = v
				doubled := asFloat(v, 0) * 2
				stressedCost.Params[k] = doubled
				stressedParams[k] = doubled
			}
		}
	}

	return stressRerun(ctx, "gate_cost_x2_v1", ctx.baselineLag(), stressedCost, maxDrop,
		map[string]interface{}{
			"baseline_cost_policy_params": baselineParams,
			"stressed_cost_policy_params": stressedParams,
		},
		map[string]interface{}{"max_return_drop": maxDrop, "factor": 2.0},
		"re-runs backtest with cost_policy commission/slippage doubled in-memory; compares total_return vs dossier baseline",
	)
}
