package adapter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/eam/pkg/catalog"
	"github.com/quantforge/eam/pkg/policy"
)

func execPolicy(timing, fill string) *policy.Asset {
	return &policy.Asset{
		PolicyID: "execution_policy_v1_test",
		Params:   map[string]interface{}{"order_timing": timing, "fill_price": fill},
	}
}

func costPolicy(commissionBps, slippageBps float64) *policy.Asset {
	return &policy.Asset{
		PolicyID: "cost_policy_v1_test",
		Params:   map[string]interface{}{"commission_bps": commissionBps, "slippage_bps": slippageBps},
	}
}

func rampBars(symbol string, n int, base float64) []catalog.Bar {
	bars := make([]catalog.Bar, n)
	for i := 0; i < n; i++ {
		price := base + float64(i)
		bars[i] = catalog.Bar{
			Symbol: symbol,
			DT:     fmt.Sprintf("2024-01-%02d", i+1),
			Open:   price,
			High:   price + 1,
			Low:    price - 1,
			Close:  price + 0.5,
			Volume: 1000,
		}
	}
	return bars
}

func TestBuyAndHoldPositiveReturnOnRamp(t *testing.T) {
	bars := rampBars("AAA", 10, 100)
	res, err := Run(IDVectorbtSignalV1, Request{
		Bars:            bars,
		LagBars:         1,
		ExecutionPolicy: execPolicy("next_open", "open"),
		CostPolicy:      costPolicy(0, 0),
	})
	require.NoError(t, err)
	require.Len(t, res.EquityCurve, 10)
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	// Entry lagged one bar, exit on the final bar.
	assert.Equal(t, "2024-01-02", tr.EntryDT)
	assert.Equal(t, "2024-01-10", tr.ExitDT)
	assert.Greater(t, tr.PnL, 0.0)
	assert.Greater(t, res.Stats["total_return"].(float64), 0.0)
	assert.Equal(t, "buy_and_hold_mvp", res.Stats["strategy_id"])
}

func TestDeterministicAcrossRuns(t *testing.T) {
	bars := rampBars("AAA", 8, 50)
	req := Request{
		Bars:            bars,
		LagBars:         1,
		ExecutionPolicy: execPolicy("next_open", "open"),
		CostPolicy:      costPolicy(5, 10),
	}
	a, err := Run(IDVectorbtSignalV1, req)
	require.NoError(t, err)
	b, err := Run(IDVectorbtSignalV1, req)
	require.NoError(t, err)
	assert.Equal(t, a.EquityCurve, b.EquityCurve)
	assert.Equal(t, a.Trades, b.Trades)
}

func TestCostsReduceReturn(t *testing.T) {
	bars := rampBars("AAA", 10, 100)
	free, err := Run(IDVectorbtSignalV1, Request{
		Bars: bars, LagBars: 1,
		ExecutionPolicy: execPolicy("next_open", "open"),
		CostPolicy:      costPolicy(0, 0),
	})
	require.NoError(t, err)
	costly, err := Run(IDVectorbtSignalV1, Request{
		Bars: bars, LagBars: 1,
		ExecutionPolicy: execPolicy("next_open", "open"),
		CostPolicy:      costPolicy(50, 50),
	})
	require.NoError(t, err)
	assert.Less(t, costly.Stats["total_return"].(float64), free.Stats["total_return"].(float64))
}

func TestLargerLagDelaysEntry(t *testing.T) {
	bars := rampBars("AAA", 10, 100)
	lag1, err := Run(IDVectorbtSignalV1, Request{
		Bars: bars, LagBars: 1,
		ExecutionPolicy: execPolicy("next_open", "open"),
		CostPolicy:      costPolicy(0, 0),
	})
	require.NoError(t, err)
	lag2, err := Run(IDVectorbtSignalV1, Request{
		Bars: bars, LagBars: 2,
		ExecutionPolicy: execPolicy("next_open", "open"),
		CostPolicy:      costPolicy(0, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02", lag1.Trades[0].EntryDT)
	assert.Equal(t, "2024-01-03", lag2.Trades[0].EntryDT)
}

func TestRejectsZeroLag(t *testing.T) {
	_, err := Run(IDVectorbtSignalV1, Request{
		Bars: rampBars("AAA", 5, 10), LagBars: 0,
		ExecutionPolicy: execPolicy("next_open", "open"),
		CostPolicy:      costPolicy(0, 0),
	})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestRejectsUnsupportedExecutionCombo(t *testing.T) {
	_, err := Run(IDVectorbtSignalV1, Request{
		Bars: rampBars("AAA", 5, 10), LagBars: 1,
		ExecutionPolicy: execPolicy("next_open", "close"),
		CostPolicy:      costPolicy(0, 0),
	})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestUnknownAdapterID(t *testing.T) {
	_, err := Run("no_such_engine", Request{})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestMultiSymbolEqualWeight(t *testing.T) {
	bars := append(rampBars("AAA", 6, 100), rampBars("BBB", 6, 200)...)
	res, err := Run(IDVectorbtSignalV1, Request{
		Bars: bars, LagBars: 1,
		ExecutionPolicy: execPolicy("next_open", "open"),
		CostPolicy:      costPolicy(0, 0),
	})
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	maxObs := res.Exposure["max_observed"].(map[string]interface{})
	assert.Equal(t, 2, maxObs["max_positions_observed"])
}

func smaCrossDSL(fast, slow int) map[string]interface{} {
	return map[string]interface{}{
		"dsl_version": "signal_dsl_v1",
		"params":      map[string]interface{}{"fast": fast, "slow": slow},
		"expressions": map[string]interface{}{
			"sma_fast": map[string]interface{}{
				"type": "op", "op": "sma",
				"args": []interface{}{
					map[string]interface{}{"type": "var", "var_id": "close"},
					map[string]interface{}{"type": "param", "param_id": "fast"},
				},
			},
			"sma_slow": map[string]interface{}{
				"type": "op", "op": "sma",
				"args": []interface{}{
					map[string]interface{}{"type": "var", "var_id": "close"},
					map[string]interface{}{"type": "param", "param_id": "slow"},
				},
			},
			"entry_sig": map[string]interface{}{
				"type": "op", "op": "cross_above",
				"args": []interface{}{
					map[string]interface{}{"type": "var", "var_id": "sma_fast"},
					map[string]interface{}{"type": "var", "var_id": "sma_slow"},
				},
			},
			"exit_sig": map[string]interface{}{
				"type": "op", "op": "cross_below",
				"args": []interface{}{
					map[string]interface{}{"type": "var", "var_id": "sma_fast"},
					map[string]interface{}{"type": "var", "var_id": "sma_slow"},
				},
			},
		},
		"signals": map[string]interface{}{"entry": "entry_sig", "exit": "exit_sig"},
	}
}

func vShapeBars(symbol string, n int) []catalog.Bar {
	bars := make([]catalog.Bar, n)
	for i := 0; i < n; i++ {
		price := 100.0
		if i < n/2 {
			price -= float64(i)
		} else {
			price += float64(i - n/2)
		}
		bars[i] = catalog.Bar{
			Symbol: symbol,
			DT:     fmt.Sprintf("2024-02-%02d", i+1),
			Open:   price, High: price + 1, Low: price - 1, Close: price, Volume: 500,
		}
	}
	return bars
}

func TestSignalDSLCompiles(t *testing.T) {
	bars := vShapeBars("AAA", 20)
	sig, err := CompileSignalDSL(bars, smaCrossDSL(2, 5), 1)
	require.NoError(t, err)
	assert.Len(t, sig.Rows, 20)
	assert.Len(t, sig.DSLFingerprint, 64)
	assert.Len(t, sig.SignalsFingerprint, 64)

	// A cross must exist on the recovery leg.
	crossed := false
	for _, r := range sig.Rows {
		if r.EntryLagged {
			crossed = true
		}
	}
	assert.True(t, crossed)
}

func TestSignalDSLRunProducesFingerprints(t *testing.T) {
	res, err := Run(IDVectorbtSignalV1, Request{
		Bars: vShapeBars("AAA", 20), LagBars: 1,
		ExecutionPolicy: execPolicy("next_open", "open"),
		CostPolicy:      costPolicy(1, 1),
		SignalDSL:       smaCrossDSL(2, 5),
	})
	require.NoError(t, err)
	assert.Len(t, res.Stats["dsl_fingerprint"], 64)
	assert.Equal(t, "signal_dsl_v1", res.Stats["strategy_id"])
}

func TestSignalDSLLagNeverTradesSameBar(t *testing.T) {
	sig, err := CompileSignalDSL(vShapeBars("AAA", 20), smaCrossDSL(2, 5), 1)
	require.NoError(t, err)
	// A raw signal on bar t appears lagged on bar t+1, never on bar t.
	for i := 1; i < len(sig.Rows); i++ {
		assert.Equal(t, sig.Rows[i-1].EntryRaw, sig.Rows[i].EntryLagged)
		assert.Equal(t, sig.Rows[i-1].ExitRaw, sig.Rows[i].ExitLagged)
	}
	assert.False(t, sig.Rows[0].EntryLagged)
}

func TestSignalDSLRejectsInlinePolicyKeys(t *testing.T) {
	dsl := smaCrossDSL(2, 5)
	dsl["commission_bps"] = 3
	_, err := CompileSignalDSL(vShapeBars("AAA", 20), dsl, 1)
	require.ErrorIs(t, err, ErrInvalid)
	require.Contains(t, err.Error(), "forbidden inline policy key")
}

func TestSignalDSLRejectsScriptKeys(t *testing.T) {
	dsl := smaCrossDSL(2, 5)
	dsl["python_code"] = "import os"
	_, err := CompileSignalDSL(vShapeBars("AAA", 20), dsl, 1)
	require.ErrorIs(t, err, ErrInvalid)
	require.Contains(t, err.Error(), "forbidden script token")
}

func TestSignalDSLRejectsHoldoutReferences(t *testing.T) {
	dsl := smaCrossDSL(2, 5)
	dsl["note"] = "peek at holdout_curve.csv"
	_, err := CompileSignalDSL(vShapeBars("AAA", 20), dsl, 1)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestSignalDSLRejectsDanglingSignalRef(t *testing.T) {
	dsl := smaCrossDSL(2, 5)
	dsl["signals"] = map[string]interface{}{"entry": "missing", "exit": "exit_sig"}
	_, err := CompileSignalDSL(vShapeBars("AAA", 20), dsl, 1)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestSignalDSLFingerprintStable(t *testing.T) {
	bars := vShapeBars("AAA", 20)
	a, err := CompileSignalDSL(bars, smaCrossDSL(2, 5), 1)
	require.NoError(t, err)
	b, err := CompileSignalDSL(bars, smaCrossDSL(2, 5), 1)
	require.NoError(t, err)
	assert.Equal(t, a.DSLFingerprint, b.DSLFingerprint)
	assert.Equal(t, a.SignalsFingerprint, b.SignalsFingerprint)

	c, err := CompileSignalDSL(bars, smaCrossDSL(3, 7), 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.DSLFingerprint, c.DSLFingerprint)
}
