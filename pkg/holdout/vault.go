// Package holdout evaluates the sealed holdout segment. The vault only ever
// emits a pass/fail verdict plus a minimal metric surface; full holdout
// curves, trades, and ratio metrics never leave it.
package holdout

import (
	"errors"
	"fmt"

	"github.com/quantforge/eam/pkg/adapter"
	"github.com/quantforge/eam/pkg/catalog"
	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/policy"
)

// ErrInvalid marks holdout requests the caller caused: missing window fields,
// empty price queries, bad policies.
var ErrInvalid = errors.New("holdout invalid")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalid)...)
}

// Window is the sealed segment to evaluate.
type Window struct {
	Start string
	End   string
	AsOf  string
}

// Request carries everything the vault needs to run the holdout backtest.
type Request struct {
	DataRoot        string
	SnapshotID      string
	Symbols         []string
	Window          Window
	AdapterID       string
	LagBars         int
	ExecutionPolicy *policy.Asset
	CostPolicy      *policy.Asset
	SignalDSL       map[string]interface{}
	StrategyID      string

	// Params come from the holdout gate definition; min_total_return is the
	// only recognized threshold.
	Params map[string]interface{}
}

// Result is the vault's entire output surface.
type Result struct {
	Passed         bool
	Summary        string
	MetricsMinimal schemas.MetricsMinimal
}

const summaryMaxLen = 240

// EvaluateMinimal runs the holdout backtest and reduces it to a verdict.
// Without a min_total_return threshold the evaluation passes by construction
// and the summary says so.
func EvaluateMinimal(req Request) (*Result, error) {
	if req.Window.Start == "" || req.Window.End == "" || req.Window.AsOf == "" {
		return nil, invalidf("holdout window requires start, end, and as_of")
	}
	if req.SnapshotID == "" {
		return nil, invalidf("holdout evaluation requires a data_snapshot_id")
	}
	lag := req.LagBars
	if lag < 1 {
		lag = 1
	}

	cat := catalog.NewCatalog(req.DataRoot)
	bars, _, _, err := cat.QueryOHLCV(req.SnapshotID, req.Symbols, req.Window.Start, req.Window.End, req.Window.AsOf)
	if err != nil {
		return nil, invalidf("holdout price query failed: %v", err)
	}
	if len(bars) == 0 {
		return nil, invalidf("holdout price query returned 0 rows")
	}

	res, err := adapter.Run(req.AdapterID, adapter.Request{
		Bars:            bars,
		LagBars:         lag,
		ExecutionPolicy: req.ExecutionPolicy,
		CostPolicy:      req.CostPolicy,
		SignalDSL:       req.SignalDSL,
		StrategyID:      req.StrategyID,
	})
	if err != nil {
		if errors.Is(err, adapter.ErrInvalid) {
			return nil, fmt.Errorf("holdout backtest: %w", err)
		}
		return nil, err
	}

	totalReturn := floatStat(res.Stats, "total_return")
	tradeCount := intStat(res.Stats, "trade_count")

	passed := true
	summary := "holdout evaluated (minimal output); no threshold configured"
	if raw, ok := req.Params["min_total_return"]; ok {
		threshold := floatStat(map[string]interface{}{"v": raw}, "v")
		passed = totalReturn >= threshold
		summary = fmt.Sprintf("holdout total_return=%.6f threshold=%.6f", totalReturn, threshold)
	}
	if len(summary) > summaryMaxLen {
		summary = summary[:summaryMaxLen]
	}

	return &Result{
		Passed:  passed,
		Summary: summary,
		MetricsMinimal: schemas.MetricsMinimal{
			TotalReturn: totalReturn,
			TradeCount:  tradeCount,
			LagBars:     lag,
		},
	}, nil
}

func floatStat(m map[string]interface{}, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func intStat(m map[string]interface{}, key string) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
