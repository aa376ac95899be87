// Package adapter hosts the execution engines that turn gated price bars and
// resolved policies into equity curves, trades, and risk evidence. Engines
// register by adapter id; vectorbt_signal_v1 is the deterministic reference
// engine.
package adapter

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/quantforge/eam/pkg/catalog"
	"github.com/quantforge/eam/pkg/policy"
)

// IDVectorbtSignalV1 is the reference engine id.
const IDVectorbtSignalV1 = "vectorbt_signal_v1"

// ErrInvalid marks request problems the caller caused: bad policies, bad DSL,
// bad lag. Runs failing with ErrInvalid must be recorded as invalid, not
// errored.
var ErrInvalid = errors.New("backtest invalid")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalid)...)
}

// Request carries everything an engine may consume. Costs come only from the
// cost policy and timing only from the execution policy.
type Request struct {
	Bars            []catalog.Bar
	LagBars         int
	ExecutionPolicy *policy.Asset
	CostPolicy      *policy.Asset
	SignalDSL       map[string]interface{}
	StrategyID      string
}

// EquityPoint is one mark-to-market observation.
type EquityPoint struct {
	DT     string
	Equity float64
}

// Trade is one closed round trip.
type Trade struct {
	Symbol  string
	EntryDT string
	ExitDT  string
	PnL     float64
	Qty     float64
	Fees    float64
}

// PositionRow is per-symbol mark-to-market evidence for risk gates.
type PositionRow struct {
	DT            string
	Symbol        string
	Qty           float64
	Close         float64
	PositionValue float64
	Equity        float64
}

// TurnoverRow records traded value relative to prior equity. Defined is
// false on bars where no denominator exists yet.
type TurnoverRow struct {
	DT       string
	Turnover float64
	Defined  bool
}

// Result is the full engine output.
type Result struct {
	EquityCurve []EquityPoint
	Trades      []Trade
	Positions   []PositionRow
	Turnover    []TurnoverRow
	Signals     []SignalRow
	Stats       map[string]interface{}
	Exposure    map[string]interface{}
}

// Engine runs one adapter id.
type Engine func(Request) (*Result, error)

var engines = map[string]Engine{
	IDVectorbtSignalV1: runVectorbtSignalV1,
}

// Register installs an engine under id, replacing any existing one.
func Register(id string, e Engine) {
	engines[id] = e
}

// Known reports whether an engine exists for id.
func Known(id string) bool {
	_, ok := engines[id]
	return ok
}

// Run dispatches to the engine registered for adapterID.
func Run(adapterID string, req Request) (*Result, error) {
	e, ok := engines[adapterID]
	if !ok {
		return nil, invalidf("unsupported adapter_id: %q", adapterID)
	}
	return e(req)
}

type executionParams struct {
	orderTiming string
	fillPrice   string
}

func resolveExecution(a *policy.Asset) (executionParams, error) {
	if a == nil || a.Params == nil {
		return executionParams{}, invalidf("execution_policy.params must be an object")
	}
	ot, ok := a.Params["order_timing"].(string)
	if !ok {
		return executionParams{}, invalidf("execution_policy.params.order_timing must be a string")
	}
	fp, _ := a.Params["fill_price"].(string)
	if fp == "" {
		if ot == "next_open" {
			fp = "open"
		} else {
			fp = "close"
		}
	}
	supported := map[[2]string]bool{
		{"next_open", "open"}: true,
		{"close", "close"}:    true,
	}
	if !supported[[2]string{ot, fp}] {
		return executionParams{}, invalidf("unsupported execution policy option: order_timing=%q, fill_price=%q", ot, fp)
	}
	return executionParams{orderTiming: ot, fillPrice: fp}, nil
}

func resolveCosts(a *policy.Asset) (commission, slippage float64, err error) {
	if a == nil || a.Params == nil {
		return 0, 0, invalidf("cost_policy.params must be an object")
	}
	cb, ok := numParam(a.Params["commission_bps"])
	if !ok {
		return 0, 0, invalidf("cost_policy.params.commission_bps must be a number")
	}
	sb, ok := numParam(a.Params["slippage_bps"])
	if !ok {
		return 0, 0, invalidf("cost_policy.params.slippage_bps must be a number")
	}
	return cb / 10000.0, sb / 10000.0, nil
}

func numParam(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// runVectorbtSignalV1 is the deterministic reference engine: signal DSL when
// present, otherwise buy-and-hold.
func runVectorbtSignalV1(req Request) (*Result, error) {
	if len(req.Bars) == 0 {
		return nil, invalidf("no symbols in prices")
	}
	if req.LagBars < 1 {
		return nil, invalidf("lag_bars must be >= 1")
	}
	exec, err := resolveExecution(req.ExecutionPolicy)
	if err != nil {
		return nil, err
	}
	commission, slippage, err := resolveCosts(req.CostPolicy)
	if err != nil {
		return nil, err
	}

	var sig *CompiledSignals
	strategyID := req.StrategyID
	if req.SignalDSL != nil {
		sig, err = CompileSignalDSL(req.Bars, req.SignalDSL, req.LagBars)
		if err != nil {
			return nil, err
		}
		if strategyID == "" {
			strategyID = "signal_dsl_v1"
			if ext, ok := req.SignalDSL["extensions"].(map[string]interface{}); ok {
				if sid, ok := ext["strategy_id"].(string); ok && sid != "" {
					strategyID = sid
				}
			}
		}
	} else {
		sig = buyAndHoldSignals(req.Bars, req.LagBars)
		if strategyID == "" {
			strategyID = "buy_and_hold_mvp"
		}
	}

	res, err := simulate(req.Bars, sig, exec, commission, slippage)
	if err != nil {
		return nil, err
	}

	res.Stats = map[string]interface{}{
		"adapter_id":   IDVectorbtSignalV1,
		"strategy_id":  strategyID,
		"lag_bars":     req.LagBars,
		"total_return": totalReturn(res.EquityCurve),
		"max_drawdown": maxDrawdown(res.EquityCurve),
		"trade_count":  len(res.Trades),
		"execution":    map[string]interface{}{"order_timing": exec.orderTiming, "fill_price": exec.fillPrice},
		"cost":         map[string]interface{}{"commission_fraction": commission, "slippage_fraction": slippage},
	}
	if s, ok := sharpe(res.EquityCurve, 252); ok {
		res.Stats["sharpe"] = s
	} else {
		res.Stats["sharpe"] = nil
	}
	if sig.DSLFingerprint != "" {
		res.Stats["dsl_fingerprint"] = sig.DSLFingerprint
		res.Stats["signals_fingerprint"] = sig.SignalsFingerprint
	}
	res.Signals = sig.Rows

	res.Exposure["adapter_id"] = IDVectorbtSignalV1
	res.Exposure["strategy_id"] = strategyID
	return res, nil
}

// buyAndHoldSignals enters at the first bar and exits so that, after lag, the
// exit lands on the last bar.
func buyAndHoldSignals(bars []catalog.Bar, lagBars int) *CompiledSignals {
	bySym := catalog.BySymbol(bars)
	out := &CompiledSignals{
		Entry:       map[string][]bool{},
		Exit:        map[string][]bool{},
		LagBarsUsed: lagBars,
	}
	symbols := make([]string, 0, len(bySym))
	for s := range bySym {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		g := bySym[sym]
		n := len(g)
		rawEntry := make([]bool, n)
		rawExit := make([]bool, n)
		if n > 0 {
			rawEntry[0] = true
			exitIdx := n - 1 - lagBars
			if exitIdx < 0 {
				exitIdx = 0
			}
			rawExit[exitIdx] = true
		}
		entries := make([]bool, n)
		exits := make([]bool, n)
		for i := lagBars; i < n; i++ {
			entries[i] = rawEntry[i-lagBars]
			exits[i] = rawExit[i-lagBars]
		}
		out.Entry[sym] = entries
		out.Exit[sym] = exits
		inPos := false
		for i := 0; i < n; i++ {
			if exits[i] {
				inPos = false
			}
			if entries[i] {
				inPos = true
			}
			pos := 0
			if inPos {
				pos = 1
			}
			out.Rows = append(out.Rows, SignalRow{
				DT: g[i].DT, Symbol: sym,
				EntryRaw: rawEntry[i], ExitRaw: rawExit[i],
				EntryLagged: entries[i], ExitLagged: exits[i],
				Position: pos,
			})
		}
	}
	return out
}

// simulate walks bars in dt order with a single long position per symbol and
// equal-weight cash allocation at entry. Entries execute before exits within
// a bar; valuation uses close.
func simulate(bars []catalog.Bar, sig *CompiledSignals, exec executionParams, commission, slippage float64) (*Result, error) {
	bySym := catalog.BySymbol(bars)
	symbols := make([]string, 0, len(bySym))
	for s := range bySym {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	// bar index position per symbol keyed by dt.
	type symbolBar struct {
		bar catalog.Bar
		idx int
	}
	barAt := make(map[string]map[string]symbolBar, len(symbols))
	dtSet := map[string]bool{}
	for _, sym := range symbols {
		barAt[sym] = map[string]symbolBar{}
		for i, b := range bySym[sym] {
			barAt[sym][b.DT] = symbolBar{bar: b, idx: i}
			dtSet[b.DT] = true
		}
	}
	dts := make([]string, 0, len(dtSet))
	for dt := range dtSet {
		dts = append(dts, dt)
	}
	sort.Strings(dts)

	execPrice := func(b catalog.Bar) float64 {
		if exec.orderTiming == "next_open" {
			return b.Open
		}
		return b.Close
	}

	cash := 1.0
	qty := map[string]float64{}
	inPos := map[string]bool{}
	entryDT := map[string]string{}
	entryPx := map[string]float64{}
	fees := map[string]float64{}

	res := &Result{Exposure: map[string]interface{}{}}
	var prevEquity float64
	havePrev := false
	maxLeverage := 0.0
	maxPositions := 0
	maxTurnover := 0.0

	for _, dt := range dts {
		tradeValueAbs := 0.0

		for _, sym := range symbols {
			sb, ok := barAt[sym][dt]
			if !ok {
				continue
			}
			if !sig.Entry[sym][sb.idx] || inPos[sym] {
				continue
			}
			free := 0
			for _, s2 := range symbols {
				if !inPos[s2] {
					free++
				}
			}
			if free < 1 {
				free = 1
			}
			alloc := cash / float64(free)
			px := execPrice(sb.bar) * (1.0 + slippage)
			q := 0.0
			if px > 0 {
				q = alloc / px
			}
			notional := q * px
			fee := notional * commission
			cash -= notional + fee
			tradeValueAbs += notional
			qty[sym] = q
			inPos[sym] = true
			entryDT[sym] = sb.bar.DT
			entryPx[sym] = px
			fees[sym] += fee
		}

		for _, sym := range symbols {
			sb, ok := barAt[sym][dt]
			if !ok {
				continue
			}
			if !sig.Exit[sym][sb.idx] || !inPos[sym] {
				continue
			}
			px := execPrice(sb.bar) * (1.0 - slippage)
			q := qty[sym]
			notional := q * px
			fee := notional * commission
			cash += notional - fee
			fees[sym] += fee
			tradeValueAbs += notional

			res.Trades = append(res.Trades, Trade{
				Symbol:  sym,
				EntryDT: entryDT[sym],
				ExitDT:  sb.bar.DT,
				PnL:     (px-entryPx[sym])*q - fees[sym],
				Qty:     q,
				Fees:    fees[sym],
			})
			qty[sym] = 0
			inPos[sym] = false
			fees[sym] = 0
		}

		net, gross := 0.0, 0.0
		posCount := 0
		var local []PositionRow
		for _, sym := range symbols {
			sb, ok := barAt[sym][dt]
			if !ok {
				continue
			}
			pv := qty[sym] * sb.bar.Close
			net += pv
			gross += abs(pv)
			if qty[sym] != 0 {
				posCount++
			}
			local = append(local, PositionRow{
				DT: dt, Symbol: sym, Qty: qty[sym], Close: sb.bar.Close, PositionValue: pv,
			})
		}
		equity := cash + net
		res.EquityCurve = append(res.EquityCurve, EquityPoint{DT: dt, Equity: equity})
		for i := range local {
			local[i].Equity = equity
			res.Positions = append(res.Positions, local[i])
		}

		denom := equity
		if havePrev && prevEquity > 0 {
			denom = prevEquity
		}
		tr := TurnoverRow{DT: dt}
		if denom > 0 {
			tr.Turnover = tradeValueAbs / denom
			tr.Defined = true
			if tr.Turnover > maxTurnover {
				maxTurnover = tr.Turnover
			}
		}
		res.Turnover = append(res.Turnover, tr)

		cashFloor := cash
		if cashFloor < 0 {
			cashFloor = 0
		}
		if d := gross + cashFloor; d > 0 {
			if lev := gross / d; lev > maxLeverage {
				maxLeverage = lev
			}
		}
		if posCount > maxPositions {
			maxPositions = posCount
		}
		prevEquity = equity
		havePrev = true
	}

	res.Exposure = map[string]interface{}{
		"schema_version": "backtest_exposure_v1",
		"max_observed": map[string]interface{}{
			"max_leverage_observed":  maxLeverage,
			"max_positions_observed": maxPositions,
			"max_turnover_observed":  maxTurnover,
		},
	}
	if len(res.EquityCurve) > 0 {
		res.Exposure["dt_min"] = res.EquityCurve[0].DT
		res.Exposure["dt_max"] = res.EquityCurve[len(res.EquityCurve)-1].DT
	}
	return res, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func totalReturn(curve []EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	return curve[len(curve)-1].Equity - 1.0
}

func maxDrawdown(curve []EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0].Equity
	worst := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := p.Equity/peak - 1.0; dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

func sharpe(curve []EquityPoint, periodsPerYear int) (float64, bool) {
	if len(curve) < 3 {
		return 0, false
	}
	var rets []float64
	for i := 1; i < len(curve); i++ {
		if curve[i-1].Equity == 0 {
			continue
		}
		rets = append(rets, curve[i].Equity/curve[i-1].Equity-1.0)
	}
	if len(rets) < 2 {
		return 0, false
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		d := r - mean
		ss += d * d
	}
	sigma := math.Sqrt(ss / float64(len(rets)-1))
	if sigma == 0 {
		return 0, false
	}
	return mean / sigma * math.Sqrt(float64(periodsPerYear)), true
}
