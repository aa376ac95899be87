package adapter

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/quantforge/eam/pkg/canonicalize"
	"github.com/quantforge/eam/pkg/catalog"
)

// Strategy definitions may not smuggle in policy constants or executable
// payloads. These keys belong to governed policies only.
var forbiddenInlinePolicyKeys = map[string]bool{
	"commission_bps":             true,
	"slippage_bps":               true,
	"tax_bps":                    true,
	"min_fee":                    true,
	"currency":                   true,
	"default_latency_seconds":    true,
	"bar_close_to_signal_seconds": true,
	"trade_lag_bars_default":     true,
	"asof_rule":                  true,
	"max_leverage":               true,
	"max_positions":              true,
	"max_drawdown":               true,
}

var forbiddenScriptTokens = map[string]bool{
	"code": true, "python": true, "script": true, "bash": true, "shell": true,
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// ScanSignalDSL walks the DSL document and reports governance violations:
// inline policy keys, script-shaped keys, and holdout detail references.
func ScanSignalDSL(doc interface{}) []string {
	var findings []string
	var walk func(obj interface{}, path string)
	walk = func(obj interface{}, path string) {
		switch v := obj.(type) {
		case map[string]interface{}:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				kl := strings.ToLower(k)
				p2 := path + "/" + k
				if forbiddenInlinePolicyKeys[kl] {
					findings = append(findings, fmt.Sprintf("%s: forbidden inline policy key: %s", p2, k))
				}
				for _, tok := range tokenSplit.Split(kl, -1) {
					if tok != "" && forbiddenScriptTokens[tok] {
						findings = append(findings, fmt.Sprintf("%s: forbidden script token in key: %s", p2, k))
						break
					}
				}
				walk(v[k], p2)
			}
		case []interface{}:
			for i, item := range v {
				walk(item, fmt.Sprintf("%s/%d", path, i))
			}
		case string:
			vl := strings.ToLower(v)
			if strings.Contains(vl, "holdout_curve") || strings.Contains(vl, "holdout_trades") {
				p := path
				if p == "" {
					p = "/"
				}
				findings = append(findings, p+": forbidden holdout detail reference in string value")
			}
		}
	}
	walk(doc, "")
	return findings
}

// SignalRow is one compiled signal observation, written to evidence CSVs.
type SignalRow struct {
	DT          string
	Symbol      string
	EntryRaw    bool
	ExitRaw     bool
	EntryLagged bool
	ExitLagged  bool
	Position    int
}

// CompiledSignals is the output of the DSL compiler: lagged entry/exit
// decisions per symbol in bar order, plus content fingerprints.
type CompiledSignals struct {
	Entry              map[string][]bool
	Exit               map[string][]bool
	Rows               []SignalRow
	LagBarsUsed        int
	DSLFingerprint     string
	SignalsFingerprint string
}

// series values are float64 with NaN for missing. Booleans are 1/0.
type series []float64

func constSeries(n int, v float64) series {
	s := make(series, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func truthy(v float64) bool { return !math.IsNaN(v) && v != 0 }

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func shiftSeries(s series, lag int) series {
	out := make(series, len(s))
	for i := range out {
		if i < lag {
			out[i] = math.NaN()
		} else {
			out[i] = s[i-lag]
		}
	}
	return out
}

func sma(s series, n int) (series, error) {
	if n <= 0 {
		return nil, invalidf("sma window must be >= 1")
	}
	out := make(series, len(s))
	sum := 0.0
	for i := range s {
		sum += s[i]
		if i >= n {
			sum -= s[i-n]
		}
		if i+1 < n {
			out[i] = math.NaN()
		} else {
			out[i] = sum / float64(n)
		}
	}
	return out, nil
}

func ema(s series, n int) (series, error) {
	if n <= 0 {
		return nil, invalidf("ema period must be >= 1")
	}
	alpha := 2.0 / (float64(n) + 1.0)
	out := make(series, len(s))
	prev := math.NaN()
	for i, v := range s {
		if math.IsNaN(prev) {
			prev = v
		} else {
			prev = alpha*v + (1-alpha)*prev
		}
		out[i] = prev
	}
	return out, nil
}

// rsi uses Wilder's smoothing (exponential mean with alpha=1/n), which never
// reads forward.
func rsi(close series, n int) (series, error) {
	if n <= 0 {
		return nil, invalidf("rsi period must be >= 1")
	}
	alpha := 1.0 / float64(n)
	out := make(series, len(close))
	avgGain, avgLoss := math.NaN(), math.NaN()
	for i := range close {
		if i == 0 {
			out[i] = math.NaN()
			avgGain, avgLoss = 0, 0
			continue
		}
		delta := close[i] - close[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else if delta < 0 {
			loss = -delta
		}
		avgGain = alpha*gain + (1-alpha)*avgGain
		avgLoss = alpha*loss + (1-alpha)*avgLoss
		if avgLoss == 0 {
			out[i] = math.NaN()
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100.0 - 100.0/(1.0+rs)
	}
	return out, nil
}

func crossAbove(a, b series) series {
	out := make(series, len(a))
	for i := range a {
		if i == 0 {
			out[i] = 0
			continue
		}
		prev := !math.IsNaN(a[i-1]) && !math.IsNaN(b[i-1]) && a[i-1] <= b[i-1]
		now := !math.IsNaN(a[i]) && !math.IsNaN(b[i]) && a[i] > b[i]
		out[i] = boolVal(prev && now)
	}
	return out
}

func crossBelow(a, b series) series {
	out := make(series, len(a))
	for i := range a {
		if i == 0 {
			out[i] = 0
			continue
		}
		prev := !math.IsNaN(a[i-1]) && !math.IsNaN(b[i-1]) && a[i-1] >= b[i-1]
		now := !math.IsNaN(a[i]) && !math.IsNaN(b[i]) && a[i] < b[i]
		out[i] = boolVal(prev && now)
	}
	return out
}

type symbolEval struct {
	bars   []catalog.Bar
	exprs  map[string]interface{}
	params map[string]interface{}
	cache  map[string]series
	stack  map[string]bool
}

func (e *symbolEval) column(name string) (series, bool) {
	out := make(series, len(e.bars))
	for i, b := range e.bars {
		switch name {
		case "open":
			out[i] = b.Open
		case "high":
			out[i] = b.High
		case "low":
			out[i] = b.Low
		case "close":
			out[i] = b.Close
		case "volume":
			out[i] = b.Volume
		default:
			return nil, false
		}
	}
	return out, true
}

func (e *symbolEval) evalName(name string) (series, error) {
	if s, ok := e.cache[name]; ok {
		return s, nil
	}
	if e.stack[name] {
		return nil, invalidf("cyclic expression reference: %q", name)
	}
	ast, ok := e.exprs[name].(map[string]interface{})
	if !ok {
		return nil, invalidf("expression not found or invalid: %q", name)
	}
	e.stack[name] = true
	s, err := e.evalAST(ast)
	delete(e.stack, name)
	if err != nil {
		return nil, err
	}
	e.cache[name] = s
	return s, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		return boolVal(n), true
	default:
		return 0, false
	}
}

func (e *symbolEval) evalAST(ast map[string]interface{}) (series, error) {
	n := len(e.bars)
	t, _ := ast["type"].(string)
	switch t {
	case "const":
		v, ok := toFloat(ast["value"])
		if !ok {
			return nil, invalidf("const value must be a number or bool")
		}
		return constSeries(n, v), nil
	case "param":
		pid, _ := ast["param_id"].(string)
		v, ok := toFloat(e.params[pid])
		if !ok {
			return nil, invalidf("unknown or non-numeric param_id: %q", pid)
		}
		return constSeries(n, v), nil
	case "var":
		vid, _ := ast["var_id"].(string)
		if s, ok := e.column(vid); ok {
			return s, nil
		}
		if _, ok := e.exprs[vid]; ok {
			return e.evalName(vid)
		}
		return nil, invalidf("unknown var_id: %q", vid)
	case "op":
		return e.evalOp(ast)
	}
	return nil, invalidf("unsupported ast type: %q", t)
}

func (e *symbolEval) evalOp(ast map[string]interface{}) (series, error) {
	n := len(e.bars)
	op, _ := ast["op"].(string)
	rawArgs, _ := ast["args"].([]interface{})
	args := make([]series, 0, len(rawArgs))
	for _, ra := range rawArgs {
		m, ok := ra.(map[string]interface{})
		if !ok {
			continue
		}
		s, err := e.evalAST(m)
		if err != nil {
			return nil, err
		}
		args = append(args, s)
	}
	need := func(k int) error {
		if len(args) < k {
			return invalidf("op %q needs %d args", op, k)
		}
		return nil
	}
	binary := func(f func(a, b float64) float64) (series, error) {
		if err := need(2); err != nil {
			return nil, err
		}
		out := make(series, n)
		for i := range out {
			out[i] = f(args[0][i], args[1][i])
		}
		return out, nil
	}
	cmp := func(f func(a, b float64) bool) (series, error) {
		return binary(func(a, b float64) float64 {
			if math.IsNaN(a) || math.IsNaN(b) {
				return 0
			}
			return boolVal(f(a, b))
		})
	}
	window := func() (int, error) {
		if err := need(2); err != nil {
			return 0, err
		}
		if len(args[1]) == 0 || math.IsNaN(args[1][0]) {
			return 0, invalidf("op %q window must be a number", op)
		}
		return int(args[1][0]), nil
	}

	switch op {
	case "and":
		out := constSeries(n, 1)
		for _, s := range args {
			for i := range out {
				out[i] = boolVal(truthy(out[i]) && truthy(s[i]))
			}
		}
		return out, nil
	case "or":
		out := constSeries(n, 0)
		for _, s := range args {
			for i := range out {
				out[i] = boolVal(truthy(out[i]) || truthy(s[i]))
			}
		}
		return out, nil
	case "not":
		if len(args) == 0 {
			return constSeries(n, 0), nil
		}
		out := make(series, n)
		for i := range out {
			out[i] = boolVal(!truthy(args[0][i]))
		}
		return out, nil
	case "eq":
		return cmp(func(a, b float64) bool { return a == b })
	case "gt":
		return cmp(func(a, b float64) bool { return a > b })
	case "lt":
		return cmp(func(a, b float64) bool { return a < b })
	case "ge":
		return cmp(func(a, b float64) bool { return a >= b })
	case "le":
		return cmp(func(a, b float64) bool { return a <= b })
	case "add":
		out := constSeries(n, 0)
		for _, s := range args {
			for i := range out {
				out[i] += s[i]
			}
		}
		return out, nil
	case "sub":
		return binary(func(a, b float64) float64 { return a - b })
	case "mul":
		out := constSeries(n, 1)
		for _, s := range args {
			for i := range out {
				out[i] *= s[i]
			}
		}
		return out, nil
	case "div":
		return binary(func(a, b float64) float64 {
			if b == 0 {
				return math.NaN()
			}
			return a / b
		})
	case "sma":
		w, err := window()
		if err != nil {
			return nil, err
		}
		return sma(args[0], w)
	case "ema":
		w, err := window()
		if err != nil {
			return nil, err
		}
		return ema(args[0], w)
	case "rsi":
		w, err := window()
		if err != nil {
			return nil, err
		}
		return rsi(args[0], w)
	case "cross_above":
		if err := need(2); err != nil {
			return nil, err
		}
		return crossAbove(args[0], args[1]), nil
	case "cross_below":
		if err := need(2); err != nil {
			return nil, err
		}
		return crossBelow(args[0], args[1]), nil
	}
	return nil, invalidf("unsupported op: %q", op)
}

// DSLFingerprint hashes the canonical form of the DSL document.
func DSLFingerprint(signalDSL map[string]interface{}) (string, error) {
	return canonicalize.CanonicalHash(signalDSL)
}

// CompileSignalDSL evaluates a signal_dsl_v1 document per symbol, lags the
// raw decisions by lagBars, and derives the long-only position sequence.
// lagBars must be >= 1 so a signal computed on bar t cannot trade on bar t.
func CompileSignalDSL(bars []catalog.Bar, signalDSL map[string]interface{}, lagBars int) (*CompiledSignals, error) {
	if lagBars < 1 {
		return nil, invalidf("lag_bars must be >= 1")
	}
	if findings := ScanSignalDSL(signalDSL); len(findings) > 0 {
		limit := findings
		if len(limit) > 5 {
			limit = limit[:5]
		}
		return nil, invalidf("signal_dsl violates governance red lines: %s", strings.Join(limit, "; "))
	}

	sigs, _ := signalDSL["signals"].(map[string]interface{})
	entryKey, _ := sigs["entry"].(string)
	exitKey, _ := sigs["exit"].(string)
	exprs, _ := signalDSL["expressions"].(map[string]interface{})
	params, _ := signalDSL["params"].(map[string]interface{})
	if entryKey == "" || exprs[entryKey] == nil {
		return nil, invalidf("signal_dsl.signals.entry must reference an expressions key")
	}
	if exitKey == "" || exprs[exitKey] == nil {
		return nil, invalidf("signal_dsl.signals.exit must reference an expressions key")
	}

	fp, err := DSLFingerprint(signalDSL)
	if err != nil {
		return nil, err
	}

	bySym := catalog.BySymbol(bars)
	symbols := make([]string, 0, len(bySym))
	for s := range bySym {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := &CompiledSignals{
		Entry:          map[string][]bool{},
		Exit:           map[string][]bool{},
		LagBarsUsed:    lagBars,
		DSLFingerprint: fp,
	}
	type fpRow struct {
		Symbol string `json:"symbol"`
		DT     string `json:"dt"`
		Entry  int    `json:"entry_lagged"`
		Exit   int    `json:"exit_lagged"`
	}
	var fpRows []fpRow
	for _, sym := range symbols {
		g := bySym[sym]
		ev := &symbolEval{
			bars:   g,
			exprs:  exprs,
			params: params,
			cache:  map[string]series{},
			stack:  map[string]bool{},
		}
		entryRaw, err := ev.evalName(entryKey)
		if err != nil {
			return nil, err
		}
		exitRaw, err := ev.evalName(exitKey)
		if err != nil {
			return nil, err
		}
		entryLagged := shiftSeries(entryRaw, lagBars)
		exitLagged := shiftSeries(exitRaw, lagBars)

		entries := make([]bool, len(g))
		exits := make([]bool, len(g))
		inPos := false
		for i := range g {
			entries[i] = truthy(entryLagged[i])
			exits[i] = truthy(exitLagged[i])
			// Same-bar rule: exit releases before entry claims.
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
				DT:          g[i].DT,
				Symbol:      sym,
				EntryRaw:    truthy(entryRaw[i]),
				ExitRaw:     truthy(exitRaw[i]),
				EntryLagged: entries[i],
				ExitLagged:  exits[i],
				Position:    pos,
			})
			fpRows = append(fpRows, fpRow{Symbol: sym, DT: g[i].DT, Entry: intOf(entries[i]), Exit: intOf(exits[i])})
		}
		out.Entry[sym] = entries
		out.Exit[sym] = exits
	}

	sigFP, err := canonicalize.CanonicalHash(fpRows)
	if err != nil {
		return nil, err
	}
	out.SignalsFingerprint = sigFP
	return out, nil
}

func intOf(b bool) int {
	if b {
		return 1
	}
	return 0
}
