package gates

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/fsio"
)

const riskEps = 1e-12

func datePart(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		return s[:i]
	}
	return s
}

// csvRows loads a header-keyed CSV into maps, tolerant of short rows.
func csvRows(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, err
	}
	var out []map[string]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// turnoverSeries returns (dts, values) where an empty cell yields NaN.
func turnoverSeries(path string) ([]string, []float64, error) {
	rows, err := csvRows(path)
	if err != nil {
		return nil, nil, err
	}
	var dts []string
	var vals []float64
	for _, row := range rows {
		dt := datePart(row["dt"])
		if dt == "" {
			continue
		}
		v := math.NaN()
		if s := strings.TrimSpace(row["turnover"]); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				v = f
			}
		}
		dts = append(dts, dt)
		vals = append(vals, v)
	}
	return dts, vals, nil
}

// positionsCountSeries counts non-zero positions per dt from the long-format
// positions evidence.
func positionsCountSeries(path string) ([]string, []int, bool, error) {
	rows, err := csvRows(path)
	if err != nil {
		return nil, nil, false, err
	}
	counts := map[string]int{}
	hasShort := false
	for _, row := range rows {
		dt := datePart(row["dt"])
		if dt == "" {
			continue
		}
		qty, _ := strconv.ParseFloat(strings.TrimSpace(row["qty"]), 64)
		if qty < 0 {
			hasShort = true
		}
		if qty == 0 {
			continue
		}
		counts[dt]++
	}
	dts := make([]string, 0, len(counts))
	for dt := range counts {
		dts = append(dts, dt)
	}
	sort.Strings(dts)
	vals := make([]int, len(dts))
	for i, dt := range dts {
		vals[i] = counts[dt]
	}
	return dts, vals, hasShort, nil
}

// risk_policy_compliance_v1 enforces the risk policy against the risk
// evidence the backtest engine produced, and writes risk_report.json as new
// append-only evidence.
func runRiskCompliance(ctx *Context, params map[string]interface{}) schemas.GateResult {
	fail := func(status string, metrics map[string]interface{}, arts []string) schemas.GateResult {
		return schemas.GateResult{
			GateID:      "risk_policy_compliance_v1",
			GateVersion: "v1",
			Pass:        false,
			Status:      status,
			Metrics:     metrics,
			Evidence:    &schemas.GateEvidence{Artifacts: arts},
		}
	}

	if ctx.Risk == nil {
		return fail(schemas.StatusError,
			map[string]interface{}{"reason": "missing risk_policy (bundle missing risk_policy_id or policy file not loaded)"},
			[]string{"config_snapshot.json"})
	}

	posPath := filepath.Join(ctx.DossierDir, "positions.csv")
	toPath := filepath.Join(ctx.DossierDir, "turnover.csv")
	exPath := filepath.Join(ctx.DossierDir, "exposure.json")
	var missing []string
	for _, p := range []struct{ path, name string }{
		{posPath, "positions.csv"}, {toPath, "turnover.csv"}, {exPath, "exposure.json"},
	} {
		if !fsio.Exists(p.path) {
			missing = append(missing, p.name)
		}
	}
	if len(missing) > 0 {
		return fail(schemas.StatusMissingArtifacts,
			map[string]interface{}{"error": "missing risk evidence artifacts", "missing_artifacts": missing},
			[]string{"dossier_manifest.json", "config_snapshot.json"})
	}

	exposure, err := fsio.ReadJSONMap(exPath)
	if err != nil || exposure == nil {
		return fail(schemas.StatusError,
			map[string]interface{}{"error": "exposure.json must be a JSON object"},
			[]string{"exposure.json"})
	}
	dtTurnover, turnover, err := turnoverSeries(toPath)
	if err != nil {
		return fail(schemas.StatusError,
			map[string]interface{}{"error": "risk evidence parse error: " + err.Error()},
			[]string{"turnover.csv"})
	}
	dtPos, positions, hasShort, err := positionsCountSeries(posPath)
	if err != nil {
		return fail(schemas.StatusError,
			map[string]interface{}{"error": "risk evidence parse error: " + err.Error()},
			[]string{"positions.csv"})
	}

	dtList := dtTurnover
	if len(dtList) == 0 {
		dtList = dtPos
	}

	maxLeverage := asFloat(ctx.Risk.Params["max_leverage"], 1.0)
	maxPositions := ctx.Risk.IntParam("max_positions", 20)
	maxTurnover := asFloat(ctx.Risk.Params["max_turnover"], 1.0)
	var maxDrawdownLimit *float64
	if v, ok := ctx.Risk.Params["max_drawdown"]; ok {
		f := asFloat(v, 0)
		maxDrawdownLimit = &f
	}

	maxObs := objField(exposure, "max_observed")
	levObs := asFloat(maxObs["max_leverage_observed"], 0)
	posObs := asInt(maxObs["max_positions_observed"], 0)
	toObs := asFloat(maxObs["max_turnover_observed"], 0)

	levViol := 0
	if levObs > maxLeverage+riskEps {
		levViol = 1
	}
	posViol := 0
	for _, p := range positions {
		if p > maxPositions {
			posViol++
		}
	}
	toViol := 0
	for _, v := range turnover {
		if !math.IsNaN(v) && v > maxTurnover+riskEps {
			toViol++
		}
	}
	ddObs := asFloat(ctx.Metrics["max_drawdown"], 0)
	ddViol := 0
	if maxDrawdownLimit != nil && math.Abs(ddObs) > *maxDrawdownLimit+riskEps {
		ddViol = 1
	}

	// allow_short comes from the execution policy even without an explicit
	// risk rule.
	allowShort := true
	if ctx.Execution != nil {
		if v, ok := ctx.Execution.Params["allow_short"].(bool); ok {
			allowShort = v
		}
	}
	shortViol := !allowShort && hasShort

	violations := map[string]interface{}{
		"max_leverage":  levViol,
		"max_positions": posViol,
		"max_turnover":  toViol,
		"max_drawdown":  ddViol,
	}
	failCompliance := levViol > 0 || posViol > 0 || toViol > 0 || ddViol > 0 || shortViol

	seg, _ := extractSegment(ctx.RunSpec, "test")
	report := map[string]interface{}{
		"schema_version": "risk_report_v1",
		"run_id":         strField(ctx.Manifest, "run_id"),
		"risk_policy_id": ctx.Risk.PolicyID,
		"policy_params": map[string]interface{}{
			"max_leverage":  maxLeverage,
			"max_positions": maxPositions,
			"max_turnover":  maxTurnover,
			"max_drawdown":  drawdownLimitOrNil(maxDrawdownLimit),
		},
		"computed_from": map[string]interface{}{
			"positions":   "positions.csv",
			"turnover":    "turnover.csv",
			"exposure":    "exposure.json",
			"snapshot_id": strField(ctx.RunSpec, "data_snapshot_id"),
			"segment":     map[string]interface{}{"start": seg.start, "end": seg.end, "as_of": seg.asOf},
		},
		"series": map[string]interface{}{
			"dt":              dtList,
			"positions_count": positions,
			"turnover":        turnoverJSON(turnover),
		},
		"max_observed": map[string]interface{}{
			"max_leverage_observed":  levObs,
			"max_positions_observed": posObs,
			"max_turnover_observed":  toObs,
			"max_drawdown_observed":  ddObs,
		},
		"violation_count_by_rule": violations,
		"extensions": map[string]interface{}{
			"evidence_refs": map[string]interface{}{
				"positions_csv": "positions.csv",
				"turnover_csv":  "turnover.csv",
				"exposure_json": "exposure.json",
			},
		},
	}

	metrics := map[string]interface{}{
		"risk_policy_id":         ctx.Risk.PolicyID,
		"max_leverage_limit":     maxLeverage,
		"max_positions_limit":    maxPositions,
		"max_turnover_limit":     maxTurnover,
		"max_leverage_observed":  levObs,
		"max_positions_observed": posObs,
		"max_turnover_observed":  toObs,
		"violations":             violations,
	}
	if maxDrawdownLimit != nil {
		metrics["max_drawdown_limit"] = *maxDrawdownLimit
		metrics["max_drawdown_observed"] = ddObs
	}

	// Evidence is append-only: never rewrite an existing report.
	reportPath := filepath.Join(ctx.DossierDir, "risk_report.json")
	if !fsio.Exists(reportPath) {
		if werr := fsio.WriteJSONAtomic(reportPath, report); werr != nil {
			metrics["warning"] = "failed to write risk_report.json"
		}
	}

	thresholds := map[string]interface{}{
		"max_leverage":  maxLeverage,
		"max_positions": maxPositions,
		"max_turnover":  maxTurnover,
		"allow_short":   allowShort,
	}
	if maxDrawdownLimit != nil {
		thresholds["max_drawdown"] = *maxDrawdownLimit
	}

	passed := !failCompliance
	status := schemas.StatusOK
	if !passed {
		status = schemas.StatusError
	}
	return schemas.GateResult{
		GateID:      "risk_policy_compliance_v1",
		GateVersion: "v1",
		Pass:        passed,
		Status:      status,
		Metrics:     metrics,
		Thresholds:  thresholds,
		Evidence: &schemas.GateEvidence{
			Artifacts: []string{"risk_report.json", "positions.csv", "turnover.csv", "exposure.json", "config_snapshot.json"},
			Notes:     "computes policy compliance from backtest-produced risk evidence artifacts; writes risk_report.json evidence",
		},
	}
}

func drawdownLimitOrNil(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// turnoverJSON maps NaN (undefined first-bar turnover) to null.
func turnoverJSON(vals []float64) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) {
			out[i] = nil
		} else {
			out[i] = v
		}
	}
	return out
}
