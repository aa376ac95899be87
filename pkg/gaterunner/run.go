// Package gaterunner evaluates a finished dossier against its gate suite and
// appends gate_results.json to the dossier. It never mutates existing
// evidence; re-running against a gated dossier is a noop.
package gaterunner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/gates"
	"github.com/quantforge/eam/pkg/policy"
)

// Exit codes, aligned with the contracts validator.
const (
	ExitOK      = contracts.ExitOK
	ExitUsage   = contracts.ExitUsage
	ExitInvalid = contracts.ExitInvalid
)

// Options configures one gate evaluation.
type Options struct {
	DossierDir       string
	PolicyBundlePath string
	DataRoot         string
}

type gateDef struct {
	id      string
	version string
	params  map[string]interface{}
}

// mandatoryGates are enforced on every backtest dossier regardless of what
// the suite declares. A suite can tune their params but never remove them.
var mandatoryGates = []string{
	"gate_no_lookahead_v1",
	"gate_delay_plus_1bar_v1",
	"gate_cost_x2_v1",
	"risk_policy_compliance_v1",
	"gate_holdout_passfail_v1",
}

// segmentGates additionally run once per test segment against that segment's
// own metrics.
var segmentGates = map[string]bool{
	"gate_no_lookahead_v1":    true,
	"gate_delay_plus_1bar_v1": true,
	"gate_cost_x2_v1":         true,
}

// alwaysInvalidOnFail marks the gates whose failure means the run itself is
// invalid evidence, not merely a strategy that missed its thresholds.
var alwaysInvalidOnFail = map[string]bool{
	"basic_sanity":               true,
	"determinism_guard":          true,
	"gate_no_lookahead_v1":       true,
	"data_snapshot_integrity_v1": true,
}

func objField(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func strField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

// suiteGates parses the suite's declared gate list, then appends the
// mandatory gates, deduplicating by (gate_id, gate_version) with the suite's
// declaration winning so its params apply.
func suiteGates(suite *policy.Asset, adapterID string) ([]gateDef, error) {
	raw, ok := suite.Params["gates"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("gate_suite %s declares no gates", suite.PolicyID)
	}
	var defs []gateDef
	seen := map[[2]string]bool{}
	add := func(d gateDef) {
		k := [2]string{d.id, d.version}
		if seen[k] {
			return
		}
		seen[k] = true
		defs = append(defs, d)
	}
	for i, entry := range raw {
		g, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("gate_suite %s: gates[%d] must be an object", suite.PolicyID, i)
		}
		id := strings.TrimSpace(strField(g, "gate_id"))
		ver := strings.TrimSpace(strField(g, "gate_version"))
		if id == "" || ver == "" {
			return nil, fmt.Errorf("gate_suite %s: gates[%d] requires gate_id and gate_version", suite.PolicyID, i)
		}
		add(gateDef{id: id, version: ver, params: objField(g, "params")})
	}
	if adapterID == "vectorbt_signal_v1" {
		for _, id := range mandatoryGates {
			add(gateDef{id: id, version: "v1"})
		}
	}
	return defs, nil
}

func bundleRefs(bundlePath string) (*policy.Bundle, map[string]*policy.Asset, error) {
	resolver := policy.NewResolver(filepath.Dir(bundlePath))
	bundle, err := resolver.LoadBundle(bundlePath)
	if err != nil {
		return nil, nil, err
	}
	assets, err := resolver.ResolveRefs(bundle)
	if err != nil {
		return nil, nil, err
	}
	return bundle, assets, nil
}

// rewireForSegment returns a copy of runspec whose test anchor points at the
// given segment window, so segment gates re-query exactly that slice.
func rewireForSegment(runspec, seg map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(runspec))
	for k, v := range runspec {
		out[k] = v
	}
	segments := make(map[string]interface{})
	for k, v := range objField(runspec, "segments") {
		segments[k] = v
	}
	segments["test"] = map[string]interface{}{
		"start": strField(seg, "start"),
		"end":   strField(seg, "end"),
		"as_of": strField(seg, "as_of"),
	}
	out["segments"] = segments
	return out
}

// rewriteEvidence points baseline evidence paths at the segment's own copies.
func rewriteEvidence(res schemas.GateResult, segmentID string) schemas.GateResult {
	if res.Evidence == nil {
		return res
	}
	arts := make([]string, len(res.Evidence.Artifacts))
	for i, a := range res.Evidence.Artifacts {
		switch a {
		case "metrics.json", "curve.csv", "trades.csv":
			arts[i] = "segments/" + segmentID + "/" + a
		default:
			arts[i] = a
		}
	}
	res.Evidence = &schemas.GateEvidence{Artifacts: arts, Notes: res.Evidence.Notes}
	return res
}

func testSegments(runspec map[string]interface{}) []map[string]interface{} {
	lst, _ := objField(runspec, "segments")["list"].([]interface{})
	var out []map[string]interface{}
	for _, raw := range lst {
		s, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if strField(s, "kind") != "test" {
			continue
		}
		if h, ok := s["holdout"].(bool); ok && h {
			continue
		}
		out = append(out, s)
	}
	return out
}

func invalidResult(res schemas.GateResult) bool {
	if !res.Pass && alwaysInvalidOnFail[res.GateID] {
		return true
	}
	if res.Status == schemas.StatusMissingArtifacts {
		return true
	}
	if res.Metrics != nil {
		if _, ok := res.Metrics["error"]; ok {
			return true
		}
	}
	return false
}

// RunOnce gates one dossier. On success the message is a JSON summary with
// run_id, gate_suite_id, overall_pass, gate_results_path, and per-gate
// verdicts; an invalid-evidence verdict returns exit code 2 with the same
// summary.
func RunOnce(opts Options) (int, string) {
	resultsPath := filepath.Join(opts.DossierDir, "gate_results.json")
	if fsio.Exists(resultsPath) {
		out, err := fsio.MarshalIndentSorted(map[string]interface{}{
			"status":            "noop",
			"gate_results_path": resultsPath,
		})
		if err != nil {
			return ExitUsage, fmt.Sprintf("ERROR: %v", err)
		}
		return ExitOK, string(out)
	}

	manifest, err := fsio.ReadJSONMap(filepath.Join(opts.DossierDir, "dossier_manifest.json"))
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: reading dossier_manifest.json: %v", err)
	}
	configSnap, err := fsio.ReadJSONMap(filepath.Join(opts.DossierDir, "config_snapshot.json"))
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: reading config_snapshot.json: %v", err)
	}
	metrics, err := fsio.ReadJSONMap(filepath.Join(opts.DossierDir, "metrics.json"))
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: reading metrics.json: %v", err)
	}
	runspec := objField(configSnap, "runspec")
	if runspec == nil {
		return ExitInvalid, "INVALID: config_snapshot.json has no runspec"
	}
	runID := strField(manifest, "run_id")
	if runID == "" {
		return ExitInvalid, "INVALID: dossier_manifest.json has no run_id"
	}

	bundle, assets, err := bundleRefs(opts.PolicyBundlePath)
	if err != nil {
		return ExitInvalid, fmt.Sprintf("INVALID: %v", err)
	}
	if want := strField(manifest, "policy_bundle_id"); want != "" && want != bundle.ID {
		return ExitInvalid, fmt.Sprintf("INVALID: policy_bundle_id mismatch: dossier %q vs bundle %q", want, bundle.ID)
	}

	suite := assets["gate_suite_id"]
	if suite == nil {
		return ExitInvalid, "INVALID: bundle resolves no gate_suite_id"
	}
	if out := strField(objField(suite.Params, "holdout_policy"), "output"); out != "pass_fail_minimal_summary" {
		return ExitInvalid, fmt.Sprintf("INVALID: gate_suite %s holdout_policy.output must be pass_fail_minimal_summary", suite.PolicyID)
	}
	adapterID := strField(objField(runspec, "adapter"), "adapter_id")
	defs, err := suiteGates(suite, adapterID)
	if err != nil {
		return ExitInvalid, fmt.Sprintf("INVALID: %v", err)
	}

	ctx := &gates.Context{
		DossierDir:  opts.DossierDir,
		PoliciesDir: filepath.Dir(opts.PolicyBundlePath),
		DataRoot:    opts.DataRoot,
		Bundle:      bundle,
		Execution:   assets["execution_policy_id"],
		Cost:        assets["cost_policy_id"],
		AsOfLatency: assets["asof_latency_policy_id"],
		Risk:        assets["risk_policy_id"],
		GateSuite:   suite,
		RunSpec:     runspec,
		Manifest:    manifest,
		ConfigSnap:  configSnap,
		Metrics:     metrics,
	}

	segs := testSegments(runspec)

	invalid := false
	overallPass := true
	var topResults []schemas.GateResult
	var holdoutSummary *schemas.HoldoutSummary
	for _, d := range defs {
		// With a segment list present, the segment-specific gates run per
		// test fold below instead of against the aggregate window.
		if len(segs) > 0 && segmentGates[d.id] {
			continue
		}
		res := gates.Run(ctx, d.id, d.version, d.params)
		topResults = append(topResults, res)
		if !res.Pass && res.Status != schemas.StatusSkipped {
			overallPass = false
		}
		if invalidResult(res) {
			invalid = true
		}
		if d.id == "gate_holdout_passfail_v1" && res.Status != schemas.StatusSkipped {
			summary := strField(res.Metrics, "summary")
			mm := objField(res.Metrics, "metrics_minimal")
			holdoutSummary = &schemas.HoldoutSummary{
				Pass:    res.Pass,
				Summary: summary,
				MetricsMinimal: schemas.MetricsMinimal{
					TotalReturn: floatField(mm, "total_return"),
					TradeCount:  intField(mm, "trade_count"),
					LagBars:     intField(mm, "lag_bars"),
				},
			}
		}
	}

	// Segment sweep: the stress and lookahead gates must hold on every test
	// fold, not just the aggregate window.
	var segmentResults []map[string]interface{}
	for _, seg := range segs {
		sid := strField(seg, "segment_id")
		segMetricsPath := filepath.Join(opts.DossierDir, "segments", sid, "metrics.json")
		segPass := true
		var segResults []schemas.GateResult
		segMetrics, err := fsio.ReadJSONMap(segMetricsPath)
		for _, d := range defs {
			if !segmentGates[d.id] {
				continue
			}
			var res schemas.GateResult
			if err != nil {
				res = schemas.GateResult{
					GateID:      d.id,
					GateVersion: d.version,
					Pass:        false,
					Status:      schemas.StatusMissingArtifacts,
					Metrics:     map[string]interface{}{"error": fmt.Sprintf("missing segments/%s/metrics.json", sid)},
				}
			} else {
				segCtx := *ctx
				segCtx.RunSpec = rewireForSegment(runspec, seg)
				segCtx.Metrics = segMetrics
				res = rewriteEvidence(gates.Run(&segCtx, d.id, d.version, d.params), sid)
			}
			segResults = append(segResults, res)
			if !res.Pass {
				segPass = false
				overallPass = false
			}
			if invalidResult(res) {
				invalid = true
			}
		}
		if len(segResults) == 0 {
			continue
		}
		segmentResults = append(segmentResults, map[string]interface{}{
			"segment_id":   sid,
			"overall_pass": segPass,
			"gates":        segResults,
		})
	}

	doc := map[string]interface{}{
		"schema_version":   "gate_results_v2",
		"run_id":           runID,
		"policy_bundle_id": bundle.ID,
		"generated_at":     clock.ISO(clock.System{}.Now()),
		"overall_pass":     overallPass,
		"gates":            topResults,
		"extensions": map[string]interface{}{
			"gate_suite_id": suite.PolicyID,
		},
	}
	if len(segmentResults) > 0 {
		doc["segment_results"] = segmentResults
	}
	if holdoutSummary != nil {
		doc["holdout_summary"] = holdoutSummary
	}

	// Stage, contract-validate, then rename: a malformed result must never
	// land in the dossier.
	tmpPath := filepath.Join(opts.DossierDir, ".tmp_gate_results.json")
	if err := fsio.WriteJSONAtomic(tmpPath, doc); err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	v, err := contracts.NewValidator()
	if err != nil {
		os.Remove(tmpPath)
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	if code, msg := v.ValidateFile(tmpPath); code != contracts.ExitOK {
		os.Remove(tmpPath)
		return ExitInvalid, msg
	}
	if err := os.Rename(tmpPath, resultsPath); err != nil {
		os.Remove(tmpPath)
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}

	gateLines := make([]interface{}, 0, len(topResults))
	for _, r := range topResults {
		gateLines = append(gateLines, map[string]interface{}{
			"gate_id": r.GateID,
			"pass":    r.Pass,
			"status":  r.Status,
		})
	}
	out, err := fsio.MarshalIndentSorted(map[string]interface{}{
		"run_id":            runID,
		"gate_suite_id":     suite.PolicyID,
		"overall_pass":      overallPass,
		"gate_results_path": resultsPath,
		"gates":             gateLines,
	})
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	if invalid {
		return ExitInvalid, string(out)
	}
	return ExitOK, string(out)
}

func floatField(m map[string]interface{}, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func intField(m map[string]interface{}, key string) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
