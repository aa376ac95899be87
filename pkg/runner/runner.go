// Package runner executes a validated run spec end to end: it resolves the
// policy bundle, queries the catalog under the as_of gate, runs the backtest
// adapter per segment, and persists everything into an append-only dossier
// keyed by the deterministic run id.
package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/quantforge/eam/pkg/adapter"
	"github.com/quantforge/eam/pkg/canonicalize"
	"github.com/quantforge/eam/pkg/catalog"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/dossier"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/policy"
)

// Exit codes shared with the CLI surface.
const (
	ExitOK      = 0
	ExitUsage   = 1
	ExitInvalid = 2
)

// Options configures one run.
type Options struct {
	RunSpecPath      string
	PolicyBundlePath string
	SnapshotOverride string
	DataRoot         string
	ArtifactRoot     string
	BehaviorIfExists string // dossier.BehaviorNoop or dossier.BehaviorReject
}

func objField(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func strField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

// bundleRefs resolves the policy assets the runner needs plus the sha256 map
// recorded in the config snapshot (bundle file + every referenced asset).
func bundleRefs(bundlePath string) (*policy.Bundle, map[string]*policy.Asset, map[string]string, error) {
	resolver := policy.NewResolver(filepath.Dir(bundlePath))
	bundle, err := resolver.LoadBundle(bundlePath)
	if err != nil {
		return nil, nil, nil, err
	}
	assets, err := resolver.ResolveRefs(bundle)
	if err != nil {
		return nil, nil, nil, err
	}
	shas := map[string]string{"policy_bundle": bundle.SHA256}
	for _, a := range assets {
		shas[a.PolicyID] = a.SHA256
	}
	return bundle, assets, shas, nil
}

// tradeLagBars reads trade_lag_bars_default from the as-of latency policy,
// clamped to at least 1 so no strategy can act on the bar that produced its
// signal.
func tradeLagBars(asof *policy.Asset) int {
	if asof == nil {
		return 1
	}
	v := asof.IntParam("trade_lag_bars_default", 1)
	if v < 1 {
		return 1
	}
	return v
}

// segmentList returns the explicit segment list, falling back to the legacy
// single train/test/holdout anchors when no list is present.
func segmentList(runspec map[string]interface{}) []map[string]interface{} {
	segs := objField(runspec, "segments")
	var out []map[string]interface{}
	if lst, ok := segs["list"].([]interface{}); ok {
		for _, raw := range lst {
			s, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			sid := strings.TrimSpace(strField(s, "segment_id"))
			kind := strings.TrimSpace(strField(s, "kind"))
			start := strings.TrimSpace(strField(s, "start"))
			end := strings.TrimSpace(strField(s, "end"))
			asOf := strings.TrimSpace(strField(s, "as_of"))
			if sid == "" || kind == "" || start == "" || end == "" || asOf == "" {
				continue
			}
			holdout := kind == "holdout"
			if h, ok := s["holdout"].(bool); ok {
				holdout = h
			}
			out = append(out, map[string]interface{}{
				"segment_id": sid, "kind": kind, "start": start, "end": end,
				"as_of": asOf, "holdout": holdout,
			})
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, kind := range []string{"train", "test", "holdout"} {
		sd := objField(segs, kind)
		start, end, asOf := strField(sd, "start"), strField(sd, "end"), strField(sd, "as_of")
		if start == "" || end == "" || asOf == "" {
			continue
		}
		out = append(out, map[string]interface{}{
			"segment_id": kind + "_000", "kind": kind, "start": start, "end": end,
			"as_of": asOf, "holdout": kind == "holdout",
		})
	}
	return out
}

func f64(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// segmentOutput is the rendered evidence of one segment execution.
type segmentOutput struct {
	Metrics      map[string]interface{}
	CurveCSV     string
	TradesCSV    string
	PositionsCSV string
	TurnoverCSV  string
	Exposure     map[string]interface{}
}

func renderCurveCSV(curve []adapter.EquityPoint) string {
	var b strings.Builder
	b.WriteString("dt,equity\n")
	for _, p := range curve {
		b.WriteString(p.DT)
		b.WriteByte(',')
		b.WriteString(f64(p.Equity))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderTradesCSV(trades []adapter.Trade) string {
	var b strings.Builder
	b.WriteString("symbol,entry_dt,exit_dt,pnl,qty,fees\n")
	for _, t := range trades {
		fmt.Fprintf(&b, "%s,%s,%s,%s,%s,%s\n", t.Symbol, t.EntryDT, t.ExitDT, f64(t.PnL), f64(t.Qty), f64(t.Fees))
	}
	return b.String()
}

func renderPositionsCSV(rows []adapter.PositionRow) string {
	var b strings.Builder
	b.WriteString("dt,symbol,qty,close,position_value,equity\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%s,%s,%s,%s,%s,%s\n", r.DT, r.Symbol, f64(r.Qty), f64(r.Close), f64(r.PositionValue), f64(r.Equity))
	}
	return b.String()
}

func renderTurnoverCSV(rows []adapter.TurnoverRow) string {
	var b strings.Builder
	b.WriteString("dt,turnover\n")
	for _, r := range rows {
		b.WriteString(r.DT)
		b.WriteByte(',')
		if r.Defined {
			b.WriteString(f64(r.Turnover))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// runContext holds everything shared between segment executions of one run.
type runContext struct {
	cat        *catalog.Catalog
	snapshotID string
	symbols    []string
	adapterID  string
	lagBars    int
	execPolicy *policy.Asset
	costPolicy *policy.Asset
	signalDSL  map[string]interface{}
	strategyID string
}

func (rc *runContext) runSegment(seg map[string]interface{}) (*segmentOutput, error) {
	start, end, asOf := strField(seg, "start"), strField(seg, "end"), strField(seg, "as_of")
	bars, _, _, err := rc.cat.QueryOHLCV(rc.snapshotID, rc.symbols, start, end, asOf)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: query returned 0 rows (as_of filter may exclude all data)", adapter.ErrInvalid)
	}

	res, err := adapter.Run(rc.adapterID, adapter.Request{
		Bars:            bars,
		LagBars:         rc.lagBars,
		ExecutionPolicy: rc.execPolicy,
		CostPolicy:      rc.costPolicy,
		SignalDSL:       rc.signalDSL,
		StrategyID:      rc.strategyID,
	})
	if err != nil {
		return nil, err
	}

	holdout, _ := seg["holdout"].(bool)
	metrics := map[string]interface{}{
		"segment_id":   strField(seg, "segment_id"),
		"kind":         strField(seg, "kind"),
		"holdout":      holdout,
		"start":        start,
		"end":          end,
		"as_of":        asOf,
		"total_return": res.Stats["total_return"],
		"max_drawdown": res.Stats["max_drawdown"],
		"sharpe":       res.Stats["sharpe"],
		"trade_count":  res.Stats["trade_count"],
		"adapter_id":   res.Stats["adapter_id"],
		"strategy_id":  res.Stats["strategy_id"],
		"lag_bars":     res.Stats["lag_bars"],
	}
	if fp, ok := res.Stats["dsl_fingerprint"]; ok {
		metrics["dsl_fingerprint"] = fp
		metrics["signals_fingerprint"] = res.Stats["signals_fingerprint"]
	}
	return &segmentOutput{
		Metrics:      metrics,
		CurveCSV:     renderCurveCSV(res.EquityCurve),
		TradesCSV:    renderTradesCSV(res.Trades),
		PositionsCSV: renderPositionsCSV(res.Positions),
		TurnoverCSV:  renderTurnoverCSV(res.Turnover),
		Exposure:     res.Exposure,
	}, nil
}

// RunOnce validates and executes one run spec, writes the dossier, and
// returns (exit code, message). On success the message is the JSON summary
// {run_id, dossier_path, metrics}.
func RunOnce(opts Options) (int, string) {
	if opts.BehaviorIfExists == "" {
		opts.BehaviorIfExists = dossier.BehaviorNoop
	}

	v, err := contracts.NewValidator()
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	if code, msg := v.ValidateFile(opts.RunSpecPath); code != contracts.ExitOK {
		return ExitInvalid, msg
	}
	runspec, err := fsio.ReadJSONMap(opts.RunSpecPath)
	if err != nil || runspec == nil {
		return ExitInvalid, "INVALID: runspec must be a JSON object"
	}

	bundle, assets, policyShas, err := bundleRefs(opts.PolicyBundlePath)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	if strField(runspec, "policy_bundle_id") != bundle.ID {
		return ExitInvalid, fmt.Sprintf("INVALID: runspec.policy_bundle_id mismatch (runspec=%q, bundle=%q)",
			strField(runspec, "policy_bundle_id"), bundle.ID)
	}

	snapshotID := opts.SnapshotOverride
	if snapshotID == "" {
		snapshotID = strField(runspec, "data_snapshot_id")
	}
	if snapshotID == "" {
		return ExitInvalid, "INVALID: missing data_snapshot_id"
	}

	adapterID := strField(objField(runspec, "adapter"), "adapter_id")
	if !adapter.Known(adapterID) {
		return ExitInvalid, fmt.Sprintf("INVALID: unsupported adapter_id: %q", adapterID)
	}

	ext := objField(runspec, "extensions")
	rawSyms, _ := ext["symbols"].([]interface{})
	var symbols []string
	for _, s := range rawSyms {
		if str, ok := s.(string); ok && str != "" {
			symbols = append(symbols, str)
		}
	}
	if len(symbols) == 0 {
		return ExitInvalid, "INVALID: runspec.extensions.symbols must be a non-empty list"
	}

	rc := &runContext{
		cat:        catalog.NewCatalog(opts.DataRoot),
		snapshotID: snapshotID,
		symbols:    symbols,
		adapterID:  adapterID,
		lagBars:    tradeLagBars(assets["asof_latency_policy_id"]),
		execPolicy: assets["execution_policy_id"],
		costPolicy: assets["cost_policy_id"],
		signalDSL:  objField(ext, "signal_dsl"),
		strategyID: strField(ext, "strategy_id"),
	}

	// Baseline execution over the overall test anchor feeds the legacy
	// top-level artifacts.
	testAnchor := objField(objField(runspec, "segments"), "test")
	base, err := rc.runSegment(map[string]interface{}{
		"segment_id": "test_overall", "kind": "test", "holdout": false,
		"start": strField(testAnchor, "start"), "end": strField(testAnchor, "end"), "as_of": strField(testAnchor, "as_of"),
	})
	if err != nil {
		if errors.Is(err, adapter.ErrInvalid) {
			return ExitInvalid, fmt.Sprintf("INVALID: %v", err)
		}
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}

	// Per-segment execution. Holdout segments are listed but never evaluated
	// here: their evidence is restricted to the gate runner's holdout path.
	epMeta := objField(ext, "evaluation_protocol_v1")
	segSummary := map[string]interface{}{
		"schema_version": "segments_summary_v1",
		"run_id":         "",
		"segments":       []interface{}{},
		"extensions":     map[string]interface{}{"protocol": epMeta["protocol"]},
	}
	var segEntries []interface{}
	extraJSON := map[string]interface{}{}
	extraText := map[string]string{}

	outArtifacts := objField(objField(runspec, "output_spec"), "artifacts")
	relOr := func(key, def string) string {
		if s := strField(outArtifacts, key); s != "" {
			return s
		}
		return def
	}
	extraText[relOr("positions", "positions.csv")] = base.PositionsCSV
	extraText[relOr("turnover", "turnover.csv")] = base.TurnoverCSV
	extraJSON[relOr("exposure", "exposure.json")] = base.Exposure

	for _, seg := range segmentList(runspec) {
		sid := strField(seg, "segment_id")
		if holdout, _ := seg["holdout"].(bool); holdout {
			segEntries = append(segEntries, map[string]interface{}{
				"segment_id": sid, "kind": strField(seg, "kind"), "holdout": true,
				"start": seg["start"], "end": seg["end"], "as_of": seg["as_of"],
				"artifacts": map[string]interface{}{},
			})
			continue
		}
		out, err := rc.runSegment(seg)
		if err != nil {
			if errors.Is(err, adapter.ErrInvalid) {
				return ExitInvalid, fmt.Sprintf("INVALID: segment %s: %v", sid, err)
			}
			return ExitUsage, fmt.Sprintf("ERROR: segment %s: %v", sid, err)
		}
		segDir := "segments/" + sid
		extraJSON[segDir+"/metrics.json"] = out.Metrics
		extraText[segDir+"/curve.csv"] = out.CurveCSV
		extraText[segDir+"/trades.csv"] = out.TradesCSV
		segEntries = append(segEntries, map[string]interface{}{
			"segment_id": sid, "kind": strField(seg, "kind"), "holdout": false,
			"start": seg["start"], "end": seg["end"], "as_of": seg["as_of"],
			"metrics": map[string]interface{}{
				"total_return": out.Metrics["total_return"],
				"max_drawdown": out.Metrics["max_drawdown"],
				"sharpe":       out.Metrics["sharpe"],
				"trade_count":  out.Metrics["trade_count"],
			},
			"artifacts": map[string]interface{}{
				"metrics": segDir + "/metrics.json",
				"curve":   segDir + "/curve.csv",
				"trades":  segDir + "/trades.csv",
			},
		})
	}
	segSummary["segments"] = segEntries

	// The run id is the short hash of the canonical run spec, so identical
	// specs always land in the same dossier.
	runID, err := canonicalize.ShortID(runspec)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}

	dataManifest := map[string]interface{}{"snapshot_id": snapshotID}
	manifestPath := filepath.Join(opts.DataRoot, "lake", snapshotID, "manifest.json")
	if fsio.Exists(manifestPath) {
		if m, err := fsio.ReadJSONMap(manifestPath); err == nil && m != nil {
			dataManifest = m
		}
	}

	configSnapshot := map[string]interface{}{
		"runspec":          runspec,
		"policy_bundle_id": bundle.ID,
		"policy_sha256":    policyShas,
		"env": map[string]interface{}{
			"EAM_DATA_ROOT":     filepath.ToSlash(opts.DataRoot),
			"EAM_ARTIFACT_ROOT": filepath.ToSlash(opts.ArtifactRoot),
		},
		"deps": map[string]interface{}{
			"go":      runtime.Version(),
			"adapter": adapterID,
		},
	}

	artifacts := map[string]string{}
	for k, val := range outArtifacts {
		if s, ok := val.(string); ok {
			artifacts[k] = s
		}
	}
	for k, def := range map[string]string{
		"config_snapshot": "config_snapshot.json",
		"data_manifest":   "data_manifest.json",
		"metrics":         "metrics.json",
		"curve":           "curve.csv",
		"trades":          "trades.csv",
		"report_md":       "reports/report.md",
		"positions":       "positions.csv",
		"turnover":        "turnover.csv",
		"exposure":        "exposure.json",
	} {
		if _, ok := artifacts[k]; !ok {
			artifacts[k] = def
		}
	}
	if _, ok := artifacts["segments_summary"]; !ok {
		artifacts["segments_summary"] = "segments_summary.json"
	}

	metrics := map[string]interface{}{}
	for k, val := range base.Metrics {
		metrics[k] = val
	}
	metrics["segments_summary_ref"] = artifacts["segments_summary"]
	segSummary["run_id"] = runID
	extraJSON[artifacts["segments_summary"]] = segSummary

	reportMD := strings.Join([]string{
		"# Runner Report (MVP)",
		"",
		fmt.Sprintf("- run_id: `%s`", runID),
		fmt.Sprintf("- snapshot_id: `%s`", snapshotID),
		fmt.Sprintf("- policy_bundle_id: `%s`", bundle.ID),
		fmt.Sprintf("- adapter_id: `%s`", adapterID),
		"",
		"Artifacts:",
		"- " + artifacts["config_snapshot"],
		"- " + artifacts["data_manifest"],
		"- " + artifacts["metrics"],
		"- " + artifacts["curve"],
		"- " + artifacts["trades"],
		"",
		"Notes:",
		"- Append-only dossier (no rewrites).",
		"- Data is accessed via the catalog with enforced `available_at <= as_of`.",
		fmt.Sprintf("- Signals are lagged by %d bar(s) to prevent lookahead.", rc.lagBars),
		"",
	}, "\n")

	writer := dossier.NewWriter(opts.ArtifactRoot)
	content := dossier.Content{
		BlueprintHash:  strField(objField(runspec, "blueprint_ref"), "blueprint_hash"),
		PolicyBundleID: bundle.ID,
		DataSnapshotID: snapshotID,
		Artifacts:      artifacts,
		ConfigSnapshot: configSnapshot,
		DataManifest:   dataManifest,
		Metrics:        metrics,
		CurveCSV:       base.CurveCSV,
		TradesCSV:      base.TradesCSV,
		ReportMD:       reportMD,
		ExtraJSON:      extraJSON,
		ExtraText:      extraText,
	}
	paths, err := writer.Write(runID, content, opts.BehaviorIfExists)
	if err != nil {
		if errors.Is(err, dossier.ErrAlreadyExists) {
			return ExitInvalid, fmt.Sprintf("INVALID: %v", err)
		}
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}

	if code, msg := v.ValidateFile(paths.Manifest); code != contracts.ExitOK {
		return ExitInvalid, fmt.Sprintf("INVALID: dossier manifest failed contract validation: %s", msg)
	}

	summary, err := fsio.MarshalIndentSorted(map[string]interface{}{
		"run_id":       runID,
		"dossier_path": filepath.ToSlash(paths.DossierDir),
		"metrics":      metrics,
	})
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	return ExitOK, string(summary)
}

// DefaultDataRoot resolves the data root from the environment.
func DefaultDataRoot() string {
	if v := os.Getenv("EAM_DATA_ROOT"); v != "" {
		return v
	}
	return "/data"
}

// DefaultArtifactRoot resolves the artifact root from the environment.
func DefaultArtifactRoot() string {
	if v := os.Getenv("EAM_ARTIFACT_ROOT"); v != "" {
		return v
	}
	return "/artifacts"
}

// ParseSummary decodes the JSON summary emitted by RunOnce.
func ParseSummary(msg string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(msg), &out); err != nil {
		return nil, fmt.Errorf("bad runner summary: %w", err)
	}
	return out, nil
}
