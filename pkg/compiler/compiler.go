// Package compiler turns an approved blueprint into an executable run spec:
// it pins the policy bundle, hashes the blueprint, expands the evaluation
// protocol into an explicit segment list, and validates the result against
// the contracts before anything may run it.
package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quantforge/eam/pkg/canonicalize"
	"github.com/quantforge/eam/pkg/catalog"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/policy"
)

// Exit codes shared with the CLI surface.
const (
	ExitOK      = 0
	ExitUsage   = 1
	ExitInvalid = 2
)

const (
	defaultAdapterID = "vectorbt_signal_v1"
	compilerVersion  = "compiler_mvp_v1"
)

// Segment is one evaluation window of a run spec.
type Segment struct {
	SegmentID   string `json:"segment_id"`
	Kind        string `json:"kind"`
	Start       string `json:"start"`
	End         string `json:"end"`
	AsOf        string `json:"as_of"`
	Holdout     bool   `json:"holdout"`
	PurgeDays   int    `json:"purge_days"`
	EmbargoDays int    `json:"embargo_days"`
}

var marketTZ = time.FixedZone("UTC+8", 8*60*60)

// DefaultAsOf maps an end date to its default observation instant: the last
// second of that trading day, market-local.
func DefaultAsOf(endDate string) (string, error) {
	d, err := time.ParseInLocation("2006-01-02", endDate, marketTZ)
	if err != nil {
		return "", fmt.Errorf("bad end date %q: %w", endDate, err)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, marketTZ).Format("2006-01-02T15:04:05-07:00"), nil
}

func addDays(date string, days int) (string, error) {
	d, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return "", fmt.Errorf("bad date %q: %w", date, err)
	}
	return d.AddDate(0, 0, days).Format("2006-01-02"), nil
}

func dateLE(a, b string) bool { return a <= b }

func maxDate(a, b string) string {
	if a >= b {
		return a
	}
	return b
}

type window struct {
	start, end, asOf string
}

func windowOf(m map[string]interface{}) window {
	w := window{}
	if m == nil {
		return w
	}
	w.start, _ = m["start"].(string)
	w.end, _ = m["end"].(string)
	w.asOf, _ = m["as_of"].(string)
	return w
}

func objField(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func intField(m map[string]interface{}, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// protocolConfig merges evaluation_protocol and extensions settings, with the
// protocol block winning on conflicts.
func protocolConfig(bp map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, src := range []map[string]interface{}{objField(bp, "evaluation_protocol"), objField(bp, "extensions")} {
		if src == nil {
			continue
		}
		for _, k := range []string{"protocol", "train_window_days", "test_window_days", "step_days", "holdout_range", "purge_days", "embargo_days"} {
			if v, ok := src[k]; ok {
				if _, taken := out[k]; !taken {
					out[k] = v
				}
			}
		}
	}
	return out
}

func purgeEmbargoDays(bp map[string]interface{}) (int, int) {
	ep := objField(bp, "evaluation_protocol")
	purge, embargo := 0, 0
	if p := objField(ep, "purge"); p != nil {
		if v, ok := intField(p, "bars"); ok {
			purge = v
		}
	}
	if e := objField(ep, "embargo"); e != nil {
		if v, ok := intField(e, "bars"); ok {
			embargo = v
		}
	}
	if v, ok := intField(ep, "purge_days"); ok {
		purge = v
	}
	if v, ok := intField(ep, "embargo_days"); ok {
		embargo = v
	}
	if purge < 0 {
		purge = 0
	}
	if embargo < 0 {
		embargo = 0
	}
	return purge, embargo
}

// BuildSegments expands the blueprint evaluation protocol into the ordered
// segment list. fixed_split yields train/test/holdout; walk_forward slices
// the test range into rolling folds and always appends the holdout last.
// The embargo trims the train end and the purge defers the test start; a trim
// that would invert a window is dropped rather than applied.
func BuildSegments(bp map[string]interface{}) ([]Segment, map[string]interface{}, error) {
	ep := objField(bp, "evaluation_protocol")
	segs := objField(ep, "segments")
	train := windowOf(objField(segs, "train"))
	test := windowOf(objField(segs, "test"))
	holdout := windowOf(objField(segs, "holdout"))
	if train.start == "" || train.end == "" || test.start == "" || test.end == "" || holdout.start == "" || holdout.end == "" {
		return nil, nil, fmt.Errorf("evaluation_protocol.segments.{train,test,holdout}.start/end required")
	}

	purgeDays, embargoDays := purgeEmbargoDays(bp)
	cfg := protocolConfig(bp)
	protocol, _ := cfg["protocol"].(string)
	if protocol != "walk_forward" {
		protocol = "fixed_split"
	}

	if hr := objField(cfg, "holdout_range"); hr != nil {
		w := windowOf(hr)
		if w.start != "" && w.end != "" {
			holdout.start, holdout.end = w.start, w.end
		}
	}

	var err error
	if train.asOf == "" {
		if train.asOf, err = DefaultAsOf(train.end); err != nil {
			return nil, nil, err
		}
	}
	if test.asOf == "" {
		if test.asOf, err = DefaultAsOf(test.end); err != nil {
			return nil, nil, err
		}
	}
	if holdout.asOf == "" {
		if holdout.asOf, err = DefaultAsOf(holdout.end); err != nil {
			return nil, nil, err
		}
	}

	trim := func(trainStart, trainEnd, testStart, testEnd string) (string, string, error) {
		adjTrainEnd, adjTestStart := trainEnd, testStart
		if embargoDays > 0 {
			if adjTrainEnd, err = addDays(trainEnd, -embargoDays); err != nil {
				return "", "", err
			}
		}
		if purgeDays > 0 {
			if adjTestStart, err = addDays(testStart, purgeDays); err != nil {
				return "", "", err
			}
		}
		if !dateLE(trainStart, adjTrainEnd) {
			adjTrainEnd = trainEnd
		}
		if !dateLE(adjTestStart, testEnd) {
			adjTestStart = testStart
		}
		return adjTrainEnd, adjTestStart, nil
	}

	var out []Segment
	mkSeg := func(id, kind, start, end, asOf string, isHoldout bool) Segment {
		return Segment{
			SegmentID: id, Kind: kind, Start: start, End: end, AsOf: asOf,
			Holdout: isHoldout, PurgeDays: purgeDays, EmbargoDays: embargoDays,
		}
	}

	if protocol == "fixed_split" {
		trainEndAdj, testStartAdj, err := trim(train.start, train.end, test.start, test.end)
		if err != nil {
			return nil, nil, err
		}
		out = append(out,
			mkSeg("train_000", "train", train.start, trainEndAdj, train.asOf, false),
			mkSeg("test_000", "test", testStartAdj, test.end, test.asOf, false),
		)
	} else {
		tw, okT := intField(cfg, "train_window_days")
		vw, okV := intField(cfg, "test_window_days")
		st, okS := intField(cfg, "step_days")
		if !okT || tw <= 0 {
			return nil, nil, fmt.Errorf("walk_forward requires train_window_days > 0")
		}
		if !okV || vw <= 0 {
			return nil, nil, fmt.Errorf("walk_forward requires test_window_days > 0")
		}
		if !okS || st <= 0 {
			return nil, nil, fmt.Errorf("walk_forward requires step_days > 0")
		}

		curTestStart := test.start
		for i := 0; ; i++ {
			curTestEnd, err := addDays(curTestStart, vw-1)
			if err != nil {
				return nil, nil, err
			}
			if !dateLE(curTestEnd, test.end) {
				break
			}
			curTrainEnd, err := addDays(curTestStart, -1)
			if err != nil {
				return nil, nil, err
			}
			curTrainStart, err := addDays(curTrainEnd, -(tw - 1))
			if err != nil {
				return nil, nil, err
			}
			curTrainStart = maxDate(curTrainStart, train.start)
			if !dateLE(curTrainStart, curTrainEnd) {
				break
			}
			trainEndAdj, testStartAdj, err := trim(curTrainStart, curTrainEnd, curTestStart, curTestEnd)
			if err != nil {
				return nil, nil, err
			}
			trainAsOf, err := DefaultAsOf(trainEndAdj)
			if err != nil {
				return nil, nil, err
			}
			testAsOf, err := DefaultAsOf(curTestEnd)
			if err != nil {
				return nil, nil, err
			}
			out = append(out,
				mkSeg(fmt.Sprintf("train_%03d", i), "train", curTrainStart, trainEndAdj, trainAsOf, false),
				mkSeg(fmt.Sprintf("test_%03d", i), "test", testStartAdj, curTestEnd, testAsOf, false),
			)
			if curTestStart, err = addDays(curTestStart, st); err != nil {
				return nil, nil, err
			}
		}
	}

	out = append(out, mkSeg("holdout_000", "holdout", holdout.start, holdout.end, holdout.asOf, true))

	meta := map[string]interface{}{
		"protocol":          protocol,
		"purge_days":        purgeDays,
		"embargo_days":      embargoDays,
		"train_window_days": nilOrInt(cfg, "train_window_days"),
		"test_window_days":  nilOrInt(cfg, "test_window_days"),
		"step_days":         nilOrInt(cfg, "step_days"),
		"holdout_range":     map[string]interface{}{"start": holdout.start, "end": holdout.end},
	}
	return out, meta, nil
}

func nilOrInt(m map[string]interface{}, key string) interface{} {
	if v, ok := intField(m, key); ok {
		return v
	}
	return nil
}

// Options configures one compile.
type Options struct {
	BlueprintPath     string
	SnapshotID        string
	PolicyBundlePath  string
	OutPath           string
	CheckAvailability bool
	DataRoot          string
}

// Compile validates the blueprint, expands segments, and writes the run spec
// atomically, then re-validates the written file. Returns (exit code, message).
func Compile(opts Options) (int, string) {
	v, err := contracts.NewValidator()
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	if code, msg := v.ValidateFile(opts.BlueprintPath); code != contracts.ExitOK {
		return code, msg
	}

	bp, err := fsio.ReadJSONMap(opts.BlueprintPath)
	if err != nil || bp == nil {
		return ExitUsage, fmt.Sprintf("ERROR: read blueprint: %v", err)
	}

	resolver := policy.NewResolver(filepath.Dir(opts.PolicyBundlePath))
	bundle, err := resolver.LoadBundle(opts.PolicyBundlePath)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	bpBundleID, _ := bp["policy_bundle_id"].(string)
	if bpBundleID != bundle.ID {
		return ExitInvalid, fmt.Sprintf("INVALID: blueprint.policy_bundle_id mismatch (blueprint=%q, bundle=%q)", bpBundleID, bundle.ID)
	}

	data := objField(bp, "data")
	datasetID, _ := data["dataset_id"].(string)
	if datasetID != "ohlcv_1d" {
		return ExitInvalid, fmt.Sprintf("INVALID: only dataset_id=ohlcv_1d supported (got %q)", datasetID)
	}
	rawSyms, _ := data["symbols"].([]interface{})
	var symbols []string
	for _, s := range rawSyms {
		if str, ok := s.(string); ok && str != "" {
			symbols = append(symbols, str)
		}
	}
	if len(symbols) == 0 {
		return ExitInvalid, "INVALID: blueprint.data.symbols must be a non-empty array"
	}

	// Adapter selection: explicit engine_contract must name a known engine.
	adapterID := defaultAdapterID
	strat := objField(bp, "strategy_spec")
	if ext := objField(strat, "extensions"); ext != nil {
		if ec, present := ext["engine_contract"]; present {
			ecs, ok := ec.(string)
			if !ok || ecs != adapterID {
				return ExitInvalid, fmt.Sprintf("INVALID: unsupported engine_contract: %v", ec)
			}
		}
	}
	strategyID, _ := strat["strategy_id"].(string)
	if strategyID == "" {
		strategyID = "buy_and_hold_mvp"
	}

	segments, epMeta, err := BuildSegments(bp)
	if err != nil {
		return ExitInvalid, fmt.Sprintf("INVALID: %v", err)
	}

	// Legacy anchors mirror the blueprint test window.
	testWin := windowOf(objField(objField(objField(bp, "evaluation_protocol"), "segments"), "test"))
	if testWin.asOf == "" {
		if testWin.asOf, err = DefaultAsOf(testWin.end); err != nil {
			return ExitInvalid, fmt.Sprintf("INVALID: %v", err)
		}
	}

	if opts.CheckAvailability {
		root := opts.DataRoot
		if root == "" {
			root = os.Getenv("EAM_DATA_ROOT")
			if root == "" {
				root = "/data"
			}
		}
		cat := catalog.NewCatalog(root)
		bars, _, _, err := cat.QueryOHLCV(opts.SnapshotID, symbols, testWin.start, testWin.end, testWin.asOf)
		if err != nil {
			return ExitUsage, fmt.Sprintf("ERROR: availability check: %v", err)
		}
		if len(bars) == 0 {
			return ExitInvalid, "INVALID: availability check failed (0 rows under as_of filter)"
		}
	}

	blueprintHash, err := canonicalize.CanonicalHash(bp)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}

	// Sweep jobs stay on run_spec_v1; the sweep engine expands trial specs
	// itself. Everything else gets the explicit v2 segment list.
	hasSweep := objField(bp, "sweep_spec") != nil
	if ext := objField(bp, "extensions"); !hasSweep && ext != nil {
		hasSweep = objField(ext, "sweep_spec") != nil
	}
	schemaVersion := "run_spec_v2"
	if hasSweep {
		schemaVersion = "run_spec_v1"
	}

	segList := make([]interface{}, len(segments))
	for i, s := range segments {
		norm, err := contracts.Normalize(s)
		if err != nil {
			return ExitUsage, fmt.Sprintf("ERROR: %v", err)
		}
		segList[i] = norm
	}

	anchor := map[string]interface{}{"start": testWin.start, "end": testWin.end, "as_of": testWin.asOf}
	blueprintID, _ := bp["blueprint_id"].(string)

	extensions := map[string]interface{}{
		"dataset_id":             datasetID,
		"symbols":                toAny(symbols),
		"compiler_version":       compilerVersion,
		"strategy_id":            strategyID,
		"evaluation_protocol_v1": epMeta,
	}
	if dsl := objField(strat, "signal_dsl"); dsl != nil {
		extensions["signal_dsl"] = dsl
	}

	runspec := map[string]interface{}{
		"schema_version":   schemaVersion,
		"blueprint_ref":    map[string]interface{}{"blueprint_id": blueprintID, "blueprint_hash": blueprintHash},
		"policy_bundle_id": bundle.ID,
		"data_snapshot_id": opts.SnapshotID,
		"segments": map[string]interface{}{
			"train":   anchor,
			"test":    anchor,
			"holdout": anchor,
			"list":    segList,
		},
		"adapter": map[string]interface{}{"adapter_id": adapterID},
		"output_spec": map[string]interface{}{
			"write_dossier": true,
			"artifacts": map[string]interface{}{
				"dossier_manifest": "dossier_manifest.json",
				"config_snapshot":  "config_snapshot.json",
				"data_manifest":    "data_manifest.json",
				"metrics":          "metrics.json",
				"curve":            "curve.csv",
				"trades":           "trades.csv",
				"positions":        "positions.csv",
				"turnover":         "turnover.csv",
				"exposure":         "exposure.json",
				"report_md":        "reports/report.md",
			},
		},
		"extensions": extensions,
	}

	if err := os.MkdirAll(filepath.Dir(opts.OutPath), 0o755); err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	if err := fsio.WriteJSONAtomic(opts.OutPath, runspec); err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: write runspec: %v", err)
	}
	if code, msg := v.ValidateFile(opts.OutPath); code != contracts.ExitOK {
		return ExitInvalid, fmt.Sprintf("INVALID: generated runspec failed schema validation: %s", msg)
	}
	return ExitOK, fmt.Sprintf("OK: wrote runspec to %s", filepath.ToSlash(opts.OutPath))
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
