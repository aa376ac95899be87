// Package sweep runs deterministic parameter-grid searches for a job. Each
// trial is a full runner execution plus gate evaluation, recorded append-only
// in trials.jsonl; the leaderboard ranks gate-passing trials by the declared
// test metric. Re-running a sweep resumes from the recorded trials.
package sweep

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/quantforge/eam/pkg/canonicalize"
	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/gaterunner"
	"github.com/quantforge/eam/pkg/jobstore"
	"github.com/quantforge/eam/pkg/policy"
	"github.com/quantforge/eam/pkg/runner"
)

const (
	ExitOK      = contracts.ExitOK
	ExitUsage   = contracts.ExitUsage
	ExitInvalid = contracts.ExitInvalid
)

// Options configures one sweep execution.
type Options struct {
	Store        *jobstore.Store
	JobID        string
	DataRoot     string
	ArtifactRoot string
}

var metricNames = map[string]bool{
	"sharpe":       true,
	"total_return": true,
	"max_drawdown": true,
}

func safeMetric(name string) string {
	if metricNames[name] {
		return name
	}
	return "sharpe"
}

// typeRank orders mixed param values deterministically: null, bool, number,
// string.
func typeRank(v interface{}) (int, float64, string, error) {
	switch t := v.(type) {
	case nil:
		return 0, 0, "", nil
	case bool:
		if t {
			return 1, 1, "", nil
		}
		return 1, 0, "", nil
	case float64:
		return 2, t, "", nil
	case int:
		return 2, float64(t), "", nil
	case string:
		return 3, 0, t, nil
	}
	return 0, 0, "", fmt.Errorf("unsupported param value type: %T", v)
}

func lessValue(a, b interface{}) bool {
	ra, fa, sa, _ := typeRank(a)
	rb, fb, sb, _ := typeRank(b)
	if ra != rb {
		return ra < rb
	}
	if ra == 3 {
		return sa < sb
	}
	return fa < fb
}

// EnumerateGrid expands param_grid into the full deterministic combination
// list: keys sorted, each value list sorted by type then value, rightmost key
// varying fastest.
func EnumerateGrid(paramGrid map[string]interface{}) ([]map[string]interface{}, error) {
	if len(paramGrid) == 0 {
		return nil, fmt.Errorf("sweep_spec.param_grid must be a non-empty object")
	}
	keys := make([]string, 0, len(paramGrid))
	for k := range paramGrid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	valuesByKey := make([][]interface{}, len(keys))
	for i, k := range keys {
		raw, ok := paramGrid[k].([]interface{})
		if !ok || len(raw) == 0 {
			return nil, fmt.Errorf("sweep_spec.param_grid[%q] must be a non-empty list", k)
		}
		vals := make([]interface{}, len(raw))
		for j, v := range raw {
			if _, _, _, err := typeRank(v); err != nil {
				return nil, fmt.Errorf("sweep_spec.param_grid[%q]: %v", k, err)
			}
			vals[j] = v
		}
		sort.SliceStable(vals, func(a, b int) bool { return lessValue(vals[a], vals[b]) })
		valuesByKey[i] = vals
	}

	total := 1
	for _, vals := range valuesByKey {
		total *= len(vals)
	}
	out := make([]map[string]interface{}, 0, total)
	idx := make([]int, len(keys))
	for {
		combo := make(map[string]interface{}, len(keys))
		for i, k := range keys {
			combo[k] = valuesByKey[i][idx[i]]
		}
		out = append(out, combo)
		i := len(keys) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(valuesByKey[i]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return out, nil
		}
	}
}

func extractSweepSpec(jobSpec map[string]interface{}) map[string]interface{} {
	if ext, ok := jobSpec["extensions"].(map[string]interface{}); ok {
		if ss, ok := ext["sweep_spec"].(map[string]interface{}); ok {
			return ss
		}
	}
	if bp, ok := jobSpec["blueprint"].(map[string]interface{}); ok {
		if ext, ok := bp["extensions"].(map[string]interface{}); ok {
			if ss, ok := ext["sweep_spec"].(map[string]interface{}); ok {
				return ss
			}
		}
	}
	return nil
}

type trialBudget struct {
	maxTrials     int
	stopNoImprove int
	policyID      string
}

func resolveBudget(bundlePath string, sweepSpec map[string]interface{}, gridTotal int) (trialBudget, error) {
	b := trialBudget{maxTrials: gridTotal}

	var budgetAsset *policy.Asset
	if bundlePath != "" {
		resolver := policy.NewResolver(filepath.Dir(bundlePath))
		bundle, err := resolver.LoadBundle(bundlePath)
		if err != nil {
			return b, err
		}
		assets, err := resolver.ResolveRefs(bundle)
		if err != nil {
			return b, err
		}
		budgetAsset = assets["budget_policy_id"]
	}
	if budgetAsset != nil {
		b.policyID = budgetAsset.PolicyID
		if n := budgetAsset.IntParam("max_proposals_per_job", 0); n > 0 && n < b.maxTrials {
			b.maxTrials = n
		}
		b.stopNoImprove = budgetAsset.IntParam("stop_if_no_improvement_n", 0)
	}
	if raw, ok := sweepSpec["max_trials"].(float64); ok && int(raw) > 0 && int(raw) < b.maxTrials {
		b.maxTrials = int(raw)
	}
	// The sweep spec may only tighten the governance stop knob, never relax it.
	if raw, ok := sweepSpec["stop_if_no_improvement_n"].(float64); ok && int(raw) > 0 {
		if b.stopNoImprove == 0 || int(raw) < b.stopNoImprove {
			b.stopNoImprove = int(raw)
		}
	}
	return b, nil
}

type trial struct {
	doc        map[string]interface{}
	testMetric *float64
	eligible   bool
	index      int
}

func trialMetric(doc map[string]interface{}) *float64 {
	if v, ok := doc["test_metric"].(float64); ok {
		return &v
	}
	return nil
}

func trialEligible(doc map[string]interface{}) bool {
	pass, _ := doc["overall_pass"].(bool)
	if !pass {
		return false
	}
	if el, ok := doc["eligible"].(bool); ok {
		return el
	}
	return true
}

// RunForJob executes the grid sweep declared on a job. It is idempotent: an
// existing leaderboard makes it a noop, and recorded trials are never rerun.
func RunForJob(opts Options) (int, string) {
	store := opts.Store
	spec, err := store.Spec(opts.JobID)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	sweepSpec := extractSweepSpec(spec)
	if sweepSpec == nil {
		return ExitInvalid, "INVALID: missing sweep_spec (job_spec.extensions.sweep_spec or blueprint.extensions.sweep_spec)"
	}
	paramGrid, ok := sweepSpec["param_grid"].(map[string]interface{})
	if !ok {
		return ExitInvalid, "INVALID: sweep_spec.param_grid must be an object"
	}
	metricName := safeMetric(strVal(sweepSpec, "metric"))
	higherIsBetter := true
	if v, ok := sweepSpec["higher_is_better"].(bool); ok {
		higherIsBetter = v
	}

	combos, err := EnumerateGrid(paramGrid)
	if err != nil {
		return ExitInvalid, fmt.Sprintf("INVALID: %v", err)
	}

	outDir := filepath.Join(store.Paths(opts.JobID).OutputsDir, "sweep")
	trialsPath := filepath.Join(outDir, "trials.jsonl")
	leaderboardPath := filepath.Join(outDir, "leaderboard.json")
	if fsio.Exists(leaderboardPath) {
		return ExitOK, fmt.Sprintf("noop: leaderboard exists: %s", filepath.ToSlash(leaderboardPath))
	}

	bundlePath := strVal(spec, "policy_bundle_path")
	budget, err := resolveBudget(bundlePath, sweepSpec, len(combos))
	if err != nil {
		return ExitInvalid, fmt.Sprintf("INVALID: budget policy: %v", err)
	}

	outputs := store.Outputs(opts.JobID)
	runspecPath := strVal(outputs, "runspec_path")
	if runspecPath == "" || !fsio.Exists(runspecPath) {
		runspecPath = filepath.Join(store.Paths(opts.JobID).OutputsDir, "runspec.json")
	}
	if !fsio.Exists(runspecPath) {
		return ExitInvalid, "INVALID: missing runspec.json (compile must run before sweep)"
	}
	baseRunspec, err := fsio.ReadJSONMap(runspecPath)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	if strVal(baseRunspec, "schema_version") != "run_spec_v1" {
		return ExitInvalid, "INVALID: sweep runspec must be run_spec_v1"
	}

	validator, err := contracts.NewValidator()
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}

	existing, err := fsio.IterJSONL(trialsPath)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	done := map[string]bool{}
	for _, t := range existing {
		if key := strVal(t, "params_key"); key != "" {
			done[key] = true
		}
	}

	var (
		bestMetric    *float64
		noImprove     int
		tried         int
		stoppedReason string
	)

	for i, params := range combos {
		if tried >= budget.maxTrials {
			stoppedReason = "max_trials"
			if _, err := store.AppendEvent(opts.JobID, "STOPPED_BUDGET", map[string]interface{}{
				"reason":         "max_trials",
				"limit":          budget.maxTrials,
				"current_trials": tried,
				"grid_total":     len(combos),
			}, "STOP: sweep trial budget exhausted"); err != nil {
				return ExitUsage, fmt.Sprintf("ERROR: %v", err)
			}
			break
		}

		key, err := canonicalize.CanonicalHash(params)
		if err != nil {
			return ExitUsage, fmt.Sprintf("ERROR: %v", err)
		}
		if done[key] {
			tried++
			continue
		}

		doc, execErr := runTrial(opts, baseRunspec, bundlePath, i, params, key, metricName)
		if execErr != nil {
			return ExitUsage, fmt.Sprintf("ERROR: trial %d: %v", i, execErr)
		}
		if code, msg := validateDoc(validator, doc); code != contracts.ExitOK {
			return ExitUsage, fmt.Sprintf("ERROR: trial %d record invalid: %s", i, msg)
		}
		if err := fsio.AppendJSONL(trialsPath, doc); err != nil {
			return ExitUsage, fmt.Sprintf("ERROR: %v", err)
		}
		done[key] = true
		tried++

		tm := trialMetric(doc)
		if trialEligible(doc) && tm != nil {
			improved := bestMetric == nil ||
				(higherIsBetter && *tm > *bestMetric) ||
				(!higherIsBetter && *tm < *bestMetric)
			if improved {
				bestMetric = tm
				noImprove = 0
			} else {
				noImprove++
			}
		} else {
			noImprove++
		}
		if budget.stopNoImprove > 0 && noImprove >= budget.stopNoImprove {
			stoppedReason = "stop_if_no_improvement_n"
			if _, err := store.AppendEvent(opts.JobID, "STOPPED_BUDGET", map[string]interface{}{
				"reason":            "stop_if_no_improvement_n",
				"limit":             budget.stopNoImprove,
				"no_improve_streak": noImprove,
				"trials_completed":  tried,
			}, "STOP: sweep stopped due to no improvement"); err != nil {
				return ExitUsage, fmt.Sprintf("ERROR: %v", err)
			}
			break
		}
	}

	allTrials, err := fsio.IterJSONL(trialsPath)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	var ranked []trial
	for idx, doc := range allTrials {
		tm := trialMetric(doc)
		if !trialEligible(doc) || tm == nil {
			continue
		}
		ranked = append(ranked, trial{doc: doc, testMetric: tm, index: idx})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if higherIsBetter {
			return *ranked[a].testMetric > *ranked[b].testMetric
		}
		return *ranked[a].testMetric < *ranked[b].testMetric
	})

	leaderboard := map[string]interface{}{
		"schema_version":  "leaderboard_v1",
		"job_id":          opts.JobID,
		"metric":          metricName,
		"grid_total":      len(combos),
		"max_trials":      budget.maxTrials,
		"trials_recorded": len(allTrials),
		"extensions":      map[string]interface{}{"higher_is_better": higherIsBetter},
	}
	if budget.policyID != "" {
		leaderboard["budget_policy_ref"] = budget.policyID
	}
	if stoppedReason != "" {
		leaderboard["stopped_reason"] = stoppedReason
	}
	top := []interface{}{}
	for i, t := range ranked {
		if i >= 10 {
			break
		}
		top = append(top, map[string]interface{}{
			"trial_index":  t.doc["trial_index"],
			"params":       t.doc["params"],
			"test_metric":  t.doc["test_metric"],
			"run_id":       t.doc["run_id"],
			"dossier_path": t.doc["dossier_path"],
			"overall_pass": t.doc["overall_pass"],
		})
	}
	leaderboard["top"] = top
	if len(ranked) > 0 {
		best := ranked[0].doc
		leaderboard["best"] = map[string]interface{}{
			"trial_index":       best["trial_index"],
			"params":            best["params"],
			"test_metric":       best["test_metric"],
			"run_id":            strVal(best, "run_id"),
			"dossier_path":      strVal(best, "dossier_path"),
			"gate_results_path": strVal(best, "gate_results_path"),
		}
	} else {
		leaderboard["best"] = nil
	}
	if code, msg := validateDoc(validator, leaderboard); code != contracts.ExitOK {
		return ExitUsage, fmt.Sprintf("ERROR: leaderboard invalid: %s", msg)
	}
	if err := fsio.WriteJSONAtomic(leaderboardPath, leaderboard); err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	if _, err := store.WriteOutputs(opts.JobID, map[string]interface{}{
		"sweep_trials_path": filepath.ToSlash(trialsPath),
		"leaderboard_path":  filepath.ToSlash(leaderboardPath),
		"sweep_metric":      metricName,
	}); err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}

	return ExitOK, fmt.Sprintf("OK: sweep recorded %d trial(s), leaderboard: %s", len(allTrials), filepath.ToSlash(leaderboardPath))
}

// runTrial executes one param combination end to end: rewritten runspec,
// runner, gates. An invalid backtest is recorded as a failed trial, not an
// execution error.
func runTrial(opts Options, baseRunspec map[string]interface{}, bundlePath string, index int, params map[string]interface{}, key, metricName string) (map[string]interface{}, error) {
	store := opts.Store
	rs := deepCopy(baseRunspec)
	ext, _ := rs["extensions"].(map[string]interface{})
	if ext == nil {
		ext = map[string]interface{}{}
		rs["extensions"] = ext
	}
	ext["sweep_params"] = params
	ext["sweep_metric"] = metricName
	if dsl, ok := ext["signal_dsl"].(map[string]interface{}); ok {
		merged, _ := dsl["params"].(map[string]interface{})
		next := map[string]interface{}{}
		for k, v := range merged {
			next[k] = v
		}
		for k, v := range params {
			next[k] = v
		}
		dslCopy := deepCopy(dsl)
		dslCopy["params"] = next
		ext["signal_dsl"] = dslCopy
	}

	specPath := filepath.Join(store.Paths(opts.JobID).OutputsDir, "sweep", "runspecs", fmt.Sprintf("trial_%04d.json", index))
	if err := fsio.WriteJSONAtomic(specPath, rs); err != nil {
		return nil, err
	}

	doc := map[string]interface{}{
		"schema_version": "sweep_trial_v1",
		"job_id":         opts.JobID,
		"trial_index":    index,
		"params":         params,
		"params_key":     key,
		"metric_name":    metricName,
		"recorded_at":    clock.ISO(store.Clock.Now()),
	}

	code, msg := runner.RunOnce(runner.Options{
		RunSpecPath:      specPath,
		PolicyBundlePath: bundlePath,
		DataRoot:         opts.DataRoot,
		ArtifactRoot:     opts.ArtifactRoot,
	})
	if code == runner.ExitUsage {
		return nil, fmt.Errorf("runner: %s", msg)
	}
	if code == runner.ExitInvalid {
		doc["status"] = "failed"
		doc["error"] = msg
		doc["overall_pass"] = false
		doc["eligible"] = false
		doc["test_metric"] = nil
		return doc, nil
	}
	summary, err := runner.ParseSummary(msg)
	if err != nil {
		return nil, err
	}
	runID := strVal(summary, "run_id")
	dossierPath := strVal(summary, "dossier_path")

	gcode, gmsg := gaterunner.RunOnce(gaterunner.Options{
		DossierDir:       dossierPath,
		PolicyBundlePath: bundlePath,
		DataRoot:         opts.DataRoot,
	})
	if gcode == gaterunner.ExitUsage {
		return nil, fmt.Errorf("gaterunner: %s", gmsg)
	}
	gateResultsPath := filepath.Join(dossierPath, "gate_results.json")
	overallPass := false
	eligible := false
	if gateDoc, err := fsio.ReadJSONMap(gateResultsPath); err == nil && gateDoc != nil {
		overallPass, _ = gateDoc["overall_pass"].(bool)
		eligible = overallPass
		if hs, ok := gateDoc["holdout_summary"].(map[string]interface{}); ok {
			if hp, ok := hs["pass"].(bool); ok && !hp {
				eligible = false
			}
		}
	}

	var testMetric interface{}
	if metrics, ok := summary["metrics"].(map[string]interface{}); ok {
		if v, ok := metrics[metricName].(float64); ok {
			testMetric = v
		}
	}

	doc["status"] = "completed"
	doc["run_id"] = runID
	doc["dossier_path"] = dossierPath
	doc["gate_results_path"] = filepath.ToSlash(gateResultsPath)
	doc["overall_pass"] = overallPass
	doc["eligible"] = eligible
	doc["test_metric"] = testMetric
	return doc, nil
}

// validateDoc normalizes an in-memory document (Go ints and all) before
// contract validation.
func validateDoc(v *contracts.Validator, doc map[string]interface{}) (int, string) {
	norm, err := contracts.Normalize(doc)
	if err != nil {
		return contracts.ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	return v.Validate(norm)
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = deepCopy(t)
		case []interface{}:
			cp := make([]interface{}, len(t))
			for i, e := range t {
				if em, ok := e.(map[string]interface{}); ok {
					cp[i] = deepCopy(em)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func strVal(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}
