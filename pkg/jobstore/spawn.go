package jobstore

import (
	"fmt"
	"path/filepath"

	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/fsio"
)

// forbiddenProposalKeys are proposal extension keys that would smuggle policy
// changes past the frozen bundle. A proposal carrying any of them is rejected.
var forbiddenProposalKeys = []string{
	"policy_overrides",
	"policy_override",
	"overrides",
	"execution_policy",
	"cost_policy",
	"asof_latency_policy",
	"risk_policy",
	"gate_suite",
	"budget_policy",
	"policy_bundle",
}

// SpawnBudget is the slice of the budget policy that governs lineage growth.
type SpawnBudget struct {
	MaxSpawnPerJob     int
	MaxTotalIterations int
}

func (s *Store) spawnBudget(spec map[string]interface{}) (SpawnBudget, error) {
	bundlePath := strVal(spec, "policy_bundle_path")
	if bundlePath == "" {
		return SpawnBudget{}, nil
	}
	_, assets, err := s.loadBundle(bundlePath)
	if err != nil {
		return SpawnBudget{}, err
	}
	asset, ok := assets["budget_policy_id"]
	if !ok || asset == nil {
		return SpawnBudget{}, nil
	}
	return SpawnBudget{
		MaxSpawnPerJob:     intParam(asset.Params, "max_spawn_per_job"),
		MaxTotalIterations: intParam(asset.Params, "max_total_iterations"),
	}, nil
}

// SpawnLimits resolves the spawn budget for a stored job.
func (s *Store) SpawnLimits(jobID string) (SpawnBudget, error) {
	spec, err := s.Spec(jobID)
	if err != nil {
		return SpawnBudget{}, err
	}
	return s.spawnBudget(spec)
}

// SpawnCount counts SPAWNED events, excluding reruns which do not consume the
// spawn budget.
func (s *Store) SpawnCount(jobID string) (int, error) {
	events, err := s.Events(jobID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if strVal(ev, "event_type") != "SPAWNED" {
			continue
		}
		if out, ok := ev["outputs"].(map[string]interface{}); ok && strVal(out, "action") == "rerun_requested" {
			continue
		}
		n++
	}
	return n, nil
}

// Generation reads the lineage generation from a job spec, defaulting to 0
// for root jobs.
func Generation(spec map[string]interface{}) int {
	ext, _ := spec["extensions"].(map[string]interface{})
	lineage, _ := ext["lineage"].(map[string]interface{})
	if lineage == nil {
		return 0
	}
	if g, ok := numParam(lineage, "generation"); ok {
		return g
	}
	if g, ok := numParam(lineage, "iteration"); ok {
		return g
	}
	return 0
}

func (s *Store) stopBudget(jobID, reason string, outputs map[string]interface{}) error {
	outputs["reason"] = reason
	if _, err := s.AppendEvent(jobID, "STOPPED_BUDGET", outputs, "STOP: spawn budget exhausted"); err != nil {
		return err
	}
	return &BudgetError{Reason: reason, Outputs: outputs}
}

// checkSpawnBudget enforces max_spawn_per_job and max_total_iterations before
// any child is written. A zero limit means unlimited. On a violation it
// records STOPPED_BUDGET on the parent and returns a *BudgetError.
func (s *Store) checkSpawnBudget(jobID string, spec map[string]interface{}) (childGen int, err error) {
	budget, err := s.spawnBudget(spec)
	if err != nil {
		return 0, err
	}
	count, err := s.SpawnCount(jobID)
	if err != nil {
		return 0, err
	}
	if budget.MaxSpawnPerJob > 0 && count >= budget.MaxSpawnPerJob {
		return 0, s.stopBudget(jobID, "max_spawn_per_job", map[string]interface{}{
			"limit":               budget.MaxSpawnPerJob,
			"current_spawn_count": count,
		})
	}
	gen := Generation(spec)
	childGen = gen + 1
	if budget.MaxTotalIterations > 0 && childGen >= budget.MaxTotalIterations {
		return 0, s.stopBudget(jobID, "max_total_iterations", map[string]interface{}{
			"limit":                      budget.MaxTotalIterations,
			"current_generation":         gen,
			"attempted_child_generation": childGen,
		})
	}
	return childGen, nil
}

// SpawnResult reports a created child job and its lineage position.
type SpawnResult struct {
	ChildJobID string
	Generation int
	Status     string
}

func lineageExtensions(baseJobID string, baseSpec map[string]interface{}, childGen int, spawnedFrom map[string]interface{}) map[string]interface{} {
	rootID := baseJobID
	if baseExt, ok := baseSpec["extensions"].(map[string]interface{}); ok {
		if lin, ok := baseExt["lineage"].(map[string]interface{}); ok {
			if r := strVal(lin, "root_job_id"); r != "" {
				rootID = r
			}
		}
	}
	return map[string]interface{}{
		"lineage": map[string]interface{}{
			"root_job_id":   rootID,
			"parent_job_id": baseJobID,
			"generation":    childGen,
			"iteration":     childGen,
		},
		"spawned_from": spawnedFrom,
	}
}

// SpawnFromProposal creates a child blueprint job from one improvement
// proposal recorded on the base job, after budget checks. Proposals are
// forbidden from carrying policy-shaped extensions.
func (s *Store) SpawnFromProposal(baseJobID, proposalID string) (SpawnResult, error) {
	spec, err := s.Spec(baseJobID)
	if err != nil {
		return SpawnResult{}, err
	}
	proposal, err := s.findProposal(baseJobID, proposalID)
	if err != nil {
		return SpawnResult{}, err
	}
	if ext, ok := proposal["extensions"].(map[string]interface{}); ok {
		for _, key := range forbiddenProposalKeys {
			if _, bad := ext[key]; bad {
				return SpawnResult{}, fmt.Errorf("proposal %s carries forbidden extension %q", proposalID, key)
			}
		}
	}
	childGen, err := s.checkSpawnBudget(baseJobID, spec)
	if err != nil {
		return SpawnResult{}, err
	}
	draft, ok := proposal["blueprint_draft_json"].(map[string]interface{})
	if !ok {
		return SpawnResult{}, fmt.Errorf("proposal %s has no blueprint_draft_json", proposalID)
	}
	childExt := lineageExtensions(baseJobID, spec, childGen, map[string]interface{}{
		"base_job_id": baseJobID,
		"proposal_id": proposalID,
	})
	res, err := s.CreateFromBlueprint(draft, strVal(spec, "snapshot_id"), strVal(spec, "policy_bundle_path"), childExt)
	if err != nil {
		return SpawnResult{}, err
	}
	if _, err := s.AppendEvent(baseJobID, "SPAWNED", map[string]interface{}{
		"child_job_id": res.JobID,
		"proposal_id":  proposalID,
		"generation":   childGen,
	}, ""); err != nil {
		return SpawnResult{}, err
	}
	return SpawnResult{ChildJobID: res.JobID, Generation: childGen, Status: res.Status}, nil
}

func (s *Store) findProposal(baseJobID, proposalID string) (map[string]interface{}, error) {
	outputs := s.Outputs(baseJobID)
	propPath := strVal(outputs, "improvement_proposals_path")
	if propPath == "" {
		return nil, fmt.Errorf("job %s has no improvement proposals", baseJobID)
	}
	doc, err := fsio.ReadJSONMap(propPath)
	if err != nil {
		return nil, err
	}
	props, _ := doc["proposals"].([]interface{})
	for _, raw := range props {
		p, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if strVal(p, "proposal_id") == proposalID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("proposal %s not found on job %s", proposalID, baseJobID)
}

// SpawnFromSweepBest creates a child whose strategy params are the base
// blueprint's params overlaid with the winning sweep trial.
func (s *Store) SpawnFromSweepBest(baseJobID string) (SpawnResult, error) {
	spec, err := s.Spec(baseJobID)
	if err != nil {
		return SpawnResult{}, err
	}
	outputs := s.Outputs(baseJobID)
	lbPath := strVal(outputs, "leaderboard_path")
	if lbPath == "" {
		lbPath = filepath.Join(s.Paths(baseJobID).OutputsDir, "sweep", "leaderboard.json")
	}
	lb, err := fsio.ReadJSONMap(lbPath)
	if err != nil {
		return SpawnResult{}, fmt.Errorf("no sweep leaderboard for job %s: %w", baseJobID, err)
	}
	best, _ := lb["best"].(map[string]interface{})
	bestParams, _ := best["params"].(map[string]interface{})
	if bestParams == nil {
		return SpawnResult{}, fmt.Errorf("leaderboard for job %s has no best.params", baseJobID)
	}
	blueprint, _ := spec["blueprint"].(map[string]interface{})
	if blueprint == nil {
		return SpawnResult{}, fmt.Errorf("job %s has no blueprint to respawn from", baseJobID)
	}
	childGen, err := s.checkSpawnBudget(baseJobID, spec)
	if err != nil {
		return SpawnResult{}, err
	}

	child := deepCopyMap(blueprint)
	strat, _ := child["strategy_spec"].(map[string]interface{})
	if strat == nil {
		strat = map[string]interface{}{}
		child["strategy_spec"] = strat
	}
	params, _ := strat["params"].(map[string]interface{})
	if params == nil {
		params = map[string]interface{}{}
	}
	merged := make(map[string]interface{}, len(params)+len(bestParams))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range bestParams {
		merged[k] = v
	}
	strat["params"] = merged
	bpExt, _ := child["extensions"].(map[string]interface{})
	if bpExt == nil {
		bpExt = map[string]interface{}{}
	}
	bpExt["sweep_best_from"] = map[string]interface{}{
		"base_job_id": baseJobID,
		"params":      bestParams,
	}
	child["extensions"] = bpExt

	childExt := lineageExtensions(baseJobID, spec, childGen, map[string]interface{}{
		"base_job_id": baseJobID,
		"sweep_best":  true,
	})
	res, err := s.CreateFromBlueprint(child, strVal(spec, "snapshot_id"), strVal(spec, "policy_bundle_path"), childExt)
	if err != nil {
		return SpawnResult{}, err
	}
	if _, err := s.AppendEvent(baseJobID, "SPAWNED", map[string]interface{}{
		"child_job_id": res.JobID,
		"generation":   childGen,
		"source":       "sweep_best",
	}, ""); err != nil {
		return SpawnResult{}, err
	}
	return SpawnResult{ChildJobID: res.JobID, Generation: childGen, Status: res.Status}, nil
}

// WriteRunLink records the job-to-run join document once a dossier exists.
func (s *Store) WriteRunLink(jobID, runID, dossierPath, gateResultsPath string, overallPass *bool) (string, error) {
	link := map[string]interface{}{
		"schema_version":    "job_run_link_v1",
		"job_id":            jobID,
		"run_id":            runID,
		"dossier_path":      filepath.ToSlash(dossierPath),
		"gate_results_path": filepath.ToSlash(gateResultsPath),
		"linked_at":         clock.ISO(s.Clock.Now()),
	}
	if overallPass != nil {
		link["overall_pass"] = *overallPass
	}
	if code, msg := s.validate(link); code != contracts.ExitOK {
		return "", fmt.Errorf("invalid job_run_link_v1: %s", msg)
	}
	p := filepath.Join(s.Paths(jobID).OutputsDir, "run_link.json")
	if err := fsio.WriteJSONAtomic(p, link); err != nil {
		return "", err
	}
	if _, err := s.WriteOutputs(jobID, map[string]interface{}{
		"run_id":            runID,
		"dossier_path":      filepath.ToSlash(dossierPath),
		"gate_results_path": filepath.ToSlash(gateResultsPath),
		"run_link_path":     filepath.ToSlash(p),
	}); err != nil {
		return "", err
	}
	return p, nil
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = deepCopyMap(t)
		case []interface{}:
			cp := make([]interface{}, len(t))
			for i, e := range t {
				if em, ok := e.(map[string]interface{}); ok {
					cp[i] = deepCopyMap(em)
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

func intParam(m map[string]interface{}, key string) int {
	if v, ok := numParam(m, key); ok {
		return v
	}
	return 0
}

func numParam(m map[string]interface{}, key string) (int, bool) {
	switch t := m[key].(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	}
	return 0, false
}
