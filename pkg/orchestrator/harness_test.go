package orchestrator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/eam/internal/testutil"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/jobstore"
)

const tightLLMBudgetYAML = `policy_id: llm_budget_policy_v1_tight
policy_version: v1
title: LLM budget policy
description: One call per job.
params:
  max_calls_per_job: 1
  max_prompt_chars_per_job: 100000
  max_response_chars_per_job: 100000
  max_wall_seconds_per_job: 600
`

func newHarnessJob(t *testing.T, policies testutil.PolicyYAML) (*Harness, *jobstore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	if policies == nil {
		policies = testutil.DefaultPolicies()
	}
	_, bundlePath := testutil.WritePolicies(t, dir, policies)
	store, err := jobstore.New(filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	created, err := store.CreateFromIdea(map[string]interface{}{
		"schema_version": "idea_spec_v1",
		"idea_id":        "idea_harness_01",
		"title":          "Harness idea",
		"hypothesis":     "h",
	}, "snap_h", bundlePath)
	require.NoError(t, err)
	h, err := NewHarness(store, "", "")
	require.NoError(t, err)
	return h, store, created.JobID
}

func agentInput(store *jobstore.Store, jobID string) map[string]interface{} {
	spec, _ := store.Spec(jobID)
	return map[string]interface{}{"job_id": jobID, "idea_spec": spec}
}

func TestHarnessRunWritesEvidence(t *testing.T) {
	h, store, jobID := newHarnessJob(t, nil)
	assert.Equal(t, "mock", h.Provider)
	assert.Equal(t, "live", h.Mode)

	outDir := filepath.Join(store.Paths(jobID).OutputsDir, "agents", "intent")
	res, err := h.Run(IntentAgent{}, jobID, agentInput(store, jobID), outDir)
	require.NoError(t, err)
	assert.False(t, res.BudgetStopped)
	assert.True(t, res.GuardPassed)
	assert.Equal(t, filepath.Join(outDir, "blueprint_draft.json"), res.PrimaryPath)

	for _, name := range []string{"agent_input.json", "blueprint_draft.json", "output_guard_report.json", "agent_run.json"} {
		assert.True(t, fsio.Exists(filepath.Join(outDir, name)), name)
	}

	guard, err := fsio.ReadJSONMap(res.GuardPath)
	require.NoError(t, err)
	assert.Equal(t, "output_guard_report_v1", guard["schema_version"])
	assert.Equal(t, true, guard["passed"])
	assert.Empty(t, guard["violations"])

	run, err := fsio.ReadJSONMap(res.AgentRunPath)
	require.NoError(t, err)
	assert.Equal(t, "agent_run_v1", run["schema_version"])
	assert.Equal(t, "intent_agent_v1", run["agent_id"])
	assert.NotEmpty(t, run["session_id"])
	assert.Equal(t, "mock", run["provider"])
	assert.Equal(t, "live", run["mode"])
	assert.Equal(t, "completed", run["status"])

	totals, _, stopReason, err := store.UsageTotals(jobID)
	require.NoError(t, err)
	assert.Empty(t, stopReason)
	assert.Equal(t, 1, totals.Calls)
	assert.Greater(t, totals.PromptChars, 0)
	assert.Greater(t, totals.ResponseChars, 0)
}

func TestHarnessStopsOnCallBudget(t *testing.T) {
	policies := testutil.DefaultPolicies()
	policies["llm_budget_policy_v1.yaml"] = tightLLMBudgetYAML
	h, store, jobID := newHarnessJob(t, policies)

	outDir := filepath.Join(store.Paths(jobID).OutputsDir, "agents", "intent")
	res, err := h.Run(IntentAgent{}, jobID, agentInput(store, jobID), outDir)
	require.NoError(t, err)
	require.False(t, res.BudgetStopped)

	// The second call would exceed max_calls_per_job and records the stop.
	res, err = h.Run(IntentAgent{}, jobID, agentInput(store, jobID), outDir)
	require.NoError(t, err)
	assert.True(t, res.BudgetStopped)
	assert.Equal(t, "max_calls_per_job", res.StopReason)

	stopped, reason := store.IsBudgetStopped(jobID)
	assert.True(t, stopped)
	assert.Equal(t, "max_calls_per_job", reason)

	// Once stopped, the harness refuses further sessions without recording
	// another usage event.
	res, err = h.Run(IntentAgent{}, jobID, agentInput(store, jobID), outDir)
	require.NoError(t, err)
	assert.True(t, res.BudgetStopped)
	totals, _, _, err := store.UsageTotals(jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Calls)
}

func TestHarnessGuardRejection(t *testing.T) {
	h, store, jobID := newHarnessJob(t, nil)
	spec, err := store.Spec(jobID)
	require.NoError(t, err)
	spec["extensions"] = map[string]interface{}{
		"strategy_spec": map[string]interface{}{
			"strategy_id": "buy_and_hold_v1",
			"params": map[string]interface{}{
				"gate_suite": map[string]interface{}{"gates": []interface{}{}},
			},
		},
	}

	outDir := filepath.Join(store.Paths(jobID).OutputsDir, "agents", "intent")
	res, err := h.Run(IntentAgent{}, jobID, map[string]interface{}{"idea_spec": spec}, outDir)
	require.NoError(t, err)
	assert.False(t, res.GuardPassed)

	guard, err := fsio.ReadJSONMap(res.GuardPath)
	require.NoError(t, err)
	assert.Equal(t, false, guard["passed"])
	violations := guard["violations"].([]interface{})
	require.Len(t, violations, 1)
	v := violations[0].(map[string]interface{})
	assert.Equal(t, "/blueprint_draft.json/strategy_spec/params/gate_suite", v["path"])

	run, err := fsio.ReadJSONMap(res.AgentRunPath)
	require.NoError(t, err)
	assert.Equal(t, "guard_rejected", run["status"])
}
