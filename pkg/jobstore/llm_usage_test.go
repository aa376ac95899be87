package jobstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantforge/eam/internal/testutil"
	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/fsio"
)

func TestLLMBudgetFromBundle(t *testing.T) {
	s, bundlePath := newStore(t)
	res, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_llm", bundlePath, nil)
	require.NoError(t, err)

	th, err := s.LLMBudget(res.JobID)
	require.NoError(t, err)
	require.Equal(t, "llm_budget_policy_v1_default", th.PolicyID)
	require.Equal(t, 10, th.MaxCallsPerJob)
	require.Equal(t, 600, th.MaxWallSecondsPerJob)
	require.Nil(t, th.MaxCallsPerAgentRun)
}

func TestRecordUsageAggregates(t *testing.T) {
	s, bundlePath := newStore(t)
	res, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_llm", bundlePath, nil)
	require.NoError(t, err)

	_, err = s.RecordUsage(res.JobID, "intent_agent", "llm_call", UsageDelta{Calls: 1, PromptChars: 100, ResponseChars: 200, WallSeconds: 1.5}, "")
	require.NoError(t, err)
	reportPath, err := s.RecordUsage(res.JobID, "strategy_spec_agent", "llm_call", UsageDelta{Calls: 2, PromptChars: 50, ResponseChars: 25, WallSeconds: 0.5}, "")
	require.NoError(t, err)

	totals, byAgent, stopReason, err := s.UsageTotals(res.JobID)
	require.NoError(t, err)
	require.Equal(t, 3, totals.Calls)
	require.Equal(t, 150, totals.PromptChars)
	require.Equal(t, 225, totals.ResponseChars)
	require.InDelta(t, 2.0, totals.WallSeconds, 1e-9)
	require.Len(t, byAgent, 2)
	require.Equal(t, 1, byAgent["intent_agent"].Calls)
	require.Equal(t, 2, byAgent["strategy_spec_agent"].Calls)
	require.Empty(t, stopReason)

	report, err := fsio.ReadJSONMap(reportPath)
	require.NoError(t, err)
	require.Equal(t, "llm_usage_report_v1", report["schema_version"])
	require.Equal(t, false, report["stopped"])
	require.Equal(t, "llm_budget_policy_v1_default", report["policy_id"])
	evidence := report["evidence_refs"].(map[string]interface{})
	require.Contains(t, evidence["usage_events_path"], "llm_usage_events.jsonl")

	stopped, _ := s.IsBudgetStopped(res.JobID)
	require.False(t, stopped)
}

func TestRecordUsageStopReasonSticks(t *testing.T) {
	s, bundlePath := newStore(t)
	res, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_llm", bundlePath, nil)
	require.NoError(t, err)

	_, err = s.RecordUsage(res.JobID, "intent_agent", "llm_call", UsageDelta{Calls: 1}, "")
	require.NoError(t, err)
	_, err = s.RecordUsage(res.JobID, "intent_agent", "budget_stop", UsageDelta{}, "max_calls_per_job")
	require.NoError(t, err)

	stopped, reason := s.IsBudgetStopped(res.JobID)
	require.True(t, stopped)
	require.Equal(t, "max_calls_per_job", reason)

	report, err := fsio.ReadJSONMap(s.usageReportPath(res.JobID))
	require.NoError(t, err)
	require.Equal(t, true, report["stopped"])
	require.Equal(t, "max_calls_per_job", report["stop_reason"])
}

func TestWouldExceed(t *testing.T) {
	th := BudgetThresholds{MaxCallsPerJob: 2, MaxPromptCharsPerJob: 1000, MaxWallSecondsPerJob: 10}
	totals := schemas.LLMUsageTotals{Calls: 2, PromptChars: 500, WallSeconds: 9.5}

	require.Equal(t, "max_calls_per_job", WouldExceed(th, totals, UsageDelta{Calls: 1}))
	require.Equal(t, "max_prompt_chars_per_job", WouldExceed(th, totals, UsageDelta{PromptChars: 600}))
	require.Equal(t, "max_wall_seconds_per_job", WouldExceed(th, totals, UsageDelta{WallSeconds: 1.0}))
	require.Empty(t, WouldExceed(th, totals, UsageDelta{PromptChars: 100}))

	// Zero thresholds never limit.
	require.Empty(t, WouldExceed(BudgetThresholds{}, totals, UsageDelta{Calls: 1000}))
}

func TestIsBudgetStoppedWithoutReport(t *testing.T) {
	s, bundlePath := newStore(t)
	res, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_llm", bundlePath, nil)
	require.NoError(t, err)
	stopped, reason := s.IsBudgetStopped(res.JobID)
	require.False(t, stopped)
	require.Empty(t, reason)
}
