package jobstore

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/fsio"
)

// BudgetThresholds are the per-job LLM spend ceilings from an
// llm_budget_policy asset. A zero threshold means unlimited.
type BudgetThresholds struct {
	PolicyID               string
	MaxCallsPerJob         int
	MaxPromptCharsPerJob   int
	MaxResponseCharsPerJob int
	MaxWallSecondsPerJob   int
	MaxCallsPerAgentRun    *int
}

func (t BudgetThresholds) asMap() map[string]interface{} {
	m := map[string]interface{}{
		"max_calls_per_job":          t.MaxCallsPerJob,
		"max_prompt_chars_per_job":   t.MaxPromptCharsPerJob,
		"max_response_chars_per_job": t.MaxResponseCharsPerJob,
		"max_wall_seconds_per_job":   t.MaxWallSecondsPerJob,
	}
	if t.MaxCallsPerAgentRun != nil {
		m["max_calls_per_agent_run"] = *t.MaxCallsPerAgentRun
	}
	return m
}

// UsageDelta is one increment of LLM spend attributed to an agent.
type UsageDelta struct {
	Calls         int
	PromptChars   int
	ResponseChars int
	WallSeconds   float64
}

// LLMBudget loads the job's LLM thresholds from its frozen bundle. A bundle
// without an llm_budget_policy ref yields unlimited thresholds with an empty
// policy id.
func (s *Store) LLMBudget(jobID string) (BudgetThresholds, error) {
	spec, err := s.Spec(jobID)
	if err != nil {
		return BudgetThresholds{}, err
	}
	bundlePath := strVal(spec, "policy_bundle_path")
	if bundlePath == "" {
		return BudgetThresholds{}, nil
	}
	_, assets, err := s.loadBundle(bundlePath)
	if err != nil {
		return BudgetThresholds{}, err
	}
	asset, ok := assets["llm_budget_policy_id"]
	if !ok || asset == nil {
		return BudgetThresholds{}, nil
	}
	th := BudgetThresholds{
		PolicyID:               asset.PolicyID,
		MaxCallsPerJob:         intParam(asset.Params, "max_calls_per_job"),
		MaxPromptCharsPerJob:   intParam(asset.Params, "max_prompt_chars_per_job"),
		MaxResponseCharsPerJob: intParam(asset.Params, "max_response_chars_per_job"),
		MaxWallSecondsPerJob:   intParam(asset.Params, "max_wall_seconds_per_job"),
	}
	if v, ok := numParam(asset.Params, "max_calls_per_agent_run"); ok {
		th.MaxCallsPerAgentRun = &v
	}
	return th, nil
}

func (s *Store) usageEventsPath(jobID string) string {
	return filepath.Join(s.Paths(jobID).OutputsDir, "llm", "llm_usage_events.jsonl")
}

func (s *Store) usageReportPath(jobID string) string {
	return filepath.Join(s.Paths(jobID).OutputsDir, "llm", "llm_usage_report.json")
}

// RecordUsage appends one usage event and rewrites the aggregated report.
// When the cumulative spend crosses a threshold the event carries stopReason
// and the report flips to stopped; the caller decides whether to abort.
func (s *Store) RecordUsage(jobID, agentID, eventType string, delta UsageDelta, stopReason string) (string, error) {
	th, err := s.LLMBudget(jobID)
	if err != nil {
		return "", err
	}
	now := s.Clock.Now()
	ev := map[string]interface{}{
		"schema_version":    "llm_usage_event_v1",
		"job_id":            jobID,
		"agent_id":          agentID,
		"event_type":        eventType,
		"recorded_at_epoch": now.Unix(),
		"recorded_at_wall":  clock.ISO(now),
		"delta": map[string]interface{}{
			"calls":          delta.Calls,
			"prompt_chars":   delta.PromptChars,
			"response_chars": delta.ResponseChars,
			"wall_seconds":   delta.WallSeconds,
		},
		"policy_id":  th.PolicyID,
		"thresholds": th.asMap(),
	}
	if stopReason != "" {
		ev["stop_reason"] = stopReason
	}
	if err := fsio.AppendJSONL(s.usageEventsPath(jobID), ev); err != nil {
		return "", err
	}
	return s.WriteUsageReport(jobID)
}

// WouldExceed reports the first threshold that adding delta to current totals
// would break, or "" when the spend fits.
func WouldExceed(th BudgetThresholds, totals schemas.LLMUsageTotals, delta UsageDelta) string {
	if th.MaxCallsPerJob > 0 && totals.Calls+delta.Calls > th.MaxCallsPerJob {
		return "max_calls_per_job"
	}
	if th.MaxPromptCharsPerJob > 0 && totals.PromptChars+delta.PromptChars > th.MaxPromptCharsPerJob {
		return "max_prompt_chars_per_job"
	}
	if th.MaxResponseCharsPerJob > 0 && totals.ResponseChars+delta.ResponseChars > th.MaxResponseCharsPerJob {
		return "max_response_chars_per_job"
	}
	if th.MaxWallSecondsPerJob > 0 && totals.WallSeconds+delta.WallSeconds > float64(th.MaxWallSecondsPerJob) {
		return "max_wall_seconds_per_job"
	}
	return ""
}

// UsageTotals folds the event log into overall and per-agent totals. The last
// recorded stop_reason wins.
func (s *Store) UsageTotals(jobID string) (schemas.LLMUsageTotals, map[string]schemas.LLMUsageTotals, string, error) {
	var totals schemas.LLMUsageTotals
	byAgent := map[string]schemas.LLMUsageTotals{}
	stopReason := ""
	events, err := fsio.IterJSONL(s.usageEventsPath(jobID))
	if err != nil {
		return totals, byAgent, "", err
	}
	for _, ev := range events {
		d, _ := ev["delta"].(map[string]interface{})
		inc := schemas.LLMUsageTotals{
			Calls:         intParam(d, "calls"),
			PromptChars:   intParam(d, "prompt_chars"),
			ResponseChars: intParam(d, "response_chars"),
			WallSeconds:   floatParam(d, "wall_seconds"),
		}
		totals = addTotals(totals, inc)
		agent := strVal(ev, "agent_id")
		byAgent[agent] = addTotals(byAgent[agent], inc)
		if sr := strVal(ev, "stop_reason"); sr != "" {
			stopReason = sr
		}
	}
	return totals, byAgent, stopReason, nil
}

// WriteUsageReport rewrites outputs/llm/llm_usage_report.json from the event
// log and returns its path.
func (s *Store) WriteUsageReport(jobID string) (string, error) {
	th, err := s.LLMBudget(jobID)
	if err != nil {
		return "", err
	}
	totals, byAgent, stopReason, err := s.UsageTotals(jobID)
	if err != nil {
		return "", err
	}
	agents := make([]string, 0, len(byAgent))
	for a := range byAgent {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	byAgentDoc := make(map[string]interface{}, len(byAgent))
	for _, a := range agents {
		byAgentDoc[a] = byAgent[a]
	}
	policyID := th.PolicyID
	if policyID == "" {
		policyID = "llm_budget_unconfigured"
	}
	eventsPath := s.usageEventsPath(jobID)
	reportPath := s.usageReportPath(jobID)
	report := map[string]interface{}{
		"schema_version": "llm_usage_report_v1",
		"job_id":         jobID,
		"policy_id":      policyID,
		"thresholds":     th.asMap(),
		"totals":         totals,
		"by_agent":       byAgentDoc,
		"stopped":        stopReason != "",
		"evidence_refs": map[string]interface{}{
			"usage_events_path": filepath.ToSlash(eventsPath),
			"usage_report_path": filepath.ToSlash(reportPath),
		},
		"extensions": map[string]interface{}{},
	}
	if stopReason != "" {
		report["stop_reason"] = stopReason
	}
	if code, msg := s.validate(report); code != contracts.ExitOK {
		return "", fmt.Errorf("invalid llm_usage_report_v1: %s", msg)
	}
	if err := fsio.WriteJSONAtomic(reportPath, report); err != nil {
		return "", err
	}
	return reportPath, nil
}

// IsBudgetStopped reads the report verdict; no report means not stopped.
func (s *Store) IsBudgetStopped(jobID string) (bool, string) {
	doc, err := fsio.ReadJSONMap(s.usageReportPath(jobID))
	if err != nil || doc == nil {
		return false, ""
	}
	stopped, _ := doc["stopped"].(bool)
	return stopped, strVal(doc, "stop_reason")
}

func addTotals(a, b schemas.LLMUsageTotals) schemas.LLMUsageTotals {
	return schemas.LLMUsageTotals{
		Calls:         a.Calls + b.Calls,
		PromptChars:   a.PromptChars + b.PromptChars,
		ResponseChars: a.ResponseChars + b.ResponseChars,
		WallSeconds:   a.WallSeconds + b.WallSeconds,
	}
}

func floatParam(m map[string]interface{}, key string) float64 {
	switch t := m[key].(type) {
	case float64:
		return t
	case int:
		return float64(t)
	}
	return 0
}
