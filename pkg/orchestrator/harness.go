package orchestrator

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/quantforge/eam/pkg/canonicalize"
	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/jobstore"
)

// Harness runs one agent session: budget precheck, output production,
// contract validation, guard check, usage accounting, and the agent_run_v1
// evidence record.
type Harness struct {
	Store    *jobstore.Store
	Clock    clock.Clock
	Provider string // "mock" or "real"
	Mode     string // "live", "record", "replay"

	validator *contracts.Validator
}

// NewHarness wires a mock-provider harness over a job store.
func NewHarness(store *jobstore.Store, provider, mode string) (*Harness, error) {
	v, err := contracts.NewValidator()
	if err != nil {
		return nil, err
	}
	if provider == "" {
		provider = "mock"
	}
	if mode == "" {
		mode = "live"
	}
	return &Harness{Store: store, Clock: store.Clock, Provider: provider, Mode: mode, validator: v}, nil
}

// AgentResult reports one agent session.
type AgentResult struct {
	AgentRunPath  string
	PrimaryPath   string
	OutputPaths   map[string]string
	GuardPath     string
	GuardPassed   bool
	BudgetStopped bool
	StopReason    string
}

// Run executes the agent against input, writing all evidence under outDir.
// A budget stop is not an error: the result carries BudgetStopped and the
// usage report records the stop reason.
func (h *Harness) Run(agent Agent, jobID string, input map[string]interface{}, outDir string) (AgentResult, error) {
	res := AgentResult{OutputPaths: map[string]string{}}

	inputPath := filepath.Join(outDir, "agent_input.json")
	if err := fsio.WriteJSONAtomic(inputPath, input); err != nil {
		return res, err
	}
	promptJSON, err := canonicalize.JCSString(input)
	if err != nil {
		return res, err
	}

	// Budget precheck against the aggregated totals so far.
	thresholds, err := h.Store.LLMBudget(jobID)
	if err != nil {
		return res, err
	}
	totals, _, priorStop, err := h.Store.UsageTotals(jobID)
	if err != nil {
		return res, err
	}
	if priorStop != "" {
		res.BudgetStopped = true
		res.StopReason = priorStop
		return res, nil
	}
	delta := jobstore.UsageDelta{Calls: 1, PromptChars: len(promptJSON)}
	if reason := jobstore.WouldExceed(thresholds, totals, delta); reason != "" {
		if _, err := h.Store.RecordUsage(jobID, agent.ID(), "BUDGET_STOP", jobstore.UsageDelta{}, reason); err != nil {
			return res, err
		}
		res.BudgetStopped = true
		res.StopReason = reason
		return res, nil
	}

	outputs, primary, err := agent.Produce(input)
	if err != nil {
		return res, fmt.Errorf("agent %s: %w", agent.ID(), err)
	}

	responseChars := 0
	for name, doc := range outputs {
		if hasDiscriminator(doc) {
			if code, msg := h.validate(doc); code != contracts.ExitOK {
				return res, fmt.Errorf("agent %s output %s: %s", agent.ID(), name, msg)
			}
		}
		p := filepath.Join(outDir, name)
		if err := fsio.WriteJSONAtomic(p, doc); err != nil {
			return res, err
		}
		res.OutputPaths[name] = p
		if s, err := canonicalize.JCSString(doc); err == nil {
			responseChars += len(s)
		}
	}
	res.PrimaryPath = filepath.Join(outDir, primary)

	violations := GuardCheck(outputs)
	res.GuardPassed = len(violations) == 0
	guardDoc := map[string]interface{}{
		"schema_version": "output_guard_report_v1",
		"agent_id":       agent.ID(),
		"job_id":         jobID,
		"passed":         res.GuardPassed,
		"violations":     violationRows(violations),
		"checked_at":     clock.ISO(h.Clock.Now()),
	}
	if code, msg := h.validate(guardDoc); code != contracts.ExitOK {
		return res, fmt.Errorf("guard report: %s", msg)
	}
	res.GuardPath = filepath.Join(outDir, "output_guard_report.json")
	if err := fsio.WriteJSONAtomic(res.GuardPath, guardDoc); err != nil {
		return res, err
	}

	delta.ResponseChars = responseChars
	if _, err := h.Store.RecordUsage(jobID, agent.ID(), "AGENT_CALL", delta, ""); err != nil {
		return res, err
	}

	status := "completed"
	if !res.GuardPassed {
		status = "guard_rejected"
	}
	now := clock.ISO(h.Clock.Now())
	runDoc := map[string]interface{}{
		"schema_version":    "agent_run_v1",
		"agent_id":          agent.ID(),
		"session_id":        uuid.NewString(),
		"job_id":            jobID,
		"provider":          h.Provider,
		"mode":              h.Mode,
		"started_at":        now,
		"finished_at":       now,
		"status":            status,
		"output_path":       res.PrimaryPath,
		"guard_report_path": res.GuardPath,
		"extensions": map[string]interface{}{
			"llm": map[string]interface{}{
				"calls":          1,
				"prompt_chars":   len(promptJSON),
				"response_chars": responseChars,
				"budget_stopped": false,
			},
		},
	}
	if code, msg := h.validate(runDoc); code != contracts.ExitOK {
		return res, fmt.Errorf("agent run record: %s", msg)
	}
	res.AgentRunPath = filepath.Join(outDir, "agent_run.json")
	if err := fsio.WriteJSONAtomic(res.AgentRunPath, runDoc); err != nil {
		return res, err
	}
	return res, nil
}

func (h *Harness) validate(doc interface{}) (int, string) {
	norm, err := contracts.Normalize(doc)
	if err != nil {
		return contracts.ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	return h.validator.Validate(norm)
}

func hasDiscriminator(doc map[string]interface{}) bool {
	return strField(doc, "schema_version") != "" || strField(doc, "dsl_version") != ""
}

func violationRows(violations []GuardViolation) []interface{} {
	rows := make([]interface{}, 0, len(violations))
	for _, v := range violations {
		rows = append(rows, map[string]interface{}{"path": v.Path, "reason": v.Reason})
	}
	return rows
}
