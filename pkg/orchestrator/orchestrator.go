package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/quantforge/eam/pkg/catalog"
	"github.com/quantforge/eam/pkg/compiler"
	"github.com/quantforge/eam/pkg/config"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/gaterunner"
	"github.com/quantforge/eam/pkg/jobstore"
	"github.com/quantforge/eam/pkg/registry"
	"github.com/quantforge/eam/pkg/runner"
	"github.com/quantforge/eam/pkg/sweep"
)

// Result reports one advancement pass over a job.
type Result struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"` // advanced, blocked, stopped, noop
	State  string `json:"state"`  // DONE, WAITING_APPROVAL, STOPPED_BUDGET
	Step   string `json:"step,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Orchestrator advances jobs through the workflow one deterministic step at
// a time. It never skips an approval checkpoint and never mutates a job
// except by appending events and writing new artifacts.
type Orchestrator struct {
	Store    *jobstore.Store
	Registry *registry.Registry
	Cfg      *config.Config
	Harness  *Harness
	Log      *slog.Logger
}

// New wires an orchestrator with the mock agent harness. cfg may be nil, in
// which case the environment is consulted.
func New(store *jobstore.Store, reg *registry.Registry, cfg *config.Config, log *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.FromEnv()
	}
	if log == nil {
		log = slog.Default()
	}
	h, err := NewHarness(store, cfg.LLMProvider, cfg.LLMMode)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{Store: store, Registry: reg, Cfg: cfg, Harness: h, Log: log}, nil
}

func hasEvent(events []map[string]interface{}, eventType string) bool {
	for _, ev := range events {
		if strField(ev, "event_type") == eventType {
			return true
		}
	}
	return false
}

// waitingAt reports whether the log already ends in WAITING_APPROVAL for the
// given step, so re-advancing a blocked job never duplicates the marker.
func waitingAt(events []map[string]interface{}, step string) bool {
	if len(events) == 0 {
		return false
	}
	last := events[len(events)-1]
	if strField(last, "event_type") != "WAITING_APPROVAL" {
		return false
	}
	outs, _ := last["outputs"].(map[string]interface{})
	return strField(outs, "step") == step
}

// wait blocks the job at an approval step, appending the marker only when it
// is not already the latest event.
func (o *Orchestrator) wait(jobID string, events []map[string]interface{}, step string, outputs map[string]interface{}) (Result, error) {
	if !waitingAt(events, step) {
		if outputs == nil {
			outputs = map[string]interface{}{}
		}
		outputs["step"] = step
		if _, err := o.Store.AppendEvent(jobID, "WAITING_APPROVAL", outputs, ""); err != nil {
			return Result{}, err
		}
	}
	return Result{JobID: jobID, Status: "blocked", State: "WAITING_APPROVAL", Step: step}, nil
}

// needsLiveConfirm gates real-provider live/record sessions behind a second
// explicit approval.
func (o *Orchestrator) needsLiveConfirm() bool {
	return o.Cfg.LLMProvider == "real" && (o.Cfg.LLMMode == "live" || o.Cfg.LLMMode == "record")
}

// AdvanceOnce advances one job until it blocks on an approval or reaches a
// terminal state. Stage failures return an error and leave the job where it
// was; re-advancing retries the failed stage.
func (o *Orchestrator) AdvanceOnce(jobID string) (Result, error) {
	spec, err := o.Store.Spec(jobID)
	if err != nil {
		return Result{JobID: jobID}, err
	}
	isIdea := strField(spec, "schema_version") == "idea_spec_v1"

	for {
		events, err := o.Store.Events(jobID)
		if err != nil {
			return Result{JobID: jobID}, err
		}
		if hasEvent(events, "DONE") {
			return Result{JobID: jobID, Status: "noop", State: "DONE"}, nil
		}

		// An exhausted LLM budget terminates the job; there is no bypass.
		if stopped, reason := o.Store.IsBudgetStopped(jobID); stopped {
			if !hasEvent(events, "STOPPED_BUDGET") {
				if _, err := o.Store.AppendEvent(jobID, "STOPPED_BUDGET",
					map[string]interface{}{"reason": reason}, reason); err != nil {
					return Result{JobID: jobID}, err
				}
				if _, err := o.Store.AppendEvent(jobID, "DONE",
					map[string]interface{}{"status": "stopped_budget"}, ""); err != nil {
					return Result{JobID: jobID}, err
				}
			}
			return Result{JobID: jobID, Status: "stopped", State: "STOPPED_BUDGET", Reason: reason}, nil
		}

		var res *Result
		if isIdea {
			res, err = o.advanceIdea(jobID, spec, events)
		} else {
			res, err = o.advanceBlueprint(jobID, spec, events)
		}
		if err != nil {
			return Result{JobID: jobID}, err
		}
		if res != nil {
			return *res, nil
		}
		// Stage advanced; re-read events and continue.
	}
}

// advanceIdea runs one stage of the idea workflow. A nil result means the
// stage completed and the caller should loop.
func (o *Orchestrator) advanceIdea(jobID string, spec map[string]interface{}, events []map[string]interface{}) (*Result, error) {
	outputs := o.Store.Outputs(jobID)

	// Second review point before any live call to a real provider.
	if o.needsLiveConfirm() && !o.Store.IsApproved(jobID, "llm_live_confirm") {
		r, err := o.wait(jobID, events, "llm_live_confirm", map[string]interface{}{
			"llm_provider_id": o.Cfg.LLMProvider,
			"llm_mode":        o.Cfg.LLMMode,
		})
		return &r, err
	}

	paths := o.Store.Paths(jobID)

	if !hasEvent(events, "BLUEPRINT_PROPOSED") {
		return o.stageIntent(jobID, spec, events, paths)
	}
	if !o.Store.IsApproved(jobID, "blueprint") {
		r, err := o.wait(jobID, events, "blueprint", nil)
		return &r, err
	}

	if !hasEvent(events, "STRATEGY_SPEC_PROPOSED") {
		return o.stageStrategySpec(jobID, spec, events, paths, outputs)
	}
	if !o.Store.IsApproved(jobID, "strategy_spec") {
		r, err := o.wait(jobID, events, "strategy_spec", nil)
		return &r, err
	}

	if strField(outputs, "runspec_path") == "" {
		blueprintPath := strField(outputs, "blueprint_final_path")
		if blueprintPath == "" {
			return nil, fmt.Errorf("job %s: missing blueprint_final_path in outputs", jobID)
		}
		return o.stageCompile(jobID, spec, events, paths, blueprintPath)
	}
	if !o.Store.IsApproved(jobID, "runspec") {
		r, err := o.wait(jobID, events, "runspec", nil)
		return &r, err
	}

	if strField(outputs, "trace_preview_path") == "" {
		return o.stageTracePreview(jobID, spec, events, paths, outputs)
	}
	if !o.Store.IsApproved(jobID, "trace_preview") {
		r, err := o.wait(jobID, events, "trace_preview", nil)
		return &r, err
	}

	return o.advancePipeline(jobID, spec, events, outputs)
}

// advanceBlueprint runs one stage of the blueprint-submitted workflow. A
// single blanket approval may cover the blueprint and runspec checkpoints.
func (o *Orchestrator) advanceBlueprint(jobID string, spec map[string]interface{}, events []map[string]interface{}) (*Result, error) {
	outputs := o.Store.Outputs(jobID)
	paths := o.Store.Paths(jobID)
	approved := o.Store.IsApproved(jobID, "")

	if !approved && strField(outputs, "runspec_path") == "" {
		r, err := o.wait(jobID, events, "blueprint", nil)
		return &r, err
	}

	if strField(outputs, "runspec_path") == "" {
		return o.stageCompile(jobID, spec, events, paths, paths.Blueprint)
	}
	if !approved {
		r, err := o.wait(jobID, events, "runspec", nil)
		return &r, err
	}

	return o.advancePipeline(jobID, spec, events, outputs)
}

// advancePipeline is the shared tail: run, gates, registry, report, sweep,
// improvements, DONE.
func (o *Orchestrator) advancePipeline(jobID string, spec map[string]interface{}, events []map[string]interface{}, outputs map[string]interface{}) (*Result, error) {
	if strField(outputs, "run_id") == "" {
		return nil, o.stageRun(jobID, spec, outputs)
	}
	if strField(outputs, "gate_results_path") == "" {
		return nil, o.stageGates(jobID, spec, outputs)
	}
	if !hasEvent(events, "REGISTRY_UPDATED") {
		return nil, o.stageRegistry(jobID, spec, outputs)
	}
	if !hasEvent(events, "REPORT_COMPLETED") {
		return nil, o.stageReport(jobID, outputs)
	}

	// Optional deterministic sweep, approval-gated.
	if sweepSpecPresent(spec) && !fsio.Exists(filepath.Join(o.Store.Paths(jobID).OutputsDir, "sweep", "leaderboard.json")) {
		if !o.Store.IsApproved(jobID, "sweep") {
			r, err := o.wait(jobID, events, "sweep", nil)
			return &r, err
		}
		code, msg := sweep.RunForJob(sweep.Options{
			Store:        o.Store,
			JobID:        jobID,
			DataRoot:     o.Cfg.DataRoot,
			ArtifactRoot: o.Cfg.ArtifactRoot,
		})
		if code != sweep.ExitOK {
			return nil, fmt.Errorf("job %s: sweep: %s", jobID, msg)
		}
	}

	if !hasEvent(events, "IMPROVEMENTS_PROPOSED") {
		return o.stageImprovements(jobID, spec, events, outputs)
	}
	if !o.Store.IsApproved(jobID, "improvements") {
		r, err := o.wait(jobID, events, "improvements", nil)
		return &r, err
	}

	if _, err := o.Store.AppendEvent(jobID, "DONE", nil, ""); err != nil {
		return nil, err
	}
	return &Result{JobID: jobID, Status: "advanced", State: "DONE"}, nil
}

func (o *Orchestrator) stageIntent(jobID string, spec map[string]interface{}, events []map[string]interface{}, paths jobstore.Paths) (*Result, error) {
	outDir := filepath.Join(paths.OutputsDir, "agents", "intent")
	input := map[string]interface{}{"job_id": jobID, "idea_spec": spec}
	res, err := o.Harness.Run(IntentAgent{}, jobID, input, outDir)
	if err != nil {
		return nil, err
	}
	if res.BudgetStopped {
		return o.stopBudget(jobID, res.StopReason, "intent_agent_v1")
	}
	if !res.GuardPassed {
		r, err := o.wait(jobID, events, "agent_output_invalid", map[string]interface{}{
			"agent_id":                 "intent_agent_v1",
			"output_guard_report_path": res.GuardPath,
		})
		return &r, err
	}
	if _, err := o.Store.WriteOutputs(jobID, map[string]interface{}{
		"blueprint_draft_path":  res.PrimaryPath,
		"intent_agent_run_path": res.AgentRunPath,
	}); err != nil {
		return nil, err
	}
	if _, err := o.Store.AppendEvent(jobID, "BLUEPRINT_PROPOSED",
		map[string]interface{}{"blueprint_draft_path": res.PrimaryPath}, ""); err != nil {
		return nil, err
	}
	r, err := o.wait(jobID, nil, "blueprint", nil)
	return &r, err
}

func (o *Orchestrator) stageStrategySpec(jobID string, spec map[string]interface{}, events []map[string]interface{}, paths jobstore.Paths, outputs map[string]interface{}) (*Result, error) {
	draftPath := strField(outputs, "blueprint_draft_path")
	draft, err := fsio.ReadJSONMap(draftPath)
	if err != nil {
		return nil, fmt.Errorf("job %s: read blueprint draft: %w", jobID, err)
	}
	outDir := filepath.Join(paths.OutputsDir, "agents", "strategy_spec")
	input := map[string]interface{}{"job_id": jobID, "blueprint_draft": draft, "idea_spec": spec}
	res, err := o.Harness.Run(StrategySpecAgent{}, jobID, input, outDir)
	if err != nil {
		return nil, err
	}
	if res.BudgetStopped {
		return o.stopBudget(jobID, res.StopReason, "strategy_spec_agent_v1")
	}
	if !res.GuardPassed {
		r, err := o.wait(jobID, events, "agent_output_invalid", map[string]interface{}{
			"agent_id":                 "strategy_spec_agent_v1",
			"output_guard_report_path": res.GuardPath,
		})
		return &r, err
	}
	if _, err := o.Store.WriteOutputs(jobID, map[string]interface{}{
		"blueprint_final_path":         res.PrimaryPath,
		"signal_dsl_path":              res.OutputPaths["signal_dsl.json"],
		"strategy_spec_agent_run_path": res.AgentRunPath,
	}); err != nil {
		return nil, err
	}
	if _, err := o.Store.AppendEvent(jobID, "STRATEGY_SPEC_PROPOSED",
		map[string]interface{}{"blueprint_final_path": res.PrimaryPath}, ""); err != nil {
		return nil, err
	}
	r, err := o.wait(jobID, nil, "strategy_spec", nil)
	return &r, err
}

func (o *Orchestrator) stageCompile(jobID string, spec map[string]interface{}, events []map[string]interface{}, paths jobstore.Paths, blueprintPath string) (*Result, error) {
	outPath := filepath.Join(paths.OutputsDir, "runspec.json")
	code, msg := compiler.Compile(compiler.Options{
		BlueprintPath:    blueprintPath,
		SnapshotID:       strField(spec, "snapshot_id"),
		PolicyBundlePath: strField(spec, "policy_bundle_path"),
		OutPath:          outPath,
		DataRoot:         o.Cfg.DataRoot,
	})
	if code != compiler.ExitOK {
		return nil, fmt.Errorf("job %s: compile: %s", jobID, msg)
	}
	if _, err := o.Store.WriteOutputs(jobID, map[string]interface{}{"runspec_path": outPath}); err != nil {
		return nil, err
	}
	r, err := o.wait(jobID, events, "runspec", map[string]interface{}{"runspec_path": outPath})
	return &r, err
}

// stageTracePreview materializes the test-window rows the run will see, so a
// reviewer can inspect the as-of-filtered inputs before execution.
func (o *Orchestrator) stageTracePreview(jobID string, spec map[string]interface{}, events []map[string]interface{}, paths jobstore.Paths, outputs map[string]interface{}) (*Result, error) {
	runspec, err := fsio.ReadJSONMap(strField(outputs, "runspec_path"))
	if err != nil {
		return nil, fmt.Errorf("job %s: read runspec: %w", jobID, err)
	}
	segments, _ := runspec["segments"].(map[string]interface{})
	test, _ := segments["test"].(map[string]interface{})
	start := strField(test, "start")
	end := strField(test, "end")
	asOf := strField(test, "as_of")
	if asOf == "" {
		asOf = end + "T23:59:59+08:00"
	}
	ext, _ := runspec["extensions"].(map[string]interface{})
	rawSyms, _ := ext["symbols"].([]interface{})
	var symbols []string
	for _, s := range rawSyms {
		if str, ok := s.(string); ok && str != "" {
			symbols = append(symbols, str)
		}
	}

	cat := catalog.NewCatalog(o.Cfg.DataRoot)
	bars, stats, applied, err := cat.QueryOHLCV(strField(runspec, "data_snapshot_id"), symbols, start, end, asOf)
	if err != nil {
		return nil, fmt.Errorf("job %s: trace preview query: %w", jobID, err)
	}

	var sb strings.Builder
	sb.WriteString("dt,symbol,close,available_at\n")
	for _, b := range bars {
		fmt.Fprintf(&sb, "%s,%s,%g,%s\n", b.DT, b.Symbol, b.Close, b.AvailableAt)
	}
	outDir := filepath.Join(paths.OutputsDir, "trace_preview")
	csvPath := filepath.Join(outDir, "preview.csv")
	if err := fsio.WriteBytesAtomic(csvPath, []byte(sb.String())); err != nil {
		return nil, err
	}
	metaPath := filepath.Join(outDir, "trace_meta.json")
	if err := fsio.WriteJSONAtomic(metaPath, map[string]interface{}{
		"rows_written":  len(bars),
		"rows_before":   stats.RowsBeforeAsOf,
		"rows_after":    stats.RowsAfterAsOf,
		"as_of_applied": applied,
		"segment":       map[string]interface{}{"start": start, "end": end, "as_of": asOf},
		"symbols":       symbols,
	}); err != nil {
		return nil, err
	}
	if _, err := o.Store.WriteOutputs(jobID, map[string]interface{}{
		"trace_preview_path": csvPath,
		"trace_meta_path":    metaPath,
		"trace_rows_written": len(bars),
	}); err != nil {
		return nil, err
	}
	r, werr := o.wait(jobID, events, "trace_preview", map[string]interface{}{
		"trace_preview_path": csvPath,
		"rows_written":       len(bars),
	})
	return &r, werr
}

func (o *Orchestrator) stageRun(jobID string, spec map[string]interface{}, outputs map[string]interface{}) error {
	code, msg := runner.RunOnce(runner.Options{
		RunSpecPath:      strField(outputs, "runspec_path"),
		PolicyBundlePath: strField(spec, "policy_bundle_path"),
		DataRoot:         o.Cfg.DataRoot,
		ArtifactRoot:     o.Cfg.ArtifactRoot,
	})
	if code != runner.ExitOK {
		return fmt.Errorf("job %s: run: %s", jobID, msg)
	}
	summary, err := runner.ParseSummary(msg)
	if err != nil {
		return err
	}
	runID := strField(summary, "run_id")
	dossierPath := strField(summary, "dossier_path")
	if _, err := o.Store.WriteRunLink(jobID, runID, dossierPath, "", nil); err != nil {
		return err
	}
	_, err = o.Store.WriteOutputs(jobID, map[string]interface{}{
		"run_id":       runID,
		"dossier_path": dossierPath,
	})
	return err
}

func (o *Orchestrator) stageGates(jobID string, spec map[string]interface{}, outputs map[string]interface{}) error {
	dossierDir := strField(outputs, "dossier_path")
	code, msg := gaterunner.RunOnce(gaterunner.Options{
		DossierDir:       dossierDir,
		PolicyBundlePath: strField(spec, "policy_bundle_path"),
		DataRoot:         o.Cfg.DataRoot,
	})
	if code == gaterunner.ExitUsage {
		return fmt.Errorf("job %s: gates: %s", jobID, msg)
	}
	gatePath := filepath.Join(dossierDir, "gate_results.json")
	gateDoc, err := fsio.ReadJSONMap(gatePath)
	if err != nil {
		return fmt.Errorf("job %s: read gate results: %w", jobID, err)
	}
	overallPass, _ := gateDoc["overall_pass"].(bool)
	if _, err := o.Store.WriteRunLink(jobID, strField(outputs, "run_id"), dossierDir, gatePath, &overallPass); err != nil {
		return err
	}
	if _, err := o.Store.WriteOutputs(jobID, map[string]interface{}{
		"gate_results_path": gatePath,
		"overall_pass":      overallPass,
	}); err != nil {
		return err
	}
	o.Log.Info("gates completed", "job_id", jobID, "overall_pass", overallPass)
	return nil
}

func (o *Orchestrator) stageRegistry(jobID string, spec map[string]interface{}, outputs map[string]interface{}) error {
	trial, err := o.Registry.RecordTrial(strField(outputs, "dossier_path"))
	if err != nil {
		return fmt.Errorf("job %s: record trial: %w", jobID, err)
	}
	var cardID interface{}
	if pass, _ := trial["overall_pass"].(bool); pass {
		title := strField(spec, "title")
		if title == "" {
			title = "job_card"
		}
		card, err := o.Registry.CreateCardFromRun(strField(trial, "run_id"), title, "noop")
		if err != nil {
			if !errors.Is(err, registry.ErrInvalid) {
				return err
			}
		} else if card != nil {
			cardID = strField(card, "card_id")
		}
	}
	if _, err := o.Store.WriteOutputs(jobID, map[string]interface{}{
		"trial_recorded": true,
		"card_id":        cardID,
	}); err != nil {
		return err
	}
	_, err = o.Store.AppendEvent(jobID, "REGISTRY_UPDATED",
		map[string]interface{}{"card_id": cardID}, "")
	return err
}

// stageReport assembles a compact summary next to the run's report so the
// improvement stage has one document to reason over.
func (o *Orchestrator) stageReport(jobID string, outputs map[string]interface{}) error {
	dossierDir := strField(outputs, "dossier_path")
	metrics, _ := fsio.ReadJSONMap(filepath.Join(dossierDir, "metrics.json"))
	summaryPath := filepath.Join(dossierDir, "reports", "report_summary.json")
	if !fsio.Exists(summaryPath) {
		doc := map[string]interface{}{
			"job_id":       jobID,
			"run_id":       strField(outputs, "run_id"),
			"overall_pass": outputs["overall_pass"],
			"metrics":      metrics,
		}
		if err := fsio.WriteJSONAtomic(summaryPath, doc); err != nil {
			return err
		}
	}
	reportMD := filepath.Join(dossierDir, "reports", "report.md")
	if _, err := o.Store.WriteOutputs(jobID, map[string]interface{}{
		"report_md_path":      reportMD,
		"report_summary_path": summaryPath,
	}); err != nil {
		return err
	}
	_, err := o.Store.AppendEvent(jobID, "REPORT_COMPLETED",
		map[string]interface{}{"report_md_path": reportMD}, "")
	return err
}

func (o *Orchestrator) stageImprovements(jobID string, spec map[string]interface{}, events []map[string]interface{}, outputs map[string]interface{}) (*Result, error) {
	// No proposals when no child could legally spawn from this job.
	limits, err := o.Store.SpawnLimits(jobID)
	if err != nil {
		return nil, err
	}
	generation := jobstore.Generation(spec)
	if limits.MaxTotalIterations > 0 && generation+1 >= limits.MaxTotalIterations {
		if _, err := o.Store.AppendEvent(jobID, "STOPPED_BUDGET", map[string]interface{}{
			"reason":                     "max_total_iterations",
			"limit":                      limits.MaxTotalIterations,
			"current_generation":         generation,
			"attempted_child_generation": generation + 1,
		}, "STOP: max_total_iterations reached (no more spawn allowed)"); err != nil {
			return nil, err
		}
		if _, err := o.Store.AppendEvent(jobID, "DONE", nil, ""); err != nil {
			return nil, err
		}
		return &Result{JobID: jobID, Status: "advanced", State: "DONE"}, nil
	}

	blueprintPath := strField(outputs, "blueprint_final_path")
	if blueprintPath == "" {
		blueprintPath = strField(outputs, "blueprint_draft_path")
	}
	if blueprintPath == "" {
		blueprintPath = o.Store.Paths(jobID).Blueprint
	}
	blueprint, err := fsio.ReadJSONMap(blueprintPath)
	if err != nil {
		return nil, fmt.Errorf("job %s: read blueprint for proposals: %w", jobID, err)
	}
	gateResults, _ := fsio.ReadJSONMap(strField(outputs, "gate_results_path"))
	reportSummary, _ := fsio.ReadJSONMap(strField(outputs, "report_summary_path"))

	outDir := filepath.Join(o.Store.Paths(jobID).OutputsDir, "agents", "improvement")
	input := map[string]interface{}{
		"base_job_id":    jobID,
		"base_run_id":    strField(outputs, "run_id"),
		"blueprint":      blueprint,
		"gate_results":   gateResults,
		"report_summary": reportSummary,
	}
	res, err := o.Harness.Run(ImprovementAgent{}, jobID, input, outDir)
	if err != nil {
		return nil, err
	}
	if res.BudgetStopped {
		return o.stopBudget(jobID, res.StopReason, "improvement_agent_v1")
	}
	if !res.GuardPassed {
		r, err := o.wait(jobID, events, "agent_output_invalid", map[string]interface{}{
			"agent_id":                 "improvement_agent_v1",
			"output_guard_report_path": res.GuardPath,
		})
		return &r, err
	}
	if _, err := o.Store.WriteOutputs(jobID, map[string]interface{}{
		"improvement_proposals_path": res.PrimaryPath,
		"improvement_agent_run_path": res.AgentRunPath,
	}); err != nil {
		return nil, err
	}
	if _, err := o.Store.AppendEvent(jobID, "IMPROVEMENTS_PROPOSED",
		map[string]interface{}{"improvement_proposals_path": res.PrimaryPath}, ""); err != nil {
		return nil, err
	}
	r, werr := o.wait(jobID, nil, "improvements", nil)
	return &r, werr
}

func (o *Orchestrator) stopBudget(jobID, reason, agentID string) (*Result, error) {
	if reason == "" {
		reason = "budget_stopped"
	}
	if _, err := o.Store.AppendEvent(jobID, "STOPPED_BUDGET",
		map[string]interface{}{"reason": reason, "agent_id": agentID}, reason); err != nil {
		return nil, err
	}
	if _, err := o.Store.AppendEvent(jobID, "DONE",
		map[string]interface{}{"status": "stopped_budget"}, ""); err != nil {
		return nil, err
	}
	return &Result{JobID: jobID, Status: "stopped", State: "STOPPED_BUDGET", Reason: reason}, nil
}

func sweepSpecPresent(spec map[string]interface{}) bool {
	if ext, ok := spec["extensions"].(map[string]interface{}); ok {
		if _, ok := ext["sweep_spec"].(map[string]interface{}); ok {
			return true
		}
	}
	if bp, ok := spec["blueprint"].(map[string]interface{}); ok {
		if ext, ok := bp["extensions"].(map[string]interface{}); ok {
			if _, ok := ext["sweep_spec"].(map[string]interface{}); ok {
				return true
			}
		}
	}
	return false
}

// AdvanceAll advances every job under the store's root once, in job-id
// order. Per-job failures are reported in the result rather than aborting
// the sweep.
func (o *Orchestrator) AdvanceAll() ([]Result, error) {
	ids, err := o.Store.ListJobIDs()
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		res, err := o.AdvanceOnce(id)
		if err != nil {
			o.Log.Error("advance failed", "job_id", id, "err", err)
			res = Result{JobID: id, Status: "error", Reason: err.Error()}
		}
		out = append(out, res)
	}
	return out, nil
}
