// Package orchestrator advances jobs through the governed workflow: agent
// proposal stages, human approval checkpoints, compile, run, gates, registry,
// report, optional sweep, and improvement proposals. Every stage leaves
// evidence under the job directory before the next checkpoint is reachable.
package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quantforge/eam/pkg/canonicalize"
)

// Agent produces one or more JSON documents from a JSON input. Mock agents
// are deterministic: the same input always yields the same outputs.
type Agent interface {
	ID() string
	// Produce returns output documents keyed by filename, plus the filename
	// of the primary output.
	Produce(input map[string]interface{}) (map[string]map[string]interface{}, string, error)
}

// forbiddenOutputKeys are inline-policy keys an agent output may never carry.
// Policy content flows only through the frozen bundle.
var forbiddenOutputKeys = []string{
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

// GuardViolation is one finding of the output guard.
type GuardViolation struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// guardScan walks a document tree and collects forbidden keys with their
// JSON-pointer paths.
func guardScan(doc interface{}, at string, out *[]GuardViolation) {
	switch v := doc.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := at + "/" + k
			for _, banned := range forbiddenOutputKeys {
				if k == banned {
					*out = append(*out, GuardViolation{
						Path:   p,
						Reason: fmt.Sprintf("forbidden inline policy key %q", k),
					})
				}
			}
			guardScan(v[k], p, out)
		}
	case []interface{}:
		for i, item := range v {
			guardScan(item, fmt.Sprintf("%s/%d", at, i), out)
		}
	}
}

// GuardCheck scans agent outputs for forbidden inline-policy keys.
func GuardCheck(outputs map[string]map[string]interface{}) []GuardViolation {
	var violations []GuardViolation
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		guardScan(outputs[name], "/"+name, &violations)
	}
	return violations
}

// IntentAgent drafts a blueprint from an idea spec. Hints in the idea's
// extensions (data, strategy_spec, evaluation_protocol, sweep_spec) are
// honored; anything missing falls back to a fixed default so the draft is
// always contract-valid.
type IntentAgent struct{}

func (IntentAgent) ID() string { return "intent_agent_v1" }

func defaultEvaluationProtocol() map[string]interface{} {
	return map[string]interface{}{
		"protocol": "fixed_split",
		"segments": map[string]interface{}{
			"train":   map[string]interface{}{"start": "2024-01-01", "end": "2024-01-31"},
			"test":    map[string]interface{}{"start": "2024-02-01", "end": "2024-02-20"},
			"holdout": map[string]interface{}{"start": "2024-02-21", "end": "2024-03-10"},
		},
	}
}

func (a IntentAgent) Produce(input map[string]interface{}) (map[string]map[string]interface{}, string, error) {
	idea, _ := input["idea_spec"].(map[string]interface{})
	if idea == nil {
		return nil, "", fmt.Errorf("%s: input missing idea_spec", a.ID())
	}
	bundleID := strField(idea, "policy_bundle_id")
	if bundleID == "" {
		return nil, "", fmt.Errorf("%s: idea_spec missing policy_bundle_id", a.ID())
	}
	ext, _ := idea["extensions"].(map[string]interface{})

	data, _ := ext["data"].(map[string]interface{})
	if data == nil {
		symbols := []interface{}{"AAA", "BBB"}
		if hinted, ok := ext["symbols"].([]interface{}); ok && len(hinted) > 0 {
			symbols = hinted
		}
		data = map[string]interface{}{"dataset_id": "ohlcv_1d", "symbols": symbols}
		if snap := strField(idea, "snapshot_id"); snap != "" {
			data["snapshot_id"] = snap
		}
	}
	strategy, _ := ext["strategy_spec"].(map[string]interface{})
	if strategy == nil {
		strategy = map[string]interface{}{
			"strategy_id": "buy_and_hold_v1",
			"params":      map[string]interface{}{},
		}
	}
	protocol, _ := ext["evaluation_protocol"].(map[string]interface{})
	if protocol == nil {
		protocol = defaultEvaluationProtocol()
	}

	bpID, err := canonicalize.ShortID(map[string]interface{}{
		"idea_id": strField(idea, "idea_id"),
		"title":   strField(idea, "title"),
	})
	if err != nil {
		return nil, "", err
	}
	draft := map[string]interface{}{
		"schema_version":      "blueprint_v1",
		"blueprint_id":        "bp_" + bpID,
		"policy_bundle_id":    bundleID,
		"title":               strField(idea, "title"),
		"hypothesis":          strField(idea, "hypothesis"),
		"data":                data,
		"strategy_spec":       strategy,
		"evaluation_protocol": protocol,
	}
	if ss, ok := ext["sweep_spec"].(map[string]interface{}); ok {
		draft["extensions"] = map[string]interface{}{"sweep_spec": ss}
	}
	return map[string]map[string]interface{}{"blueprint_draft.json": draft}, "blueprint_draft.json", nil
}

// StrategySpecAgent finalizes an approved blueprint draft: it pins a signal
// DSL onto the strategy spec when the draft carries none.
type StrategySpecAgent struct{}

func (StrategySpecAgent) ID() string { return "strategy_spec_agent_v1" }

func defaultSignalDSL(params map[string]interface{}) map[string]interface{} {
	dsl := map[string]interface{}{
		"dsl_version": "signal_dsl_v1",
		"entry":       map[string]interface{}{"op": "const_true"},
		"exit":        map[string]interface{}{"op": "const_false"},
	}
	if len(params) > 0 {
		dsl["params"] = params
	}
	return dsl
}

func (a StrategySpecAgent) Produce(input map[string]interface{}) (map[string]map[string]interface{}, string, error) {
	draft, _ := input["blueprint_draft"].(map[string]interface{})
	if draft == nil {
		return nil, "", fmt.Errorf("%s: input missing blueprint_draft", a.ID())
	}
	final := deepCopy(draft)
	strategy, _ := final["strategy_spec"].(map[string]interface{})
	if strategy == nil {
		strategy = map[string]interface{}{}
		final["strategy_spec"] = strategy
	}
	dsl, _ := strategy["signal_dsl"].(map[string]interface{})
	if dsl == nil {
		params, _ := strategy["params"].(map[string]interface{})
		dsl = defaultSignalDSL(params)
		strategy["signal_dsl"] = dsl
	}
	return map[string]map[string]interface{}{
		"blueprint_final.json": final,
		"signal_dsl.json":      dsl,
	}, "blueprint_final.json", nil
}

// ImprovementAgent proposes follow-up blueprints after a completed run. The
// mock emits one proposal that annotates the base blueprint; real providers
// may emit several.
type ImprovementAgent struct{}

func (ImprovementAgent) ID() string { return "improvement_agent_v1" }

func (a ImprovementAgent) Produce(input map[string]interface{}) (map[string]map[string]interface{}, string, error) {
	baseJobID := strField(input, "base_job_id")
	baseRunID := strField(input, "base_run_id")
	blueprint, _ := input["blueprint"].(map[string]interface{})
	if baseJobID == "" || baseRunID == "" || blueprint == nil {
		return nil, "", fmt.Errorf("%s: input requires base_job_id, base_run_id, blueprint", a.ID())
	}

	child := deepCopy(blueprint)
	childExt, _ := child["extensions"].(map[string]interface{})
	if childExt == nil {
		childExt = map[string]interface{}{}
		child["extensions"] = childExt
	}
	childExt["improves_on"] = map[string]interface{}{
		"base_job_id": baseJobID,
		"base_run_id": baseRunID,
	}
	childID, err := canonicalize.ShortID(child)
	if err != nil {
		return nil, "", err
	}
	child["blueprint_id"] = "bp_" + childID

	rationale := "rerun the approved configuration against the next data window"
	if gr, ok := input["gate_results"].(map[string]interface{}); ok {
		if pass, ok := gr["overall_pass"].(bool); ok && !pass {
			rationale = "address failed gates before widening the parameter search"
		}
	}
	proposals := map[string]interface{}{
		"schema_version": "improvement_proposals_v1",
		"job_id":         baseJobID,
		"run_id":         baseRunID,
		"proposals": []interface{}{
			map[string]interface{}{
				"proposal_id":          "prop_" + childID,
				"rationale":            rationale,
				"blueprint_draft_json": child,
			},
		},
	}
	return map[string]map[string]interface{}{"improvement_proposals.json": proposals}, "improvement_proposals.json", nil
}

func strField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = deepCopy(t)
		case []interface{}:
			cp := make([]interface{}, len(t))
			for i, item := range t {
				if im, ok := item.(map[string]interface{}); ok {
					cp[i] = deepCopy(im)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
