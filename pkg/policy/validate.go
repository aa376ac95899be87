package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Exit codes mirrored from the contracts package; kept local so policy stays
// dependency-light.
const (
	ExitOK      = 0
	ExitUsage   = 1
	ExitInvalid = 2
)

func isNonEmptyString(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

func requireKey(doc map[string]interface{}, key string, path ...string) (interface{}, error) {
	v, ok := doc[key]
	if !ok {
		return nil, verr("missing required key", append(path, key)...)
	}
	return v, nil
}

func requireString(doc map[string]interface{}, key string, path ...string) (string, error) {
	v, err := requireKey(doc, key, path...)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", verr("expected str", append(path, key)...)
	}
	return s, nil
}

func requireObject(doc map[string]interface{}, key string, path ...string) (map[string]interface{}, error) {
	v, err := requireKey(doc, key, path...)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, verr("expected dict", append(path, key)...)
	}
	return m, nil
}

func requireOneOf(doc map[string]interface{}, key string, allowed []string, path ...string) (string, error) {
	s, err := requireString(doc, key, path...)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	sorted := append([]string(nil), allowed...)
	sort.Strings(sorted)
	return "", verr(fmt.Sprintf("expected one of %v (got=%q)", sorted, s), append(path, key)...)
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int, int64, float64:
		return true
	}
	return false
}

func isInt(v interface{}) bool {
	switch v.(type) {
	case int, int64:
		return true
	}
	return false
}

func requireNonNegInt(params map[string]interface{}, key string, path ...string) error {
	v, err := requireKey(params, key, path...)
	if err != nil {
		return err
	}
	if !isInt(v) {
		return verr("expected int", append(path, key)...)
	}
	if asInt(v) < 0 {
		return verr("must be >= 0", append(path, key)...)
	}
	return nil
}

func asInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

// validatePolicyStruct enforces the minimum v1 shape for a policy asset.
// Policy type is determined by policy_id prefix, not filename, so semantics
// stay stable across locations.
func validatePolicyStruct(doc map[string]interface{}, path string) (*Asset, error) {
	policyID, err := requireString(doc, "policy_id")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(policyID) == "" {
		return nil, verr("must be a non-empty string", "policy_id")
	}
	ver, err := requireString(doc, "policy_version")
	if err != nil {
		return nil, err
	}
	if ver != "v1" {
		return nil, verr(`must equal "v1"`, "policy_version")
	}
	if _, err := requireString(doc, "title"); err != nil {
		return nil, err
	}
	if _, err := requireString(doc, "description"); err != nil {
		return nil, err
	}
	params, err := requireObject(doc, "params")
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, verr("must not be empty", "params")
	}
	if ext, present := doc["extensions"]; present {
		if _, ok := ext.(map[string]interface{}); !ok {
			return nil, verr("expected object", "extensions")
		}
	}

	switch {
	case strings.HasPrefix(policyID, "execution_policy_v1"):
		if _, err := requireOneOf(params, "order_timing", []string{"next_open", "close", "next_close"}, "params"); err != nil {
			return nil, err
		}
		if _, present := params["fill_price"]; present {
			if _, err := requireOneOf(params, "fill_price", []string{"open", "close", "vwap"}, "params"); err != nil {
				return nil, err
			}
		}
		if v, present := params["allow_short"]; present {
			if _, ok := v.(bool); !ok {
				return nil, verr("expected bool", "params", "allow_short")
			}
		}
		if v, present := params["lot_size"]; present && !isInt(v) {
			return nil, verr("expected int", "params", "lot_size")
		}
		if _, present := params["rounding"]; present {
			if _, err := requireOneOf(params, "rounding", []string{"floor", "round", "ceil"}, "params"); err != nil {
				return nil, err
			}
		}

	case strings.HasPrefix(policyID, "cost_policy_v1"):
		for _, k := range []string{"commission_bps", "slippage_bps"} {
			v, err := requireKey(params, k, "params")
			if err != nil {
				return nil, err
			}
			if !isNumber(v) {
				return nil, verr("expected number", "params", k)
			}
		}
		for _, k := range []string{"tax_bps", "min_fee"} {
			if v, present := params[k]; present && !isNumber(v) {
				return nil, verr("expected number", "params", k)
			}
		}

	case strings.HasPrefix(policyID, "asof_latency_policy_v1"):
		rule, err := requireString(params, "asof_rule", "params")
		if err != nil {
			return nil, err
		}
		if rule != "available_at<=as_of" {
			return nil, verr(`must equal "available_at<=as_of"`, "params", "asof_rule")
		}
		for _, k := range []string{"default_latency_seconds", "bar_close_to_signal_seconds", "trade_lag_bars_default"} {
			if v, present := params[k]; present && !isInt(v) {
				return nil, verr("expected int", "params", k)
			}
		}

	case strings.HasPrefix(policyID, "risk_policy_v1"):
		for _, k := range []string{"max_leverage", "max_turnover", "max_drawdown"} {
			if v, present := params[k]; present && !isNumber(v) {
				return nil, verr("expected number", "params", k)
			}
		}
		if v, present := params["max_positions"]; present && !isInt(v) {
			return nil, verr("expected int", "params", "max_positions")
		}

	case strings.HasPrefix(policyID, "gate_suite_v1"):
		gatesRaw, err := requireKey(params, "gates", "params")
		if err != nil {
			return nil, err
		}
		gates, ok := gatesRaw.([]interface{})
		if !ok {
			return nil, verr("expected list", "params", "gates")
		}
		if len(gates) == 0 {
			return nil, verr("must not be empty", "params", "gates")
		}
		for i, g := range gates {
			gm, ok := g.(map[string]interface{})
			if !ok {
				return nil, verr("each gate must be an object", "params", "gates", strconv.Itoa(i))
			}
			if !isNonEmptyString(gm["gate_id"]) {
				return nil, verr("must be non-empty string", "params", "gates", strconv.Itoa(i), "gate_id")
			}
			if !isNonEmptyString(gm["gate_version"]) {
				return nil, verr("must be non-empty string", "params", "gates", strconv.Itoa(i), "gate_version")
			}
			if gp, present := gm["params"]; present {
				if _, ok := gp.(map[string]interface{}); !ok {
					return nil, verr("expected object", "params", "gates", strconv.Itoa(i), "params")
				}
			}
		}
		holdout, err := requireObject(params, "holdout_policy", "params")
		if err != nil {
			return nil, err
		}
		out, err := requireString(holdout, "output", "params", "holdout_policy")
		if err != nil {
			return nil, err
		}
		if out != "pass_fail_minimal_summary" {
			return nil, verr(`must equal "pass_fail_minimal_summary"`, "params", "holdout_policy", "output")
		}

	case strings.HasPrefix(policyID, "budget_policy_v1"):
		for _, k := range []string{"max_proposals_per_job", "max_spawn_per_job", "max_total_iterations"} {
			if err := requireNonNegInt(params, k, "params"); err != nil {
				return nil, err
			}
		}
		if v, present := params["stop_if_no_improvement_n"]; present {
			if !isInt(v) {
				return nil, verr("expected int", "params", "stop_if_no_improvement_n")
			}
			if asInt(v) < 0 {
				return nil, verr("must be >= 0", "params", "stop_if_no_improvement_n")
			}
		}

	case strings.HasPrefix(policyID, "llm_budget_policy_v1"):
		for _, k := range []string{
			"max_calls_per_job",
			"max_prompt_chars_per_job",
			"max_response_chars_per_job",
			"max_wall_seconds_per_job",
		} {
			if err := requireNonNegInt(params, k, "params"); err != nil {
				return nil, err
			}
		}
		if v, present := params["max_calls_per_agent_run"]; present {
			if !isInt(v) {
				return nil, verr("expected int", "params", "max_calls_per_agent_run")
			}
			if asInt(v) < 0 {
				return nil, verr("must be >= 0", "params", "max_calls_per_agent_run")
			}
		}
	}

	sha, err := fileSHA256(path)
	if err != nil {
		return nil, err
	}
	return &Asset{PolicyID: policyID, Path: path, SHA256: sha, Doc: doc, Params: params}, nil
}

// validateBundleStruct enforces the id-references-only bundle shape.
func validateBundleStruct(doc map[string]interface{}) (string, map[string]string, error) {
	for _, k := range forbiddenInline {
		if _, present := doc[k]; present {
			return "", nil, verr("bundle must not inline/override policy content (bundle references ids only)", k)
		}
	}
	bundleID, err := requireString(doc, "policy_bundle_id")
	if err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(bundleID) == "" {
		return "", nil, verr("must be a non-empty string", "policy_bundle_id")
	}
	ver, err := requireString(doc, "policy_version")
	if err != nil {
		return "", nil, err
	}
	if ver != "v1" {
		return "", nil, verr(`must equal "v1"`, "policy_version")
	}
	for _, k := range []string{"title", "description"} {
		if v, present := doc[k]; present {
			if _, ok := v.(string); !ok {
				return "", nil, verr("expected string", k)
			}
		}
	}
	if ext, present := doc["extensions"]; present {
		if _, ok := ext.(map[string]interface{}); !ok {
			return "", nil, verr("expected object", "extensions")
		}
	}

	refs := make(map[string]string, len(RefKeys))
	for _, k := range RefKeys {
		v, err := requireKey(doc, k)
		if err != nil {
			return "", nil, err
		}
		if !isNonEmptyString(v) {
			return "", nil, verr("must be a non-empty string policy_id reference", k)
		}
		refs[k] = v.(string)
	}
	for _, k := range OptionalRefKeys {
		if v, present := doc[k]; present {
			if !isNonEmptyString(v) {
				return "", nil, verr("must be a non-empty string policy_id reference", k)
			}
			refs[k] = v.(string)
		}
	}
	return bundleID, refs, nil
}

// ValidateFile validates a policy asset, bundle, or every asset in a
// directory. It is the backing for `eam policy validate`.
func ValidateFile(yamlPath string, policiesDir string) (int, string) {
	doc, err := LoadYAML(yamlPath)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	r := NewResolver(policiesDir)
	if policiesDir == "" {
		r.Dir = filepath.Dir(yamlPath)
	}

	if _, isBundle := doc["policy_bundle_id"]; isBundle {
		bundleID, refs, err := validateBundleStruct(doc)
		if err != nil {
			return invalidMsg(yamlPath, err)
		}
		index, err := r.IndexAssets()
		if err != nil {
			return invalidMsg(yamlPath, err)
		}
		for key, pid := range refs {
			if _, ok := index[pid]; !ok {
				return invalidMsg(yamlPath, verr(fmt.Sprintf("referenced policy_id not found in policies/: %q", pid), key))
			}
		}
		if err := r.VerifyLock(refs); err != nil {
			return invalidMsg(yamlPath, err)
		}
		sha, err := fileSHA256(yamlPath)
		if err != nil {
			return ExitUsage, fmt.Sprintf("ERROR: %v", err)
		}
		return ExitOK, fmt.Sprintf("OK: %s sha256=%s", bundleID, sha)
	}

	if _, isPolicy := doc["policy_id"]; isPolicy {
		asset, err := validatePolicyStruct(doc, yamlPath)
		if err != nil {
			return invalidMsg(yamlPath, err)
		}
		return ExitOK, fmt.Sprintf("OK: %s sha256=%s", asset.PolicyID, asset.SHA256)
	}

	return invalidMsg(yamlPath, verr("missing policy_id or policy_bundle_id discriminator"))
}

func invalidMsg(yamlPath string, err error) (int, string) {
	if ve, ok := err.(*VError); ok {
		return ExitInvalid, fmt.Sprintf("INVALID: %s at %s", filepath.Base(yamlPath), ve.Error())
	}
	return ExitUsage, fmt.Sprintf("ERROR: %v", err)
}

// ValidateDir validates all *_v1.yaml assets under dir and returns the worst
// exit code plus a per-file report.
func ValidateDir(dir string) (int, []string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ExitUsage, []string{fmt.Sprintf("ERROR: not a directory: %s", dir)}
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.Contains(n, "_v1.") && (strings.HasSuffix(n, ".yaml") || strings.HasSuffix(n, ".yml")) {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	worst := ExitOK
	okCount, invalidCount := 0, 0
	var report []string
	for _, n := range names {
		code, msg := ValidateFile(filepath.Join(dir, n), dir)
		report = append(report, msg)
		switch code {
		case ExitOK:
			okCount++
		case ExitInvalid:
			invalidCount++
			worst = ExitInvalid
		default:
			return ExitUsage, append(report, msg)
		}
	}
	report = append(report, fmt.Sprintf("SUMMARY: OK=%d INVALID=%d", okCount, invalidCount))
	return worst, report
}
