// Package gates implements the governance checks that run against a finished
// dossier. Every gate is a pure function of the dossier evidence plus the
// policy surface; results are closed-shape gate_results_v2 entries.
package gates

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/policy"
)

// Context carries everything a gate may read. Gates never mutate the dossier
// except for their own append-only evidence files.
type Context struct {
	DossierDir  string
	PoliciesDir string
	DataRoot    string
	Bundle      *policy.Bundle
	Execution   *policy.Asset
	Cost        *policy.Asset
	AsOfLatency *policy.Asset
	Risk        *policy.Asset
	GateSuite   *policy.Asset
	RunSpec     map[string]interface{}
	Manifest    map[string]interface{}
	ConfigSnap  map[string]interface{}
	Metrics     map[string]interface{}
}

// Func evaluates one gate against the context.
type Func func(ctx *Context, params map[string]interface{}) schemas.GateResult

type registryKey struct {
	id    string
	major uint64
}

var registry = map[registryKey]Func{}

// parseGateVersion accepts both "v1" and full semver strings; matching is by
// major version so a suite asking for "v1.2" resolves the "v1" gate.
func parseGateVersion(v string) (uint64, error) {
	s := strings.TrimSpace(v)
	sv, err := semver.NewVersion(strings.TrimPrefix(s, "v"))
	if err != nil {
		return 0, fmt.Errorf("bad gate_version %q: %w", v, err)
	}
	return sv.Major(), nil
}

// Register installs fn for gate id at the given version.
func Register(id, version string, fn Func) {
	major, err := parseGateVersion(version)
	if err != nil {
		panic(err)
	}
	registry[registryKey{id: id, major: major}] = fn
}

// Lookup returns the gate function, or nil when unsupported.
func Lookup(id, version string) Func {
	major, err := parseGateVersion(version)
	if err != nil {
		return nil
	}
	return registry[registryKey{id: id, major: major}]
}

// Known lists registered gate ids, sorted.
func Known() []string {
	set := map[string]bool{}
	for k := range registry {
		set[k.id] = true
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run dispatches one gate. Unsupported gates fail closed with an error
// status so a typo in a gate suite can never pass silently.
func Run(ctx *Context, id, version string, params map[string]interface{}) schemas.GateResult {
	fn := Lookup(id, version)
	if fn == nil {
		return schemas.GateResult{
			GateID:      id,
			GateVersion: version,
			Pass:        false,
			Status:      schemas.StatusError,
			Metrics:     map[string]interface{}{"error": fmt.Sprintf("unsupported gate_id/gate_version: %q/%q", id, version)},
		}
	}
	return fn(ctx, params)
}

func init() {
	Register("basic_sanity", "v1", runBasicSanity)
	Register("determinism_guard", "v1", runDeterminismGuard)
	Register("data_snapshot_integrity_v1", "v1", runSnapshotIntegrity)
	Register("gate_no_lookahead_v1", "v1", runNoLookahead)
	Register("gate_delay_plus_1bar_v1", "v1", runDelayPlus1Bar)
	Register("gate_cost_x2_v1", "v1", runCostX2)
	Register("risk_policy_compliance_v1", "v1", runRiskCompliance)
	Register("gate_holdout_passfail_v1", "v1", runHoldoutPassFail)
	Register("metric_expr_v1", "v1", runMetricExpr)
}
