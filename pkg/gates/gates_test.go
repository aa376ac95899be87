package gates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/eam/internal/testutil"
	"github.com/quantforge/eam/pkg/compiler"
	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/policy"
	"github.com/quantforge/eam/pkg/runner"
)

// newGateContext compiles and runs the baseline fixture, then loads the
// resulting dossier into a gate context the way the gate runner does.
func newGateContext(t *testing.T) *Context {
	t.Helper()
	dir := t.TempDir()
	_, bundlePath := testutil.WritePolicies(t, dir, testutil.DefaultPolicies())
	dataRoot := filepath.Join(dir, "data")
	testutil.WriteLake(t, dataRoot, "snap_g", []string{"AAA", "BBB"}, "2024-01-01", 70)

	bpPath := filepath.Join(dir, "blueprint.json")
	require.NoError(t, fsio.WriteJSONAtomic(bpPath, testutil.Blueprint()))
	runspecPath := filepath.Join(dir, "run_spec.json")
	code, msg := compiler.Compile(compiler.Options{
		BlueprintPath:    bpPath,
		SnapshotID:       "snap_g",
		PolicyBundlePath: bundlePath,
		OutPath:          runspecPath,
	})
	require.Equal(t, compiler.ExitOK, code, msg)

	artifactRoot := filepath.Join(dir, "artifacts")
	code, msg = runner.RunOnce(runner.Options{
		RunSpecPath:      runspecPath,
		PolicyBundlePath: bundlePath,
		DataRoot:         dataRoot,
		ArtifactRoot:     artifactRoot,
	})
	require.Equal(t, runner.ExitOK, code, msg)
	summary, err := runner.ParseSummary(msg)
	require.NoError(t, err)
	runID, _ := summary["run_id"].(string)
	dossierDir := filepath.Join(artifactRoot, "dossiers", runID)

	resolver := policy.NewResolver(filepath.Dir(bundlePath))
	bundle, err := resolver.LoadBundle(bundlePath)
	require.NoError(t, err)
	assets, err := resolver.ResolveRefs(bundle)
	require.NoError(t, err)

	manifest, err := fsio.ReadJSONMap(filepath.Join(dossierDir, "dossier_manifest.json"))
	require.NoError(t, err)
	configSnap, err := fsio.ReadJSONMap(filepath.Join(dossierDir, "config_snapshot.json"))
	require.NoError(t, err)
	metrics, err := fsio.ReadJSONMap(filepath.Join(dossierDir, "metrics.json"))
	require.NoError(t, err)
	runspec := objField(configSnap, "runspec")
	require.NotNil(t, runspec)

	return &Context{
		DossierDir:  dossierDir,
		PoliciesDir: filepath.Dir(bundlePath),
		DataRoot:    dataRoot,
		Bundle:      bundle,
		Execution:   assets["execution_policy_id"],
		Cost:        assets["cost_policy_id"],
		AsOfLatency: assets["asof_latency_policy_id"],
		Risk:        assets["risk_policy_id"],
		GateSuite:   assets["gate_suite_id"],
		RunSpec:     runspec,
		Manifest:    manifest,
		ConfigSnap:  configSnap,
		Metrics:     metrics,
	}
}

func TestRegistryVersionMatching(t *testing.T) {
	assert.NotNil(t, Lookup("basic_sanity", "v1"))
	assert.NotNil(t, Lookup("basic_sanity", "v1.3"), "same major resolves")
	assert.Nil(t, Lookup("basic_sanity", "v2"))
	assert.Nil(t, Lookup("no_such_gate", "v1"))
	assert.Contains(t, Known(), "gate_no_lookahead_v1")
}

func TestRunUnknownGateFailsClosed(t *testing.T) {
	res := Run(&Context{}, "no_such_gate", "v1", nil)
	assert.False(t, res.Pass)
	assert.Equal(t, schemas.StatusError, res.Status)
	assert.Contains(t, res.Metrics["error"], "unsupported gate_id")
}

func TestBasicSanity(t *testing.T) {
	ctx := newGateContext(t)

	res := Run(ctx, "basic_sanity", "v1", nil)
	assert.True(t, res.Pass, "%v", res.Metrics)
	assert.Equal(t, schemas.StatusOK, res.Status)

	require.NoError(t, os.Remove(filepath.Join(ctx.DossierDir, "curve.csv")))
	res = Run(ctx, "basic_sanity", "v1", nil)
	assert.False(t, res.Pass)
	assert.Equal(t, schemas.StatusMissingArtifacts, res.Status)
}

func TestDeterminismGuard(t *testing.T) {
	ctx := newGateContext(t)

	res := Run(ctx, "determinism_guard", "v1", nil)
	assert.True(t, res.Pass, "%v", res.Metrics)

	stripped := *ctx
	stripped.ConfigSnap = map[string]interface{}{}
	res = Run(&stripped, "determinism_guard", "v1", nil)
	assert.False(t, res.Pass)
	assert.Equal(t, schemas.StatusError, res.Status)
}

func TestNoLookaheadPassesOnSnapshotData(t *testing.T) {
	ctx := newGateContext(t)
	res := Run(ctx, "gate_no_lookahead_v1", "v1", nil)
	require.True(t, res.Pass, "%v", res.Metrics)
	assert.Equal(t, schemas.StatusOK, res.Status)
	assert.EqualValues(t, 0, res.Metrics["violations_count"])
}

func TestDelayPlus1BarStress(t *testing.T) {
	ctx := newGateContext(t)
	res := Run(ctx, "gate_delay_plus_1bar_v1", "v1", nil)
	require.True(t, res.Pass, "%v", res.Metrics)
	assert.EqualValues(t, 0.05, res.Thresholds["max_return_drop"])
	assert.EqualValues(t, ctx.baselineLag()+1, res.Metrics["stressed_lag_bars"])

	// An impossible allowance fails the gate.
	res = Run(ctx, "gate_delay_plus_1bar_v1", "v1", map[string]interface{}{"max_return_drop": -10.0})
	assert.False(t, res.Pass)
}

func TestCostX2Stress(t *testing.T) {
	ctx := newGateContext(t)
	res := Run(ctx, "gate_cost_x2_v1", "v1", nil)
	require.True(t, res.Pass, "%v", res.Metrics)
	assert.EqualValues(t, 2.0, res.Thresholds["factor"])
	stressed, _ := res.Metrics["stressed_cost_policy_params"].(map[string]interface{})
	require.NotNil(t, stressed)
	baseCommission := asFloat(ctx.Cost.Params["commission_bps"], 0)
	assert.EqualValues(t, baseCommission*2, stressed["commission_bps"])
}

func TestSnapshotIntegrity(t *testing.T) {
	ctx := newGateContext(t)
	res := Run(ctx, "data_snapshot_integrity_v1", "v1", nil)
	require.True(t, res.Pass, "%v", res.Metrics)

	// A manifest whose recorded hash disagrees with the dataset fails.
	manifestPath := filepath.Join(ctx.DataRoot, "lake", "snap_g", "manifest.json")
	require.NoError(t, fsio.WriteJSONAtomic(manifestPath, map[string]interface{}{
		"schema_version": "data_snapshot_manifest_v1",
		"snapshot_id":    "snap_g",
		"datasets": []interface{}{
			map[string]interface{}{"dataset_id": "ohlcv_1d", "sha256": "0000000000000000000000000000000000000000000000000000000000000000"},
		},
	}))
	res = Run(ctx, "data_snapshot_integrity_v1", "v1", nil)
	assert.False(t, res.Pass)
	assert.Equal(t, schemas.StatusError, res.Status)
}

func TestRiskComplianceWritesReport(t *testing.T) {
	ctx := newGateContext(t)
	res := Run(ctx, "risk_policy_compliance_v1", "v1", nil)
	require.True(t, res.Pass, "%v", res.Metrics)
	assert.Equal(t, schemas.StatusOK, res.Status)

	reportPath := filepath.Join(ctx.DossierDir, "risk_report.json")
	require.True(t, fsio.Exists(reportPath))
	report, err := fsio.ReadJSONMap(reportPath)
	require.NoError(t, err)
	assert.Equal(t, "risk_report_v1", report["schema_version"])
	assert.Contains(t, report, "violation_count_by_rule")
	assert.Contains(t, report, "max_observed")

	// Append-only: a second evaluation leaves the report untouched.
	before, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	_ = Run(ctx, "risk_policy_compliance_v1", "v1", nil)
	after, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRiskComplianceMissingEvidence(t *testing.T) {
	ctx := newGateContext(t)
	require.NoError(t, os.Remove(filepath.Join(ctx.DossierDir, "positions.csv")))
	res := Run(ctx, "risk_policy_compliance_v1", "v1", nil)
	assert.False(t, res.Pass)
	assert.Equal(t, schemas.StatusMissingArtifacts, res.Status)
}

func TestRiskComplianceViolations(t *testing.T) {
	ctx := newGateContext(t)
	dir := t.TempDir()
	writeFile := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	writeFile("positions.csv", "dt,symbol,qty,close,position_value,equity\n2024-02-01,AAA,-5,100,-500,10000\n")
	writeFile("turnover.csv", "dt,turnover\n2024-02-01,99.0\n")
	require.NoError(t, fsio.WriteJSONAtomic(filepath.Join(dir, "exposure.json"), map[string]interface{}{
		"max_observed": map[string]interface{}{
			"max_leverage_observed":  5.0,
			"max_positions_observed": 1,
			"max_turnover_observed":  99.0,
		},
	}))

	bad := *ctx
	bad.DossierDir = dir
	res := Run(&bad, "risk_policy_compliance_v1", "v1", nil)
	require.False(t, res.Pass)
	violations, _ := res.Metrics["violations"].(map[string]interface{})
	require.NotNil(t, violations)
	assert.EqualValues(t, 1, violations["max_leverage"])
	assert.EqualValues(t, 1, violations["max_turnover"])
}

func TestHoldoutGateSkipsWithoutSegment(t *testing.T) {
	ctx := newGateContext(t)
	stripped := *ctx
	segments := map[string]interface{}{}
	for k, v := range objField(ctx.RunSpec, "segments") {
		if k != "holdout" {
			segments[k] = v
		}
	}
	runspec := map[string]interface{}{}
	for k, v := range ctx.RunSpec {
		runspec[k] = v
	}
	runspec["segments"] = segments
	stripped.RunSpec = runspec

	res := Run(&stripped, "gate_holdout_passfail_v1", "v1", nil)
	assert.True(t, res.Pass)
	assert.Equal(t, schemas.StatusSkipped, res.Status)
}

func TestHoldoutGateMinimalVerdict(t *testing.T) {
	ctx := newGateContext(t)

	res := Run(ctx, "gate_holdout_passfail_v1", "v1", nil)
	require.True(t, res.Pass, "%v", res.Metrics)
	assert.Equal(t, "holdout evaluated (minimal output); no threshold configured", res.Metrics["summary"])
	mm, _ := res.Metrics["metrics_minimal"].(map[string]interface{})
	require.NotNil(t, mm)
	assert.Len(t, mm, 3)
	assert.Contains(t, mm, "total_return")
	assert.Contains(t, mm, "trade_count")
	assert.Contains(t, mm, "lag_bars")
	assert.NotContains(t, mm, "sharpe")

	res = Run(ctx, "gate_holdout_passfail_v1", "v1", map[string]interface{}{"min_total_return": 1e9})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Metrics["summary"], "holdout total_return=")
}

func TestHoldoutGateRequiresMinimalOutputPolicy(t *testing.T) {
	ctx := newGateContext(t)
	suite := cloneAsset(ctx.GateSuite)
	suite.Params["holdout_policy"] = map[string]interface{}{"output": "full"}
	loose := *ctx
	loose.GateSuite = suite

	res := Run(&loose, "gate_holdout_passfail_v1", "v1", nil)
	assert.False(t, res.Pass)
	assert.Equal(t, schemas.StatusError, res.Status)
}

func TestMetricExpr(t *testing.T) {
	ctx := &Context{Metrics: map[string]interface{}{"total_return": 0.5, "trade_count": 4}}

	res := Run(ctx, "metric_expr_v1", "v1", map[string]interface{}{
		"expr":       "metrics.total_return >= thresholds.min_total_return",
		"thresholds": map[string]interface{}{"min_total_return": 0.1},
	})
	assert.True(t, res.Pass, "%v", res.Metrics)

	res = Run(ctx, "metric_expr_v1", "v1", map[string]interface{}{
		"expr":       "metrics.total_return >= thresholds.min_total_return",
		"thresholds": map[string]interface{}{"min_total_return": 0.9},
	})
	assert.False(t, res.Pass)
	assert.Equal(t, schemas.StatusError, res.Status)

	res = Run(ctx, "metric_expr_v1", "v1", map[string]interface{}{"expr": "this is not CEL ((("})
	assert.False(t, res.Pass)

	res = Run(ctx, "metric_expr_v1", "v1", map[string]interface{}{"expr": "metrics.trade_count + 1"})
	assert.False(t, res.Pass, "non-boolean expressions fail closed")

	res = Run(ctx, "metric_expr_v1", "v1", nil)
	assert.False(t, res.Pass, "missing expr fails closed")
}
