package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantforge/eam/internal/testutil"
	"github.com/quantforge/eam/pkg/clock"
)

func writeDefaultPolicies(t *testing.T) (string, string) {
	t.Helper()
	return testutil.WritePolicies(t, t.TempDir(), testutil.DefaultPolicies())
}

func TestLoadBundleResolvesRefs(t *testing.T) {
	dir, bundlePath := writeDefaultPolicies(t)

	r := NewResolver(dir)
	b, err := r.LoadBundle(bundlePath)
	require.NoError(t, err)
	require.Equal(t, "bundle_mvp_v1", b.ID)
	require.Len(t, b.SHA256, 64)
	require.Equal(t, "execution_policy_v1_next_open", b.Refs["execution_policy_id"])
	require.Equal(t, "llm_budget_policy_v1_default", b.Refs["llm_budget_policy_id"])

	assets, err := r.ResolveRefs(b)
	require.NoError(t, err)
	exec := assets["execution_policy_id"]
	require.Equal(t, "next_open", exec.StringParam("order_timing", ""))
	require.Equal(t, 1, exec.IntParam("lot_size", 0))
}

func TestResolveUnknownPolicyID(t *testing.T) {
	dir, _ := writeDefaultPolicies(t)
	r := NewResolver(dir)
	_, err := r.Resolve("no_such_policy")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no_such_policy")
}

func TestValidateBundleOK(t *testing.T) {
	dir, bundlePath := writeDefaultPolicies(t)
	code, msg := ValidateFile(bundlePath, dir)
	require.Equal(t, ExitOK, code, msg)
	require.Contains(t, msg, "OK: bundle_mvp_v1 sha256=")
}

func TestValidateBundleForbiddenInline(t *testing.T) {
	files := testutil.DefaultPolicies()
	files["policy_bundle_v1.yaml"] += "params:\n  inline: true\n"
	dir, bundlePath := testutil.WritePolicies(t, t.TempDir(), files)

	code, msg := ValidateFile(bundlePath, dir)
	require.Equal(t, ExitInvalid, code)
	require.Contains(t, msg, "INVALID: policy_bundle_v1.yaml")
	require.Contains(t, msg, "params")
}

func TestValidateBundleMissingRef(t *testing.T) {
	files := testutil.DefaultPolicies()
	files["policy_bundle_v1.yaml"] = strings.Replace(files["policy_bundle_v1.yaml"],
		"risk_policy_id: risk_policy_v1_default\n", "", 1)
	dir, bundlePath := testutil.WritePolicies(t, t.TempDir(), files)

	code, msg := ValidateFile(bundlePath, dir)
	require.Equal(t, ExitInvalid, code)
	require.Contains(t, msg, "risk_policy_id")
}

func TestValidateBundleDanglingRef(t *testing.T) {
	files := testutil.DefaultPolicies()
	files["policy_bundle_v1.yaml"] = strings.Replace(files["policy_bundle_v1.yaml"],
		"cost_policy_id: cost_policy_v1_default",
		"cost_policy_id: cost_policy_v1_missing", 1)
	dir, bundlePath := testutil.WritePolicies(t, t.TempDir(), files)

	code, msg := ValidateFile(bundlePath, dir)
	require.Equal(t, ExitInvalid, code)
	require.Contains(t, msg, "cost_policy_v1_missing")
}

func TestValidateExecutionPolicyBadTiming(t *testing.T) {
	files := testutil.DefaultPolicies()
	files["execution_policy_v1.yaml"] = strings.Replace(files["execution_policy_v1.yaml"],
		"order_timing: next_open", "order_timing: same_bar", 1)
	dir, _ := testutil.WritePolicies(t, t.TempDir(), files)

	code, msg := ValidateFile(filepath.Join(dir, "execution_policy_v1.yaml"), dir)
	require.Equal(t, ExitInvalid, code)
	require.Contains(t, msg, "/params/order_timing")
}

func TestValidateCostPolicyNonNumeric(t *testing.T) {
	files := testutil.DefaultPolicies()
	files["cost_policy_v1.yaml"] = strings.Replace(files["cost_policy_v1.yaml"],
		"commission_bps: 5", "commission_bps: five", 1)
	dir, _ := testutil.WritePolicies(t, t.TempDir(), files)

	code, msg := ValidateFile(filepath.Join(dir, "cost_policy_v1.yaml"), dir)
	require.Equal(t, ExitInvalid, code)
	require.Contains(t, msg, "/params/commission_bps")
}

func TestValidateGateSuiteRequiresMinimalHoldoutOutput(t *testing.T) {
	files := testutil.DefaultPolicies()
	files["gate_suite_v1.yaml"] = strings.Replace(files["gate_suite_v1.yaml"],
		"output: pass_fail_minimal_summary", "output: full_metrics", 1)
	dir, _ := testutil.WritePolicies(t, t.TempDir(), files)

	code, msg := ValidateFile(filepath.Join(dir, "gate_suite_v1.yaml"), dir)
	require.Equal(t, ExitInvalid, code)
	require.Contains(t, msg, "holdout_policy")
}

func TestValidateDirSummary(t *testing.T) {
	dir, _ := writeDefaultPolicies(t)
	code, report := ValidateDir(dir)
	require.Equal(t, ExitOK, code, strings.Join(report, "\n"))
	require.Contains(t, report[len(report)-1], "SUMMARY:")
}

func TestValidateFileMissing(t *testing.T) {
	dir, _ := writeDefaultPolicies(t)
	code, _ := ValidateFile(filepath.Join(dir, "nope.yaml"), dir)
	require.Equal(t, ExitUsage, code)
}

func TestLockRoundTripAndTamper(t *testing.T) {
	dir, bundlePath := writeDefaultPolicies(t)
	r := NewResolver(dir)

	lockPath, count, err := r.WriteLock(clock.Fixed{})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, LockFilename), lockPath)
	require.Greater(t, count, 0)
	require.FileExists(t, lockPath)

	b, err := r.LoadBundle(bundlePath)
	require.NoError(t, err)
	_, err = r.ResolveRefs(b)
	require.NoError(t, err)

	// Flip one byte in a locked asset.
	target := filepath.Join(dir, "cost_policy_v1.yaml")
	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "slippage_bps: 10", "slippage_bps: 11", 1)
	require.NoError(t, os.WriteFile(target, []byte(tampered), 0o644))

	_, err = r.ResolveRefs(b)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sha256 mismatch vs lock for \"cost_policy_v1_default\"")
}

func TestLockMissingEntry(t *testing.T) {
	dir, bundlePath := writeDefaultPolicies(t)
	r := NewResolver(dir)
	_, _, err := r.WriteLock(clock.Fixed{})
	require.NoError(t, err)

	// Add a new policy after the lock was written.
	extra := `policy_id: cost_policy_v1_extra
policy_version: v1
title: Extra
description: Added after lock.
params:
  commission_bps: 1
  slippage_bps: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cost_policy_v1_extra.yaml"), []byte(extra), 0o644))

	b, err := r.LoadBundle(bundlePath)
	require.NoError(t, err)
	b.Refs["cost_policy_id"] = "cost_policy_v1_extra"

	_, err = r.ResolveRefs(b)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing from lock")
}
