// Package testutil builds the on-disk fixtures shared across package tests:
// a valid policies directory, a CSV data lake snapshot, and a baseline
// blueprint document.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// PolicyYAML maps file name to YAML content for WritePolicies.
type PolicyYAML map[string]string

// DefaultPolicies returns a complete, structurally valid policy surface:
// five referenced assets, a budget policy, an LLM budget policy, and the
// bundle referencing all of them by id.
func DefaultPolicies() PolicyYAML {
	return PolicyYAML{
		"execution_policy_v1.yaml": `policy_id: execution_policy_v1_next_open
policy_version: v1
title: Execution policy
description: Next-open fills with floor rounding.
params:
  order_timing: next_open
  fill_price: open
  allow_short: false
  lot_size: 1
  rounding: floor
`,
		"cost_policy_v1.yaml": `policy_id: cost_policy_v1_default
policy_version: v1
title: Cost policy
description: Flat commission and slippage.
params:
  commission_bps: 5
  slippage_bps: 10
`,
		"asof_latency_policy_v1.yaml": `policy_id: asof_latency_policy_v1_default
policy_version: v1
title: As-of latency policy
description: Availability gate and trade lag.
params:
  asof_rule: available_at<=as_of
  trade_lag_bars_default: 1
`,
		"risk_policy_v1.yaml": `policy_id: risk_policy_v1_default
policy_version: v1
title: Risk policy
description: Position and turnover limits.
params:
  max_leverage: 1.0
  max_turnover: 10.0
  max_positions: 10
  max_drawdown: 0.5
`,
		"gate_suite_v1.yaml": `policy_id: gate_suite_v1_default
policy_version: v1
title: Gate suite
description: Declared gates plus holdout policy.
params:
  gates:
    - gate_id: basic_sanity
      gate_version: v1
    - gate_id: determinism_guard
      gate_version: v1
  holdout_policy:
    output: pass_fail_minimal_summary
`,
		"budget_policy_v1.yaml": `policy_id: budget_policy_v1_default
policy_version: v1
title: Budget policy
description: Spawn and proposal budgets.
params:
  max_proposals_per_job: 1
  max_spawn_per_job: 1
  max_total_iterations: 10
  stop_if_no_improvement_n: 2
`,
		"llm_budget_policy_v1.yaml": `policy_id: llm_budget_policy_v1_default
policy_version: v1
title: LLM budget policy
description: Per-job LLM limits.
params:
  max_calls_per_job: 10
  max_prompt_chars_per_job: 100000
  max_response_chars_per_job: 100000
  max_wall_seconds_per_job: 600
`,
		"policy_bundle_v1.yaml": `policy_bundle_id: bundle_mvp_v1
policy_version: v1
title: MVP bundle
description: References only.
execution_policy_id: execution_policy_v1_next_open
cost_policy_id: cost_policy_v1_default
asof_latency_policy_id: asof_latency_policy_v1_default
risk_policy_id: risk_policy_v1_default
gate_suite_id: gate_suite_v1_default
budget_policy_id: budget_policy_v1_default
llm_budget_policy_id: llm_budget_policy_v1_default
`,
	}
}

// WritePolicies writes the given policy YAML files under dir/policies and
// returns (policiesDir, bundlePath).
func WritePolicies(t *testing.T, dir string, files PolicyYAML) (string, string) {
	t.Helper()
	policiesDir := filepath.Join(dir, "policies")
	if err := os.MkdirAll(policiesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(policiesDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return policiesDir, filepath.Join(policiesDir, "policy_bundle_v1.yaml")
}

// WriteLake writes a deterministic ohlcv_1d CSV snapshot under
// dataRoot/lake/<snapshotID>/ along with a snapshot manifest. Prices ramp
// upward so buy-and-hold style evaluations have positive returns. Rows cover
// [start, start+days) for each symbol with available_at = dt end of day.
func WriteLake(t *testing.T, dataRoot, snapshotID string, symbols []string, startDate string, days int) {
	t.Helper()
	snapDir := filepath.Join(dataRoot, "lake", snapshotID)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	b.WriteString("symbol,dt,open,high,low,close,volume,available_at\n")
	y, m, d := parseDate(t, startDate)
	for si, sym := range symbols {
		yy, mm, dd := y, m, d
		for i := 0; i < days; i++ {
			price := 100.0 + float64(si*10) + float64(i)
			dt := fmt.Sprintf("%04d-%02d-%02d", yy, mm, dd)
			fmt.Fprintf(&b, "%s,%s,%.2f,%.2f,%.2f,%.2f,%d,%sT16:30:00+08:00\n",
				sym, dt, price, price+1, price-1, price+0.5, 1000+i, dt)
			yy, mm, dd = nextDay(yy, mm, dd)
		}
	}
	if err := os.WriteFile(filepath.Join(snapDir, "ohlcv_1d.csv"), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := fmt.Sprintf(`{
  "schema_version": "data_snapshot_manifest_v1",
  "snapshot_id": %q,
  "datasets": ["ohlcv_1d"]
}
`, snapshotID)
	if err := os.WriteFile(filepath.Join(snapDir, "manifest.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func parseDate(t *testing.T, s string) (int, int, int) {
	t.Helper()
	var y, m, d int
	if _, err := fmt.Sscanf(s, "%d-%d-%d", &y, &m, &d); err != nil {
		t.Fatalf("bad date %q: %v", s, err)
	}
	return y, m, d
}

func nextDay(y, m, d int) (int, int, int) {
	dim := daysInMonth(y, m)
	d++
	if d > dim {
		d = 1
		m++
		if m > 12 {
			m = 1
			y++
		}
	}
	return y, m, d
}

func daysInMonth(y, m int) int {
	switch m {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	default:
		if (y%4 == 0 && y%100 != 0) || y%400 == 0 {
			return 29
		}
		return 28
	}
}

// Blueprint returns a valid blueprint document for the default bundle and a
// short fixed-split window inside a 2024 lake.
func Blueprint() map[string]interface{} {
	return map[string]interface{}{
		"schema_version":   "blueprint_v1",
		"blueprint_id":     "bp_demo_001",
		"policy_bundle_id": "bundle_mvp_v1",
		"data": map[string]interface{}{
			"dataset_id": "ohlcv_1d",
			"symbols":    []interface{}{"AAA", "BBB"},
		},
		"strategy_spec": map[string]interface{}{
			"strategy_id": "buy_and_hold_mvp",
			"params":      map[string]interface{}{},
		},
		"evaluation_protocol": map[string]interface{}{
			"protocol": "fixed_split",
			"segments": map[string]interface{}{
				"train":   map[string]interface{}{"start": "2024-01-01", "end": "2024-01-31"},
				"test":    map[string]interface{}{"start": "2024-02-01", "end": "2024-02-20"},
				"holdout": map[string]interface{}{"start": "2024-02-21", "end": "2024-03-10"},
			},
		},
	}
}
