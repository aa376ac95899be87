package gates

import (
	"path/filepath"

	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/fsio"
)

// basic_sanity checks that the core dossier artifacts the other gates consume
// are present. gate_results.json itself is never required here: the gate
// runner is the one producing it.
func runBasicSanity(ctx *Context, params map[string]interface{}) schemas.GateResult {
	required := []string{
		"config_snapshot.json",
		"metrics.json",
		"curve.csv",
		"trades.csv",
		"dossier_manifest.json",
	}
	if extra, ok := params["require_artifacts"].([]interface{}); ok {
		for _, e := range extra {
			s, ok := e.(string)
			if !ok || s == "" || s == "gate_results.json" {
				continue
			}
			dup := false
			for _, r := range required {
				if r == s {
					dup = true
					break
				}
			}
			if !dup {
				required = append(required, s)
			}
		}
	}

	var missing []string
	for _, rel := range required {
		if !fsio.Exists(filepath.Join(ctx.DossierDir, filepath.FromSlash(rel))) {
			missing = append(missing, rel)
		}
	}

	status := schemas.StatusOK
	if len(missing) > 0 {
		status = schemas.StatusMissingArtifacts
	}
	return schemas.GateResult{
		GateID:      "basic_sanity",
		GateVersion: "v1",
		Pass:        len(missing) == 0,
		Status:      status,
		Metrics: map[string]interface{}{
			"missing_artifacts":  missing,
			"required_artifacts": required,
		},
		Evidence: &schemas.GateEvidence{Artifacts: required, Notes: "core dossier artifact presence"},
	}
}

// determinism_guard verifies the config snapshot carries enough replay
// metadata: the full run spec and the policy sha256 map.
func runDeterminismGuard(ctx *Context, params map[string]interface{}) schemas.GateResult {
	requireConfig := true
	if v, ok := params["require_config_snapshot"].(bool); ok {
		requireConfig = v
	}

	_, hasRunSpec := ctx.ConfigSnap["runspec"].(map[string]interface{})
	_, hasPolicySHA := ctx.ConfigSnap["policy_sha256"].(map[string]interface{})

	passed := (!requireConfig || hasRunSpec) && hasPolicySHA
	status := schemas.StatusOK
	if !passed {
		status = schemas.StatusError
	}
	return schemas.GateResult{
		GateID:      "determinism_guard",
		GateVersion: "v1",
		Pass:        passed,
		Status:      status,
		Metrics: map[string]interface{}{
			"require_config_snapshot": requireConfig,
			"has_runspec":             hasRunSpec,
			"has_policy_sha256":       hasPolicySHA,
		},
		Evidence: &schemas.GateEvidence{Artifacts: []string{"config_snapshot.json"}, Notes: "checks replay metadata presence"},
	}
}
