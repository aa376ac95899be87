package config_test

import (
	"testing"

	"github.com/quantforge/eam/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestFromEnv_Defaults verifies that FromEnv() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot with safe defaults in dev mode.
func TestFromEnv_Defaults(t *testing.T) {
	// Ensure clean env
	for _, k := range []string{
		"EAM_DATA_ROOT", "EAM_ARTIFACT_ROOT", "EAM_JOB_ROOT", "EAM_REGISTRY_ROOT",
		"EAM_POLICY_DIR", "EAM_ENV", "EAM_LLM_PROVIDER", "EAM_LLM_MODE",
		"EAM_LOG_LEVEL", "EAM_OTLP_ENDPOINT",
	} {
		t.Setenv(k, "")
	}

	cfg := config.FromEnv()

	assert.Equal(t, "/data", cfg.DataRoot)
	assert.Equal(t, "/artifacts", cfg.ArtifactRoot)
	assert.Equal(t, "/artifacts/jobs", cfg.JobRoot)
	assert.Equal(t, "/artifacts/registry", cfg.RegistryRoot)
	assert.Equal(t, "/artifacts/dossiers", cfg.DossierRoot())
	assert.Equal(t, "/artifacts/index", cfg.IndexRoot())
	assert.Equal(t, "policies", cfg.PolicyDir)
	assert.Equal(t, "mock", cfg.LLMProvider)
	assert.Equal(t, "live", cfg.LLMMode)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.OTLPEndpoint)
}

// TestFromEnv_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("EAM_DATA_ROOT", "/srv/lake")
	t.Setenv("EAM_ARTIFACT_ROOT", "/srv/artifacts")
	t.Setenv("EAM_JOB_ROOT", "/srv/jobs")
	t.Setenv("EAM_REGISTRY_ROOT", "/srv/registry")
	t.Setenv("EAM_LLM_PROVIDER", "real")
	t.Setenv("EAM_LLM_MODE", "record")
	t.Setenv("EAM_LOG_LEVEL", "DEBUG")
	t.Setenv("EAM_OTLP_ENDPOINT", "collector:4317")

	cfg := config.FromEnv()

	assert.Equal(t, "/srv/lake", cfg.DataRoot)
	assert.Equal(t, "/srv/artifacts", cfg.ArtifactRoot)
	assert.Equal(t, "/srv/jobs", cfg.JobRoot)
	assert.Equal(t, "/srv/registry", cfg.RegistryRoot)
	assert.Equal(t, "real", cfg.LLMProvider)
	assert.Equal(t, "record", cfg.LLMMode)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
}
