// Package config resolves the filesystem roots and runtime switches the
// kernel reads from the environment. Components receive a Config explicitly;
// nothing else in the tree touches os.Getenv for roots.
package config

import (
	"os"
	"path/filepath"
)

// Config holds the resolved roots and runtime switches.
type Config struct {
	DataRoot     string // EAM_DATA_ROOT, default /data
	ArtifactRoot string // EAM_ARTIFACT_ROOT, default /artifacts
	JobRoot      string // EAM_JOB_ROOT, default <artifact_root>/jobs
	RegistryRoot string // EAM_REGISTRY_ROOT, default <artifact_root>/registry
	PolicyDir    string // EAM_POLICY_DIR, default ./policies

	Env         string // EAM_ENV, default dev
	LLMProvider string // EAM_LLM_PROVIDER, default mock
	LLMMode     string // EAM_LLM_MODE, default live

	LogLevel     string // EAM_LOG_LEVEL, default INFO
	OTLPEndpoint string // EAM_OTLP_ENDPOINT, empty disables telemetry export
}

// FromEnv loads configuration from environment variables, applying defaults.
func FromEnv() *Config {
	c := &Config{
		DataRoot:     getenv("EAM_DATA_ROOT", "/data"),
		ArtifactRoot: getenv("EAM_ARTIFACT_ROOT", "/artifacts"),
		PolicyDir:    getenv("EAM_POLICY_DIR", "policies"),
		Env:          getenv("EAM_ENV", "dev"),
		LLMProvider:  getenv("EAM_LLM_PROVIDER", "mock"),
		LLMMode:      getenv("EAM_LLM_MODE", "live"),
		LogLevel:     getenv("EAM_LOG_LEVEL", "INFO"),
		OTLPEndpoint: os.Getenv("EAM_OTLP_ENDPOINT"),
	}
	c.JobRoot = getenv("EAM_JOB_ROOT", filepath.Join(c.ArtifactRoot, "jobs"))
	c.RegistryRoot = getenv("EAM_REGISTRY_ROOT", filepath.Join(c.ArtifactRoot, "registry"))
	return c
}

// DossierRoot is where runner output lands, one directory per run_id.
func (c *Config) DossierRoot() string {
	return filepath.Join(c.ArtifactRoot, "dossiers")
}

// IndexRoot holds the append-only runs/jobs indexes and their query mirror.
func (c *Config) IndexRoot() string {
	return filepath.Join(c.ArtifactRoot, "index")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
