// Package schemas holds the JSON Schema files embedded by the contracts
// package plus typed Go models for the documents that flow between
// components. Field tags must match the schema property names exactly.
package schemas

// GateEvidence lists the dossier artifacts a gate consulted.
type GateEvidence struct {
	Artifacts []string `json:"artifacts,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// GateResult is one entry in gate_results_v2.gates.
type GateResult struct {
	GateID      string                 `json:"gate_id"`
	GateVersion string                 `json:"gate_version"`
	Pass        bool                   `json:"pass"`
	Status      string                 `json:"status"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
	Thresholds  map[string]interface{} `json:"thresholds,omitempty"`
	Evidence    *GateEvidence          `json:"evidence,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
}

// Gate result statuses.
const (
	StatusOK               = "ok"
	StatusError            = "error"
	StatusMissingArtifacts = "missing_artifacts"
	StatusSkipped          = "skipped"
)

// MetricsMinimal is the only metric surface a holdout evaluation may leak.
type MetricsMinimal struct {
	TotalReturn float64 `json:"total_return"`
	TradeCount  int     `json:"trade_count"`
	LagBars     int     `json:"lag_bars"`
}

// HoldoutSummary is the closed-shape holdout verdict in gate_results_v2.
type HoldoutSummary struct {
	Pass           bool           `json:"pass"`
	Summary        string         `json:"summary"`
	MetricsMinimal MetricsMinimal `json:"metrics_minimal"`
}

// TrialEvent is one append-only line in the registry trial log.
type TrialEvent struct {
	SchemaVersion string                 `json:"schema_version"`
	RunID         string                 `json:"run_id"`
	BlueprintID   string                 `json:"blueprint_id"`
	SnapshotID    string                 `json:"snapshot_id"`
	BundleID      string                 `json:"policy_bundle_id"`
	OverallPass   bool                   `json:"overall_pass"`
	RecordedAt    string                 `json:"recorded_at"`
	Metrics       map[string]interface{} `json:"metrics,omitempty"`
	Extensions    map[string]interface{} `json:"extensions,omitempty"`
}

// LeaderboardEntry ranks one sweep trial.
type LeaderboardEntry struct {
	TrialID     string                 `json:"trial_id"`
	RunID       string                 `json:"run_id"`
	Params      map[string]interface{} `json:"params"`
	MetricValue float64                `json:"metric_value"`
	OverallPass bool                   `json:"overall_pass"`
}

// LLMUsageTotals aggregates per-job LLM spend for the usage report.
type LLMUsageTotals struct {
	Calls         int     `json:"calls"`
	PromptChars   int     `json:"prompt_chars"`
	ResponseChars int     `json:"response_chars"`
	WallSeconds   float64 `json:"wall_seconds"`
}
