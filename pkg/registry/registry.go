// Package registry maintains the durable research memory: an append-only
// trial log of gate-arbitrated runs, and experience cards with a promotion
// lifecycle. Cards can only be minted from runs whose gates passed; the card
// file itself is immutable and status changes live in the card's event log.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/fsio"
)

// ErrInvalid marks semantic failures (exit 2): missing evidence, bad
// transitions, duplicate cards.
var ErrInvalid = errors.New("registry invalid")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...)
}

// Statuses in lifecycle order. Promotion without allow_skip must follow
// Transitions exactly; retired is terminal.
var (
	AllowedStatuses = []string{"draft", "challenger", "champion", "retired"}
	Transitions     = map[string]string{
		"draft":      "challenger",
		"challenger": "champion",
		"champion":   "retired",
	}
)

func statusAllowed(s string) bool {
	for _, a := range AllowedStatuses {
		if a == s {
			return true
		}
	}
	return false
}

// Registry reads and writes one registry root.
type Registry struct {
	Root      string
	Clock     clock.Clock
	validator *contracts.Validator
}

// DefaultRoot resolves the registry root: EAM_REGISTRY_ROOT, else
// <EAM_ARTIFACT_ROOT>/registry, else /artifacts/registry.
func DefaultRoot() string {
	if rr := strings.TrimSpace(os.Getenv("EAM_REGISTRY_ROOT")); rr != "" {
		return rr
	}
	ar := strings.TrimSpace(os.Getenv("EAM_ARTIFACT_ROOT"))
	if ar == "" {
		ar = "/artifacts"
	}
	return filepath.Join(ar, "registry")
}

func New(root string) (*Registry, error) {
	v, err := contracts.NewValidator()
	if err != nil {
		return nil, err
	}
	if root == "" {
		root = DefaultRoot()
	}
	return &Registry{Root: root, Clock: clock.System{}, validator: v}, nil
}

func (r *Registry) trialLogPath() string {
	return filepath.Join(r.Root, "trial_log.jsonl")
}

func (r *Registry) cardDir(cardID string) string {
	return filepath.Join(r.Root, "cards", cardID)
}

func (r *Registry) cardJSONPath(cardID string) string {
	return filepath.Join(r.cardDir(cardID), "card_v1.json")
}

func (r *Registry) cardEventsPath(cardID string) string {
	return filepath.Join(r.cardDir(cardID), "events.jsonl")
}

func (r *Registry) validate(doc interface{}) (int, string) {
	norm, err := contracts.Normalize(doc)
	if err != nil {
		return contracts.ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	return r.validator.Validate(norm)
}

// Trial returns the recorded trial event for run_id, or nil.
func (r *Registry) Trial(runID string) (map[string]interface{}, error) {
	events, err := fsio.IterJSONL(r.trialLogPath())
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if strVal(ev, "run_id") == runID {
			return ev, nil
		}
	}
	return nil, nil
}

// RecordTrial appends one run's verdict to trial_log.jsonl. The dossier must
// carry its manifest, config snapshot, and a contract-valid gate_results.json:
// there is no text-only arbitration. Recording the same run_id again is a
// noop returning the existing event.
func (r *Registry) RecordTrial(dossierDir string) (map[string]interface{}, error) {
	for _, name := range []string{"dossier_manifest.json", "config_snapshot.json", "gate_results.json"} {
		if !fsio.Exists(filepath.Join(dossierDir, name)) {
			return nil, invalidf("missing required file: %s", filepath.ToSlash(filepath.Join(dossierDir, name)))
		}
	}
	manifest, err := fsio.ReadJSONMap(filepath.Join(dossierDir, "dossier_manifest.json"))
	if err != nil {
		return nil, err
	}
	configSnap, err := fsio.ReadJSONMap(filepath.Join(dossierDir, "config_snapshot.json"))
	if err != nil {
		return nil, err
	}
	gateResultsPath := filepath.Join(dossierDir, "gate_results.json")
	if code, msg := r.validator.ValidateFile(gateResultsPath); code != contracts.ExitOK {
		return nil, invalidf("gate_results invalid: %s", msg)
	}
	gateResults, err := fsio.ReadJSONMap(gateResultsPath)
	if err != nil {
		return nil, err
	}

	runID := strings.TrimSpace(strVal(manifest, "run_id"))
	if runID == "" {
		return nil, invalidf("missing run_id in dossier_manifest.json")
	}
	if existing, err := r.Trial(runID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	runspec, _ := configSnap["runspec"].(map[string]interface{})
	if runspec == nil {
		return nil, invalidf("config_snapshot.runspec missing or not an object")
	}
	policyBundleID := strings.TrimSpace(strVal(manifest, "policy_bundle_id"))
	snapshotID := strings.TrimSpace(strVal(manifest, "data_snapshot_id"))
	adapterObj, _ := runspec["adapter"].(map[string]interface{})
	adapterID := strings.TrimSpace(strVal(adapterObj, "adapter_id"))
	if policyBundleID == "" || snapshotID == "" || adapterID == "" {
		return nil, invalidf("missing policy_bundle_id/data_snapshot_id/adapter_id evidence")
	}
	overallPass, _ := gateResults["overall_pass"].(bool)

	ev := map[string]interface{}{
		"schema_version":    "trial_event_v1",
		"run_id":            runID,
		"recorded_at":       clock.ISO(r.Clock.Now()),
		"dossier_path":      filepath.ToSlash(dossierDir),
		"gate_results_path": filepath.ToSlash(gateResultsPath),
		"overall_pass":      overallPass,
		"policy_bundle_id":  policyBundleID,
		"snapshot_id":       snapshotID,
		"adapter_id":        adapterID,
	}
	blueprintRef, _ := runspec["blueprint_ref"].(map[string]interface{})
	if bid := strings.TrimSpace(strVal(blueprintRef, "blueprint_id")); bid != "" {
		ev["blueprint_id"] = bid
	}
	if code, msg := r.validate(ev); code != contracts.ExitOK {
		return nil, invalidf("trial_event invalid: %s", msg)
	}
	if err := fsio.AppendJSONL(r.trialLogPath(), ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// CardIDFromRun derives the deterministic card id for a run.
func CardIDFromRun(runID string) string {
	return "card_" + runID
}

func effectiveStatus(card map[string]interface{}, events []map[string]interface{}) string {
	status := strVal(card, "status")
	for _, ev := range events {
		if strVal(ev, "event_type") != "PROMOTED" {
			continue
		}
		if ns := strVal(ev, "new_status"); statusAllowed(ns) {
			status = ns
		}
	}
	if !statusAllowed(status) {
		return "draft"
	}
	return status
}

// keyArtifacts is the minimum evidence set every card references.
var keyArtifacts = []interface{}{
	"dossier_manifest.json",
	"config_snapshot.json",
	"metrics.json",
	"curve.csv",
	"trades.csv",
	"gate_results.json",
}

// CreateCardFromRun mints an experience card for a gate-passing trial. The
// run must already be in the trial log with overall_pass true. An existing
// card is an error unless ifExists is "noop".
func (r *Registry) CreateCardFromRun(runID, title, ifExists string) (map[string]interface{}, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, invalidf("run_id must be non-empty")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, invalidf("title must be non-empty")
	}
	trial, err := r.Trial(runID)
	if err != nil {
		return nil, err
	}
	if trial == nil {
		return nil, invalidf("trial not found in trial_log.jsonl; run record-trial first")
	}
	if pass, _ := trial["overall_pass"].(bool); !pass {
		return nil, invalidf("cannot create card: overall_pass is false (gate PASS required)")
	}

	cardID := CardIDFromRun(runID)
	cardJSON := r.cardJSONPath(cardID)
	if fsio.Exists(cardJSON) {
		if ifExists == "noop" {
			return r.ShowCard(cardID)
		}
		return nil, invalidf("card already exists: %s", cardID)
	}

	dossierPath := strings.TrimSpace(strVal(trial, "dossier_path"))
	gateResultsPath := strings.TrimSpace(strVal(trial, "gate_results_path"))
	policyBundleID := strings.TrimSpace(strVal(trial, "policy_bundle_id"))
	if dossierPath == "" || gateResultsPath == "" || policyBundleID == "" {
		return nil, invalidf("trial missing required evidence paths or policy_bundle_id")
	}

	card := map[string]interface{}{
		"schema_version":   "experience_card_v1",
		"card_id":          cardID,
		"created_at":       clock.ISO(r.Clock.Now()),
		"title":            title,
		"status":           "draft",
		"primary_run_id":   runID,
		"policy_bundle_id": policyBundleID,
		"evidence": map[string]interface{}{
			"run_id":            runID,
			"dossier_path":      dossierPath,
			"gate_results_path": gateResultsPath,
			"key_artifacts":     keyArtifacts,
		},
		"applicability": map[string]interface{}{
			"universe_hint": "unknown",
			"freq":          "ohlcv_1d",
			"horizon_hint":  "unknown",
		},
	}
	if code, msg := r.validate(card); code != contracts.ExitOK {
		return nil, invalidf("experience_card invalid: %s", msg)
	}
	if err := os.MkdirAll(r.cardDir(cardID), 0o755); err != nil {
		return nil, err
	}
	if err := fsio.WriteJSONAtomic(cardJSON, card); err != nil {
		return nil, err
	}
	created := map[string]interface{}{
		"event_version": 1,
		"event_type":    "CREATED",
		"recorded_at":   clock.ISO(r.Clock.Now()),
		"card_id":       cardID,
		"run_id":        runID,
		"notes":         "card created from gate PASS trial",
	}
	if err := fsio.AppendJSONL(r.cardEventsPath(cardID), created); err != nil {
		return nil, err
	}

	out := cloneMap(card)
	out["effective_status"] = "draft"
	return out, nil
}

// PromoteCard appends a PROMOTED event. Transitions follow
// draft -> challenger -> champion -> retired unless allowSkip is set; the
// card file is never rewritten.
func (r *Registry) PromoteCard(cardID, newStatus string, allowSkip bool) (map[string]interface{}, error) {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return nil, invalidf("card_id must be non-empty")
	}
	if !statusAllowed(newStatus) {
		return nil, invalidf("new_status must be one of %v", AllowedStatuses)
	}
	cardJSON := r.cardJSONPath(cardID)
	if !fsio.Exists(cardJSON) {
		return nil, invalidf("card not found: %s", cardID)
	}
	base, err := fsio.ReadJSONMap(cardJSON)
	if err != nil {
		return nil, err
	}
	events, err := fsio.IterJSONL(r.cardEventsPath(cardID))
	if err != nil {
		return nil, err
	}
	cur := effectiveStatus(base, events)
	if !allowSkip {
		expected, ok := Transitions[cur]
		if !ok {
			return nil, invalidf("cannot promote from terminal status: %s", cur)
		}
		if newStatus != expected {
			return nil, invalidf("invalid transition: %s -> %s (expected %s)", cur, newStatus, expected)
		}
	}
	ev := map[string]interface{}{
		"event_version": 1,
		"event_type":    "PROMOTED",
		"recorded_at":   clock.ISO(r.Clock.Now()),
		"card_id":       cardID,
		"old_status":    cur,
		"new_status":    newStatus,
	}
	if err := fsio.AppendJSONL(r.cardEventsPath(cardID), ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// CardSummary is the listing row for one card.
type CardSummary struct {
	CardID string
	Status string
	Title  string
}

// ListCards walks the cards directory in name order, computing each card's
// effective status from its event log.
func (r *Registry) ListCards() ([]CardSummary, error) {
	cardsDir := filepath.Join(r.Root, "cards")
	entries, err := os.ReadDir(cardsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var out []CardSummary
	for _, name := range names {
		base, err := fsio.ReadJSONMap(r.cardJSONPath(name))
		if err != nil || base == nil {
			continue
		}
		events, err := fsio.IterJSONL(r.cardEventsPath(name))
		if err != nil {
			return nil, err
		}
		cardID := strVal(base, "card_id")
		if cardID == "" {
			cardID = name
		}
		out = append(out, CardSummary{
			CardID: cardID,
			Status: effectiveStatus(base, events),
			Title:  strVal(base, "title"),
		})
	}
	return out, nil
}

// ShowCard returns the immutable card document plus its effective status and
// full event history.
func (r *Registry) ShowCard(cardID string) (map[string]interface{}, error) {
	base, err := fsio.ReadJSONMap(r.cardJSONPath(cardID))
	if err != nil {
		return nil, invalidf("card not found: %s", cardID)
	}
	events, err := fsio.IterJSONL(r.cardEventsPath(cardID))
	if err != nil {
		return nil, err
	}
	out := cloneMap(base)
	out["effective_status"] = effectiveStatus(base, events)
	evs := make([]interface{}, len(events))
	for i, ev := range events {
		evs[i] = ev
	}
	out["events"] = evs
	return out, nil
}

// CardFileHashes returns sha256 digests of a card's files, for audit trails.
func (r *Registry) CardFileHashes(cardID string) (map[string]string, error) {
	out := map[string]string{}
	for _, name := range []string{"card_v1.json", "events.jsonl"} {
		p := filepath.Join(r.cardDir(cardID), name)
		if !fsio.Exists(p) {
			continue
		}
		sum, err := fsio.SHA256File(p)
		if err != nil {
			return nil, err
		}
		out[name] = sum
	}
	return out, nil
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func strVal(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}
