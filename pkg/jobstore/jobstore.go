// Package jobstore owns the governing job records: content-addressed job
// directories, append-only event logs, idempotent approvals, and
// budget-enforced child spawning. Nothing here ever rewrites an existing
// file; every mutation is a new file or a JSONL append.
package jobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quantforge/eam/pkg/canonicalize"
	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/policy"
)

// ErrNotFound is returned when a job id resolves to no job directory.
var ErrNotFound = errors.New("job not found")

// BudgetError carries the structured outputs that were also recorded in the
// STOPPED_BUDGET event, so callers can surface a 409-class response without
// re-reading the log.
type BudgetError struct {
	Reason  string
	Outputs map[string]interface{}
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("budget exhausted (%s)", e.Reason)
}

// ApprovalSteps is the closed set of checkpoint names Approve accepts.
var ApprovalSteps = map[string]bool{
	"blueprint":            true,
	"strategy_spec":        true,
	"spec_qa":              true,
	"runspec":              true,
	"trace_preview":        true,
	"improvements":         true,
	"sweep":                true,
	"llm_live_confirm":     true,
	"agent_output_invalid": true,
}

// Paths locates the files of one job directory.
type Paths struct {
	JobDir     string
	Spec       string
	Blueprint  string
	IdeaSpec   string
	Events     string
	OutputsDir string
	Outputs    string
	BundleRef  string
}

// Store reads and writes jobs under one job root.
type Store struct {
	JobRoot   string
	Clock     clock.Clock
	validator *contracts.Validator
}

// DefaultJobRoot resolves the job root from the environment: EAM_JOB_ROOT,
// else <EAM_ARTIFACT_ROOT>/jobs, else /artifacts/jobs.
func DefaultJobRoot() string {
	if jr := strings.TrimSpace(os.Getenv("EAM_JOB_ROOT")); jr != "" {
		return jr
	}
	ar := strings.TrimSpace(os.Getenv("EAM_ARTIFACT_ROOT"))
	if ar == "" {
		ar = "/artifacts"
	}
	return filepath.Join(ar, "jobs")
}

func New(jobRoot string) (*Store, error) {
	v, err := contracts.NewValidator()
	if err != nil {
		return nil, err
	}
	if jobRoot == "" {
		jobRoot = DefaultJobRoot()
	}
	return &Store{JobRoot: jobRoot, Clock: clock.System{}, validator: v}, nil
}

func (s *Store) Paths(jobID string) Paths {
	jd := filepath.Join(s.JobRoot, jobID)
	return Paths{
		JobDir:     jd,
		Spec:       filepath.Join(jd, "job_spec.json"),
		Blueprint:  filepath.Join(jd, "inputs", "blueprint.json"),
		IdeaSpec:   filepath.Join(jd, "inputs", "idea_spec.json"),
		Events:     filepath.Join(jd, "events.jsonl"),
		OutputsDir: filepath.Join(jd, "outputs"),
		Outputs:    filepath.Join(jd, "outputs", "outputs.json"),
		BundleRef:  filepath.Join(jd, "outputs", "policy_bundle_ref.json"),
	}
}

// JobID derives the content address of a job spec: first 12 hex chars of the
// SHA-256 over its canonical JSON.
func JobID(spec map[string]interface{}) (string, error) {
	return canonicalize.ShortID(spec)
}

// CreateResult reports whether a creation call made a new job or found an
// existing one.
type CreateResult struct {
	JobID  string
	Status string // "created" or "exists"
	JobDir string
}

func (s *Store) loadBundle(bundlePath string) (*policy.Bundle, map[string]*policy.Asset, error) {
	resolver := policy.NewResolver(filepath.Dir(bundlePath))
	bundle, err := resolver.LoadBundle(bundlePath)
	if err != nil {
		return nil, nil, err
	}
	assets, err := resolver.ResolveRefs(bundle)
	if err != nil {
		return nil, nil, err
	}
	return bundle, assets, nil
}

func (s *Store) writeBundleRef(jobID, bundlePath string, bundle *policy.Bundle) error {
	p := s.Paths(jobID)
	ref := map[string]interface{}{
		"policy_bundle_path":   filepath.ToSlash(bundlePath),
		"policy_bundle_id":     bundle.ID,
		"policy_bundle_sha256": bundle.SHA256,
	}
	if err := fsio.WriteJSONAtomic(p.BundleRef, ref); err != nil {
		return err
	}
	_, err := s.WriteOutputs(jobID, map[string]interface{}{
		"policy_bundle_path":     filepath.ToSlash(bundlePath),
		"policy_bundle_id":       bundle.ID,
		"policy_bundle_sha256":   bundle.SHA256,
		"policy_bundle_ref_path": filepath.ToSlash(p.BundleRef),
	})
	return err
}

// CreateFromBlueprint registers a blueprint job. Recreating the same spec is
// a noop reporting status "exists".
func (s *Store) CreateFromBlueprint(blueprint map[string]interface{}, snapshotID, bundlePath string, extensions map[string]interface{}) (CreateResult, error) {
	bundle, _, err := s.loadBundle(bundlePath)
	if err != nil {
		return CreateResult{}, err
	}
	if bpBundle, _ := blueprint["policy_bundle_id"].(string); bpBundle != "" && bpBundle != bundle.ID {
		return CreateResult{}, fmt.Errorf("policy_bundle_id mismatch between blueprint and bundle: %q vs %q", bpBundle, bundle.ID)
	}

	spec := map[string]interface{}{
		"schema_version":     "job_spec_v1",
		"snapshot_id":        snapshotID,
		"policy_bundle_path": filepath.ToSlash(bundlePath),
		"policy_bundle_id":   bundle.ID,
		"blueprint":          blueprint,
	}
	if len(extensions) > 0 {
		spec["extensions"] = extensions
	}
	if code, msg := s.validate(spec); code != contracts.ExitOK {
		return CreateResult{}, fmt.Errorf("invalid job_spec_v1: %s", msg)
	}

	jobID, err := JobID(spec)
	if err != nil {
		return CreateResult{}, err
	}
	p := s.Paths(jobID)
	if fsio.Exists(p.Spec) && fsio.Exists(p.Events) {
		if err := s.writeBundleRef(jobID, bundlePath, bundle); err != nil {
			return CreateResult{}, err
		}
		return CreateResult{JobID: jobID, Status: "exists", JobDir: p.JobDir}, nil
	}

	if err := fsio.WriteJSONAtomic(p.Spec, spec); err != nil {
		return CreateResult{}, err
	}
	if err := fsio.WriteJSONAtomic(p.Blueprint, blueprint); err != nil {
		return CreateResult{}, err
	}
	if _, err := s.AppendEvent(jobID, "BLUEPRINT_SUBMITTED", nil, ""); err != nil {
		return CreateResult{}, err
	}
	if err := s.writeBundleRef(jobID, bundlePath, bundle); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{JobID: jobID, Status: "created", JobDir: p.JobDir}, nil
}

// CreateFromIdea registers an idea job whose job_spec.json is the normalized
// IdeaSpec itself; snapshot_id and bundle path are folded in so the job id
// stays deterministic.
func (s *Store) CreateFromIdea(idea map[string]interface{}, snapshotID, bundlePath string) (CreateResult, error) {
	bundle, _, err := s.loadBundle(bundlePath)
	if err != nil {
		return CreateResult{}, err
	}
	spec := make(map[string]interface{}, len(idea)+4)
	for k, v := range idea {
		spec[k] = v
	}
	spec["schema_version"] = "idea_spec_v1"
	spec["snapshot_id"] = snapshotID
	spec["policy_bundle_path"] = filepath.ToSlash(bundlePath)
	if ideaBundle, _ := spec["policy_bundle_id"].(string); ideaBundle != "" && ideaBundle != bundle.ID {
		return CreateResult{}, fmt.Errorf("policy_bundle_id mismatch between idea_spec and bundle: %q vs %q", ideaBundle, bundle.ID)
	}
	spec["policy_bundle_id"] = bundle.ID
	if code, msg := s.validate(spec); code != contracts.ExitOK {
		return CreateResult{}, fmt.Errorf("invalid idea_spec_v1: %s", msg)
	}

	jobID, err := JobID(spec)
	if err != nil {
		return CreateResult{}, err
	}
	p := s.Paths(jobID)
	if fsio.Exists(p.Spec) && fsio.Exists(p.Events) {
		if err := s.writeBundleRef(jobID, bundlePath, bundle); err != nil {
			return CreateResult{}, err
		}
		return CreateResult{JobID: jobID, Status: "exists", JobDir: p.JobDir}, nil
	}

	if err := fsio.WriteJSONAtomic(p.Spec, spec); err != nil {
		return CreateResult{}, err
	}
	if err := fsio.WriteJSONAtomic(p.IdeaSpec, spec); err != nil {
		return CreateResult{}, err
	}
	if _, err := s.AppendEvent(jobID, "IDEA_SUBMITTED", nil, ""); err != nil {
		return CreateResult{}, err
	}
	if err := s.writeBundleRef(jobID, bundlePath, bundle); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{JobID: jobID, Status: "created", JobDir: p.JobDir}, nil
}

// AppendEvent writes one contract-validated job_event_v2 line. The caller is
// responsible for event_type belonging to the closed alphabet; validation
// enforces it anyway.
func (s *Store) AppendEvent(jobID, eventType string, outputs map[string]interface{}, message string) (map[string]interface{}, error) {
	p := s.Paths(jobID)
	if !fsio.Exists(p.Spec) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	ev := map[string]interface{}{
		"schema_version": "job_event_v2",
		"job_id":         jobID,
		"event_type":     eventType,
		"extensions":     map[string]interface{}{"recorded_at": clock.ISO(s.Clock.Now())},
	}
	if message != "" {
		ev["message"] = message
	}
	if len(outputs) > 0 {
		ev["outputs"] = outputs
	}
	if code, msg := s.validate(ev); code != contracts.ExitOK {
		return nil, fmt.Errorf("invalid job_event_v2: %s", msg)
	}
	if err := fsio.AppendJSONL(p.Events, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Events returns every event line of the job, in append order.
func (s *Store) Events(jobID string) ([]map[string]interface{}, error) {
	return fsio.IterJSONL(s.Paths(jobID).Events)
}

// Spec loads job_spec.json.
func (s *Store) Spec(jobID string) (map[string]interface{}, error) {
	p := s.Paths(jobID)
	if !fsio.Exists(p.Spec) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return fsio.ReadJSONMap(p.Spec)
}

// ListJobIDs returns every job directory name under the root, sorted.
func (s *Store) ListJobIDs() ([]string, error) {
	entries, err := os.ReadDir(s.JobRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Approve records an APPROVED event for the given checkpoint. Approving a
// step that is already approved is a noop; an unknown step is a usage error.
func (s *Store) Approve(jobID, step string) (string, error) {
	p := s.Paths(jobID)
	if !fsio.Exists(p.Spec) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if step != "" && !ApprovalSteps[step] {
		return "", fmt.Errorf("unknown approval step: %q", step)
	}
	if s.IsApproved(jobID, step) {
		return "noop", nil
	}
	var outputs map[string]interface{}
	if step != "" {
		outputs = map[string]interface{}{"step": step}
	}
	if _, err := s.AppendEvent(jobID, "APPROVED", outputs, ""); err != nil {
		return "", err
	}
	return "approved", nil
}

// IsApproved reports whether an APPROVED event exists for step; with an empty
// step any APPROVED event counts.
func (s *Store) IsApproved(jobID, step string) bool {
	events, err := s.Events(jobID)
	if err != nil {
		return false
	}
	for _, ev := range events {
		if strVal(ev, "event_type") != "APPROVED" {
			continue
		}
		if step == "" {
			return true
		}
		if out, ok := ev["outputs"].(map[string]interface{}); ok && strVal(out, "step") == step {
			return true
		}
	}
	return false
}

// WriteOutputs shallow-merges updates into outputs/outputs.json and rewrites
// it atomically. It returns the index path.
func (s *Store) WriteOutputs(jobID string, updates map[string]interface{}) (string, error) {
	p := s.Paths(jobID)
	existing, err := fsio.ReadJSONMap(p.Outputs)
	if err != nil || existing == nil {
		existing = map[string]interface{}{}
	}
	for k, v := range updates {
		existing[k] = v
	}
	if err := fsio.WriteJSONAtomic(p.Outputs, existing); err != nil {
		return "", err
	}
	return p.Outputs, nil
}

// Outputs reads the job's merge index; a missing index is an empty map.
func (s *Store) Outputs(jobID string) map[string]interface{} {
	doc, err := fsio.ReadJSONMap(s.Paths(jobID).Outputs)
	if err != nil || doc == nil {
		return map[string]interface{}{}
	}
	return doc
}

func strVal(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

// validate normalizes a document built in memory (it may hold Go ints or
// typed structs) before contract validation.
func (s *Store) validate(doc interface{}) (int, string) {
	norm, err := contracts.Normalize(doc)
	if err != nil {
		return contracts.ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	return s.validator.Validate(norm)
}
