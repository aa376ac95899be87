// Package dossier persists run evidence. A dossier is append-only: it is
// staged in a temp directory, hashed, and atomically renamed into place, and
// an existing dossier for the same run id is never rewritten.
package dossier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/fsio"
)

// ErrAlreadyExists is returned under BehaviorReject when the dossier
// directory is already present.
var ErrAlreadyExists = errors.New("dossier already exists")

// Behavior when a dossier for the run id exists.
const (
	BehaviorNoop   = "noop"
	BehaviorReject = "reject"
)

// Paths locates a finalized dossier.
type Paths struct {
	DossierDir string
	Manifest   string
}

// Content is everything a run contributes to its dossier. Artifacts maps
// logical names to relative paths; every referenced file that exists gets a
// sha256 entry in the manifest.
type Content struct {
	BlueprintHash  string
	PolicyBundleID string
	DataSnapshotID string
	Artifacts      map[string]string
	ConfigSnapshot map[string]interface{}
	DataManifest   map[string]interface{}
	Metrics        map[string]interface{}
	CurveCSV       string
	TradesCSV      string
	ReportMD       string
	ExtraJSON      map[string]interface{}
	ExtraText      map[string]string
}

// Writer writes dossiers under <artifact_root>/dossiers/<run_id>/.
type Writer struct {
	ArtifactRoot string
	Clock        clock.Clock
}

func NewWriter(artifactRoot string) *Writer {
	return &Writer{ArtifactRoot: artifactRoot, Clock: clock.System{}}
}

func (w *Writer) DossierDir(runID string) string {
	return filepath.Join(w.ArtifactRoot, "dossiers", runID)
}

// Write stages the dossier and finalizes it with a single rename. With
// BehaviorNoop an existing dossier is returned untouched.
func (w *Writer) Write(runID string, c Content, behaviorIfExists string) (Paths, error) {
	finalDir := w.DossierDir(runID)
	if fsio.Exists(finalDir) {
		if behaviorIfExists == BehaviorNoop {
			return Paths{DossierDir: finalDir, Manifest: filepath.Join(finalDir, "dossier_manifest.json")}, nil
		}
		return Paths{}, fmt.Errorf("%w: %s", ErrAlreadyExists, finalDir)
	}

	parent := filepath.Dir(finalDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Paths{}, err
	}
	tmpDir := filepath.Join(parent, ".tmp_"+runID)
	if err := os.RemoveAll(tmpDir); err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return Paths{}, err
	}
	cleanup := func() { os.RemoveAll(tmpDir) }

	wjson := func(rel string, obj interface{}) error {
		p := filepath.Join(tmpDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		return fsio.WriteJSONAtomic(p, obj)
	}
	wtext := func(rel, text string) error {
		p := filepath.Join(tmpDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		return os.WriteFile(p, []byte(text), 0o644)
	}

	steps := []func() error{
		func() error { return wjson("config_snapshot.json", c.ConfigSnapshot) },
		func() error { return wjson("data_manifest.json", c.DataManifest) },
		func() error { return wjson("metrics.json", c.Metrics) },
		func() error { return wtext("curve.csv", c.CurveCSV) },
		func() error { return wtext("trades.csv", c.TradesCSV) },
		func() error { return wtext("reports/report.md", c.ReportMD) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			cleanup()
			return Paths{}, err
		}
	}
	for _, rel := range sortedKeys(c.ExtraJSON) {
		if err := wjson(rel, c.ExtraJSON[rel]); err != nil {
			cleanup()
			return Paths{}, err
		}
	}
	textKeys := make([]string, 0, len(c.ExtraText))
	for k := range c.ExtraText {
		textKeys = append(textKeys, k)
	}
	sort.Strings(textKeys)
	for _, rel := range textKeys {
		if err := wtext(rel, c.ExtraText[rel]); err != nil {
			cleanup()
			return Paths{}, err
		}
	}

	hashes := map[string]interface{}{}
	for _, rel := range sortedStringValues(c.Artifacts) {
		p := filepath.Join(tmpDir, filepath.FromSlash(rel))
		if !fsio.Exists(p) {
			continue
		}
		sha, err := fsio.SHA256File(p)
		if err != nil {
			cleanup()
			return Paths{}, err
		}
		hashes[rel] = sha
	}

	artifacts := map[string]interface{}{}
	for k, v := range c.Artifacts {
		artifacts[k] = v
	}
	manifest := map[string]interface{}{
		"schema_version":   "dossier_v1",
		"run_id":           runID,
		"created_at":       clock.ISO(w.Clock.Now()),
		"blueprint_hash":   c.BlueprintHash,
		"policy_bundle_id": c.PolicyBundleID,
		"data_snapshot_id": c.DataSnapshotID,
		"append_only":      true,
		"artifacts":        artifacts,
		"hashes":           hashes,
	}
	if err := wjson("dossier_manifest.json", manifest); err != nil {
		cleanup()
		return Paths{}, err
	}

	if err := os.Rename(tmpDir, finalDir); err != nil {
		cleanup()
		return Paths{}, err
	}
	return Paths{DossierDir: finalDir, Manifest: filepath.Join(finalDir, "dossier_manifest.json")}, nil
}

// AppendFile adds one new evidence file to a finalized dossier. Existing
// files are never overwritten.
func (w *Writer) AppendFile(runID, rel string, data []byte) error {
	p := filepath.Join(w.DossierDir(runID), filepath.FromSlash(rel))
	if fsio.Exists(p) {
		return fmt.Errorf("dossier file exists: %s", p)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return fsio.WriteBytesAtomic(p, data)
}

func sortedKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedStringValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
