package dossier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/eam/pkg/fsio"
)

func sampleContent() Content {
	return Content{
		BlueprintHash:  "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		PolicyBundleID: "bundle_mvp_v1",
		DataSnapshotID: "snap_t",
		Artifacts: map[string]string{
			"config_snapshot": "config_snapshot.json",
			"metrics":         "metrics.json",
			"curve":           "curve.csv",
			"trades":          "trades.csv",
			"report_md":       "reports/report.md",
		},
		ConfigSnapshot: map[string]interface{}{"policy_bundle_id": "bundle_mvp_v1"},
		DataManifest:   map[string]interface{}{"snapshot_id": "snap_t"},
		Metrics:        map[string]interface{}{"total_return": 0.1},
		CurveCSV:       "dt,equity\n2024-01-01,1.0\n",
		TradesCSV:      "symbol,entry_dt,exit_dt,pnl,qty,fees\n",
		ReportMD:       "# Report\n",
	}
}

func TestWriteProducesManifestWithHashes(t *testing.T) {
	w := NewWriter(t.TempDir())
	paths, err := w.Write("run123456789", sampleContent(), BehaviorReject)
	require.NoError(t, err)

	manifest, err := fsio.ReadJSONMap(paths.Manifest)
	require.NoError(t, err)
	assert.Equal(t, "dossier_v1", manifest["schema_version"])
	assert.Equal(t, true, manifest["append_only"])
	hashes := manifest["hashes"].(map[string]interface{})
	require.Contains(t, hashes, "curve.csv")
	require.Contains(t, hashes, "reports/report.md")
	assert.Len(t, hashes["curve.csv"], 64)

	// No stray temp directory survives.
	entries, err := os.ReadDir(filepath.Join(w.ArtifactRoot, "dossiers"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run123456789", entries[0].Name())
}

func TestWriteSecondTimeNoopKeepsOriginal(t *testing.T) {
	w := NewWriter(t.TempDir())
	_, err := w.Write("runabc", sampleContent(), BehaviorReject)
	require.NoError(t, err)

	before, err := os.ReadFile(filepath.Join(w.DossierDir("runabc"), "metrics.json"))
	require.NoError(t, err)

	altered := sampleContent()
	altered.Metrics = map[string]interface{}{"total_return": 9.9}
	paths, err := w.Write("runabc", altered, BehaviorNoop)
	require.NoError(t, err)
	require.Equal(t, w.DossierDir("runabc"), paths.DossierDir)

	after, err := os.ReadFile(filepath.Join(w.DossierDir("runabc"), "metrics.json"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestWriteSecondTimeReject(t *testing.T) {
	w := NewWriter(t.TempDir())
	_, err := w.Write("runabc", sampleContent(), BehaviorReject)
	require.NoError(t, err)
	_, err = w.Write("runabc", sampleContent(), BehaviorReject)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestWriteExtraArtifacts(t *testing.T) {
	w := NewWriter(t.TempDir())
	c := sampleContent()
	c.Artifacts["segments_summary"] = "segments_summary.json"
	c.ExtraJSON = map[string]interface{}{
		"segments_summary.json":      map[string]interface{}{"schema_version": "segments_summary_v1"},
		"segments/test_000/metrics.json": map[string]interface{}{"total_return": 0.2},
	}
	c.ExtraText = map[string]string{
		"segments/test_000/curve.csv": "dt,equity\n",
	}
	paths, err := w.Write("runxyz", c, BehaviorReject)
	require.NoError(t, err)

	assert.True(t, fsio.Exists(filepath.Join(paths.DossierDir, "segments", "test_000", "curve.csv")))
	manifest, err := fsio.ReadJSONMap(paths.Manifest)
	require.NoError(t, err)
	hashes := manifest["hashes"].(map[string]interface{})
	assert.Contains(t, hashes, "segments_summary.json")
}

func TestAppendFileNeverOverwrites(t *testing.T) {
	w := NewWriter(t.TempDir())
	_, err := w.Write("runapp", sampleContent(), BehaviorReject)
	require.NoError(t, err)

	require.NoError(t, w.AppendFile("runapp", "gate_results.json", []byte("{}\n")))
	err = w.AppendFile("runapp", "gate_results.json", []byte("{\"x\":1}\n"))
	require.Error(t, err)
	err = w.AppendFile("runapp", "metrics.json", []byte("{}\n"))
	require.Error(t, err)
}
