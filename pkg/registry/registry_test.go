package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/eam/internal/testutil"
	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/compiler"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/gaterunner"
	"github.com/quantforge/eam/pkg/runner"
)

// newRegistryFixture produces a gate-arbitrated dossier plus an empty
// registry root.
func newRegistryFixture(t *testing.T) (*Registry, string, string) {
	t.Helper()
	dir := t.TempDir()
	_, bundlePath := testutil.WritePolicies(t, dir, testutil.DefaultPolicies())
	dataRoot := filepath.Join(dir, "data")
	testutil.WriteLake(t, dataRoot, "snap_reg", []string{"AAA", "BBB"}, "2024-01-01", 70)

	bpPath := filepath.Join(dir, "blueprint.json")
	require.NoError(t, fsio.WriteJSONAtomic(bpPath, testutil.Blueprint()))
	runspecPath := filepath.Join(dir, "runspec.json")
	code, msg := compiler.Compile(compiler.Options{
		BlueprintPath:    bpPath,
		SnapshotID:       "snap_reg",
		PolicyBundlePath: bundlePath,
		OutPath:          runspecPath,
	})
	require.Equal(t, compiler.ExitOK, code, msg)

	artifactRoot := filepath.Join(dir, "artifacts")
	code, msg = runner.RunOnce(runner.Options{
		RunSpecPath:      runspecPath,
		PolicyBundlePath: bundlePath,
		DataRoot:         dataRoot,
		ArtifactRoot:     artifactRoot,
	})
	require.Equal(t, runner.ExitOK, code, msg)
	summary, err := runner.ParseSummary(msg)
	require.NoError(t, err)
	dossierDir := summary["dossier_path"].(string)

	code, gmsg := gaterunner.RunOnce(gaterunner.Options{
		DossierDir:       dossierDir,
		PolicyBundlePath: bundlePath,
		DataRoot:         dataRoot,
	})
	require.Equal(t, gaterunner.ExitOK, code, gmsg)

	reg, err := New(filepath.Join(dir, "registry"))
	require.NoError(t, err)
	reg.Clock = clock.Fixed{T: time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)}
	runID := summary["run_id"].(string)
	return reg, dossierDir, runID
}

func TestRecordTrialIsIdempotent(t *testing.T) {
	reg, dossierDir, runID := newRegistryFixture(t)

	ev, err := reg.RecordTrial(dossierDir)
	require.NoError(t, err)
	assert.Equal(t, "trial_event_v1", ev["schema_version"])
	assert.Equal(t, runID, ev["run_id"])
	assert.Equal(t, true, ev["overall_pass"])
	assert.Equal(t, "bundle_mvp_v1", ev["policy_bundle_id"])
	assert.Equal(t, "snap_reg", ev["snapshot_id"])
	assert.Equal(t, "vectorbt_signal_v1", ev["adapter_id"])
	assert.Equal(t, "bp_demo_001", ev["blueprint_id"])
	assert.Equal(t, "2024-04-02T09:00:00Z", ev["recorded_at"])

	again, err := reg.RecordTrial(dossierDir)
	require.NoError(t, err)
	assert.Equal(t, ev["run_id"], again["run_id"])

	log, err := fsio.IterJSONL(filepath.Join(reg.Root, "trial_log.jsonl"))
	require.NoError(t, err)
	require.Len(t, log, 1)
}

func TestRecordTrialRequiresGateResults(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = reg.RecordTrial(t.TempDir())
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorContains(t, err, "dossier_manifest.json")
}

func TestCreateCardRequiresGatePass(t *testing.T) {
	reg, dossierDir, runID := newRegistryFixture(t)
	_, err := reg.RecordTrial(dossierDir)
	require.NoError(t, err)

	// Unknown run: no trial evidence.
	_, err = reg.CreateCardFromRun("000000000000", "orphan", "fail")
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorContains(t, err, "trial not found")

	card, err := reg.CreateCardFromRun(runID, "momentum baseline", "fail")
	require.NoError(t, err)
	assert.Equal(t, CardIDFromRun(runID), card["card_id"])
	assert.Equal(t, "draft", card["status"])
	assert.Equal(t, "draft", card["effective_status"])
	evidence := card["evidence"].(map[string]interface{})
	assert.Equal(t, runID, evidence["run_id"])
	assert.Contains(t, evidence["key_artifacts"], "gate_results.json")

	// Duplicate creation fails unless noop is requested.
	_, err = reg.CreateCardFromRun(runID, "momentum baseline", "fail")
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorContains(t, err, "already exists")
	noop, err := reg.CreateCardFromRun(runID, "momentum baseline", "noop")
	require.NoError(t, err)
	assert.Equal(t, "draft", noop["effective_status"])
}

func TestCreateCardRejectsFailedTrial(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)
	reg.Clock = clock.Fixed{T: time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, fsio.AppendJSONL(filepath.Join(reg.Root, "trial_log.jsonl"), map[string]interface{}{
		"schema_version":    "trial_event_v1",
		"run_id":            "deadbeef0000",
		"recorded_at":       "2024-04-02T09:00:00Z",
		"dossier_path":      "/artifacts/runs/deadbeef0000",
		"gate_results_path": "/artifacts/runs/deadbeef0000/gate_results.json",
		"overall_pass":      false,
		"policy_bundle_id":  "bundle_mvp_v1",
		"snapshot_id":       "snap_reg",
		"adapter_id":        "vectorbt_signal_v1",
	}))
	_, err = reg.CreateCardFromRun("deadbeef0000", "should not exist", "fail")
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorContains(t, err, "overall_pass is false")
}

func TestPromotionLifecycle(t *testing.T) {
	reg, dossierDir, runID := newRegistryFixture(t)
	_, err := reg.RecordTrial(dossierDir)
	require.NoError(t, err)
	_, err = reg.CreateCardFromRun(runID, "momentum baseline", "fail")
	require.NoError(t, err)
	cardID := CardIDFromRun(runID)

	// Skipping a stage is rejected.
	_, err = reg.PromoteCard(cardID, "champion", false)
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorContains(t, err, "invalid transition")

	ev, err := reg.PromoteCard(cardID, "challenger", false)
	require.NoError(t, err)
	assert.Equal(t, "draft", ev["old_status"])
	assert.Equal(t, "challenger", ev["new_status"])

	_, err = reg.PromoteCard(cardID, "champion", false)
	require.NoError(t, err)
	_, err = reg.PromoteCard(cardID, "retired", false)
	require.NoError(t, err)

	// Retired is terminal.
	_, err = reg.PromoteCard(cardID, "champion", false)
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorContains(t, err, "terminal status")

	// The immutable card file still says draft; the log owns the truth.
	base, err := fsio.ReadJSONMap(filepath.Join(reg.Root, "cards", cardID, "card_v1.json"))
	require.NoError(t, err)
	assert.Equal(t, "draft", base["status"])
	shown, err := reg.ShowCard(cardID)
	require.NoError(t, err)
	assert.Equal(t, "retired", shown["effective_status"])
	assert.Len(t, shown["events"], 4)
}

func TestPromoteAllowSkip(t *testing.T) {
	reg, dossierDir, runID := newRegistryFixture(t)
	_, err := reg.RecordTrial(dossierDir)
	require.NoError(t, err)
	_, err = reg.CreateCardFromRun(runID, "momentum baseline", "fail")
	require.NoError(t, err)

	ev, err := reg.PromoteCard(CardIDFromRun(runID), "champion", true)
	require.NoError(t, err)
	assert.Equal(t, "champion", ev["new_status"])
}

func TestListCards(t *testing.T) {
	reg, dossierDir, runID := newRegistryFixture(t)

	cards, err := reg.ListCards()
	require.NoError(t, err)
	require.Empty(t, cards)

	_, err = reg.RecordTrial(dossierDir)
	require.NoError(t, err)
	_, err = reg.CreateCardFromRun(runID, "momentum baseline", "fail")
	require.NoError(t, err)
	_, err = reg.PromoteCard(CardIDFromRun(runID), "challenger", false)
	require.NoError(t, err)

	cards, err = reg.ListCards()
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, CardIDFromRun(runID), cards[0].CardID)
	assert.Equal(t, "challenger", cards[0].Status)
	assert.Equal(t, "momentum baseline", cards[0].Title)
}

func TestCardFileHashes(t *testing.T) {
	reg, dossierDir, runID := newRegistryFixture(t)
	_, err := reg.RecordTrial(dossierDir)
	require.NoError(t, err)
	_, err = reg.CreateCardFromRun(runID, "momentum baseline", "fail")
	require.NoError(t, err)

	hashes, err := reg.CardFileHashes(CardIDFromRun(runID))
	require.NoError(t, err)
	assert.Len(t, hashes["card_v1.json"], 64)
	assert.Len(t, hashes["events.jsonl"], 64)
}
