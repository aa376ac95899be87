package jobstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantforge/eam/internal/testutil"
	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/fsio"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	_, bundlePath := testutil.WritePolicies(t, dir, testutil.DefaultPolicies())
	s, err := New(filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	s.Clock = clock.Fixed{T: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)}
	return s, bundlePath
}

func TestCreateFromBlueprintIsIdempotent(t *testing.T) {
	s, bundlePath := newStore(t)
	bp := testutil.Blueprint()

	res, err := s.CreateFromBlueprint(bp, "snap_js", bundlePath, nil)
	require.NoError(t, err)
	require.Equal(t, "created", res.Status)
	require.Len(t, res.JobID, 12)

	p := s.Paths(res.JobID)
	require.True(t, fsio.Exists(p.Spec))
	require.True(t, fsio.Exists(p.Blueprint))
	require.True(t, fsio.Exists(p.BundleRef))

	events, err := s.Events(res.JobID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "BLUEPRINT_SUBMITTED", events[0]["event_type"])
	ext := events[0]["extensions"].(map[string]interface{})
	require.Equal(t, "2024-04-01T12:00:00Z", ext["recorded_at"])

	again, err := s.CreateFromBlueprint(bp, "snap_js", bundlePath, nil)
	require.NoError(t, err)
	require.Equal(t, "exists", again.Status)
	require.Equal(t, res.JobID, again.JobID)

	events, err = s.Events(res.JobID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestCreateFromBlueprintRejectsBundleMismatch(t *testing.T) {
	s, bundlePath := newStore(t)
	bp := testutil.Blueprint()
	bp["policy_bundle_id"] = "bundle_other_v1"

	_, err := s.CreateFromBlueprint(bp, "snap_js", bundlePath, nil)
	require.ErrorContains(t, err, "policy_bundle_id mismatch")
}

func TestCreateFromIdea(t *testing.T) {
	s, bundlePath := newStore(t)
	idea := map[string]interface{}{
		"idea_id":    "idea_001",
		"title":      "Momentum follow-through",
		"hypothesis": "Short-horizon momentum persists after earnings.",
	}
	res, err := s.CreateFromIdea(idea, "snap_js", bundlePath)
	require.NoError(t, err)
	require.Equal(t, "created", res.Status)

	spec, err := s.Spec(res.JobID)
	require.NoError(t, err)
	require.Equal(t, "idea_spec_v1", spec["schema_version"])
	require.Equal(t, "bundle_mvp_v1", spec["policy_bundle_id"])
	require.Equal(t, "snap_js", spec["snapshot_id"])

	events, err := s.Events(res.JobID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "IDEA_SUBMITTED", events[0]["event_type"])
	require.True(t, fsio.Exists(s.Paths(res.JobID).IdeaSpec))
}

func TestAppendEventRequiresJob(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.AppendEvent("ffffffffffff", "APPROVED", nil, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendEventRejectsUnknownType(t *testing.T) {
	s, bundlePath := newStore(t)
	res, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_js", bundlePath, nil)
	require.NoError(t, err)
	_, err = s.AppendEvent(res.JobID, "SOMETHING_ELSE", nil, "")
	require.ErrorContains(t, err, "job_event_v2")
}

func TestApproveStepsAreIdempotent(t *testing.T) {
	s, bundlePath := newStore(t)
	res, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_js", bundlePath, nil)
	require.NoError(t, err)

	status, err := s.Approve(res.JobID, "blueprint")
	require.NoError(t, err)
	require.Equal(t, "approved", status)
	require.True(t, s.IsApproved(res.JobID, "blueprint"))
	require.False(t, s.IsApproved(res.JobID, "sweep"))

	status, err = s.Approve(res.JobID, "blueprint")
	require.NoError(t, err)
	require.Equal(t, "noop", status)

	// A blanket approval query matches any APPROVED event.
	require.True(t, s.IsApproved(res.JobID, ""))
	status, err = s.Approve(res.JobID, "")
	require.NoError(t, err)
	require.Equal(t, "noop", status)

	_, err = s.Approve(res.JobID, "deploy_to_prod")
	require.ErrorContains(t, err, "unknown approval step")
}

func TestWriteOutputsMerges(t *testing.T) {
	s, bundlePath := newStore(t)
	res, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_js", bundlePath, nil)
	require.NoError(t, err)

	_, err = s.WriteOutputs(res.JobID, map[string]interface{}{"a": "1"})
	require.NoError(t, err)
	_, err = s.WriteOutputs(res.JobID, map[string]interface{}{"b": "2"})
	require.NoError(t, err)

	out := s.Outputs(res.JobID)
	require.Equal(t, "1", out["a"])
	require.Equal(t, "2", out["b"])
	// Bundle ref merge from creation survives later writes.
	require.Equal(t, "bundle_mvp_v1", out["policy_bundle_id"])
}

func writeProposals(t *testing.T, s *Store, jobID string, proposals []interface{}) {
	t.Helper()
	p := filepath.Join(s.Paths(jobID).OutputsDir, "improvement_proposals.json")
	require.NoError(t, fsio.WriteJSONAtomic(p, map[string]interface{}{
		"schema_version": "improvement_proposals_v1",
		"job_id":         jobID,
		"proposals":      proposals,
	}))
	_, err := s.WriteOutputs(jobID, map[string]interface{}{"improvement_proposals_path": p})
	require.NoError(t, err)
}

func proposalFor(id string, draft map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"proposal_id":          id,
		"rationale":            "tighten the entry filter",
		"blueprint_draft_json": draft,
	}
}

func TestSpawnFromProposal(t *testing.T) {
	s, bundlePath := newStore(t)
	base, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_js", bundlePath, nil)
	require.NoError(t, err)

	draft := testutil.Blueprint()
	draft["blueprint_id"] = "bp_demo_002"
	writeProposals(t, s, base.JobID, []interface{}{proposalFor("prop_001", draft)})

	res, err := s.SpawnFromProposal(base.JobID, "prop_001")
	require.NoError(t, err)
	require.Equal(t, 1, res.Generation)
	require.NotEqual(t, base.JobID, res.ChildJobID)

	childSpec, err := s.Spec(res.ChildJobID)
	require.NoError(t, err)
	ext := childSpec["extensions"].(map[string]interface{})
	lineage := ext["lineage"].(map[string]interface{})
	require.Equal(t, base.JobID, lineage["root_job_id"])
	require.Equal(t, base.JobID, lineage["parent_job_id"])
	spawnedFrom := ext["spawned_from"].(map[string]interface{})
	require.Equal(t, "prop_001", spawnedFrom["proposal_id"])

	events, err := s.Events(base.JobID)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, "SPAWNED", last["event_type"])
	out := last["outputs"].(map[string]interface{})
	require.Equal(t, res.ChildJobID, out["child_job_id"])

	count, err := s.SpawnCount(base.JobID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSpawnBudgetExhaustion(t *testing.T) {
	// The default budget policy allows one spawn per job.
	s, bundlePath := newStore(t)
	base, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_js", bundlePath, nil)
	require.NoError(t, err)

	draftA := testutil.Blueprint()
	draftA["blueprint_id"] = "bp_demo_002"
	draftB := testutil.Blueprint()
	draftB["blueprint_id"] = "bp_demo_003"
	writeProposals(t, s, base.JobID, []interface{}{
		proposalFor("prop_001", draftA),
		proposalFor("prop_002", draftB),
	})

	_, err = s.SpawnFromProposal(base.JobID, "prop_001")
	require.NoError(t, err)

	_, err = s.SpawnFromProposal(base.JobID, "prop_002")
	var budgetErr *BudgetError
	require.ErrorAs(t, err, &budgetErr)
	require.Equal(t, "max_spawn_per_job", budgetErr.Reason)
	require.Equal(t, 1, budgetErr.Outputs["current_spawn_count"])

	events, err := s.Events(base.JobID)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, "STOPPED_BUDGET", last["event_type"])
	out := last["outputs"].(map[string]interface{})
	require.Equal(t, "max_spawn_per_job", out["reason"])
}

func TestSpawnRejectsPolicyShapedProposal(t *testing.T) {
	s, bundlePath := newStore(t)
	base, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_js", bundlePath, nil)
	require.NoError(t, err)

	draft := testutil.Blueprint()
	draft["blueprint_id"] = "bp_demo_002"
	prop := proposalFor("prop_bad", draft)
	prop["extensions"] = map[string]interface{}{
		"cost_policy": map[string]interface{}{"commission_bps": 0},
	}
	writeProposals(t, s, base.JobID, []interface{}{prop})

	_, err = s.SpawnFromProposal(base.JobID, "prop_bad")
	require.ErrorContains(t, err, "forbidden extension")
	count, _ := s.SpawnCount(base.JobID)
	require.Zero(t, count)
}

func TestGenerationLimit(t *testing.T) {
	s, bundlePath := newStore(t)
	base, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_js", bundlePath, map[string]interface{}{
		"lineage": map[string]interface{}{
			"root_job_id":   "aaaaaaaaaaaa",
			"parent_job_id": "bbbbbbbbbbbb",
			"generation":    9,
		},
	})
	require.NoError(t, err)

	draft := testutil.Blueprint()
	draft["blueprint_id"] = "bp_demo_002"
	writeProposals(t, s, base.JobID, []interface{}{proposalFor("prop_001", draft)})

	// max_total_iterations is 10 and the attempted child would be generation 10.
	_, err = s.SpawnFromProposal(base.JobID, "prop_001")
	var budgetErr *BudgetError
	require.ErrorAs(t, err, &budgetErr)
	require.Equal(t, "max_total_iterations", budgetErr.Reason)
	require.Equal(t, 10, budgetErr.Outputs["attempted_child_generation"])
}

func TestSpawnFromSweepBest(t *testing.T) {
	s, bundlePath := newStore(t)
	bp := testutil.Blueprint()
	bp["strategy_spec"].(map[string]interface{})["params"] = map[string]interface{}{
		"fast": float64(2), "slow": float64(4),
	}
	base, err := s.CreateFromBlueprint(bp, "snap_js", bundlePath, nil)
	require.NoError(t, err)

	lbPath := filepath.Join(s.Paths(base.JobID).OutputsDir, "sweep", "leaderboard.json")
	require.NoError(t, fsio.WriteJSONAtomic(lbPath, map[string]interface{}{
		"schema_version": "leaderboard_v1",
		"job_id":         base.JobID,
		"best": map[string]interface{}{
			"params": map[string]interface{}{"fast": float64(3)},
		},
	}))

	res, err := s.SpawnFromSweepBest(base.JobID)
	require.NoError(t, err)

	childSpec, err := s.Spec(res.ChildJobID)
	require.NoError(t, err)
	child := childSpec["blueprint"].(map[string]interface{})
	params := child["strategy_spec"].(map[string]interface{})["params"].(map[string]interface{})
	require.Equal(t, float64(3), params["fast"])
	require.Equal(t, float64(4), params["slow"])
	sweepFrom := child["extensions"].(map[string]interface{})["sweep_best_from"].(map[string]interface{})
	require.Equal(t, base.JobID, sweepFrom["base_job_id"])

	events, err := s.Events(base.JobID)
	require.NoError(t, err)
	last := events[len(events)-1]
	out := last["outputs"].(map[string]interface{})
	require.Equal(t, "sweep_best", out["source"])

	// The base blueprint on disk is untouched.
	baseSpec, err := s.Spec(base.JobID)
	require.NoError(t, err)
	baseParams := baseSpec["blueprint"].(map[string]interface{})["strategy_spec"].(map[string]interface{})["params"].(map[string]interface{})
	require.Equal(t, float64(2), baseParams["fast"])
}

func TestWriteRunLink(t *testing.T) {
	s, bundlePath := newStore(t)
	res, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_js", bundlePath, nil)
	require.NoError(t, err)

	pass := true
	linkPath, err := s.WriteRunLink(res.JobID, "abc123def456", "/artifacts/runs/abc123def456", "/artifacts/runs/abc123def456/gate_results.json", &pass)
	require.NoError(t, err)

	link, err := fsio.ReadJSONMap(linkPath)
	require.NoError(t, err)
	require.Equal(t, "job_run_link_v1", link["schema_version"])
	require.Equal(t, "abc123def456", link["run_id"])
	require.Equal(t, true, link["overall_pass"])

	out := s.Outputs(res.JobID)
	require.Equal(t, "abc123def456", out["run_id"])
}

func TestListJobIDs(t *testing.T) {
	s, bundlePath := newStore(t)
	ids, err := s.ListJobIDs()
	require.NoError(t, err)
	require.Empty(t, ids)

	a, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_a", bundlePath, nil)
	require.NoError(t, err)
	b, err := s.CreateFromBlueprint(testutil.Blueprint(), "snap_b", bundlePath, nil)
	require.NoError(t, err)

	ids, err = s.ListJobIDs()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Contains(t, ids, a.JobID)
	require.Contains(t, ids, b.JobID)
}

func TestDefaultJobRoot(t *testing.T) {
	t.Setenv("EAM_JOB_ROOT", "")
	t.Setenv("EAM_ARTIFACT_ROOT", "/tmp/eam_artifacts")
	require.Equal(t, filepath.Join("/tmp/eam_artifacts", "jobs"), DefaultJobRoot())

	t.Setenv("EAM_JOB_ROOT", "/tmp/eam_jobs")
	require.Equal(t, "/tmp/eam_jobs", DefaultJobRoot())

	os.Unsetenv("EAM_JOB_ROOT")
	os.Unsetenv("EAM_ARTIFACT_ROOT")
	require.Equal(t, filepath.Join("/artifacts", "jobs"), DefaultJobRoot())
}
