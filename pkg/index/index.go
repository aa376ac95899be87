// Package index maintains the append-only discovery indexes over dossiers
// and jobs. runs_index.jsonl and jobs_index.jsonl are id-deduped JSONL files
// built best-effort from whatever artifacts exist on disk; a sqlite mirror
// (index.db) can be rebuilt from them at any time for ad-hoc queries. The
// JSONL files are the source of truth, the mirror is disposable.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/config"
	"github.com/quantforge/eam/pkg/fsio"
)

var safeIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// isSafeID rejects anything that could escape the artifact tree when joined
// into a path.
func isSafeID(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.Contains(s, "..") ||
		strings.ContainsAny(s, `/\`) {
		return false
	}
	return safeIDRe.MatchString(s)
}

// Indexer builds the indexes for one artifact tree.
type Indexer struct {
	ArtifactRoot string
	JobRoot      string
	RegistryRoot string
	Clock        clock.Clock
}

// New builds an Indexer from resolved configuration. A nil cfg falls back to
// the environment.
func New(cfg *config.Config) *Indexer {
	if cfg == nil {
		cfg = config.FromEnv()
	}
	return &Indexer{
		ArtifactRoot: cfg.ArtifactRoot,
		JobRoot:      cfg.JobRoot,
		RegistryRoot: cfg.RegistryRoot,
		Clock:        clock.System{},
	}
}

func (ix *Indexer) indexDir() string {
	return filepath.Join(ix.ArtifactRoot, "index")
}

// RunsIndexPath is the append-only runs index.
func (ix *Indexer) RunsIndexPath() string {
	return filepath.Join(ix.indexDir(), "runs_index.jsonl")
}

// JobsIndexPath is the append-only jobs index.
func (ix *Indexer) JobsIndexPath() string {
	return filepath.Join(ix.indexDir(), "jobs_index.jsonl")
}

// MirrorPath is the rebuildable sqlite mirror.
func (ix *Indexer) MirrorPath() string {
	return filepath.Join(ix.indexDir(), "index.db")
}

// Summary reports one index build.
type Summary struct {
	Indexed         int    `json:"indexed"`
	SkippedExisting int    `json:"skipped_existing"`
	TotalSeen       int    `json:"total_seen"`
	IndexPath       string `json:"index_path"`
}

// existingIDs collects the ids already present in an index file so a rebuild
// only appends new entries.
func existingIDs(path, key string) (map[string]bool, error) {
	rows, err := fsio.IterJSONL(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		if id, ok := row[key].(string); ok && id != "" {
			out[id] = true
		}
	}
	return out, nil
}

// cardsByRunID maps run_id -> sorted card ids, scanned from the registry.
func (ix *Indexer) cardsByRunID() map[string][]string {
	m := map[string][]string{}
	cardsDir := filepath.Join(ix.RegistryRoot, "cards")
	entries, err := os.ReadDir(cardsDir)
	if err != nil {
		return m
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		doc, err := fsio.ReadJSONMap(filepath.Join(cardsDir, e.Name(), "card_v1.json"))
		if err != nil || doc == nil {
			continue
		}
		rid := strings.TrimSpace(strVal(doc, "primary_run_id"))
		cid := strings.TrimSpace(strVal(doc, "card_id"))
		if cid == "" {
			cid = e.Name()
		}
		if !isSafeID(rid) || !isSafeID(cid) {
			continue
		}
		m[rid] = append(m[rid], cid)
	}
	for rid, ids := range m {
		sort.Strings(ids)
		m[rid] = dedupeSorted(ids)
	}
	return m
}

// BuildRuns appends one entry per unindexed dossier directory. limit <= 0
// means no limit. Field extraction is best-effort: a dossier with unreadable
// files is still indexed with null fields rather than failing the build.
func (ix *Indexer) BuildRuns(limit int) (Summary, error) {
	sum := Summary{IndexPath: ix.RunsIndexPath()}
	existing, err := existingIDs(ix.RunsIndexPath(), "run_id")
	if err != nil {
		return sum, err
	}
	cards := ix.cardsByRunID()

	root := filepath.Join(ix.ArtifactRoot, "dossiers")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return sum, nil
		}
		return sum, err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rid := e.Name()
		if !isSafeID(rid) {
			continue
		}
		sum.TotalSeen++
		if existing[rid] {
			sum.SkippedExisting++
			continue
		}

		dir := filepath.Join(root, rid)
		var snapshotID, bundleID interface{}
		var overallPass interface{}
		if man, err := fsio.ReadJSONMap(filepath.Join(dir, "dossier_manifest.json")); err == nil {
			if s := strings.TrimSpace(strVal(man, "data_snapshot_id")); s != "" {
				snapshotID = s
			}
		}
		if cfg, err := fsio.ReadJSONMap(filepath.Join(dir, "config_snapshot.json")); err == nil {
			if s := strings.TrimSpace(strVal(cfg, "policy_bundle_id")); s != "" {
				bundleID = s
			} else if rs, ok := cfg["runspec"].(map[string]interface{}); ok {
				if s := strings.TrimSpace(strVal(rs, "policy_bundle_id")); s != "" {
					bundleID = s
				}
			}
		}
		if gate, err := fsio.ReadJSONMap(filepath.Join(dir, "gate_results.json")); err == nil {
			if p, ok := gate["overall_pass"].(bool); ok {
				overallPass = p
			}
		}

		cardIDs := cards[rid]
		if cardIDs == nil {
			cardIDs = []string{}
		}
		entry := map[string]interface{}{
			"schema_version":   "runs_index_v1",
			"indexed_at":       clock.ISO(ix.Clock.Now()),
			"run_id":           rid,
			"snapshot_id":      snapshotID,
			"policy_bundle_id": bundleID,
			"overall_pass":     overallPass,
			// Relative refs only, never absolute paths.
			"dossier_path": "dossiers/" + rid,
			"card_ids":     cardIDs,
		}
		if err := fsio.AppendJSONL(ix.RunsIndexPath(), entry); err != nil {
			return sum, err
		}
		existing[rid] = true
		sum.Indexed++
		if limit > 0 && sum.Indexed >= limit {
			break
		}
	}
	return sum, nil
}

// jobState summarizes the tail of a job's event log.
func jobState(events []map[string]interface{}) map[string]interface{} {
	state := map[string]interface{}{
		"last_event_type":  nil,
		"last_recorded_at": nil,
		"waiting_step":     nil,
	}
	if len(events) == 0 {
		return state
	}
	last := events[len(events)-1]
	et := strVal(last, "event_type")
	if et != "" {
		state["last_event_type"] = et
	}
	if ext, ok := last["extensions"].(map[string]interface{}); ok {
		if rec := strVal(ext, "recorded_at"); rec != "" {
			state["last_recorded_at"] = rec
		}
	}
	if et == "WAITING_APPROVAL" {
		if outs, ok := last["outputs"].(map[string]interface{}); ok {
			if step := strVal(outs, "step"); step != "" {
				state["waiting_step"] = step
			}
		}
	}
	return state
}

// llmEvidence summarizes agent evidence refs from a job's outputs index
// without reading the referenced files.
func llmEvidence(outputs map[string]interface{}) map[string]interface{} {
	var paths []string
	for k, v := range outputs {
		if !strings.HasSuffix(k, "_agent_run_path") {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			paths = append(paths, s)
		}
	}
	sort.Strings(paths)
	paths = dedupeSorted(paths)
	if paths == nil {
		paths = []string{}
	}
	return map[string]interface{}{
		"agent_run_paths": paths,
		"agent_run_count": len(paths),
	}
}

// BuildJobs appends one entry per unindexed job directory. limit <= 0 means
// no limit.
func (ix *Indexer) BuildJobs(limit int) (Summary, error) {
	sum := Summary{IndexPath: ix.JobsIndexPath()}
	existing, err := existingIDs(ix.JobsIndexPath(), "job_id")
	if err != nil {
		return sum, err
	}

	entries, err := os.ReadDir(ix.JobRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return sum, nil
		}
		return sum, err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		jid := e.Name()
		if !isSafeID(jid) {
			continue
		}
		sum.TotalSeen++
		if existing[jid] {
			sum.SkippedExisting++
			continue
		}

		dir := filepath.Join(ix.JobRoot, jid)
		var schemaVersion, snapshotID, bundleID interface{}
		outputs := map[string]interface{}{}
		if spec, err := fsio.ReadJSONMap(filepath.Join(dir, "job_spec.json")); err == nil {
			if s := strings.TrimSpace(strVal(spec, "schema_version")); s != "" {
				schemaVersion = s
			}
			if s := strings.TrimSpace(strVal(spec, "snapshot_id")); s != "" {
				snapshotID = s
			}
			if s := strings.TrimSpace(strVal(spec, "policy_bundle_id")); s != "" {
				bundleID = s
			}
		}
		if doc, err := fsio.ReadJSONMap(filepath.Join(dir, "outputs", "outputs.json")); err == nil && doc != nil {
			outputs = doc
			if snapshotID == nil {
				if s := strVal(doc, "snapshot_id"); s != "" {
					snapshotID = s
				}
			}
			if bundleID == nil {
				if s := strVal(doc, "policy_bundle_id"); s != "" {
					bundleID = s
				}
			}
		}
		events, _ := fsio.IterJSONL(filepath.Join(dir, "events.jsonl"))

		entry := map[string]interface{}{
			"schema_version":     "jobs_index_v1",
			"indexed_at":         clock.ISO(ix.Clock.Now()),
			"job_id":             jid,
			"job_schema_version": schemaVersion,
			"snapshot_id":        snapshotID,
			"policy_bundle_id":   bundleID,
			"state":              jobState(events),
			"llm_evidence":       llmEvidence(outputs),
			"job_dir":            "jobs/" + jid,
		}
		if err := fsio.AppendJSONL(ix.JobsIndexPath(), entry); err != nil {
			return sum, err
		}
		existing[jid] = true
		sum.Indexed++
		if limit > 0 && sum.Indexed >= limit {
			break
		}
	}
	return sum, nil
}

// AllSummary reports one full build.
type AllSummary struct {
	Runs Summary `json:"runs"`
	Jobs Summary `json:"jobs"`
}

// BuildAll builds both indexes.
func (ix *Indexer) BuildAll() (AllSummary, error) {
	runs, err := ix.BuildRuns(0)
	if err != nil {
		return AllSummary{Runs: runs}, err
	}
	jobs, err := ix.BuildJobs(0)
	return AllSummary{Runs: runs, Jobs: jobs}, err
}

const mirrorSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	snapshot_id TEXT,
	policy_bundle_id TEXT,
	overall_pass INTEGER,
	dossier_path TEXT NOT NULL,
	card_ids TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	job_schema_version TEXT,
	snapshot_id TEXT,
	policy_bundle_id TEXT,
	last_event_type TEXT,
	waiting_step TEXT,
	agent_run_count INTEGER NOT NULL,
	job_dir TEXT NOT NULL,
	indexed_at TEXT NOT NULL,
	doc TEXT NOT NULL
);
`

// MirrorSummary reports one mirror rebuild.
type MirrorSummary struct {
	Runs       int    `json:"runs"`
	Jobs       int    `json:"jobs"`
	MirrorPath string `json:"mirror_path"`
}

// OpenMirror opens the sqlite mirror, creating the schema when missing.
// Callers own closing the handle.
func (ix *Indexer) OpenMirror(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(ix.indexDir(), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", ix.MirrorPath())
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, mirrorSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// RebuildMirror repopulates the sqlite mirror from the JSONL indexes inside
// one transaction. The previous mirror contents are replaced wholesale.
func (ix *Indexer) RebuildMirror(ctx context.Context) (MirrorSummary, error) {
	sum := MirrorSummary{MirrorPath: ix.MirrorPath()}

	db, err := ix.OpenMirror(ctx)
	if err != nil {
		return sum, err
	}
	defer func() { _ = db.Close() }()

	runs, err := fsio.IterJSONL(ix.RunsIndexPath())
	if err != nil {
		return sum, err
	}
	jobs, err := fsio.IterJSONL(ix.JobsIndexPath())
	if err != nil {
		return sum, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"runs", "jobs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return sum, err
		}
	}

	runStmt := `
		INSERT OR REPLACE INTO runs
			(run_id, snapshot_id, policy_bundle_id, overall_pass, dossier_path, card_ids, indexed_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, row := range runs {
		rid := strVal(row, "run_id")
		if !isSafeID(rid) {
			continue
		}
		doc, err := json.Marshal(row)
		if err != nil {
			return sum, fmt.Errorf("marshal runs_index entry %s: %w", rid, err)
		}
		cardIDs, err := json.Marshal(stringList(row["card_ids"]))
		if err != nil {
			return sum, err
		}
		_, err = tx.ExecContext(ctx, runStmt,
			rid,
			nullStr(row, "snapshot_id"),
			nullStr(row, "policy_bundle_id"),
			nullBool(row, "overall_pass"),
			strVal(row, "dossier_path"),
			string(cardIDs),
			strVal(row, "indexed_at"),
			string(doc),
		)
		if err != nil {
			return sum, err
		}
		sum.Runs++
	}

	jobStmt := `
		INSERT OR REPLACE INTO jobs
			(job_id, job_schema_version, snapshot_id, policy_bundle_id, last_event_type, waiting_step, agent_run_count, job_dir, indexed_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, row := range jobs {
		jid := strVal(row, "job_id")
		if !isSafeID(jid) {
			continue
		}
		doc, err := json.Marshal(row)
		if err != nil {
			return sum, fmt.Errorf("marshal jobs_index entry %s: %w", jid, err)
		}
		state, _ := row["state"].(map[string]interface{})
		evidence, _ := row["llm_evidence"].(map[string]interface{})
		count := 0
		if evidence != nil {
			if n, ok := evidence["agent_run_count"].(float64); ok {
				count = int(n)
			}
		}
		_, err = tx.ExecContext(ctx, jobStmt,
			jid,
			nullStr(row, "job_schema_version"),
			nullStr(row, "snapshot_id"),
			nullStr(row, "policy_bundle_id"),
			nullStr(state, "last_event_type"),
			nullStr(state, "waiting_step"),
			count,
			strVal(row, "job_dir"),
			strVal(row, "indexed_at"),
			string(doc),
		)
		if err != nil {
			return sum, err
		}
		sum.Jobs++
	}

	if err := tx.Commit(); err != nil {
		return sum, err
	}
	return sum, nil
}

// RunRow is one mirrored runs_index entry.
type RunRow struct {
	RunID          string
	SnapshotID     string
	PolicyBundleID string
	OverallPass    *bool
	DossierPath    string
	CardIDs        []string
	IndexedAt      string
}

// QueryRuns reads mirrored runs ordered by run_id. A non-nil overallPass
// filters on the gate outcome; runs with no recorded outcome never match.
func (ix *Indexer) QueryRuns(ctx context.Context, overallPass *bool) ([]RunRow, error) {
	db, err := ix.OpenMirror(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	query := "SELECT run_id, snapshot_id, policy_bundle_id, overall_pass, dossier_path, card_ids, indexed_at FROM runs"
	args := []interface{}{}
	if overallPass != nil {
		query += " WHERE overall_pass = ?"
		args = append(args, boolInt(*overallPass))
	}
	query += " ORDER BY run_id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var snap, bundle sql.NullString
		var pass sql.NullInt64
		var cardJSON string
		if err := rows.Scan(&r.RunID, &snap, &bundle, &pass, &r.DossierPath, &cardJSON, &r.IndexedAt); err != nil {
			return nil, err
		}
		r.SnapshotID = snap.String
		r.PolicyBundleID = bundle.String
		if pass.Valid {
			p := pass.Int64 != 0
			r.OverallPass = &p
		}
		if err := json.Unmarshal([]byte(cardJSON), &r.CardIDs); err != nil {
			return nil, fmt.Errorf("decode card_ids for %s: %w", r.RunID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// JobRow is one mirrored jobs_index entry.
type JobRow struct {
	JobID          string
	SchemaVersion  string
	SnapshotID     string
	PolicyBundleID string
	LastEventType  string
	WaitingStep    string
	AgentRunCount  int
	JobDir         string
	IndexedAt      string
}

// QueryJobs reads mirrored jobs ordered by job_id. A non-empty waitingStep
// filters to jobs parked on that approval step.
func (ix *Indexer) QueryJobs(ctx context.Context, waitingStep string) ([]JobRow, error) {
	db, err := ix.OpenMirror(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	query := "SELECT job_id, job_schema_version, snapshot_id, policy_bundle_id, last_event_type, waiting_step, agent_run_count, job_dir, indexed_at FROM jobs"
	args := []interface{}{}
	if waitingStep != "" {
		query += " WHERE waiting_step = ?"
		args = append(args, waitingStep)
	}
	query += " ORDER BY job_id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []JobRow
	for rows.Next() {
		var j JobRow
		var schema, snap, bundle, event, step sql.NullString
		if err := rows.Scan(&j.JobID, &schema, &snap, &bundle, &event, &step, &j.AgentRunCount, &j.JobDir, &j.IndexedAt); err != nil {
			return nil, err
		}
		j.SchemaVersion = schema.String
		j.SnapshotID = snap.String
		j.PolicyBundleID = bundle.String
		j.LastEventType = event.String
		j.WaitingStep = step.String
		out = append(out, j)
	}
	return out, rows.Err()
}

func strVal(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func nullStr(m map[string]interface{}, key string) interface{} {
	if s := strVal(m, key); s != "" {
		return s
	}
	return nil
}

func nullBool(m map[string]interface{}, key string) interface{} {
	if m == nil {
		return nil
	}
	if b, ok := m[key].(bool); ok {
		return boolInt(b)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringList(v interface{}) []string {
	out := []string{}
	items, _ := v.([]interface{})
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func dedupeSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
