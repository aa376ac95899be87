package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/policy"
)

// SourceRow is one ingested daily bar before snapshotting.
type SourceRow struct {
	Symbol      string
	DT          string
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	AvailableAt string
	Source      string
}

// Lake writes immutable snapshots under <root>/lake/<snapshot_id>/: one CSV
// per dataset, a quality report, and a hashed manifest.
type Lake struct {
	Root        string
	PoliciesDir string
	Clock       clock.Clock
}

func NewLake(root, policiesDir string) *Lake {
	return &Lake{Root: root, PoliciesDir: policiesDir, Clock: clock.System{}}
}

func (l *Lake) snapshotDir(snapshotID string) string {
	return filepath.Join(l.Root, "lake", snapshotID)
}

// loadAsOfLatencyPolicy reads the availability policy the lake needs to fill
// missing available_at values.
func (l *Lake) loadAsOfLatencyPolicy() (map[string]interface{}, error) {
	doc, err := policy.LoadYAML(filepath.Join(l.PoliciesDir, "asof_latency_policy_v1.yaml"))
	if err != nil {
		return nil, err
	}
	if v, _ := doc["policy_version"].(string); v != "v1" {
		return nil, fmt.Errorf("asof_latency_policy policy_version must be v1")
	}
	params, ok := doc["params"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("asof_latency_policy params must be an object")
	}
	if rule, _ := params["asof_rule"].(string); rule != "available_at<=as_of" {
		return nil, fmt.Errorf(`asof_latency_policy params.asof_rule must be "available_at<=as_of"`)
	}
	return doc, nil
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// WriteOHLCVSnapshot dedupes, sorts, and persists rows as the ohlcv_1d
// dataset of a new snapshot, then writes the quality report and manifest.
// Returns the manifest document.
func (l *Lake) WriteOHLCVSnapshot(snapshotID string, rows []SourceRow) (map[string]interface{}, error) {
	if strings.TrimSpace(snapshotID) == "" {
		return nil, fmt.Errorf("snapshot_id must be non-empty")
	}
	const datasetID = "ohlcv_1d"
	outDir := l.snapshotDir(snapshotID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	sorted := append([]SourceRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Symbol != sorted[j].Symbol {
			return sorted[i].Symbol < sorted[j].Symbol
		}
		return sorted[i].DT < sorted[j].DT
	})
	seen := make(map[string]bool, len(sorted))
	deduped := make([]SourceRow, 0, len(sorted))
	duplicates := 0
	for _, r := range sorted {
		key := r.Symbol + "\x00" + r.DT
		if seen[key] {
			duplicates++
			continue
		}
		seen[key] = true
		deduped = append(deduped, r)
	}
	if len(deduped) == 0 {
		return nil, fmt.Errorf("snapshot %s: no rows", snapshotID)
	}
	for _, r := range deduped {
		for _, v := range []struct {
			name string
			val  float64
		}{{"open", r.Open}, {"high", r.High}, {"low", r.Low}, {"close", r.Close}, {"volume", r.Volume}} {
			if v.val < 0 {
				return nil, fmt.Errorf("row %s/%s: %s must be non-negative", r.Symbol, r.DT, v.name)
			}
		}
	}

	pol, err := l.loadAsOfLatencyPolicy()
	if err != nil {
		return nil, err
	}
	params, _ := pol["params"].(map[string]interface{})
	latency := time.Duration(intParam(params, "default_latency_seconds")+intParam(params, "bar_close_to_signal_seconds")) * time.Second

	// Fill missing available_at from the bar close plus the policy latency;
	// provided values may never precede the bar close.
	strategy := "policy_default_latency"
	var avMin, avMax time.Time
	for i := range deduped {
		barClose, err := ParseDailyDT(deduped[i].DT)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", deduped[i].DT, err)
		}
		var av time.Time
		if strings.TrimSpace(deduped[i].AvailableAt) != "" {
			strategy = "provided_by_source"
			av, err = ParseISODatetime(deduped[i].AvailableAt)
			if err != nil {
				return nil, fmt.Errorf("row %s/%s: available_at: %w", deduped[i].Symbol, deduped[i].DT, err)
			}
			if av.Before(barClose) {
				return nil, fmt.Errorf("row %s/%s: available_at must be >= dt (bar close)", deduped[i].Symbol, deduped[i].DT)
			}
		} else {
			av = barClose.Add(latency)
		}
		deduped[i].AvailableAt = ToISO(av)
		if deduped[i].Source == "" {
			deduped[i].Source = "demo"
		}
		if avMin.IsZero() || av.Before(avMin) {
			avMin = av
		}
		if avMax.IsZero() || av.After(avMax) {
			avMax = av
		}
	}

	var dtMin, dtMax time.Time
	for _, r := range deduped {
		d, err := ParseDailyDT(r.DT)
		if err != nil {
			return nil, err
		}
		if dtMin.IsZero() || d.Before(dtMin) {
			dtMin = d
		}
		if dtMax.IsZero() || d.After(dtMax) {
			dtMax = d
		}
	}

	createdAt := clock.ISO(l.Clock.Now())
	nullByCol := map[string]interface{}{}
	for _, col := range []string{"symbol", "dt", "open", "high", "low", "close", "volume", "available_at", "source"} {
		nullByCol[col] = 0
	}
	minBy, maxBy := columnExtremes(deduped)
	quality := map[string]interface{}{
		"schema_version":     "quality_report_v1",
		"snapshot_id":        snapshotID,
		"dataset_id":         datasetID,
		"created_at":         createdAt,
		"rows_before_dedupe": len(rows),
		"rows_after_dedupe":  len(deduped),
		"duplicate_count":    duplicates,
		"null_count_by_col":  nullByCol,
		"dt_min":             ToISO(dtMin),
		"dt_max":             ToISO(dtMax),
		"available_at_min":   ToISO(avMin),
		"available_at_max":   ToISO(avMax),
		"min_by_col":         minBy,
		"max_by_col":         maxBy,
	}
	if err := fsio.WriteJSONAtomic(filepath.Join(outDir, "quality_report.json"), quality); err != nil {
		return nil, err
	}

	csvPath := filepath.Join(outDir, datasetID+".csv")
	var b strings.Builder
	b.WriteString("symbol,dt,open,high,low,close,volume,available_at,source\n")
	symbolSet := map[string]bool{}
	for _, r := range deduped {
		fmt.Fprintf(&b, "%s,%s,%.6f,%.6f,%.6f,%.6f,%.6f,%s,%s\n",
			r.Symbol, r.DT, r.Open, r.High, r.Low, r.Close, r.Volume, r.AvailableAt, r.Source)
		symbolSet[r.Symbol] = true
	}
	if err := fsio.WriteBytesAtomic(csvPath, []byte(b.String())); err != nil {
		return nil, err
	}
	sha, err := fsio.SHA256File(csvPath)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	manifest := map[string]interface{}{
		"schema_version": "data_snapshot_manifest_v1",
		"snapshot_id":    snapshotID,
		"created_at":     createdAt,
		"datasets": []interface{}{
			map[string]interface{}{
				"dataset_id":       datasetID,
				"file":             filepath.ToSlash(csvPath),
				"row_count":        len(deduped),
				"fields":           []interface{}{"symbol", "dt", "open", "high", "low", "close", "volume", "available_at", "source"},
				"symbols":          toAny(symbols),
				"dt_min":           ToISO(dtMin),
				"dt_max":           ToISO(dtMax),
				"available_at_min": ToISO(avMin),
				"available_at_max": ToISO(avMax),
				"sha256":           sha,
				"extensions": map[string]interface{}{
					"available_at_strategy":  strategy,
					"duplicate_count":        duplicates,
					"asof_latency_policy_id": stringOr(pol["policy_id"], ""),
					"asof_rule":              stringOr(params["asof_rule"], ""),
					"quality_report_ref":     filepath.ToSlash(filepath.Join(outDir, "quality_report.json")),
				},
			},
		},
	}

	v, err := contracts.NewValidator()
	if err != nil {
		return nil, err
	}
	norm, err := contracts.Normalize(manifest)
	if err != nil {
		return nil, err
	}
	if code, msg := v.Validate(norm); code != contracts.ExitOK {
		return nil, fmt.Errorf("data snapshot manifest contract invalid: %s", msg)
	}
	if err := fsio.WriteJSONAtomic(filepath.Join(outDir, "manifest.json"), manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func columnExtremes(rows []SourceRow) (map[string]interface{}, map[string]interface{}) {
	cols := []struct {
		name string
		get  func(SourceRow) float64
	}{
		{"open", func(r SourceRow) float64 { return r.Open }},
		{"high", func(r SourceRow) float64 { return r.High }},
		{"low", func(r SourceRow) float64 { return r.Low }},
		{"close", func(r SourceRow) float64 { return r.Close }},
		{"volume", func(r SourceRow) float64 { return r.Volume }},
	}
	minBy := map[string]interface{}{}
	maxBy := map[string]interface{}{}
	for _, c := range cols {
		lo, hi := c.get(rows[0]), c.get(rows[0])
		for _, r := range rows[1:] {
			v := c.get(r)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		minBy[c.name] = lo
		maxBy[c.name] = hi
	}
	return minBy, maxBy
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func stringOr(v interface{}, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}
