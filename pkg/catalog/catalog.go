// Package catalog reads deterministic CSV snapshots from the data lake and
// answers point-in-time queries. Every market query passes through the
// availability gate: a row is visible only when available_at<=as_of.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/quantforge/eam/pkg/fsio"
)

// Bar is one daily OHLCV row after availability gating.
type Bar struct {
	Symbol      string
	DT          string
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	AvailableAt string
}

// QueryStats records how many rows the availability gate removed.
type QueryStats struct {
	RowsBeforeAsOf int
	RowsAfterAsOf  int
}

// AsOfApplied is evidence of the gating decision, persisted into run
// manifests so lookahead audits can replay it.
type AsOfApplied struct {
	Rule           string `json:"rule"`
	AsOf           string `json:"as_of"`
	Applied        bool   `json:"applied"`
	Mode           string `json:"mode"`
	RowsBeforeAsOf int    `json:"rows_before_asof"`
	RowsAfterAsOf  int    `json:"rows_after_asof"`
}

// Datasets whose ids contain one of these tokens carry market data and are
// subject to the availability gate. Everything else is reference data pinned
// by the snapshot itself.
var marketHints = []string{"_day", "_min", "_transaction", "_tick", "_dk", "ohlcv"}

func isMarketDataset(datasetID string) bool {
	token := strings.ToLower(strings.TrimSpace(datasetID))
	for _, h := range marketHints {
		if strings.Contains(token, h) {
			return true
		}
	}
	return false
}

// Catalog answers queries against snapshots under <root>/lake/<snapshot_id>/.
type Catalog struct {
	Root string
}

func NewCatalog(root string) *Catalog {
	return &Catalog{Root: root}
}

func (c *Catalog) SnapshotDir(snapshotID string) string {
	return filepath.Join(c.Root, "lake", snapshotID)
}

func (c *Catalog) DatasetPath(snapshotID, datasetID string) string {
	return filepath.Join(c.SnapshotDir(snapshotID), datasetID+".csv")
}

func (c *Catalog) ManifestPath(snapshotID string) string {
	return filepath.Join(c.SnapshotDir(snapshotID), "manifest.json")
}

// LoadManifest reads the snapshot manifest, or an error when the snapshot
// does not exist.
func (c *Catalog) LoadManifest(snapshotID string) (map[string]interface{}, error) {
	doc, err := fsio.ReadJSONMap(c.ManifestPath(snapshotID))
	if err != nil {
		return nil, fmt.Errorf("snapshot manifest: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("snapshot manifest not found: %s", c.ManifestPath(snapshotID))
	}
	return doc, nil
}

// VerifyDataset recomputes the dataset file hash and compares it against the
// manifest entry. A manifest without a recorded sha256 verifies trivially.
func (c *Catalog) VerifyDataset(snapshotID, datasetID string) error {
	manifest, err := c.LoadManifest(snapshotID)
	if err != nil {
		return err
	}
	datasets, _ := manifest["datasets"].([]interface{})
	var want string
	for _, d := range datasets {
		entry, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		if id, _ := entry["dataset_id"].(string); id == datasetID {
			want, _ = entry["sha256"].(string)
		}
	}
	if want == "" {
		return nil
	}
	got, err := fsio.SHA256File(c.DatasetPath(snapshotID, datasetID))
	if err != nil {
		return fmt.Errorf("dataset %s: %w", datasetID, err)
	}
	if got != want {
		return fmt.Errorf("snapshot %s dataset %s sha256 mismatch (manifest=%s, actual=%s)",
			snapshotID, datasetID, want, got)
	}
	return nil
}

// readRows loads a dataset CSV into header-keyed rows.
func (c *Catalog) readRows(snapshotID, datasetID string) ([]map[string]string, error) {
	path := c.DatasetPath(snapshotID, datasetID)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset %s/%s: %w", snapshotID, datasetID, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("dataset %s/%s: read header: %w", snapshotID, datasetID, err)
	}
	var rows []map[string]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset %s/%s: %w", snapshotID, datasetID, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// QueryOHLCV returns bars for the given symbols within [start, end] visible
// at as_of, sorted by (symbol, dt).
func (c *Catalog) QueryOHLCV(snapshotID string, symbols []string, start, end, asOf string) ([]Bar, QueryStats, AsOfApplied, error) {
	return c.QueryDataset(snapshotID, "ohlcv_1d", symbols, start, end, asOf)
}

// QueryDataset is QueryOHLCV generalized over the dataset id.
func (c *Catalog) QueryDataset(snapshotID, datasetID string, symbols []string, start, end, asOf string) ([]Bar, QueryStats, AsOfApplied, error) {
	symSet := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if t := strings.TrimSpace(s); t != "" {
			symSet[t] = true
		}
	}
	if len(symSet) == 0 {
		return nil, QueryStats{}, AsOfApplied{}, fmt.Errorf("symbols must be non-empty")
	}

	rows, err := c.readRows(snapshotID, datasetID)
	if err != nil {
		return nil, QueryStats{}, AsOfApplied{}, err
	}

	// Range filter compares the raw dt strings; daily dts are ISO dates so
	// lexical order is chronological.
	var inRange []map[string]string
	for _, row := range rows {
		if !symSet[row["symbol"]] {
			continue
		}
		dt := row["dt"]
		if dt < start || dt > end {
			continue
		}
		inRange = append(inRange, row)
	}

	asofDT, err := ParseISODatetime(asOf)
	if err != nil {
		return nil, QueryStats{}, AsOfApplied{}, fmt.Errorf("as_of: %w", err)
	}

	market := isMarketDataset(datasetID)
	hasAvailableAt := false
	for _, row := range inRange {
		if strings.TrimSpace(row["available_at"]) != "" {
			hasAvailableAt = true
			break
		}
	}

	gated := inRange
	applied := AsOfApplied{
		Rule:           "available_at<=as_of",
		AsOf:           ToISO(asofDT),
		Mode:           "market",
		RowsBeforeAsOf: len(inRange),
	}
	switch {
	case market && hasAvailableAt:
		gated = gated[:0:0]
		for _, row := range inRange {
			av, err := ParseISODatetime(row["available_at"])
			if err != nil {
				continue
			}
			if !av.After(asofDT) {
				gated = append(gated, row)
			}
		}
		applied.Applied = true
	case market:
		applied.Applied = false
	default:
		applied.Rule = "snapshot_effective_time"
		applied.Mode = "reference"
	}
	applied.RowsAfterAsOf = len(gated)

	bars := make([]Bar, 0, len(gated))
	for _, row := range gated {
		bar, err := parseBar(row)
		if err != nil {
			return nil, QueryStats{}, AsOfApplied{}, fmt.Errorf("dataset %s/%s: %w", snapshotID, datasetID, err)
		}
		bars = append(bars, bar)
	}
	sort.SliceStable(bars, func(i, j int) bool {
		if bars[i].Symbol != bars[j].Symbol {
			return bars[i].Symbol < bars[j].Symbol
		}
		return bars[i].DT < bars[j].DT
	})

	stats := QueryStats{RowsBeforeAsOf: applied.RowsBeforeAsOf, RowsAfterAsOf: applied.RowsAfterAsOf}
	return bars, stats, applied, nil
}

func parseBar(row map[string]string) (Bar, error) {
	b := Bar{
		Symbol:      row["symbol"],
		DT:          row["dt"],
		AvailableAt: row["available_at"],
	}
	for _, col := range []struct {
		name string
		dst  *float64
	}{
		{"open", &b.Open},
		{"high", &b.High},
		{"low", &b.Low},
		{"close", &b.Close},
		{"volume", &b.Volume},
	} {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[col.name]), 64)
		if err != nil {
			return Bar{}, fmt.Errorf("row %s/%s: bad %s: %q", b.Symbol, b.DT, col.name, row[col.name])
		}
		*col.dst = v
	}
	return b, nil
}

// BySymbol splits bars into per-symbol series preserving dt order.
func BySymbol(bars []Bar) map[string][]Bar {
	out := make(map[string][]Bar)
	for _, b := range bars {
		out[b.Symbol] = append(out[b.Symbol], b)
	}
	return out
}
