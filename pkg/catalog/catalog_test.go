package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/eam/internal/testutil"
)

func TestQueryOHLCVGatesByAvailability(t *testing.T) {
	root := t.TempDir()
	testutil.WriteLake(t, root, "snap_t", []string{"AAA", "BBB"}, "2024-01-01", 5)

	c := NewCatalog(root)

	// as_of before any bar becomes available.
	bars, stats, applied, err := c.QueryOHLCV("snap_t", []string{"AAA"}, "2024-01-01", "2024-01-05", "2024-01-01T00:00:00+08:00")
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.Equal(t, 5, stats.RowsBeforeAsOf)
	assert.Equal(t, 0, stats.RowsAfterAsOf)
	assert.True(t, applied.Applied)
	assert.Equal(t, "available_at<=as_of", applied.Rule)

	// as_of after the third bar's availability (16:30 local).
	bars, stats, _, err = c.QueryOHLCV("snap_t", []string{"AAA"}, "2024-01-01", "2024-01-05", "2024-01-03T17:00:00+08:00")
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 3, stats.RowsAfterAsOf)
	assert.Equal(t, "2024-01-03", bars[2].DT)

	// Late enough to see everything.
	bars, _, _, err = c.QueryOHLCV("snap_t", []string{"AAA", "BBB"}, "2024-01-01", "2024-01-05", "2024-12-31T00:00:00+08:00")
	require.NoError(t, err)
	require.Len(t, bars, 10)
	// Sorted by (symbol, dt).
	assert.Equal(t, "AAA", bars[0].Symbol)
	assert.Equal(t, "BBB", bars[5].Symbol)
	assert.Equal(t, "2024-01-01", bars[5].DT)
}

func TestQueryOHLCVDateRange(t *testing.T) {
	root := t.TempDir()
	testutil.WriteLake(t, root, "snap_t", []string{"AAA"}, "2024-01-01", 10)

	c := NewCatalog(root)
	bars, _, _, err := c.QueryOHLCV("snap_t", []string{"AAA"}, "2024-01-03", "2024-01-05", "2025-01-01T00:00:00+08:00")
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, "2024-01-03", bars[0].DT)
	assert.Equal(t, "2024-01-05", bars[2].DT)
}

func TestQueryOHLCVMissingSnapshot(t *testing.T) {
	c := NewCatalog(t.TempDir())
	_, _, _, err := c.QueryOHLCV("nope", []string{"AAA"}, "2024-01-01", "2024-01-02", "2024-06-01T00:00:00+08:00")
	require.Error(t, err)
}

func TestQueryOHLCVEmptySymbols(t *testing.T) {
	c := NewCatalog(t.TempDir())
	_, _, _, err := c.QueryOHLCV("snap", []string{" "}, "2024-01-01", "2024-01-02", "2024-06-01T00:00:00+08:00")
	require.Error(t, err)
}

func TestParseDailyDTAnchorsAtBarClose(t *testing.T) {
	dt, err := ParseDailyDT("2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T16:00:00+08:00", ToISO(dt))

	full, err := ParseDailyDT("2024-03-05T10:30:00+08:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T10:30:00+08:00", ToISO(full))
}

func TestParseISODatetimeNaiveAssumesMarketTZ(t *testing.T) {
	got, err := ParseISODatetime("2024-03-05T10:00:00")
	require.NoError(t, err)
	utc, err := ParseISODatetime("2024-03-05T02:00:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(utc))
}

func TestLakeSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	policiesDir, _ := testutil.WritePolicies(t, dir, testutil.DefaultPolicies())
	root := filepath.Join(dir, "data")

	lake := NewLake(root, policiesDir)
	rows := []SourceRow{
		{Symbol: "BBB", DT: "2024-01-02", Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
		{Symbol: "AAA", DT: "2024-01-02", Open: 20, High: 21, Low: 19, Close: 20.5, Volume: 200},
		{Symbol: "AAA", DT: "2024-01-02", Open: 20, High: 21, Low: 19, Close: 20.5, Volume: 200},
		{Symbol: "AAA", DT: "2024-01-03", Open: 21, High: 22, Low: 20, Close: 21.5, Volume: 210},
	}
	manifest, err := lake.WriteOHLCVSnapshot("snap_demo", rows)
	require.NoError(t, err)

	datasets := manifest["datasets"].([]interface{})
	require.Len(t, datasets, 1)
	entry := datasets[0].(map[string]interface{})
	assert.Equal(t, "ohlcv_1d", entry["dataset_id"])
	assert.Equal(t, 3, entry["row_count"])
	assert.Len(t, entry["sha256"], 64)

	c := NewCatalog(root)
	require.NoError(t, c.VerifyDataset("snap_demo", "ohlcv_1d"))

	// Queryable once the policy-derived availability instant has passed.
	bars, _, _, err := c.QueryOHLCV("snap_demo", []string{"AAA", "BBB"}, "2024-01-01", "2024-01-31", "2024-02-01T00:00:00+08:00")
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, "AAA", bars[0].Symbol)

	// One flipped byte in the dataset breaks verification.
	csvPath := c.DatasetPath("snap_demo", "ohlcv_1d")
	raw, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "200.000000", "200.000001", 1)
	require.NoError(t, os.WriteFile(csvPath, []byte(tampered), 0o644))
	err = c.VerifyDataset("snap_demo", "ohlcv_1d")
	require.Error(t, err)
	require.Contains(t, err.Error(), "sha256 mismatch")
}

func TestLakeRejectsEarlyAvailableAt(t *testing.T) {
	dir := t.TempDir()
	policiesDir, _ := testutil.WritePolicies(t, dir, testutil.DefaultPolicies())
	lake := NewLake(filepath.Join(dir, "data"), policiesDir)

	rows := []SourceRow{
		{Symbol: "AAA", DT: "2024-01-02", Open: 1, High: 1, Low: 1, Close: 1, Volume: 1,
			AvailableAt: "2024-01-02T10:00:00+08:00"},
	}
	_, err := lake.WriteOHLCVSnapshot("snap_bad", rows)
	require.Error(t, err)
	require.Contains(t, err.Error(), "available_at must be >= dt")
}

func TestLakeRejectsNegativePrices(t *testing.T) {
	dir := t.TempDir()
	policiesDir, _ := testutil.WritePolicies(t, dir, testutil.DefaultPolicies())
	lake := NewLake(filepath.Join(dir, "data"), policiesDir)

	rows := []SourceRow{
		{Symbol: "AAA", DT: "2024-01-02", Open: -1, High: 1, Low: 1, Close: 1, Volume: 1},
	}
	_, err := lake.WriteOHLCVSnapshot("snap_bad", rows)
	require.Error(t, err)
	require.Contains(t, err.Error(), "non-negative")
}
