package gates

import (
	"path/filepath"
	"regexp"

	"github.com/quantforge/eam/pkg/catalog"
	"github.com/quantforge/eam/pkg/contracts/schemas"
	"github.com/quantforge/eam/pkg/fsio"
)

var safeSnapshotID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// data_snapshot_integrity_v1 is the anti-tamper gate: it recomputes the
// dataset sha256 and checks the manifest's self-consistency with the quality
// report.
func runSnapshotIntegrity(ctx *Context, params map[string]interface{}) schemas.GateResult {
	fail := func(status string, metrics map[string]interface{}) schemas.GateResult {
		return schemas.GateResult{
			GateID:      "data_snapshot_integrity_v1",
			GateVersion: "v1",
			Pass:        false,
			Status:      status,
			Metrics:     metrics,
			Evidence:    &schemas.GateEvidence{Artifacts: []string{"config_snapshot.json", "dossier_manifest.json"}},
		}
	}

	snapshotID := strField(ctx.RunSpec, "data_snapshot_id")
	if snapshotID == "" {
		snapshotID = strField(ctx.Manifest, "data_snapshot_id")
	}
	if snapshotID == "" {
		return fail(schemas.StatusError, map[string]interface{}{"reason": "missing snapshot_id in runspec.data_snapshot_id / dossier_manifest.data_snapshot_id"})
	}
	if !safeSnapshotID.MatchString(snapshotID) {
		return fail(schemas.StatusError, map[string]interface{}{"reason": "invalid snapshot_id format", "snapshot_id": snapshotID})
	}

	cat := catalog.NewCatalog(ctx.dataRoot())
	var errs []string

	manifest, err := cat.LoadManifest(snapshotID)
	if err != nil {
		errs = append(errs, "snapshot not found under data root lake: "+err.Error())
	}

	datasetID := "ohlcv_1d"
	if d := strField(objField(ctx.RunSpec, "extensions"), "dataset_id"); d != "" {
		datasetID = d
	}
	if manifest != nil {
		if verr := cat.VerifyDataset(snapshotID, datasetID); verr != nil {
			errs = append(errs, verr.Error())
		}
	}

	// Quality report self-consistency, when the snapshot ships one.
	var qualityRows interface{}
	qrPath := filepath.Join(cat.SnapshotDir(snapshotID), "quality_report.json")
	if fsio.Exists(qrPath) {
		qr, qerr := fsio.ReadJSONMap(qrPath)
		if qerr != nil {
			errs = append(errs, "quality report unreadable: "+qerr.Error())
		} else if qr != nil {
			qualityRows = qr["rows_after_dedupe"]
			if manifest != nil {
				if mrows, ok := manifestRowCount(manifest, datasetID); ok {
					if qrows := asInt(qualityRows, -1); qrows >= 0 && qrows != mrows {
						errs = append(errs, "row_count mismatch: quality_report.rows_after_dedupe != manifest.datasets[].row_count")
					}
				}
			}
		}
	}

	passed := len(errs) == 0
	metrics := map[string]interface{}{
		"snapshot_id":               snapshotID,
		"dataset_id":                datasetID,
		"quality_rows_after_dedupe": qualityRows,
	}
	if len(errs) > 0 {
		metrics["errors"] = errs
	}
	status := schemas.StatusOK
	if !passed {
		status = schemas.StatusError
	}
	return schemas.GateResult{
		GateID:      "data_snapshot_integrity_v1",
		GateVersion: "v1",
		Pass:        passed,
		Status:      status,
		Metrics:     metrics,
		Evidence: &schemas.GateEvidence{
			Artifacts: []string{"data_manifest.json"},
			Notes:     "recomputes dataset sha256 against the snapshot manifest and checks quality report consistency",
		},
	}
}

func manifestRowCount(manifest map[string]interface{}, datasetID string) (int, bool) {
	datasets, _ := manifest["datasets"].([]interface{})
	for _, d := range datasets {
		entry, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		if strField(entry, "dataset_id") != datasetID {
			continue
		}
		if v, ok := entry["row_count"]; ok {
			return asInt(v, 0), true
		}
	}
	return 0, false
}
