package gates

import (
	"fmt"
	"strings"

	"github.com/quantforge/eam/pkg/catalog"
	"github.com/quantforge/eam/pkg/policy"
)

// segment is one evaluation window read from the run spec.
type segment struct {
	start, end, asOf string
}

func objField(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func strField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func extractSegment(runspec map[string]interface{}, name string) (segment, bool) {
	sd := objField(objField(runspec, "segments"), name)
	s := segment{
		start: strings.TrimSpace(strField(sd, "start")),
		end:   strings.TrimSpace(strField(sd, "end")),
		asOf:  strings.TrimSpace(strField(sd, "as_of")),
	}
	if s.start == "" || s.end == "" || s.asOf == "" {
		return segment{}, false
	}
	return s, true
}

func extractSymbols(runspec map[string]interface{}) []string {
	raw, _ := objField(runspec, "extensions")["symbols"].([]interface{})
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// dataRoot resolves the data root recorded by the runner, falling back to the
// gate runner's own root.
func (ctx *Context) dataRoot() string {
	if env := objField(ctx.ConfigSnap, "env"); env != nil {
		if r := strField(env, "EAM_DATA_ROOT"); r != "" {
			return r
		}
	}
	return ctx.DataRoot
}

// queryPrices re-queries the catalog exactly as the runner did, with the
// as_of gate enforced.
func (ctx *Context) queryPrices(seg segment) ([]catalog.Bar, catalog.QueryStats, error) {
	runspec := ctx.RunSpec
	snapshotID := strField(runspec, "data_snapshot_id")
	symbols := extractSymbols(runspec)
	cat := catalog.NewCatalog(ctx.dataRoot())
	bars, stats, _, err := cat.QueryOHLCV(snapshotID, symbols, seg.start, seg.end, seg.asOf)
	if err != nil {
		return nil, stats, err
	}
	if len(bars) == 0 {
		return nil, stats, fmt.Errorf("catalog query returned 0 rows")
	}
	return bars, stats, nil
}

// countAsOfViolations counts bars whose available_at lies after as_of.
// Unparseable availability stamps count as violations.
func countAsOfViolations(bars []catalog.Bar, asOf string) int {
	cut, err := catalog.ParseISODatetime(asOf)
	if err != nil {
		return len(bars)
	}
	n := 0
	for _, b := range bars {
		av, err := catalog.ParseISODatetime(b.AvailableAt)
		if err != nil || av.After(cut) {
			n++
		}
	}
	return n
}

// cloneAsset deep-copies an asset's params so stress gates can perturb them
// without touching the loaded policy surface.
func cloneAsset(a *policy.Asset) *policy.Asset {
	if a == nil {
		return nil
	}
	params := make(map[string]interface{}, len(a.Params))
	for k, v := range a.Params {
		params[k] = v
	}
	return &policy.Asset{
		PolicyID: a.PolicyID,
		Path:     a.Path,
		SHA256:   a.SHA256,
		Doc:      a.Doc,
		Params:   params,
	}
}

func asFloat(v interface{}, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func asInt(v interface{}, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return def
}
