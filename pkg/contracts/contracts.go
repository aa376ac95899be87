// Package contracts validates every persisted JSON document against its
// versioned schema. Dispatch is by discriminator: `schema_version` for
// documents, `dsl_version` for signal DSL payloads. Unknown discriminators are
// terminal; a payload without either is a usage error.
package contracts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Exit codes shared with the CLI surface.
const (
	ExitOK      = 0
	ExitUsage   = 1
	ExitInvalid = 2
)

const schemaBaseURL = "https://eam.quantforge.dev/contracts/"

// schemaVersionToFile is the closed registry of document discriminators.
var schemaVersionToFile = map[string]string{
	"blueprint_v1":             "blueprint_schema_v1.json",
	"idea_spec_v1":             "idea_spec_schema_v1.json",
	"run_spec_v1":              "run_spec_schema_v1.json",
	"run_spec_v2":              "run_spec_schema_v2.json",
	"job_spec_v1":              "job_spec_schema_v1.json",
	"job_event_v2":             "job_event_schema_v2.json",
	"gate_results_v2":          "gate_results_schema_v2.json",
	"dossier_v1":               "dossier_schema_v1.json",
	"segments_summary_v1":      "segments_summary_schema_v1.json",
	"trial_event_v1":           "trial_event_schema_v1.json",
	"experience_card_v1":       "experience_card_schema_v1.json",
	"improvement_proposals_v1": "improvement_proposals_schema_v1.json",
	"sweep_trial_v1":           "sweep_trial_schema_v1.json",
	"leaderboard_v1":           "leaderboard_schema_v1.json",
	"llm_usage_report_v1":      "llm_usage_report_schema_v1.json",
	"job_run_link_v1":          "job_run_link_schema_v1.json",
	"agent_run_v1":             "agent_run_schema_v1.json",
	"output_guard_report_v1":   "output_guard_report_schema_v1.json",
	"data_snapshot_manifest_v1": "data_snapshot_manifest_schema_v1.json",
	"quality_report_v1":         "quality_report_schema_v1.json",
}

// dslVersionToFile maps DSL discriminators.
var dslVersionToFile = map[string]string{
	"signal_dsl_v1": "signal_dsl_v1.json",
}

// Validator holds the compiled schema registry.
type Validator struct {
	compiled map[string]*jsonschema.Schema // schema file name -> compiled
}

// NewValidator compiles every embedded schema. All schemas are registered as
// resources first so cross-schema $ref resolution works.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("contracts: read embedded schemas: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, fmt.Errorf("contracts: read schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("contracts: register schema %s: %w", name, err)
		}
	}

	v := &Validator{compiled: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		compiled, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("contracts: compile schema %s: %w", name, err)
		}
		v.compiled[name] = compiled
	}
	return v, nil
}

// MustValidator panics on compile failure. The embedded schemas are part of
// the binary, so a failure here is a build defect, not a runtime condition.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate dispatches payload by discriminator and returns (exit code,
// one-line message).
func (v *Validator) Validate(payload interface{}) (int, string) {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return ExitInvalid, "INVALID: discriminator at /: top-level JSON must be an object"
	}

	if sv, present := obj["schema_version"]; present {
		s, ok := sv.(string)
		if !ok {
			return ExitInvalid, "INVALID: discriminator at /: schema_version must be a string"
		}
		file, known := schemaVersionToFile[s]
		if !known {
			return ExitInvalid, fmt.Sprintf("INVALID: discriminator at /schema_version: unknown schema_version: %q", s)
		}
		return v.ValidateAgainst(file, payload)
	}

	if dv, present := obj["dsl_version"]; present {
		s, ok := dv.(string)
		if !ok {
			return ExitInvalid, "INVALID: discriminator at /: dsl_version must be a string"
		}
		file, known := dslVersionToFile[s]
		if !known {
			return ExitInvalid, fmt.Sprintf("INVALID: discriminator at /dsl_version: unknown dsl_version: %q", s)
		}
		return v.ValidateAgainst(file, payload)
	}

	return ExitUsage, "ERROR: missing schema_version/dsl_version"
}

// ValidateAgainst checks payload against a named schema file.
func (v *Validator) ValidateAgainst(schemaFile string, payload interface{}) (int, string) {
	compiled, ok := v.compiled[schemaFile]
	if !ok {
		return ExitUsage, fmt.Sprintf("ERROR: missing schema: %s", schemaFile)
	}
	if err := compiled.Validate(payload); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return ExitInvalid, fmt.Sprintf("INVALID: %s at /: %v", schemaFile, err)
		}
		ptr, reason := firstLeafError(ve)
		if got, scalar := resolvePointerScalar(payload, ptr); scalar {
			reason = fmt.Sprintf("%s (got=%s)", reason, got)
		}
		return ExitInvalid, fmt.Sprintf("INVALID: %s at %s: %s", schemaFile, ptr, reason)
	}
	return ExitOK, fmt.Sprintf("OK: %s", schemaFile)
}

// ValidateFile reads and dispatches a JSON document from disk.
func (v *Validator) ValidateFile(p string) (int, string) {
	data, err := os.ReadFile(p)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: %v", err)
	}
	payload, err := DecodeJSON(data)
	if err != nil {
		return ExitUsage, fmt.Sprintf("ERROR: invalid JSON: %v", err)
	}
	return v.Validate(payload)
}

// DecodeJSON decodes data preserving number precision, the form the schema
// validator and the canonicalizer both accept.
func DecodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Normalize round-trips v through JSON into the generic form Validate
// expects. Used when callers hold typed structs.
func Normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return DecodeJSON(raw)
}

// KnownSchemaVersions returns the registered document discriminators, sorted.
func KnownSchemaVersions() []string {
	out := make([]string, 0, len(schemaVersionToFile))
	for k := range schemaVersionToFile {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// firstLeafError picks the deterministic first leaf cause: sorted by
// (instance pointer, message).
func firstLeafError(ve *jsonschema.ValidationError) (pointer, reason string) {
	type leaf struct {
		ptr, msg string
	}
	var leaves []leaf
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			ptr := e.InstanceLocation
			if ptr == "" {
				ptr = "/"
			}
			leaves = append(leaves, leaf{ptr: ptr, msg: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	if len(leaves) == 0 {
		return "/", ve.Message
	}
	sort.Slice(leaves, func(i, j int) bool {
		if leaves[i].ptr != leaves[j].ptr {
			return leaves[i].ptr < leaves[j].ptr
		}
		return leaves[i].msg < leaves[j].msg
	})
	return leaves[0].ptr, leaves[0].msg
}

// resolvePointerScalar walks a JSON pointer into payload and renders the
// value when it is a scalar.
func resolvePointerScalar(payload interface{}, pointer string) (string, bool) {
	if pointer == "/" || pointer == "" {
		return renderScalar(payload)
	}
	cur := payload
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		switch t := cur.(type) {
		case map[string]interface{}:
			next, ok := t[tok]
			if !ok {
				return "", false
			}
			cur = next
		case []interface{}:
			var idx int
			if _, err := fmt.Sscanf(tok, "%d", &idx); err != nil || idx < 0 || idx >= len(t) {
				return "", false
			}
			cur = t[idx]
		default:
			return "", false
		}
	}
	return renderScalar(cur)
}

func renderScalar(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "null", true
	case string:
		return fmt.Sprintf("%q", t), true
	case bool:
		return fmt.Sprintf("%v", t), true
	case json.Number:
		return t.String(), true
	case float64:
		return fmt.Sprintf("%v", t), true
	default:
		return "", false
	}
}
