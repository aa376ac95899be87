// Package policy loads and verifies the policy surface: a bundle referencing
// policy assets by id only, per-kind structural validation, and a content
// lock that pins every referenced file's SHA-256. Inline policy content in a
// bundle is forbidden; a lock mismatch is fatal for compile, run, and gate.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bundle reference keys. All five must be present and non-empty.
var RefKeys = []string{
	"execution_policy_id",
	"cost_policy_id",
	"asof_latency_policy_id",
	"risk_policy_id",
	"gate_suite_id",
}

// Optional bundle reference keys, resolved when present.
var OptionalRefKeys = []string{
	"budget_policy_id",
	"llm_budget_policy_id",
}

// forbiddenInline are bundle keys that would smuggle policy content past the
// id-reference discipline.
var forbiddenInline = []string{"params", "overrides", "policies"}

// VError is a structural violation at a YAML path.
type VError struct {
	Path   []string
	Reason string
}

func (e *VError) Error() string {
	if len(e.Path) == 0 {
		return "/: " + e.Reason
	}
	return "/" + strings.Join(e.Path, "/") + ": " + e.Reason
}

func verr(reason string, path ...string) *VError {
	return &VError{Path: path, Reason: reason}
}

// Bundle is a loaded, structurally valid policy bundle.
type Bundle struct {
	Path   string
	ID     string
	SHA256 string
	Refs   map[string]string // ref key -> policy_id (required + present optional)
	Doc    map[string]interface{}
}

// Asset is a loaded, structurally valid policy asset.
type Asset struct {
	PolicyID string
	Path     string
	SHA256   string
	Doc      map[string]interface{}
	Params   map[string]interface{}
}

// IntParam returns a non-negative int param with a default.
func (a *Asset) IntParam(key string, def int) int {
	v, ok := a.Params[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return def
	}
}

// StringParam returns a string param with a default.
func (a *Asset) StringParam(key, def string) string {
	if s, ok := a.Params[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return def
}

// LoadYAML reads a YAML mapping from path.
func LoadYAML(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("parse %s: top-level YAML must be a mapping", path)
	}
	return doc, nil
}

// Resolver resolves bundle references against a policies directory.
type Resolver struct {
	Dir string // policies directory holding *_v1.yaml assets and the lock
}

// NewResolver creates a resolver rooted at dir.
func NewResolver(dir string) *Resolver {
	return &Resolver{Dir: dir}
}

// LoadBundle reads and structurally validates a bundle YAML. The returned
// bundle has its references checked for presence only; use ResolveRefs or
// VerifyLock for resolution and anti-tamper checks.
func (r *Resolver) LoadBundle(path string) (*Bundle, error) {
	doc, err := LoadYAML(path)
	if err != nil {
		return nil, err
	}
	id, refs, err := validateBundleStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", filepath.Base(path), err)
	}
	sha, err := sha256File(path)
	if err != nil {
		return nil, err
	}
	return &Bundle{Path: path, ID: id, SHA256: sha, Refs: refs, Doc: doc}, nil
}

// iterAssetFiles lists policy asset YAML files under the resolver directory,
// excluding the examples/ subtree.
func (r *Resolver) iterAssetFiles() ([]string, error) {
	var out []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(r.Dir, pattern))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

// IndexAssets validates every policy asset in the directory and indexes by
// policy_id. Duplicate ids are a violation.
func (r *Resolver) IndexAssets() (map[string]*Asset, error) {
	files, err := r.iterAssetFiles()
	if err != nil {
		return nil, err
	}
	index := make(map[string]*Asset)
	for _, p := range files {
		doc, err := LoadYAML(p)
		if err != nil {
			return nil, err
		}
		if _, isBundle := doc["policy_bundle_id"]; isBundle {
			continue
		}
		if _, isPolicy := doc["policy_id"]; !isPolicy {
			continue
		}
		asset, err := validatePolicyStruct(doc, p)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", filepath.Base(p), err)
		}
		if prev, dup := index[asset.PolicyID]; dup {
			return nil, verr(fmt.Sprintf("duplicate policy_id found: %q in %s and %s",
				asset.PolicyID, filepath.Base(p), filepath.Base(prev.Path)), "policy_id")
		}
		index[asset.PolicyID] = asset
	}
	return index, nil
}

// Resolve returns the asset whose policy_id equals id.
func (r *Resolver) Resolve(id string) (*Asset, error) {
	index, err := r.IndexAssets()
	if err != nil {
		return nil, err
	}
	asset, ok := index[id]
	if !ok {
		return nil, verr(fmt.Sprintf("referenced policy_id not found in policies/: %q", id))
	}
	return asset, nil
}

// ResolveRefs resolves every bundle reference (required and optional present)
// and verifies the lock when one exists. This is the single entry point the
// compiler, runner, and gate runner use.
func (r *Resolver) ResolveRefs(b *Bundle) (map[string]*Asset, error) {
	index, err := r.IndexAssets()
	if err != nil {
		return nil, err
	}
	resolved := make(map[string]*Asset, len(b.Refs))
	for key, pid := range b.Refs {
		asset, ok := index[pid]
		if !ok {
			return nil, verr(fmt.Sprintf("referenced policy_id not found in policies/: %q", pid), key)
		}
		resolved[key] = asset
	}
	if err := r.VerifyLock(b.Refs); err != nil {
		return nil, err
	}
	return resolved, nil
}

func sha256File(path string) (string, error) {
	return fileSHA256(path)
}
