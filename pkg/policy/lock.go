package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/quantforge/eam/pkg/clock"
	"github.com/quantforge/eam/pkg/fsio"
)

const (
	LockFilename = "policy_lock_v1.json"
	LockVersion  = "policy_lock_v1"
)

// LockItem pins one policy asset.
type LockItem struct {
	ID     string `json:"id"`
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
}

// Lock is the on-disk anti-tamper record.
type Lock struct {
	LockVersion string     `json:"lock_version"`
	GeneratedAt string     `json:"generated_at"`
	Items       []LockItem `json:"items"`
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// loadLock parses and structurally validates the lock file, returning id ->
// item.
func loadLock(path string) (map[string]LockItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, verr("lock must be a JSON object")
	}
	if doc["lock_version"] != LockVersion {
		return nil, verr(fmt.Sprintf("must equal %q", LockVersion), "lock_version")
	}
	itemsRaw, ok := doc["items"].([]interface{})
	if !ok {
		return nil, verr("must be a list", "items")
	}
	out := make(map[string]LockItem, len(itemsRaw))
	for i, raw := range itemsRaw {
		it, ok := raw.(map[string]interface{})
		if !ok {
			return nil, verr("each item must be an object", "items", strconv.Itoa(i))
		}
		id, _ := it["id"].(string)
		file, _ := it["file"].(string)
		sha, _ := it["sha256"].(string)
		if id == "" {
			return nil, verr("must be non-empty string", "items", strconv.Itoa(i), "id")
		}
		if file == "" {
			return nil, verr("must be non-empty string", "items", strconv.Itoa(i), "file")
		}
		if sha == "" {
			return nil, verr("must be non-empty string", "items", strconv.Itoa(i), "sha256")
		}
		if _, dup := out[id]; dup {
			return nil, verr(fmt.Sprintf("duplicate id in lock: %q", id), "items", strconv.Itoa(i), "id")
		}
		out[id] = LockItem{ID: id, File: file, SHA256: sha}
	}
	return out, nil
}

// resolveLockFilePath prefers repo-root-relative paths when they exist,
// otherwise treats the entry as policies-dir-relative.
func (r *Resolver) resolveLockFilePath(fileField string) string {
	repoRoot := filepath.Dir(r.Dir)
	if c := filepath.Join(repoRoot, fileField); fsio.Exists(c) {
		return c
	}
	if c := filepath.Join(r.Dir, fileField); fsio.Exists(c) {
		return c
	}
	return filepath.Join(r.Dir, filepath.Base(fileField))
}

// VerifyLock enforces anti-tamper for every referenced policy id. When no
// lock file exists the check passes; once a lock is present, every reference
// must appear in it and hash clean.
func (r *Resolver) VerifyLock(refs map[string]string) error {
	lockPath := filepath.Join(r.Dir, LockFilename)
	if !fsio.Exists(lockPath) {
		return nil
	}
	lock, err := loadLock(lockPath)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		pid := refs[key]
		rec, ok := lock[pid]
		if !ok {
			return verr(fmt.Sprintf("policy_id missing from lock: %q", pid), key)
		}
		lockedFile := r.resolveLockFilePath(rec.File)
		if !fsio.Exists(lockedFile) {
			return verr(fmt.Sprintf("lock file path not found: %q", rec.File), key)
		}
		actual, err := fileSHA256(lockedFile)
		if err != nil {
			return err
		}
		if actual != rec.SHA256 {
			return verr(fmt.Sprintf("sha256 mismatch vs lock for %q (lock=%s, actual=%s)", pid, rec.SHA256, actual), key)
		}
	}
	return nil
}

// WriteLock generates or refreshes the lock for every policy asset under the
// directory. Items are sorted by id; generated_at follows the clock so locks
// are reproducible under SOURCE_DATE_EPOCH.
func (r *Resolver) WriteLock(clk clock.Clock) (string, int, error) {
	files, err := r.iterAssetFiles()
	if err != nil {
		return "", 0, err
	}
	var items []LockItem
	for _, p := range files {
		doc, err := LoadYAML(p)
		if err != nil {
			continue
		}
		id, _ := doc["policy_id"].(string)
		if id == "" {
			id, _ = doc["policy_bundle_id"].(string)
		}
		if id == "" {
			continue
		}
		sha, err := fileSHA256(p)
		if err != nil {
			return "", 0, err
		}
		rel, err := filepath.Rel(filepath.Dir(r.Dir), p)
		if err != nil {
			rel = filepath.Base(p)
		}
		items = append(items, LockItem{ID: id, File: filepath.ToSlash(rel), SHA256: sha})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	doc := Lock{
		LockVersion: LockVersion,
		GeneratedAt: clock.ISO(clk.Now()),
		Items:       items,
	}
	out := filepath.Join(r.Dir, LockFilename)
	if err := fsio.WriteJSONAtomic(out, doc); err != nil {
		return "", 0, err
	}
	return out, len(items), nil
}
