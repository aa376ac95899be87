// Package fsio implements the write discipline shared by every artifact
// producer: JSON files land via write-to-temp plus rename, JSONL logs grow by
// whole flushed lines, and nothing ever rewrites an existing byte.
package fsio

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/quantforge/eam/pkg/canonicalize"
)

// WriteJSONAtomic writes v as indented, key-sorted JSON with a trailing
// newline, then renames the temp file over path. The rename is the commit
// point; readers never observe a partial document.
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := MarshalIndentSorted(v)
	if err != nil {
		return err
	}
	return WriteBytesAtomic(path, data)
}

// WriteBytesAtomic writes raw bytes through a sibling temp file + rename.
func WriteBytesAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// MarshalIndentSorted renders v as two-space indented JSON with
// lexicographically sorted object keys and a trailing newline. This is the
// on-disk form for every human-readable artifact; the compact canonical form
// (hashing, JSONL) lives in canonicalize.
func MarshalIndentSorted(v interface{}) ([]byte, error) {
	// Round-trip through a generic value so map and struct inputs both come
	// out key-sorted.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeSorted(&buf, generic, 0); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeSorted(buf *bytes.Buffer, v interface{}, depth int) error {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			buf.WriteString("{}")
			return nil
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString("{\n")
		for i, k := range keys {
			writeIndent(buf, depth+1)
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteString(": ")
			if err := encodeSorted(buf, t[k], depth+1); err != nil {
				return err
			}
			if i < len(keys)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		writeIndent(buf, depth)
		buf.WriteByte('}')
		return nil
	case []interface{}:
		if len(t) == 0 {
			buf.WriteString("[]")
			return nil
		}
		buf.WriteString("[\n")
		for i, e := range t {
			writeIndent(buf, depth+1)
			if err := encodeSorted(buf, e, depth+1); err != nil {
				return err
			}
			if i < len(t)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		writeIndent(buf, depth)
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(t.String())
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

func writeIndent(buf *bytes.Buffer, depth int) {
	for i := 0; i < depth; i++ {
		buf.WriteString("  ")
	}
}

// AppendJSONL appends one canonical JSON line to path, creating parent
// directories on first use. The write is a single flushed Write call so
// concurrent readers see whole lines only.
func AppendJSONL(path string, v interface{}) error {
	line, err := canonicalize.Line(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Sync()
}

// IterJSONL reads every well-formed JSON object line from path. Blank lines
// and undecodable lines are skipped; a missing file yields an empty slice.
func IterJSONL(path string) ([]map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []map[string]interface{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(line, &doc); err != nil {
			continue
		}
		out = append(out, doc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}

// ReadJSON decodes the JSON document at path into out.
func ReadJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ReadJSONMap decodes the JSON object at path.
func ReadJSONMap(path string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := ReadJSON(path, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// SHA256File streams path through SHA-256 and returns the hex digest.
func SHA256File(path string) (string, error) {
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

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
