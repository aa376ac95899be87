package fsio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteJSONAtomic_SortedIndentedNewline(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "sub", "doc.json")

	require.NoError(t, WriteJSONAtomic(p, map[string]any{"b": 2, "a": []any{1, "x"}}))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "{\n  \"a\": [\n    1,\n    \"x\"\n  ],\n  \"b\": 2\n}\n", string(data))

	// No temp residue after commit.
	require.NoFileExists(t, p+".tmp")
}

func TestWriteJSONAtomic_OverwriteIsWholeFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "doc.json")
	require.NoError(t, WriteJSONAtomic(p, map[string]any{"v": 1}))
	require.NoError(t, WriteJSONAtomic(p, map[string]any{"v": 2}))

	doc, err := ReadJSONMap(p)
	require.NoError(t, err)
	require.Equal(t, json.Number("2"), doc["v"])
}

func TestAppendJSONL_AndIter(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "events.jsonl")

	require.NoError(t, AppendJSONL(p, map[string]any{"event_type": "CREATED", "n": 1}))
	require.NoError(t, AppendJSONL(p, map[string]any{"event_type": "DONE", "n": 2}))

	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "{\"event_type\":\"CREATED\",\"n\":1}\n{\"event_type\":\"DONE\",\"n\":2}\n", string(raw))

	docs, err := IterJSONL(p)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "DONE", docs[1]["event_type"])
}

func TestIterJSONL_SkipsBlankAndBrokenLines(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "log.jsonl")
	require.NoError(t, os.WriteFile(p, []byte("{\"a\":1}\n\nnot-json\n{\"b\":2}\n"), 0o644))

	docs, err := IterJSONL(p)
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestIterJSONL_MissingFile(t *testing.T) {
	docs, err := IterJSONL(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestSHA256File(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))
	h, err := SHA256File(p)
	require.NoError(t, err)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
}
