// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic content addressing of kernel artifacts.
//
// Every id-producing site in the system (job ids, run ids, sweep trial keys)
// must hash exactly one canonical form: sorted keys, no insignificant
// whitespace, no HTML escaping, ASCII-safe escapes. This package is the single
// source of that form.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// IDLength is the number of hex characters kept for short content-addressed
// identifiers (job_id, run_id).
const IDLength = 12

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json so struct tags are respected, then
// transformed into canonical form (lexicographic key order, minimal number
// formatting, no HTML escaping).
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// ShortID returns the first IDLength hex characters of the canonical hash of
// v. This is the identity function for jobs and runs: equal canonical specs
// yield equal ids.
func ShortID(v interface{}) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return h[:IDLength], nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns the hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Line returns the canonical form of v terminated by a newline, suitable for
// appending to a JSONL log.
func Line(v interface{}) ([]byte, error) {
	b, err := JCS(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(b) + 1)
	buf.Write(b)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
