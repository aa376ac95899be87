package canonicalize

import (
	"encoding/json"
	"testing"
)

func FuzzCanonicalization(f *testing.F) {
	f.Add([]byte(`{"strategy_id":"sma_cross_v1","params":{"fast":10,"slow":30}}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"symbols":["BBB","AAA"],"snapshot_id":"snap_001"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは","html":"<b> &"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip()
			return
		}

		b1, err := JCS(v)
		if err != nil {
			// Not every valid JSON value is representable; rejection is fine,
			// panicking is not.
			return
		}
		b2, err := JCS(v)
		if err != nil {
			t.Fatal("JCS errored on second call but not the first")
		}
		if string(b1) != string(b2) {
			t.Errorf("canonical bytes differ across calls:\n  %s\n  %s", b1, b2)
		}

		var check interface{}
		if err := json.Unmarshal(b1, &check); err != nil {
			t.Errorf("canonical output is not valid JSON: %s", b1)
		}

		h1, err := CanonicalHash(v)
		if err != nil {
			return
		}
		h2, err := CanonicalHash(v)
		if err != nil {
			t.Fatal("CanonicalHash errored on second call but not the first")
		}
		if h1 != h2 {
			t.Errorf("hash differs across calls: %s != %s", h1, h2)
		}
		sid, err := ShortID(h1)
		if err != nil {
			t.Fatalf("ShortID failed: %v", err)
		}
		if !hexID.MatchString(sid) {
			t.Errorf("short id is not 12 lowercase hex chars: %q", sid)
		}
	})
}

func FuzzJCSString(f *testing.F) {
	f.Add([]byte(`{"key":"value"}`))
	f.Add([]byte(`{"a":1,"c":3,"b":2}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip()
			return
		}
		s, err := JCSString(v)
		if err != nil {
			return
		}
		b, err := JCS(v)
		if err != nil {
			t.Fatal("JCS failed where JCSString succeeded")
		}
		if s != string(b) {
			t.Errorf("JCSString and JCS disagree: %q vs %q", s, string(b))
		}
	})
}
