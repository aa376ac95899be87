package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSCanonicalForm(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want string
	}{
		{
			name: "keys sorted",
			in:   map[string]interface{}{"slow": 30, "fast": 10, "lag": 1},
			want: `{"fast":10,"lag":1,"slow":30}`,
		},
		{
			name: "nested keys sorted",
			in: map[string]interface{}{
				"strategy_spec": map[string]interface{}{
					"strategy_id": "sma_cross_v1",
					"params":      map[string]interface{}{"slow": 30, "fast": 10},
				},
				"data": map[string]interface{}{"snapshot_id": "snap_001"},
			},
			want: `{"data":{"snapshot_id":"snap_001"},"strategy_spec":{"params":{"fast":10,"slow":30},"strategy_id":"sma_cross_v1"}}`,
		},
		{
			name: "no html escaping",
			in:   map[string]string{"note": "<entry> & <exit>"},
			want: `{"note":"<entry> & <exit>"}`,
		},
		{
			name: "json number preserved",
			in:   map[string]interface{}{"commission": json.Number("0.0005")},
			want: `{"commission":0.0005}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := JCS(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(b))
		})
	}
}

func TestCanonicalHashIgnoresConstruction(t *testing.T) {
	// The same document built as a map literal and as a struct must address
	// to the same run_id.
	type spec struct {
		Slow int `json:"slow"`
		Fast int `json:"fast"`
	}
	h1, err := CanonicalHash(map[string]interface{}{"fast": 10, "slow": 30})
	require.NoError(t, err)
	h2, err := CanonicalHash(spec{Fast: 10, Slow: 30})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := CanonicalHash(map[string]interface{}{"fast": 11, "slow": 30})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestJCSStringMatchesBytes(t *testing.T) {
	doc := map[string]int{"b": 2, "a": 1}
	s, err := JCSString(doc)
	require.NoError(t, err)
	b, err := JCS(doc)
	require.NoError(t, err)
	assert.Equal(t, string(b), s)
}
