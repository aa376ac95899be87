package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystem_SourceDateEpoch(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")
	got := System{}.Now()
	require.Equal(t, time.Unix(1700000000, 0).UTC(), got)
	require.Equal(t, "2023-11-14T22:13:20Z", ISO(got))
}

func TestSystem_IgnoresGarbageEpoch(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "not-a-number")
	before := time.Now().Add(-time.Minute)
	got := System{}.Now()
	require.True(t, got.After(before))
}

func TestFixed(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t, at, Fixed{T: at}.Now())
}
