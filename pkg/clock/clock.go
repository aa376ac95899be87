// Package clock isolates time handling so artifact timestamps stay
// deterministic under SOURCE_DATE_EPOCH.
package clock

import (
	"os"
	"strconv"
	"time"
)

// Clock yields the timestamps recorded into artifacts and events.
type Clock interface {
	Now() time.Time
}

// System reads SOURCE_DATE_EPOCH once per call; when set to a decimal epoch
// every timestamp in the process collapses to that instant, which is what
// makes repeated pipeline runs byte-identical.
type System struct{}

func (System) Now() time.Time {
	if sde := os.Getenv("SOURCE_DATE_EPOCH"); sde != "" {
		if epoch, err := strconv.ParseInt(sde, 10, 64); err == nil && epoch >= 0 {
			return time.Unix(epoch, 0).UTC()
		}
	}
	return time.Now().UTC()
}

// Fixed always returns the same instant. Used by tests.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T }

// ISO formats t the way every persisted record expects: RFC 3339 seconds in
// UTC with a trailing Z.
func ISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
