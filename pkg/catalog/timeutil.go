package catalog

import (
	"fmt"
	"strings"
	"time"
)

// Market timestamps without an explicit offset are local to the exchange.
// A fixed offset avoids depending on tzdata inside slim containers.
var marketTZ = time.FixedZone("UTC+8", 8*60*60)

// BarCloseHour anchors a date-only dt at the daily bar close.
const BarCloseHour = 16

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// ParseISODatetime parses an ISO 8601 datetime. Values without an offset are
// taken as market-local (+08:00).
func ParseISODatetime(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, marketTZ); err == nil {
			return t, nil
		}
	}
	if t, err := ParseDate(s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable datetime: %q", value)
}

// ParseDate parses a YYYY-MM-DD trading day at midnight market-local.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", strings.TrimSpace(value), marketTZ)
}

// ParseDailyDT resolves the dt column of a daily dataset to an instant.
// Date-only values anchor at the bar close; anything else parses as an ISO
// datetime.
func ParseDailyDT(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if len(s) == 10 && s[4] == '-' && s[7] == '-' {
		d, err := ParseDate(s)
		if err != nil {
			return time.Time{}, err
		}
		return d.Add(BarCloseHour * time.Hour), nil
	}
	return ParseISODatetime(s)
}

// ToISO renders t with its offset, matching the lake's stored form.
func ToISO(t time.Time) string {
	return t.Format("2006-01-02T15:04:05-07:00")
}
