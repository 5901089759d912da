package types

import (
	"fmt"
	"time"
)

// TimeLayout is the canonical persisted timestamp format: RFC3339 UTC,
// whole seconds.
const TimeLayout = "2006-01-02T15:04:05Z"

// FormatTime renders t in the canonical format.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// ParseRFC3339 parses any RFC3339 timestamp, offset included.
func ParseRFC3339(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid RFC3339 timestamp %q: %w", value, err)
	}
	return t, nil
}

// NormalizeRFC3339UTC re-renders an RFC3339 timestamp in the canonical
// format, converting offsets to UTC and truncating to whole seconds.
func NormalizeRFC3339UTC(value string) (string, error) {
	t, err := ParseRFC3339(value)
	if err != nil {
		return "", err
	}
	return FormatTime(t), nil
}
