package state

import (
	"fmt"
	"strings"
	"time"
)

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Format renders a watermark as RFC 3339 in UTC
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Parse reads a watermark. Besides RFC 3339 it accepts the space separated
// "2006-01-02 15:04:05.999999+00:00" form; values without an offset are UTC.
func Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
