package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeLayouts are tried in order. Rule output commonly carries RFC 3339 or the
// space-separated form produced by SQL engines and Python's str(datetime).
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 -0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses a finding timestamp. Values without a zone are taken as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Normalize(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// EventTimeOf extracts EVENT_TIME from one raw finding object.
func EventTimeOf(raw json.RawMessage) (time.Time, error) {
	var probe struct {
		EventTime *string `json:"EVENT_TIME"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return time.Time{}, fmt.Errorf("decode finding: %w", err)
	}
	if probe.EventTime == nil {
		return time.Time{}, errors.New("finding has no EVENT_TIME")
	}
	return ParseTime(*probe.EventTime)
}
