package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/tally/internal/alert"
)

// Normalizer projects a rule's raw output rows into alerts.
type Normalizer struct {
	source        Source
	skipMalformed bool
	logger        log.Logger
}

// NewNormalizer returns a Normalizer reading from source. With skipMalformed set, rows
// that cannot be projected are logged, counted and dropped instead of failing the
// invocation.
func NewNormalizer(source Source, skipMalformed bool, logger log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Normalizer{source: source, skipMalformed: skipMalformed, logger: logger}
}

// Normalize returns the rule's raw rows in w as fresh candidates, one alert per row with
// a new id and counter 1. Rows the source returns outside w are dropped.
func (n *Normalizer) Normalize(ctx context.Context, ruleID string, w alert.Window, stats *Stats) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		for raw, err := range n.source.Read(ctx, ruleID, w) {
			if err != nil {
				yield(Candidate{}, fmt.Errorf("%w: rule %s: %w", ErrSourceUnavailable, ruleID, err))
				return
			}

			a, err := Project(ruleID, raw.Data)
			if err == nil && raw.Ref == "" {
				err = errors.New("finding has no ref")
			}
			if err != nil {
				err = fmt.Errorf("%w: rule %s ref %q: %w", ErrMalformedRecord, ruleID, raw.Ref, err)
				if !n.skipMalformed {
					yield(Candidate{}, err)
					return
				}
				stats.Malformed++
				n.logger.Warn(ctx, "skipping malformed finding", "rule", ruleID, "ref", raw.Ref, "error", err)
				continue
			}

			if !w.Contains(a.EventTime) {
				stats.OutOfWindow++
				continue
			}

			stats.Read++
			if !yield(Candidate{Alert: a, Ref: raw.Ref}, nil) {
				return
			}
		}
	}
}

// findingRow is the raw finding shape. Every field is decoded lazily so that absent,
// null and mistyped values can be told apart.
type findingRow struct {
	QueryID     json.RawMessage `json:"QUERY_ID"`
	Environment json.RawMessage `json:"ENVIRONMENT"`
	Sources     json.RawMessage `json:"SOURCES"`
	Actor       json.RawMessage `json:"ACTOR"`
	Object      json.RawMessage `json:"OBJECT"`
	Action      json.RawMessage `json:"ACTION"`
	Title       json.RawMessage `json:"TITLE"`
	EventTime   json.RawMessage `json:"EVENT_TIME"`
	AlertTime   json.RawMessage `json:"ALERT_TIME"`
	Description json.RawMessage `json:"DESCRIPTION"`
	Detector    json.RawMessage `json:"DETECTOR"`
	EventData   json.RawMessage `json:"EVENT_DATA"`
	Severity    json.RawMessage `json:"SEVERITY"`
}

// Project converts one raw finding into an alert of ruleID with a fresh id and counter 1.
// The rule id is taken from the argument, never from the row. Absent optional fields
// become null.
func Project(ruleID string, data json.RawMessage) (*alert.Alert, error) {
	if isNull(data) {
		return nil, errors.New("finding is empty")
	}
	var row findingRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decode finding: %w", err)
	}
	// PostgreSQL stores neither U+0000 in jsonb nor NUL bytes in text.
	if strings.ContainsRune(ruleID, 0) || containsNUL(data) {
		return nil, errors.New("finding contains a NUL character")
	}

	a := &alert.Alert{
		ID:      ulid.Make().String(),
		Counter: 1,
		Body:    alert.Body{RuleID: ruleID},
	}

	var err error
	if a.EventTime, err = requiredTime("EVENT_TIME", row.EventTime); err != nil {
		return nil, err
	}
	if a.AlertTime, err = requiredTime("ALERT_TIME", row.AlertTime); err != nil {
		return nil, err
	}
	if a.Sources, err = stringList("SOURCES", row.Sources); err != nil {
		return nil, err
	}

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  **string
	}{
		{"QUERY_ID", row.QueryID, &a.QueryID},
		{"ENVIRONMENT", row.Environment, &a.Environment},
		{"ACTOR", row.Actor, &a.Actor},
		{"OBJECT", row.Object, &a.Object},
		{"ACTION", row.Action, &a.Action},
		{"TITLE", row.Title, &a.Title},
		{"DESCRIPTION", row.Description, &a.Description},
		{"DETECTOR", row.Detector, &a.Detector},
		{"SEVERITY", row.Severity, &a.Severity},
	}
	for _, f := range fields {
		if *f.dst, err = optionalString(f.name, f.raw); err != nil {
			return nil, err
		}
	}

	if !isNull(row.EventData) {
		a.EventData = append(json.RawMessage(nil), bytes.TrimSpace(row.EventData)...)
	}

	return a, nil
}

// containsNUL reports whether valid JSON text encodes U+0000 in any string.
func containsNUL(raw []byte) bool {
	for i := 0; i < len(raw)-1; i++ {
		if raw[i] != '\\' {
			continue
		}
		if raw[i+1] == 'u' && i+6 <= len(raw) && string(raw[i+2:i+6]) == "0000" {
			return true
		}
		i++
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// optionalString accepts null, a string, or a number kept in its literal form.
func optionalString(name string, raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return &s, nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return nil, fmt.Errorf("%s: expected string, got %s", name, raw)
	}
	s := num.String()
	return &s, nil
}

// stringList accepts null, one string, or an array of strings.
func stringList(name string, raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return nil, nil
	}
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%s: expected list of strings: %w", name, err)
	}
	return list, nil
}

func requiredTime(name string, raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, fmt.Errorf("%s is missing", name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("%s: expected timestamp string: %w", name, err)
	}
	t, err := alert.ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}
