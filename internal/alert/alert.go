// Package alert defines the alert record shared by the merge engine, its stores and its
// finding sources.
package alert

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Body is every alert field except the id and the occurrence counter. Optional fields are
// pointers (or nil slices / nil raw messages) and always encode as an explicit JSON null.
type Body struct {
	RuleID      string          `json:"QUERY_NAME"`
	QueryID     *string         `json:"QUERY_ID"`
	Environment *string         `json:"ENVIRONMENT"`
	Sources     []string        `json:"SOURCES"`
	Actor       *string         `json:"ACTOR"`
	Object      *string         `json:"OBJECT"`
	Action      *string         `json:"ACTION"`
	Title       *string         `json:"TITLE"`
	EventTime   time.Time       `json:"EVENT_TIME"`
	AlertTime   time.Time       `json:"ALERT_TIME"`
	Description *string         `json:"DESCRIPTION"`
	Detector    *string         `json:"DETECTOR"`
	EventData   json.RawMessage `json:"EVENT_DATA"`
	Severity    *string         `json:"SEVERITY"`
}

// Alert is a persisted, deduplicated finding with an occurrence counter.
type Alert struct {
	ID      string `json:"ALERT_ID"`
	Counter int64  `json:"COUNTER"`
	Body
}

// Str returns a pointer to s, for building optional fields.
func Str(s string) *string { return &s }

// Clone returns a deep copy of a.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.Body = a.Body.clone()
	return &cp
}

func (b Body) clone() Body {
	cp := b
	if b.Sources != nil {
		cp.Sources = append([]string(nil), b.Sources...)
	}
	if b.EventData != nil {
		cp.EventData = append(json.RawMessage(nil), b.EventData...)
	}
	return cp
}

// Canonical returns the canonical JSON encoding of the body: fixed key order, every key
// present, timestamps in UTC at microsecond precision and EVENT_DATA re-encoded with
// sorted object keys. Two bodies are structurally equal iff their canonical encodings are
// byte-equal.
func (b Body) Canonical() ([]byte, error) {
	c := b.clone()
	c.EventTime = Normalize(c.EventTime)
	c.AlertTime = Normalize(c.AlertTime)

	data, err := canonicalJSON(c.EventData)
	if err != nil {
		return nil, fmt.Errorf("canonical event data: %w", err)
	}
	c.EventData = data

	return json.Marshal(c)
}

// Digest returns the hex SHA-256 of the canonical body encoding.
func (b Body) Digest() (string, error) {
	c, err := b.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether two bodies are structurally equal.
func (b Body) Equal(other Body) bool {
	x, err := b.Canonical()
	if err != nil {
		return false
	}
	y, err := other.Canonical()
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}

// Key returns the dedup key of the body.
func (b Body) Key() Key {
	var k Key
	if b.Object != nil {
		k.Object, k.HasObject = *b.Object, true
	}
	if b.Description != nil {
		k.Description, k.HasDescription = *b.Description, true
	}
	return k
}

// canonicalJSON re-encodes raw with sorted object keys. Numbers keep their literal form.
// nil and the JSON literal null both map to nil.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Normalize returns t in UTC truncated to the microsecond precision of the alert store.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
