package merge

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/tally/internal/alert"
)

var (
	testFrom   = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	testWindow = alert.Window{From: testFrom, To: testFrom.Add(time.Hour - time.Microsecond)}
)

// fakeSource implements Source for testing. err, if set, is yielded after the rows.
type fakeSource struct {
	rows []RawFinding
	err  error
}

func (f *fakeSource) Read(_ context.Context, _ string, _ alert.Window) iter.Seq2[RawFinding, error] {
	return func(yield func(RawFinding, error) bool) {
		for _, r := range f.rows {
			if !yield(r, nil) {
				return
			}
		}
		if f.err != nil {
			yield(RawFinding{}, f.err)
		}
	}
}

func rawFinding(t *testing.T, ref string, fields map[string]any) RawFinding {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal finding: %v", err)
	}
	return RawFinding{Ref: ref, Data: data}
}

func minimalFields(object, description string, eventTime time.Time) map[string]any {
	return map[string]any{
		"OBJECT":      object,
		"DESCRIPTION": description,
		"EVENT_TIME":  eventTime.Format(time.RFC3339Nano),
		"ALERT_TIME":  eventTime.Add(time.Minute).Format(time.RFC3339Nano),
	}
}

func TestProject_FullRow(t *testing.T) {
	t.Parallel()

	data := json.RawMessage(`{
		"QUERY_NAME": "SOMETHING_ELSE",
		"QUERY_ID": "q-1",
		"ENVIRONMENT": "prod",
		"SOURCES": ["okta", "cloudtrail"],
		"ACTOR": "alice",
		"OBJECT": "u1",
		"ACTION": "login",
		"TITLE": "Suspicious login",
		"EVENT_TIME": "2026-03-01 10:15:00.123456",
		"ALERT_TIME": "2026-03-01T10:20:00Z",
		"DESCRIPTION": "d1",
		"DETECTOR": "tally-test",
		"EVENT_DATA": {"ip": "10.0.0.1", "n": 3},
		"SEVERITY": "High"
	}`)

	a, err := Project("RULE_A", data)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}

	if a.RuleID != "RULE_A" {
		t.Errorf("RuleID = %q, want RULE_A", a.RuleID)
	}
	if a.ID == "" {
		t.Error("expected a fresh id")
	}
	if a.Counter != 1 {
		t.Errorf("Counter = %d, want 1", a.Counter)
	}
	if a.Object == nil || *a.Object != "u1" {
		t.Errorf("Object = %v, want u1", a.Object)
	}
	if len(a.Sources) != 2 || a.Sources[1] != "cloudtrail" {
		t.Errorf("Sources = %v", a.Sources)
	}
	wantEvent := time.Date(2026, 3, 1, 10, 15, 0, 123456000, time.UTC)
	if !a.EventTime.Equal(wantEvent) {
		t.Errorf("EventTime = %s, want %s", a.EventTime, wantEvent)
	}
	if string(a.EventData) != `{"ip": "10.0.0.1", "n": 3}` {
		t.Errorf("EventData = %s", a.EventData)
	}
	if a.Severity == nil || *a.Severity != "High" {
		t.Errorf("Severity = %v", a.Severity)
	}
}

func TestProject_AbsentFieldsAreNull(t *testing.T) {
	t.Parallel()

	a, err := Project("R", json.RawMessage(`{"EVENT_TIME":"2026-03-01T10:00:00Z","ALERT_TIME":"2026-03-01T10:00:00Z","ACTOR":null,"EVENT_DATA":null}`))
	if err != nil {
		t.Fatalf("Project: %v", err)
	}

	for name, v := range map[string]*string{
		"QUERY_ID": a.QueryID, "ENVIRONMENT": a.Environment, "ACTOR": a.Actor, "OBJECT": a.Object,
		"ACTION": a.Action, "TITLE": a.Title, "DESCRIPTION": a.Description, "DETECTOR": a.Detector,
		"SEVERITY": a.Severity,
	} {
		if v != nil {
			t.Errorf("%s = %q, want null", name, *v)
		}
	}
	if a.Sources != nil {
		t.Errorf("Sources = %v, want nil", a.Sources)
	}
	if a.EventData != nil {
		t.Errorf("EventData = %s, want nil", a.EventData)
	}
}

func TestProject_Coercions(t *testing.T) {
	t.Parallel()

	a, err := Project("R", json.RawMessage(`{"EVENT_TIME":"2026-03-01T10:00:00Z","ALERT_TIME":"2026-03-01T10:00:00Z","SOURCES":"okta","SEVERITY":3,"OBJECT":""}`))
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(a.Sources) != 1 || a.Sources[0] != "okta" {
		t.Errorf("Sources = %v, want [okta]", a.Sources)
	}
	if a.Severity == nil || *a.Severity != "3" {
		t.Errorf("Severity = %v, want 3", a.Severity)
	}
	if a.Object == nil || *a.Object != "" {
		t.Errorf("Object = %v, want empty string", a.Object)
	}
}

func TestProject_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"EVENT_TIME":`},
		{"json null", `null`},
		{"array", `[1,2]`},
		{"missing event time", `{"ALERT_TIME":"2026-03-01T10:00:00Z"}`},
		{"missing alert time", `{"EVENT_TIME":"2026-03-01T10:00:00Z"}`},
		{"unparseable event time", `{"EVENT_TIME":"soon","ALERT_TIME":"2026-03-01T10:00:00Z"}`},
		{"numeric event time", `{"EVENT_TIME":1700000000,"ALERT_TIME":"2026-03-01T10:00:00Z"}`},
		{"object as map", `{"EVENT_TIME":"2026-03-01T10:00:00Z","ALERT_TIME":"2026-03-01T10:00:00Z","OBJECT":{"id":1}}`},
		{"sources of numbers", `{"EVENT_TIME":"2026-03-01T10:00:00Z","ALERT_TIME":"2026-03-01T10:00:00Z","SOURCES":[1,2]}`},
		{"boolean title", `{"EVENT_TIME":"2026-03-01T10:00:00Z","ALERT_TIME":"2026-03-01T10:00:00Z","TITLE":true}`},
		{"nul in description", `{"EVENT_TIME":"2026-03-01T10:00:00Z","ALERT_TIME":"2026-03-01T10:00:00Z","DESCRIPTION":"a\u0000b"}`},
		{"nul in event data", `{"EVENT_TIME":"2026-03-01T10:00:00Z","ALERT_TIME":"2026-03-01T10:00:00Z","EVENT_DATA":{"cmd":["x","\u0000"]}}`},
		{"nul in event data key", `{"EVENT_TIME":"2026-03-01T10:00:00Z","ALERT_TIME":"2026-03-01T10:00:00Z","EVENT_DATA":{"\u0000":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Project("R", json.RawMessage(tt.data)); err == nil {
				t.Fatalf("Project(%s) = nil error, want error", tt.data)
			}
		})
	}
}

func TestContainsNUL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want bool
	}{
		{"plain", `{"a":"b"}`, false},
		{"escaped nul", `{"a":"x\u0000"}`, true},
		{"escaped backslash before u0000 text", `{"a":"\\u0000"}`, false},
		{"other control escape", `{"a":"\u0001"}`, false},
		{"escaped quote then nul", `{"a":"\"\u0000"}`, true},
		{"trailing backslash", `\`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := containsNUL([]byte(tt.data)); got != tt.want {
				t.Errorf("containsNUL(%s) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestProject_AcceptsEscapedBackslash(t *testing.T) {
	t.Parallel()

	a, err := Project("R", json.RawMessage(`{"EVENT_TIME":"2026-03-01T10:00:00Z","ALERT_TIME":"2026-03-01T10:00:00Z","DESCRIPTION":"C:\\u0000dir"}`))
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if *a.Description != `C:\u0000dir` {
		t.Errorf("description = %q", *a.Description)
	}
}

func TestNormalize_YieldsFreshCandidates(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rows: []RawFinding{
		rawFinding(t, "r1", minimalFields("u1", "d1", testFrom.Add(time.Minute))),
		rawFinding(t, "r2", minimalFields("u2", "d2", testFrom.Add(2*time.Minute))),
	}}
	n := NewNormalizer(src, false, log.Nop())

	var stats Stats
	var got []Candidate
	for c, err := range n.Normalize(context.Background(), "R", testWindow, &stats) {
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		got = append(got, c)
	}

	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Ref != "r1" || got[1].Ref != "r2" {
		t.Errorf("refs = %q, %q", got[0].Ref, got[1].Ref)
	}
	if got[0].Existing {
		t.Error("normalized candidate marked existing")
	}
	if got[0].Alert.ID == got[1].Alert.ID {
		t.Error("normalized alerts share an id")
	}
	if stats.Read != 2 {
		t.Errorf("stats.Read = %d, want 2", stats.Read)
	}
}

func TestNormalize_DropsRowsOutsideWindow(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rows: []RawFinding{
		rawFinding(t, "before", minimalFields("u1", "d1", testWindow.From.Add(-time.Microsecond))),
		rawFinding(t, "start", minimalFields("u1", "d1", testWindow.From)),
		rawFinding(t, "end", minimalFields("u1", "d1", testWindow.To)),
		rawFinding(t, "after", minimalFields("u1", "d1", testWindow.To.Add(time.Microsecond))),
	}}
	n := NewNormalizer(src, false, log.Nop())

	var stats Stats
	var refs []string
	for c, err := range n.Normalize(context.Background(), "R", testWindow, &stats) {
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		refs = append(refs, c.Ref)
	}

	if len(refs) != 2 || refs[0] != "start" || refs[1] != "end" {
		t.Errorf("refs = %v, want [start end]", refs)
	}
	if stats.OutOfWindow != 2 {
		t.Errorf("stats.OutOfWindow = %d, want 2", stats.OutOfWindow)
	}
}

func TestNormalize_MalformedFailsFast(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rows: []RawFinding{
		rawFinding(t, "ok", minimalFields("u1", "d1", testFrom)),
		{Ref: "bad", Data: json.RawMessage(`{"OBJECT":"u2"}`)},
		rawFinding(t, "never", minimalFields("u3", "d3", testFrom)),
	}}
	n := NewNormalizer(src, false, log.Nop())

	var stats Stats
	var seen int
	var gotErr error
	for _, err := range n.Normalize(context.Background(), "R", testWindow, &stats) {
		if err != nil {
			gotErr = err
			break
		}
		seen++
	}

	if !errors.Is(gotErr, ErrMalformedRecord) {
		t.Fatalf("error = %v, want ErrMalformedRecord", gotErr)
	}
	if seen != 1 {
		t.Errorf("yielded %d candidates before the error, want 1", seen)
	}
}

func TestNormalize_MalformedSkipped(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rows: []RawFinding{
		{Ref: "bad", Data: json.RawMessage(`not json`)},
		rawFinding(t, "ok", minimalFields("u1", "d1", testFrom)),
		{Ref: "", Data: rawFinding(t, "", minimalFields("u2", "d2", testFrom)).Data},
	}}
	n := NewNormalizer(src, true, log.Nop())

	var stats Stats
	var refs []string
	for c, err := range n.Normalize(context.Background(), "R", testWindow, &stats) {
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		refs = append(refs, c.Ref)
	}

	if len(refs) != 1 || refs[0] != "ok" {
		t.Errorf("refs = %v, want [ok]", refs)
	}
	if stats.Malformed != 2 {
		t.Errorf("stats.Malformed = %d, want 2", stats.Malformed)
	}
}

func TestNormalize_SourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	n := NewNormalizer(&fakeSource{err: boom}, false, log.Nop())

	var stats Stats
	for _, err := range n.Normalize(context.Background(), "R", testWindow, &stats) {
		if !errors.Is(err, ErrSourceUnavailable) {
			t.Errorf("error = %v, want ErrSourceUnavailable", err)
		}
		if !errors.Is(err, boom) {
			t.Errorf("error = %v, want wrapped cause", err)
		}
		return
	}
	t.Fatal("expected an error from the sequence")
}
