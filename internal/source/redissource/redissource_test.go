package redissource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/tally/internal/alert"
	"github.com/linnemanlabs/tally/internal/merge"
)

var (
	t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w1 = alert.Window{From: t0, To: t0.Add(time.Hour - time.Microsecond)}
)

func newTestSource(t *testing.T) (*Source, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(client, "test")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func row(object string, eventTime time.Time) json.RawMessage {
	return json.RawMessage(`{"EVENT_TIME":"` + eventTime.Format(time.RFC3339Nano) + `","OBJECT":"` + object + `"}`)
}

func read(t *testing.T, s *Source, ruleID string, w alert.Window) []merge.RawFinding {
	t.Helper()
	var out []merge.RawFinding
	for f, err := range s.Read(context.Background(), ruleID, w) {
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		out = append(out, f)
	}
	return out
}

func TestAppendAndRead(t *testing.T) {
	t.Parallel()
	s, mr := newTestSource(t)
	ctx := context.Background()

	refs, err := s.Append(ctx, "R", []json.RawMessage{
		row("late", t0.Add(40*time.Minute)),
		row("outside", t0.Add(time.Hour)),
		row("early", t0.Add(5*time.Minute)),
		row("edge", w1.To),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(refs) != 4 {
		t.Fatalf("refs = %v, want 4", refs)
	}

	got := read(t, s, "R", w1)
	want := []string{refs[2], refs[0], refs[3]}
	if len(got) != len(want) {
		t.Fatalf("Read returned %d findings, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Ref != want[i] {
			t.Errorf("finding %d ref = %s, want %s", i, got[i].Ref, want[i])
		}
	}
	if string(got[0].Data) != string(row("early", t0.Add(5*time.Minute))) {
		t.Errorf("data = %s", got[0].Data)
	}

	if !mr.Exists("test:R") || !mr.Exists("test:R:data") {
		t.Error("expected index and data keys under the configured prefix")
	}
	if len(read(t, s, "OTHER", w1)) != 0 {
		t.Error("findings leaked across rules")
	}
}

func TestRead_PagesThroughLargeWindows(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(t)

	n := pageSize + 7
	rows := make([]json.RawMessage, n)
	for i := range rows {
		rows[i] = row("u", t0.Add(time.Duration(i)*time.Second))
	}
	if _, err := s.Append(context.Background(), "R", rows); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if got := read(t, s, "R", w1); len(got) != n {
		t.Errorf("Read returned %d findings, want %d", len(got), n)
	}
}

func TestAppend_RejectsBatchWithoutEventTime(t *testing.T) {
	t.Parallel()
	s, mr := newTestSource(t)

	_, err := s.Append(context.Background(), "R", []json.RawMessage{
		row("ok", t0),
		json.RawMessage(`{"OBJECT":"no time"}`),
	})
	if !errors.Is(err, merge.ErrMalformedRecord) {
		t.Fatalf("error = %v, want ErrMalformedRecord", err)
	}
	if mr.Exists("test:R") {
		t.Error("a rejected batch must store nothing")
	}
}

func TestRead_SkipsIndexEntriesWithoutData(t *testing.T) {
	t.Parallel()
	s, mr := newTestSource(t)

	refs, err := s.Append(context.Background(), "R", []json.RawMessage{row("a", t0), row("b", t0.Add(time.Minute))})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	mr.HDel("test:R:data", refs[0])

	got := read(t, s, "R", w1)
	if len(got) != 1 || got[0].Ref != refs[1] {
		t.Errorf("Read = %+v, want only %s", got, refs[1])
	}
}

func TestRead_SurfacesConnectionErrors(t *testing.T) {
	t.Parallel()
	s, mr := newTestSource(t)
	mr.Close()

	for _, err := range s.Read(context.Background(), "R", w1) {
		if err == nil {
			t.Fatal("expected an error from a closed server")
		}
		return
	}
	t.Fatal("Read yielded nothing")
}

func TestRead_AppendDuringIterationDoesNotRepeat(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(t)
	ctx := context.Background()

	rows := make([]json.RawMessage, pageSize+10)
	for i := range rows {
		rows[i] = row("u", t0.Add(time.Duration(i+1)*time.Second))
	}
	if _, err := s.Append(ctx, "R", rows); err != nil {
		t.Fatalf("Append: %v", err)
	}

	seen := make(map[string]int)
	appended := false
	for f, err := range s.Read(ctx, "R", w1) {
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		seen[f.Ref]++
		if !appended {
			// Earlier than everything already indexed.
			if _, err := s.Append(ctx, "R", []json.RawMessage{row("backfill", t0)}); err != nil {
				t.Fatalf("Append during read: %v", err)
			}
			appended = true
		}
	}

	for ref, n := range seen {
		if n != 1 {
			t.Errorf("ref %s yielded %d times", ref, n)
		}
	}
	if len(seen) != len(rows) {
		t.Errorf("read %d findings, want %d", len(seen), len(rows))
	}
}
