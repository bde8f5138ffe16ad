// Package memsource provides an in-memory finding source that also accepts ingestion.
package memsource

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/tally/internal/alert"
	"github.com/linnemanlabs/tally/internal/merge"
)

type row struct {
	ref       string
	eventTime time.Time
	data      json.RawMessage
}

// Source holds raw findings per rule in memory. Suitable for dev/testing.
type Source struct {
	mu    sync.RWMutex
	rules map[string][]row // rule ID -> rows in append order
}

// New initializes an empty Source.
func New() *Source {
	return &Source{rules: make(map[string][]row)}
}

// Append stores rows for ruleID and returns a new ref per row. Rows without a parseable
// EVENT_TIME are rejected and nothing is stored.
func (s *Source) Append(_ context.Context, ruleID string, rows []json.RawMessage) ([]string, error) {
	batch := make([]row, 0, len(rows))
	for i, data := range rows {
		ts, err := alert.EventTimeOf(data)
		if err != nil {
			return nil, fmt.Errorf("%w: finding %d: %w", merge.ErrMalformedRecord, i, err)
		}
		batch = append(batch, row{ref: ulid.Make().String(), eventTime: ts, data: append(json.RawMessage(nil), data...)})
	}

	s.mu.Lock()
	s.rules[ruleID] = append(s.rules[ruleID], batch...)
	s.mu.Unlock()

	refs := make([]string, len(batch))
	for i, r := range batch {
		refs[i] = r.ref
	}
	return refs, nil
}

// Put stores one row under a caller-chosen ref, replacing any row with the same ref.
func (s *Source) Put(ruleID, ref string, eventTime time.Time, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := slices.DeleteFunc(s.rules[ruleID], func(r row) bool { return r.ref == ref })
	s.rules[ruleID] = append(rows, row{ref: ref, eventTime: alert.Normalize(eventTime), data: data})
}

// Read yields the rule's rows whose event time falls in w, ordered by event time then ref.
func (s *Source) Read(_ context.Context, ruleID string, w alert.Window) iter.Seq2[merge.RawFinding, error] {
	return func(yield func(merge.RawFinding, error) bool) {
		s.mu.RLock()
		var out []row
		for _, r := range s.rules[ruleID] {
			if w.Contains(r.eventTime) {
				out = append(out, r)
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(out, func(a, b row) int {
			return cmp.Or(a.eventTime.Compare(b.eventTime), cmp.Compare(a.ref, b.ref))
		})
		for _, r := range out {
			if !yield(merge.RawFinding{Ref: r.ref, Data: r.data}, nil) {
				return
			}
		}
	}
}
