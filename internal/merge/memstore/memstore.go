// Package memstore provides an in-memory implementation of merge.Store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/tally/internal/alert"
	"github.com/linnemanlabs/tally/internal/merge"
)

type ledgerEntry struct {
	alertID   string
	eventTime time.Time
	runID     string
}

// Store holds alerts and the merged-findings ledger in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	alerts  map[string]*alert.Alert           // alert ID -> alert
	digests map[string]map[string]string      // rule ID -> body digest -> alert ID
	ledger  map[string]map[string]ledgerEntry // rule ID -> finding ref -> entry
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts:  make(map[string]*alert.Alert),
		digests: make(map[string]map[string]string),
		ledger:  make(map[string]map[string]ledgerEntry),
	}
}

// Get retrieves an alert by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// Window yields copies of the rule's alerts in w, ordered by event time then id. The
// set is snapshotted before the first yield.
func (s *Store) Window(_ context.Context, ruleID string, w alert.Window) iter.Seq2[*alert.Alert, error] {
	return func(yield func(*alert.Alert, error) bool) {
		s.mu.RLock()
		var out []*alert.Alert
		for _, a := range s.alerts {
			if a.RuleID == ruleID && w.Contains(a.EventTime) {
				out = append(out, a.Clone())
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(out, func(a, b *alert.Alert) int {
			return cmp.Or(a.EventTime.Compare(b.EventTime), cmp.Compare(a.ID, b.ID))
		})
		for _, a := range out {
			if !yield(a, nil) {
				return
			}
		}
	}
}

// Folded returns the refs folded for the rule whose event time falls in w.
func (s *Store) Folded(_ context.Context, ruleID string, w alert.Window) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for ref, e := range s.ledger[ruleID] {
		if w.Contains(e.eventTime) {
			out[ref] = struct{}{}
		}
	}
	return out, nil
}

// Apply validates every write against the current state and then commits them all under
// one lock. Nothing is changed if any write fails validation.
func (s *Store) Apply(_ context.Context, ruleID, runID string, writes []merge.Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := make(map[string]struct{})
	digests := make(map[string]struct{})
	for i := range writes {
		w := &writes[i]
		if w.Alert == nil {
			return fmt.Errorf("write %d has no alert", i)
		}
		switch w.Op {
		case merge.OpUpdate:
			cur, ok := s.alerts[w.Alert.ID]
			if !ok || cur.RuleID != ruleID {
				return fmt.Errorf("%w: alert %s no longer exists", merge.ErrConcurrentModification, w.Alert.ID)
			}
			if cur.Counter != w.PrevCounter {
				return fmt.Errorf("%w: alert %s counter is %d, expected %d", merge.ErrConcurrentModification, w.Alert.ID, cur.Counter, w.PrevCounter)
			}
			if w.Alert.Counter < cur.Counter {
				return fmt.Errorf("alert %s counter would decrease from %d to %d", w.Alert.ID, cur.Counter, w.Alert.Counter)
			}
			if !cur.Body.Equal(w.Alert.Body) {
				return fmt.Errorf("update of alert %s would change its body", w.Alert.ID)
			}
		case merge.OpInsert:
			if _, ok := s.alerts[w.Alert.ID]; ok {
				return fmt.Errorf("alert id %s already exists", w.Alert.ID)
			}
			if id, ok := s.digests[ruleID][w.Digest]; ok {
				return fmt.Errorf("%w: identical alert %s already stored", merge.ErrConcurrentModification, id)
			}
			if _, dup := digests[w.Digest]; dup {
				return fmt.Errorf("duplicate insert of body digest %s", w.Digest)
			}
			digests[w.Digest] = struct{}{}
		default:
			return fmt.Errorf("write %d has unknown op %d", i, w.Op)
		}
		for _, r := range w.Refs {
			if _, ok := s.ledger[ruleID][r.Ref]; ok {
				return fmt.Errorf("%w: finding %q already folded", merge.ErrConcurrentModification, r.Ref)
			}
			if _, dup := refs[r.Ref]; dup {
				return fmt.Errorf("finding %q folded twice", r.Ref)
			}
			refs[r.Ref] = struct{}{}
		}
	}

	if s.ledger[ruleID] == nil {
		s.ledger[ruleID] = make(map[string]ledgerEntry)
	}
	if s.digests[ruleID] == nil {
		s.digests[ruleID] = make(map[string]string)
	}
	for _, w := range writes {
		switch w.Op {
		case merge.OpUpdate:
			s.alerts[w.Alert.ID].Counter = w.Alert.Counter
		case merge.OpInsert:
			s.alerts[w.Alert.ID] = w.Alert.Clone()
			s.digests[ruleID][w.Digest] = w.Alert.ID
		}
		for _, r := range w.Refs {
			s.ledger[ruleID][r.Ref] = ledgerEntry{alertID: w.Alert.ID, eventTime: r.EventTime, runID: runID}
		}
	}
	return nil
}

// FoldedInto returns the alert and run a finding was folded by.
func (s *Store) FoldedInto(ruleID, ref string) (alertID, runID string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ledger[ruleID][ref]
	return e.alertID, e.runID, ok
}
