package merge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/linnemanlabs/tally/internal/alert"
)

// Group aggregates every working-set member sharing one dedup key.
type Group struct {
	Key            alert.Key
	Members        []Candidate
	Representative Candidate
	Counter        int64
	EventTime      time.Time
	AlertTime      time.Time
	Fresh          int
}

// Aggregate groups the working set by dedup key, sums counters, min-reduces event and
// alert time and picks each group's representative. Groups are returned in key order.
//
// The representative is the existing alert with the smallest id if the group has one,
// otherwise the fresh candidate with the smallest (alert time, event time, ref).
func Aggregate(ruleID string, set []Candidate) ([]*Group, error) {
	ids := make(map[string]struct{}, len(set))
	refs := make(map[string]struct{}, len(set))
	byKey := make(map[alert.Key]*Group)

	for _, c := range set {
		if c.Alert == nil {
			return nil, fmt.Errorf("%w: nil alert in working set", ErrAggregationConflict)
		}
		if c.Alert.RuleID != ruleID {
			return nil, fmt.Errorf("%w: alert %s belongs to rule %q, not %q", ErrAggregationConflict, c.Alert.ID, c.Alert.RuleID, ruleID)
		}
		if c.Alert.Counter < 1 {
			return nil, fmt.Errorf("%w: alert %s has counter %d", ErrAggregationConflict, c.Alert.ID, c.Alert.Counter)
		}
		if _, dup := ids[c.Alert.ID]; dup {
			return nil, fmt.Errorf("%w: alert id %s appears twice", ErrAggregationConflict, c.Alert.ID)
		}
		ids[c.Alert.ID] = struct{}{}
		if !c.Existing {
			if c.Ref == "" {
				return nil, fmt.Errorf("%w: fresh alert %s has no ref", ErrAggregationConflict, c.Alert.ID)
			}
			if _, dup := refs[c.Ref]; dup {
				return nil, fmt.Errorf("%w: finding ref %q appears twice", ErrAggregationConflict, c.Ref)
			}
			refs[c.Ref] = struct{}{}
		}

		key := c.Alert.Key()
		g, ok := byKey[key]
		if !ok {
			g = &Group{Key: key, Representative: c, EventTime: c.Alert.EventTime, AlertTime: c.Alert.AlertTime}
			byKey[key] = g
		} else if precedes(c, g.Representative) {
			g.Representative = c
		}

		g.Members = append(g.Members, c)
		g.Counter += c.Alert.Counter
		if c.Alert.EventTime.Before(g.EventTime) {
			g.EventTime = c.Alert.EventTime
		}
		if c.Alert.AlertTime.Before(g.AlertTime) {
			g.AlertTime = c.Alert.AlertTime
		}
		if !c.Existing {
			g.Fresh++
		}
	}

	groups := make([]*Group, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, g)
	}
	slices.SortFunc(groups, func(a, b *Group) int { return a.Key.Compare(b.Key) })
	return groups, nil
}

// precedes reports whether a wins the representative choice over b.
func precedes(a, b Candidate) bool {
	if a.Existing != b.Existing {
		return a.Existing
	}
	if a.Existing {
		return a.Alert.ID < b.Alert.ID
	}
	return cmp.Or(
		a.Alert.AlertTime.Compare(b.Alert.AlertTime),
		a.Alert.EventTime.Compare(b.Alert.EventTime),
		cmp.Compare(a.Ref, b.Ref),
	) < 0
}

// Write returns the store change for the group, or nil when the group has no fresh
// members and the store already holds its state.
//
// An update carries the stored alert unchanged apart from its counter. A stored row's
// event and alert time stay as inserted even when a later fresh member is earlier.
func (g *Group) Write() (*Write, error) {
	if g.Fresh == 0 {
		return nil, nil
	}

	refs := make([]FindingRef, 0, g.Fresh)
	for _, m := range g.Members {
		if !m.Existing {
			refs = append(refs, FindingRef{Ref: m.Ref, EventTime: m.Alert.EventTime})
		}
	}

	rep := g.Representative
	if rep.Existing {
		a := rep.Alert.Clone()
		a.Counter = g.Counter
		return &Write{Op: OpUpdate, Alert: a, PrevCounter: rep.Alert.Counter, Refs: refs}, nil
	}

	a := rep.Alert.Clone()
	a.Counter = g.Counter
	a.EventTime = g.EventTime
	a.AlertTime = g.AlertTime
	digest, err := a.Digest()
	if err != nil {
		return nil, fmt.Errorf("%w: alert %s: %w", ErrMalformedRecord, a.ID, err)
	}
	return &Write{Op: OpInsert, Alert: a, Digest: digest, Refs: refs}, nil
}

// ExecResult summarises what one Execute call changed.
type ExecResult struct {
	Groups    int
	Inserted  []*alert.Alert
	Updated   []*alert.Alert
	Unchanged int
}

// Executor aggregates a working set and applies it to the store in one atomic write.
type Executor struct {
	store Store
}

// NewExecutor returns an Executor writing to store.
func NewExecutor(store Store) *Executor {
	return &Executor{store: store}
}

// Execute aggregates set and commits the resulting writes under runID. Nothing is written
// when no group has fresh members. Store errors that are not already classified are
// reported as ErrStoreWriteFailed. Rows the store cannot represent stay ErrMalformedRecord.
func (e *Executor) Execute(ctx context.Context, ruleID, runID string, set []Candidate) (*ExecResult, error) {
	groups, err := Aggregate(ruleID, set)
	if err != nil {
		return nil, err
	}

	res := &ExecResult{Groups: len(groups)}
	writes := make([]Write, 0, len(groups))
	for _, g := range groups {
		w, err := g.Write()
		if err != nil {
			return nil, err
		}
		if w == nil {
			res.Unchanged++
			continue
		}
		writes = append(writes, *w)
	}

	if len(writes) == 0 {
		return res, nil
	}

	if err := e.store.Apply(ctx, ruleID, runID, writes); err != nil {
		if !errors.Is(err, ErrConcurrentModification) && !errors.Is(err, ErrStoreWriteFailed) && !errors.Is(err, ErrMalformedRecord) {
			err = fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
		}
		return nil, err
	}

	for _, w := range writes {
		switch w.Op {
		case OpInsert:
			res.Inserted = append(res.Inserted, w.Alert)
		case OpUpdate:
			res.Updated = append(res.Updated, w.Alert)
		}
	}
	return res, nil
}
