package merge

import (
	"context"
	"iter"
	"time"

	"github.com/linnemanlabs/tally/internal/alert"
)

// WriteOp is the kind of change one Write makes to the alert store.
type WriteOp int

const (
	// OpUpdate raises the counter of an existing alert.
	OpUpdate WriteOp = iota
	// OpInsert creates a new alert.
	OpInsert
)

func (op WriteOp) String() string {
	switch op {
	case OpUpdate:
		return "update"
	case OpInsert:
		return "insert"
	default:
		return "unknown"
	}
}

// FindingRef is a raw finding folded by a write, recorded in the merged-findings ledger.
type FindingRef struct {
	Ref       string
	EventTime time.Time
}

// Write is the change for one aggregated group.
//
// For OpUpdate only Alert.ID and Alert.Counter are used, and the write must fail with
// ErrConcurrentModification unless the stored counter still equals PrevCounter. For
// OpInsert the whole Alert is stored, and the write must fail with
// ErrConcurrentModification if the rule already has an alert whose body digest equals
// Digest. Every ref must be new to the rule's ledger.
type Write struct {
	Op          WriteOp
	Alert       *alert.Alert
	PrevCounter int64
	Digest      string
	Refs        []FindingRef
}

// Store is the persistence interface for alerts and the merged-findings ledger.
type Store interface {
	// Get returns one alert by id.
	Get(ctx context.Context, id string) (*alert.Alert, bool, error)
	// Window yields the rule's alerts whose event time falls in w, ordered by event
	// time then id.
	Window(ctx context.Context, ruleID string, w alert.Window) iter.Seq2[*alert.Alert, error]
	// Folded returns the refs already folded for the rule whose event time falls in w.
	Folded(ctx context.Context, ruleID string, w alert.Window) (map[string]struct{}, error)
	// Apply commits all writes and their ledger entries atomically, or none of them.
	Apply(ctx context.Context, ruleID, runID string, writes []Write) error
}
