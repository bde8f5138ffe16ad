package merge

import (
	"context"
	"fmt"
	"iter"

	"github.com/linnemanlabs/tally/internal/alert"
)

// Candidate is one member of a working set: either an alert already in the store or a
// fresh alert projected from a raw finding identified by Ref.
type Candidate struct {
	Alert    *alert.Alert
	Ref      string
	Existing bool
}

// Reconciler builds the working set of one invocation.
type Reconciler struct {
	store Store
}

// NewReconciler returns a Reconciler over store.
func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// WorkingSet yields the rule's existing alerts in w followed by the fresh candidates not
// yet recorded in the merged-findings ledger. Errors from fresh are passed through.
func (r *Reconciler) WorkingSet(ctx context.Context, ruleID string, w alert.Window, fresh iter.Seq2[Candidate, error], stats *Stats) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		folded, err := r.store.Folded(ctx, ruleID, w)
		if err != nil {
			yield(Candidate{}, fmt.Errorf("%w: read merged findings of rule %s: %w", ErrStoreUnavailable, ruleID, err))
			return
		}

		for a, err := range r.store.Window(ctx, ruleID, w) {
			if err != nil {
				yield(Candidate{}, fmt.Errorf("%w: read alerts of rule %s: %w", ErrStoreUnavailable, ruleID, err))
				return
			}
			stats.Existing++
			if !yield(Candidate{Alert: a, Existing: true}, nil) {
				return
			}
		}

		for c, err := range fresh {
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			if _, ok := folded[c.Ref]; ok {
				stats.Folded++
				continue
			}
			stats.Fresh++
			if !yield(c, nil) {
				return
			}
		}
	}
}
