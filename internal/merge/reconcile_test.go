package merge

import (
	"context"
	"errors"
	"iter"
	"slices"
	"testing"

	"github.com/linnemanlabs/tally/internal/alert"
)

// readStore implements the read side of Store for testing.
type readStore struct {
	mockStore
	alerts    []*alert.Alert
	folded    map[string]struct{}
	windowErr error
	foldedErr error
}

func (r *readStore) Window(context.Context, string, alert.Window) iter.Seq2[*alert.Alert, error] {
	return func(yield func(*alert.Alert, error) bool) {
		for _, a := range r.alerts {
			if !yield(a, nil) {
				return
			}
		}
		if r.windowErr != nil {
			yield(nil, r.windowErr)
		}
	}
}

func (r *readStore) Folded(context.Context, string, alert.Window) (map[string]struct{}, error) {
	return r.folded, r.foldedErr
}

func seqOf(cs ...Candidate) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		for _, c := range cs {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func collect(t *testing.T, seq iter.Seq2[Candidate, error]) ([]Candidate, error) {
	t.Helper()
	var out []Candidate
	for c, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

func TestWorkingSet_UnionsExistingAndFresh(t *testing.T) {
	t.Parallel()

	store := &readStore{
		alerts: []*alert.Alert{testAlert("B1", "u1", "d1", 5, testFrom, testFrom)},
		folded: map[string]struct{}{"old": {}},
	}
	r := NewReconciler(store)

	var stats Stats
	got, err := collect(t, r.WorkingSet(context.Background(), "R", testWindow, seqOf(
		fresh("old", testAlert("A1", "u1", "d1", 1, testFrom, testFrom)),
		fresh("new", testAlert("A2", "u1", "d1", 1, testFrom, testFrom)),
	), &stats))
	if err != nil {
		t.Fatalf("WorkingSet: %v", err)
	}

	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.Alert.ID)
	}
	if !slices.Equal(ids, []string{"B1", "A2"}) {
		t.Errorf("working set = %v, want [B1 A2]", ids)
	}
	if !got[0].Existing || got[1].Existing {
		t.Error("existing flag not set correctly")
	}
	if stats.Existing != 1 || stats.Fresh != 1 || stats.Folded != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWorkingSet_StoreErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")

	tests := []struct {
		name  string
		store *readStore
	}{
		{"ledger read", &readStore{foldedErr: boom}},
		{"alert read", &readStore{windowErr: boom}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var stats Stats
			_, err := collect(t, NewReconciler(tt.store).WorkingSet(context.Background(), "R", testWindow, seqOf(), &stats))
			if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, boom) {
				t.Errorf("error = %v, want ErrStoreUnavailable wrapping cause", err)
			}
		})
	}
}

func TestWorkingSet_PropagatesFreshErrorsUnchanged(t *testing.T) {
	t.Parallel()

	malformed := errors.Join(ErrMalformedRecord, errors.New("bad row"))
	failing := func(yield func(Candidate, error) bool) {
		yield(Candidate{}, malformed)
	}

	var stats Stats
	_, err := collect(t, NewReconciler(&readStore{}).WorkingSet(context.Background(), "R", testWindow, failing, &stats))
	if err != malformed { //nolint:errorlint // identity is the property under test
		t.Errorf("error = %v, want the fresh sequence's error unchanged", err)
	}
}
