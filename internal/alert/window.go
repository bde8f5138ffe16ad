package alert

import (
	"errors"
	"fmt"
	"time"
)

// Window is a closed interval [From, To] over event time that scopes one merge invocation.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate checks the window bounds are set and ordered.
func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return errors.New("window bounds must be set")
	}
	if w.To.Before(w.From) {
		return fmt.Errorf("window end %s is before start %s", w.To.Format(time.RFC3339Nano), w.From.Format(time.RFC3339Nano))
	}
	return nil
}

// Contains reports whether t falls inside the closed window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// Normalized returns the window with both bounds in store precision.
func (w Window) Normalized() Window {
	return Window{From: Normalize(w.From), To: Normalize(w.To)}
}

// String renders the window as [from, to] in RFC 3339.
func (w Window) String() string {
	return "[" + w.From.UTC().Format(time.RFC3339Nano) + ", " + w.To.UTC().Format(time.RFC3339Nano) + "]"
}

// Aligned returns the tumbling window of the given size that contains t. Windows start at
// multiples of size and end one microsecond before the next start, so every caller
// derives identical bounds for the same instant.
func Aligned(t time.Time, size time.Duration) Window {
	start := t.UTC().Truncate(size)
	return Window{From: start, To: start.Add(size - time.Microsecond)}
}
