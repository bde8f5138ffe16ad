package merge

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/linnemanlabs/tally/internal/alert"
)

// RawFinding is one row of a rule's raw output. Ref identifies the row within its source
// and is stable across reads.
type RawFinding struct {
	Ref  string
	Data json.RawMessage
}

// Source reads a rule's raw output over an event-time window. Implementations yield only
// rows whose EVENT_TIME falls in the window; a yielded error ends the sequence.
type Source interface {
	Read(ctx context.Context, ruleID string, w alert.Window) iter.Seq2[RawFinding, error]
}

// Sink accepts raw findings for a rule and returns the refs assigned to them, in order.
type Sink interface {
	Append(ctx context.Context, ruleID string, rows []json.RawMessage) ([]string, error)
}
