package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tally/internal/alert"
)

const tracerName = "github.com/linnemanlabs/tally/internal/merge"

// FailureRuleID is the reserved rule under which failed invocations are recorded.
const FailureRuleID = "TALLY_MERGE_FAILURE"

// failureWindow is the tumbling window failure alerts are merged in.
const failureWindow = 24 * time.Hour

// Stats counts the rows one invocation read.
type Stats struct {
	Existing    int `json:"existing"`
	Read        int `json:"read"`
	Folded      int `json:"folded"`
	Fresh       int `json:"fresh"`
	Malformed   int `json:"malformed"`
	OutOfWindow int `json:"out_of_window"`
}

// Outcome is the result of one successful invocation.
type Outcome struct {
	RunID     string       `json:"run_id"`
	RuleID    string       `json:"rule_id"`
	Window    alert.Window `json:"window"`
	Stats     Stats        `json:"stats"`
	Groups    int          `json:"groups"`
	Inserted  []string     `json:"inserted"`
	Updated   []string     `json:"updated"`
	Unchanged int          `json:"unchanged"`
}

// Publisher forwards outcomes that changed the store to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, out *Outcome) error
}

// Hooks are optional callbacks for observability. Nil fields are skipped.
type Hooks struct {
	OnMerge    func(ruleID, outcome string, seconds float64)
	OnFindings func(ruleID string, stats Stats)
	OnWrites   func(ruleID string, inserted, updated int)
	OnIngest   func(ruleID string, n int)
}

// Options configures a Service.
type Options struct {
	SkipMalformed bool
	Hooks         Hooks
	Publisher     Publisher
}

// Service runs merge invocations and serves alert reads.
type Service struct {
	store      Store
	source     Source
	normalizer *Normalizer
	reconciler *Reconciler
	executor   *Executor
	hooks      Hooks
	publisher  Publisher
	logger     log.Logger
}

// NewService creates a merge service over store and source.
func NewService(store Store, source Source, logger log.Logger, opts Options) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:      store,
		source:     source,
		normalizer: NewNormalizer(source, opts.SkipMalformed, logger),
		reconciler: NewReconciler(store),
		executor:   NewExecutor(store),
		hooks:      opts.Hooks,
		publisher:  opts.Publisher,
		logger:     logger,
	}
}

// Merge folds the raw findings of ruleID in w into the alert store. Callers must use the
// same window bounds on every invocation covering the same findings.
func (s *Service) Merge(ctx context.Context, ruleID string, w alert.Window) (*Outcome, error) {
	if ruleID == "" {
		return nil, ErrInvalidRule
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
	}
	w = w.Normalized()

	stats := &Stats{}
	return s.run(ctx, ruleID, w, s.normalizer.Normalize(ctx, ruleID, w, stats), stats)
}

// RecordFailure merges a failure alert for ruleID under FailureRuleID. Repeated failures
// with the same error text on the same day collapse into one alert.
func (s *Service) RecordFailure(ctx context.Context, ruleID string, cause error) (*Outcome, error) {
	if ruleID == "" {
		return nil, ErrInvalidRule
	}
	if cause == nil {
		return nil, errors.New("record failure: nil cause")
	}

	now := alert.Normalize(time.Now())
	data, err := json.Marshal(map[string]string{
		"RULE":        ruleID,
		"ERROR_CLASS": errorClass(cause),
	})
	if err != nil {
		return nil, err
	}

	a := &alert.Alert{
		ID:      ulid.Make().String(),
		Counter: 1,
		Body: alert.Body{
			RuleID:      FailureRuleID,
			Object:      alert.Str(ruleID),
			Title:       alert.Str("Merge failed for rule " + ruleID),
			Description: alert.Str(cause.Error()),
			Detector:    alert.Str("tally"),
			Severity:    alert.Str("High"),
			EventTime:   now,
			AlertTime:   now,
			EventData:   data,
		},
	}

	stats := &Stats{Read: 1}
	fresh := func(yield func(Candidate, error) bool) {
		yield(Candidate{Alert: a, Ref: "failure:" + a.ID}, nil)
	}
	return s.run(ctx, FailureRuleID, alert.Aligned(now, failureWindow), fresh, stats)
}

func (s *Service) run(ctx context.Context, ruleID string, w alert.Window, fresh iter.Seq2[Candidate, error], stats *Stats) (*Outcome, error) {
	start := time.Now()
	runID := ulid.Make().String()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "merge.run", trace.WithAttributes(
		attribute.String("tally.rule.id", ruleID),
		attribute.String("tally.run.id", runID),
		attribute.String("tally.window.from", w.From.Format(time.RFC3339Nano)),
		attribute.String("tally.window.to", w.To.Format(time.RFC3339Nano)),
	))
	defer span.End()

	L := s.logger.With("rule", ruleID, "run_id", runID, "window", w.String())

	out, err := s.execute(ctx, ruleID, runID, w, fresh, stats)
	elapsed := time.Since(start)
	if s.hooks.OnMerge != nil {
		s.hooks.OnMerge(ruleID, errorClass(err), elapsed.Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "merge failed", "duration", elapsed)
		return nil, err
	}

	if s.hooks.OnFindings != nil {
		s.hooks.OnFindings(ruleID, out.Stats)
	}
	if s.hooks.OnWrites != nil {
		s.hooks.OnWrites(ruleID, len(out.Inserted), len(out.Updated))
	}

	span.SetAttributes(
		attribute.Int("tally.merge.existing", out.Stats.Existing),
		attribute.Int("tally.merge.fresh", out.Stats.Fresh),
		attribute.Int("tally.merge.inserted", len(out.Inserted)),
		attribute.Int("tally.merge.updated", len(out.Updated)),
	)

	L.Info(ctx, "merge complete",
		"existing", out.Stats.Existing,
		"read", out.Stats.Read,
		"folded", out.Stats.Folded,
		"fresh", out.Stats.Fresh,
		"malformed", out.Stats.Malformed,
		"inserted", len(out.Inserted),
		"updated", len(out.Updated),
		"unchanged", out.Unchanged,
		"duration", elapsed,
	)

	if s.publisher != nil && len(out.Inserted)+len(out.Updated) > 0 {
		if err := s.publisher.Publish(ctx, out); err != nil {
			L.Warn(ctx, "failed to publish merge outcome", "error", err)
		}
	}

	return out, nil
}

func (s *Service) execute(ctx context.Context, ruleID, runID string, w alert.Window, fresh iter.Seq2[Candidate, error], stats *Stats) (*Outcome, error) {
	var set []Candidate
	for c, err := range s.reconciler.WorkingSet(ctx, ruleID, w, fresh, stats) {
		if err != nil {
			return nil, err
		}
		set = append(set, c)
	}

	res, err := s.executor.Execute(ctx, ruleID, runID, set)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		RunID:     runID,
		RuleID:    ruleID,
		Window:    w,
		Stats:     *stats,
		Groups:    res.Groups,
		Inserted:  make([]string, 0, len(res.Inserted)),
		Updated:   make([]string, 0, len(res.Updated)),
		Unchanged: res.Unchanged,
	}
	for _, a := range res.Inserted {
		out.Inserted = append(out.Inserted, a.ID)
	}
	for _, a := range res.Updated {
		out.Updated = append(out.Updated, a.ID)
	}
	return out, nil
}

// Get retrieves one alert by id.
func (s *Service) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return a, ok, nil
}

// List returns the alerts of ruleID whose event time falls in w.
func (s *Service) List(ctx context.Context, ruleID string, w alert.Window) ([]*alert.Alert, error) {
	if ruleID == "" {
		return nil, ErrInvalidRule
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
	}

	out := []*alert.Alert{}
	for a, err := range s.store.Window(ctx, ruleID, w.Normalized()) {
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Ingest validates raw findings for ruleID and appends them to the source, returning the
// assigned refs. The whole batch is rejected if any row is malformed.
func (s *Service) Ingest(ctx context.Context, ruleID string, rows []json.RawMessage) ([]string, error) {
	if ruleID == "" {
		return nil, ErrInvalidRule
	}
	sink, ok := s.source.(Sink)
	if !ok {
		return nil, ErrIngestUnsupported
	}

	for i, row := range rows {
		if _, err := Project(ruleID, row); err != nil {
			return nil, fmt.Errorf("%w: finding %d: %w", ErrMalformedRecord, i, err)
		}
	}

	refs, err := sink.Append(ctx, ruleID, rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if s.hooks.OnIngest != nil {
		s.hooks.OnIngest(ruleID, len(refs))
	}
	return refs, nil
}
