// Package pgstore provides a PostgreSQL implementation of merge.Store.
package pgstore

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/tally/internal/alert"
	"github.com/linnemanlabs/tally/internal/merge"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tally/internal/merge/pgstore")

//go:embed schema.sql
var schema string

// Store persists alerts and the merged-findings ledger in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The pool stays owned by the
// caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	}, attrs...)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT id, counter, body FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return a, true, nil
}

// Window yields the rule's alerts whose event time falls in w, ordered by event time then
// id. Rows are streamed from an open cursor; stopping early closes it.
func (s *Store) Window(ctx context.Context, ruleID string, w alert.Window) iter.Seq2[*alert.Alert, error] {
	return func(yield func(*alert.Alert, error) bool) {
		ctx, span := startSpan(ctx, "pgstore.Window", "SELECT", attribute.String("tally.rule.id", ruleID))
		defer span.End()

		rows, err := s.pool.Query(ctx,
			`SELECT id, counter, body FROM alerts
			 WHERE rule_id = $1 AND event_time >= $2 AND event_time <= $3
			 ORDER BY event_time, id`,
			ruleID, w.From, w.To,
		)
		if err != nil {
			yield(nil, fail(span, fmt.Errorf("query alerts: %w", err)))
			return
		}
		defer rows.Close()

		n := 0
		for rows.Next() {
			a, err := scanAlert(rows)
			if err != nil {
				yield(nil, fail(span, err))
				return
			}
			n++
			if !yield(a, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fail(span, fmt.Errorf("iterate alerts: %w", err)))
			return
		}
		span.SetAttributes(attribute.Int("db.rows", n))
	}
}

// Folded returns the refs already folded for the rule whose event time falls in w.
func (s *Store) Folded(ctx context.Context, ruleID string, w alert.Window) (map[string]struct{}, error) {
	ctx, span := startSpan(ctx, "pgstore.Folded", "SELECT", attribute.String("tally.rule.id", ruleID))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT ref FROM merged_findings
		 WHERE rule_id = $1 AND event_time >= $2 AND event_time <= $3`,
		ruleID, w.From, w.To,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query merged findings: %w", err))
	}
	refs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fail(span, fmt.Errorf("collect merged findings: %w", err))
	}

	out := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		out[r] = struct{}{}
	}
	return out, nil
}

// Apply commits every write and its ledger entries in one transaction. Invocations for
// the same rule are serialized by a transaction-scoped advisory lock; the counter guard
// and the conflict clauses reject anything another invocation already changed.
func (s *Store) Apply(ctx context.Context, ruleID, runID string, writes []merge.Write) error {
	ctx, span := startSpan(ctx, "pgstore.Apply", "UPSERT",
		attribute.String("tally.rule.id", ruleID),
		attribute.String("tally.run.id", runID),
		attribute.Int("tally.writes", len(writes)),
	)
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("%w: begin tx: %w", merge.ErrStoreWriteFailed, err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, ruleID); err != nil {
		return fail(span, classify(fmt.Errorf("lock rule %s: %w", ruleID, err)))
	}

	now := time.Now().UTC()
	for i := range writes {
		w := &writes[i]
		if w.Alert == nil {
			return fail(span, fmt.Errorf("write %d has no alert", i))
		}
		switch w.Op {
		case merge.OpUpdate:
			err = updateCounter(ctx, tx, ruleID, w, now)
		case merge.OpInsert:
			err = insertAlert(ctx, tx, ruleID, w, now)
		default:
			err = fmt.Errorf("write %d has unknown op %d", i, w.Op)
		}
		if err != nil {
			return fail(span, classify(err))
		}
		if err := recordRefs(ctx, tx, ruleID, runID, w, now); err != nil {
			return fail(span, classify(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, classify(fmt.Errorf("%w: commit: %w", merge.ErrStoreWriteFailed, err)))
	}
	return nil
}

func updateCounter(ctx context.Context, tx pgx.Tx, ruleID string, w *merge.Write, now time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE alerts SET counter = $1, updated_at = $2
		 WHERE id = $3 AND rule_id = $4 AND counter = $5 AND $1 >= counter`,
		w.Alert.Counter, now, w.Alert.ID, ruleID, w.PrevCounter,
	)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", w.Alert.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: alert %s changed since it was read (expected counter %d)",
			merge.ErrConcurrentModification, w.Alert.ID, w.PrevCounter)
	}
	return nil
}

func insertAlert(ctx context.Context, tx pgx.Tx, ruleID string, w *merge.Write, now time.Time) error {
	a := w.Alert
	body, err := json.Marshal(a.Body)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.ID, err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO alerts (
			id, rule_id, body, body_digest, object, description,
			event_time, alert_time, counter, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (rule_id, body_digest) DO NOTHING`,
		a.ID, ruleID, body, w.Digest, a.Object, a.Description,
		a.EventTime, a.AlertTime, a.Counter, now,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: an identical alert for rule %s was stored concurrently",
			merge.ErrConcurrentModification, ruleID)
	}
	return nil
}

func recordRefs(ctx context.Context, tx pgx.Tx, ruleID, runID string, w *merge.Write, now time.Time) error {
	if len(w.Refs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range w.Refs {
		batch.Queue(
			`INSERT INTO merged_findings (rule_id, ref, alert_id, event_time, run_id, merged_at)
			 VALUES ($1,$2,$3,$4,$5,$6)
			 ON CONFLICT (rule_id, ref) DO NOTHING`,
			ruleID, r.Ref, w.Alert.ID, r.EventTime, runID, now,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close() //nolint:errcheck // errors surface through Exec below

	for _, r := range w.Refs {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("record finding %q: %w", r.Ref, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: finding %q already folded", merge.ErrConcurrentModification, r.Ref)
		}
	}
	return br.Close()
}

// classify maps serialization failures, deadlocks and unique violations to
// ErrConcurrentModification, and values PostgreSQL cannot store (22P05, 22021) to
// ErrMalformedRecord.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %w", merge.ErrConcurrentModification, err)
		case "22P05", "22021":
			return fmt.Errorf("%w: %w", merge.ErrMalformedRecord, err)
		}
	}
	return err
}

func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		a    alert.Alert
		body []byte
	)
	if err := row.Scan(&a.ID, &a.Counter, &body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	if err := json.Unmarshal(body, &a.Body); err != nil {
		return nil, fmt.Errorf("unmarshal alert %s: %w", a.ID, err)
	}
	if bytes.Equal(bytes.TrimSpace(a.EventData), []byte("null")) {
		a.EventData = nil
	}
	a.EventTime = alert.Normalize(a.EventTime)
	a.AlertTime = alert.Normalize(a.AlertTime)
	return &a, nil
}
