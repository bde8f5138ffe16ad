// Package pgsource provides a PostgreSQL finding source and sink backed by the
// rule_findings table.
package pgsource

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/tally/internal/alert"
	"github.com/linnemanlabs/tally/internal/merge"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tally/internal/source/pgsource")

//go:embed schema.sql
var schema string

// Source reads and appends raw findings in PostgreSQL.
type Source struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Source.
func New(ctx context.Context, pool *pgxpool.Pool) (*Source, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Source{pool: pool}, nil
}

// Append stores rows for ruleID with a single COPY and returns a new ref per row. Rows
// without a parseable EVENT_TIME are rejected and nothing is stored.
func (s *Source) Append(ctx context.Context, ruleID string, rows []json.RawMessage) ([]string, error) {
	ctx, span := tracer.Start(ctx, "pgsource.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "COPY"),
		attribute.String("tally.rule.id", ruleID),
		attribute.Int("tally.findings", len(rows)),
	))
	defer span.End()

	refs := make([]string, len(rows))
	copyRows := make([][]any, len(rows))
	now := time.Now().UTC()
	for i, data := range rows {
		ts, err := alert.EventTimeOf(data)
		if err != nil {
			return nil, fmt.Errorf("%w: finding %d: %w", merge.ErrMalformedRecord, i, err)
		}
		refs[i] = ulid.Make().String()
		copyRows[i] = []any{refs[i], ruleID, ts, []byte(data), now}
	}
	if len(rows) == 0 {
		return refs, nil
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"rule_findings"},
		[]string{"ref", "rule_id", "event_time", "finding", "received_at"},
		pgx.CopyFromRows(copyRows),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("copy findings for rule %s: %w", ruleID, err)
	}
	return refs, nil
}

// Read yields the rule's findings whose event time falls in w, ordered by event time
// then ref.
func (s *Source) Read(ctx context.Context, ruleID string, w alert.Window) iter.Seq2[merge.RawFinding, error] {
	return func(yield func(merge.RawFinding, error) bool) {
		ctx, span := tracer.Start(ctx, "pgsource.Read", trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation.name", "SELECT"),
			attribute.String("tally.rule.id", ruleID),
		))
		defer span.End()

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(merge.RawFinding{}, err)
		}

		rows, err := s.pool.Query(ctx,
			`SELECT ref, finding FROM rule_findings
			 WHERE rule_id = $1 AND event_time >= $2 AND event_time <= $3
			 ORDER BY event_time, ref`,
			ruleID, w.From, w.To,
		)
		if err != nil {
			fail(fmt.Errorf("query findings: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				f    merge.RawFinding
				data []byte
			)
			if err := rows.Scan(&f.Ref, &data); err != nil {
				fail(fmt.Errorf("scan finding: %w", err))
				return
			}
			f.Data = data
			if !yield(f, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			fail(fmt.Errorf("iterate findings: %w", err))
		}
	}
}
