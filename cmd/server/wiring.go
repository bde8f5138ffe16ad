package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	tc "github.com/linnemanlabs/tally/internal/cfg"
	"github.com/linnemanlabs/tally/internal/merge"
	"github.com/linnemanlabs/tally/internal/merge/memstore"
	"github.com/linnemanlabs/tally/internal/merge/pgstore"
	"github.com/linnemanlabs/tally/internal/postgres"
	"github.com/linnemanlabs/tally/internal/source/memsource"
	"github.com/linnemanlabs/tally/internal/source/pgsource"
	"github.com/linnemanlabs/tally/internal/source/redissource"
)

// openStore returns the postgres alert store when a pool is available, the in-memory one otherwise.
func openStore(ctx context.Context, pool *pgxpool.Pool, L log.Logger) (merge.Store, error) {
	if pool == nil {
		L.Info(ctx, "using in-memory alert store (no database-url configured)")
		return memstore.New(), nil
	}
	st, err := pgstore.New(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres alert store")
	return st, nil
}

// openSource builds the configured finding source. The returned close func is never nil.
func openSource(ctx context.Context, c *tc.Config, pool *pgxpool.Pool, L log.Logger) (merge.Source, func(), error) {
	noop := func() {}
	switch c.SourceKind {
	case tc.SourceMemory:
		L.Info(ctx, "using in-memory finding source")
		return memsource.New(), noop, nil
	case tc.SourceRedis:
		src, err := redissource.New(ctx, redissource.Config{
			Addr:      c.RedisAddr,
			Password:  c.RedisPassword,
			DB:        c.RedisDB,
			KeyPrefix: c.RedisKeyPrefix,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("redis source: %w", err)
		}
		L.Info(ctx, "using redis finding source", "addr", c.RedisAddr, "prefix", c.RedisKeyPrefix)
		return src, func() {
			if err := src.Close(); err != nil {
				L.Warn(ctx, "redis close failed", "error", err)
			}
		}, nil
	case tc.SourcePostgres:
		if pool == nil {
			return nil, noop, fmt.Errorf("postgres source requires a database-url")
		}
		src, err := pgsource.New(ctx, pool)
		if err != nil {
			return nil, noop, fmt.Errorf("pgsource init: %w", err)
		}
		L.Info(ctx, "using postgres finding source")
		return src, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown finding source %q", c.SourceKind)
	}
}

// observeQueries registers the per-query duration histogram and installs it as the
// postgres query observer.
func observeQueries(reg prometheus.Registerer, slow time.Duration) {
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tally_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "route", "outcome"})
	reg.MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, origin, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(origin, route, outcome).Observe(dur.Seconds())
		},
	))
	postgres.SetSlowQueryThreshold(slow)
}
