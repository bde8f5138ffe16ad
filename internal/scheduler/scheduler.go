// Package scheduler runs periodic merge invocations for every enabled catalog rule.
//
// Each tick enqueues one job per rule covering the current aligned window and the
// rule's lookback windows. Jobs run on a bounded worker pool, at most one per rule at a
// time. Transient merge errors are retried with exponential backoff; a merge that still
// fails is recorded as a failure alert.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/tally/internal/alert"
	"github.com/linnemanlabs/tally/internal/catalog"
	"github.com/linnemanlabs/tally/internal/merge"
	"github.com/linnemanlabs/tally/internal/postgres"
)

const recordFailureTimeout = 30 * time.Second

// Merger is the part of merge.Service the scheduler drives.
type Merger interface {
	Merge(ctx context.Context, ruleID string, w alert.Window) (*merge.Outcome, error)
	RecordFailure(ctx context.Context, ruleID string, cause error) (*merge.Outcome, error)
}

// Hooks are optional callbacks for observability. Nil fields are skipped.
type Hooks struct {
	OnJob             func(ruleID, outcome string)
	OnSkip            func(ruleID, reason string)
	OnRetry           func(ruleID string)
	OnFailureRecorded func(ruleID string)
	OnTick            func(rules, queued int)
}

// Config controls tick rate, concurrency and retries.
type Config struct {
	Tick           time.Duration
	Workers        int
	QueueDepth     int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Job is one scheduled unit of work: merge Windows of Rule, oldest first.
type Job struct {
	Rule    catalog.Resolved
	Windows []alert.Window
}

// Scheduler drives merges for the rules returned by its rule provider.
type Scheduler struct {
	merger Merger
	rules  func() []catalog.Resolved
	cfg    Config
	logger log.Logger
	hooks  Hooks

	pool *pool[Job]

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Scheduler. rules is consulted on every tick so catalog reloads take
// effect without a restart.
func New(merger Merger, rules func() []catalog.Resolved, cfg Config, logger log.Logger, hooks Hooks) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Workers
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Scheduler{
		merger:   merger,
		rules:    rules,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
		inFlight: make(map[string]struct{}),
	}
}

// Run schedules merges every Tick until ctx is done, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Tick <= 0 {
		return fmt.Errorf("scheduler tick must be positive, got %s", s.cfg.Tick)
	}
	s.start(ctx)
	defer s.pool.Drain()

	s.logger.Info(ctx, "scheduler started", "tick", s.cfg.Tick, "workers", s.cfg.Workers, "queue_depth", s.cfg.QueueDepth)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "scheduler stopping")
			return nil
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) start(ctx context.Context) {
	s.pool = newPool(ctx, s.cfg.Workers, s.cfg.QueueDepth, s.runJob)
}

// Windows returns the aligned window containing now preceded by lookback earlier
// windows, oldest first.
func Windows(now time.Time, size time.Duration, lookback int) []alert.Window {
	out := make([]alert.Window, 0, lookback+1)
	for k := lookback; k >= 0; k-- {
		out = append(out, alert.Aligned(now.Add(-time.Duration(k)*size), size))
	}
	return out
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	rules := s.rules()
	for _, r := range rules {
		if !s.acquire(r.ID) {
			s.skip(ctx, r.ID, "in_flight")
			continue
		}
		if !s.pool.Submit(Job{Rule: r, Windows: Windows(now, r.Window, r.Lookback)}) {
			s.release(r.ID)
			s.skip(ctx, r.ID, "queue_full")
		}
	}
	if s.hooks.OnTick != nil {
		s.hooks.OnTick(len(rules), s.pool.QueueLen())
	}
}

func (s *Scheduler) skip(ctx context.Context, ruleID, reason string) {
	if s.hooks.OnSkip != nil {
		s.hooks.OnSkip(ruleID, reason)
	}
	s.logger.Warn(ctx, "scheduled merge skipped", "rule", ruleID, "reason", reason)
}

func (s *Scheduler) acquire(ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[ruleID]; busy {
		return false
	}
	s.inFlight[ruleID] = struct{}{}
	return true
}

func (s *Scheduler) release(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, ruleID)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.release(job.Rule.ID)

	ctx, cancel := context.WithTimeout(ctx, job.Rule.Timeout)
	defer cancel()
	ctx = postgres.NewStatsContext(postgres.WithRoute(postgres.WithOrigin(ctx, "scheduler"), "merge"))

	L := s.logger.With("rule", job.Rule.ID)
	start := time.Now()

	outcome := "ok"
	for _, w := range job.Windows {
		err := s.mergeWithRetry(ctx, job.Rule.ID, w)
		if err == nil {
			continue
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			outcome = "canceled"
			break
		}
		outcome = "failed"
		L.Error(ctx, err, "scheduled merge failed", "window", w.String())
		s.recordFailure(ctx, job.Rule.ID, err)
	}

	if s.hooks.OnJob != nil {
		s.hooks.OnJob(job.Rule.ID, outcome)
	}
	if st, ok := postgres.StatsFromContext(ctx); ok {
		queries, dbTime, dbErrs := st.Snapshot()
		L.Info(ctx, "scheduled merge finished",
			"outcome", outcome,
			"windows", len(job.Windows),
			"duration", time.Since(start),
			"db.queries", queries,
			"db.time", dbTime,
			"db.errors", dbErrs,
		)
	}
}

func (s *Scheduler) mergeWithRetry(ctx context.Context, ruleID string, w alert.Window) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (*merge.Outcome, error) {
		out, err := s.merger.Merge(ctx, ruleID, w)
		if err != nil && !merge.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries)+1), //nolint:gosec // MaxRetries is validated non-negative
		backoff.WithNotify(func(err error, next time.Duration) {
			if s.hooks.OnRetry != nil {
				s.hooks.OnRetry(ruleID)
			}
			s.logger.Warn(ctx, "retrying merge", "rule", ruleID, "window", w.String(), "backoff", next, "error", err)
		}),
	)
	return err
}

// recordFailure runs on a context detached from the job deadline, which may be what
// caused the failure.
func (s *Scheduler) recordFailure(ctx context.Context, ruleID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordFailureTimeout)
	defer cancel()

	if _, err := s.merger.RecordFailure(ctx, ruleID, cause); err != nil {
		s.logger.Error(ctx, err, "failed to record merge failure", "rule", ruleID)
		return
	}
	if s.hooks.OnFailureRecorded != nil {
		s.hooks.OnFailureRecorded(ruleID)
	}
}
