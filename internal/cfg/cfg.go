package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Finding source kinds.
const (
	SourceMemory   = "memory"
	SourceRedis    = "redis"
	SourcePostgres = "postgres"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string
	DatabaseURL           string
	DBSlowQueryMillis     int
	SourceKind            string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RedisKeyPrefix        string
	RulesFile             string
	SchedulerTickSeconds  int
	Workers               int
	QueueDepth            int
	MaxRetries            int
	MergeTimeoutSeconds   int
	SkipMalformed         bool
	NATSURL               string
	NATSSubject           string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated bearer tokens accepted by the API (empty = no auth)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory alert store)")
	fs.IntVar(&c.DBSlowQueryMillis, "db-slow-query-ms", 200, "log successful queries slower than this many milliseconds (0 = log all)")
	fs.StringVar(&c.SourceKind, "source", SourceMemory, "finding source: memory, redis or postgres")
	fs.StringVar(&c.RedisAddr, "redis-addr", "127.0.0.1:6379", "Redis address for the redis finding source")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.StringVar(&c.RedisKeyPrefix, "redis-key-prefix", "tally:findings", "Redis key prefix for finding indexes")
	fs.StringVar(&c.RulesFile, "rules-file", "", "YAML rule catalog for scheduled merges (empty = no scheduler)")
	fs.IntVar(&c.SchedulerTickSeconds, "scheduler-tick-seconds", 60, "seconds between scheduler ticks (1..86400)")
	fs.IntVar(&c.Workers, "workers", 4, "concurrent scheduled merges (1..256)")
	fs.IntVar(&c.QueueDepth, "queue-depth", 64, "scheduled merges waiting for a worker (1..100000)")
	fs.IntVar(&c.MaxRetries, "max-retries", 3, "retries of transient merge failures (0..20)")
	fs.IntVar(&c.MergeTimeoutSeconds, "merge-timeout-seconds", 300, "timeout of merges triggered over the API (1..3600)")
	fs.BoolVar(&c.SkipMalformed, "skip-malformed", false, "skip and count malformed findings instead of failing the merge")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS URL for merge outcome events (empty = disabled)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "tally.merges", "NATS subject for merge outcome events")
}

// Tokens returns the configured API tokens.
func (c *Config) Tokens() []string {
	var out []string
	for _, t := range strings.Split(c.APITokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBSlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMillis))
	}

	switch c.SourceKind {
	case SourceMemory:
	case SourceRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis source"))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
		}
	case SourcePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres source"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid SOURCE %q (must be memory, redis or postgres)", c.SourceKind))
	}

	// Scheduler
	if c.SchedulerTickSeconds <= 0 || c.SchedulerTickSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid SCHEDULER_TICK_SECONDS %d (must be 1..86400)", c.SchedulerTickSeconds))
	}
	if c.Workers <= 0 || c.Workers > 256 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..256)", c.Workers))
	}
	if c.QueueDepth <= 0 || c.QueueDepth > 100000 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_DEPTH %d (must be 1..100000)", c.QueueDepth))
	}
	if c.MaxRetries < 0 || c.MaxRetries > 20 {
		errs = append(errs, fmt.Errorf("invalid MAX_RETRIES %d (must be 0..20)", c.MaxRetries))
	}

	if c.MergeTimeoutSeconds <= 0 || c.MergeTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid MERGE_TIMEOUT_SECONDS %d (must be 1..3600)", c.MergeTimeoutSeconds))
	}

	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, errors.New("NATS_SUBJECT is required when NATS_URL is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
