package cfg

import (
	"flag"
	"math"
	"slices"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		APITokens:             "test-token-123",
		DBSlowQueryMillis:     200,
		SourceKind:            SourceMemory,
		SchedulerTickSeconds:  60,
		Workers:               4,
		QueueDepth:            64,
		MaxRetries:            3,
		MergeTimeoutSeconds:   300,
	}
}

func with(mut func(*Config)) Config {
	c := validBase()
	mut(&c)
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.SourceKind != SourceMemory {
		t.Errorf("SourceKind = %q, want %q", c.SourceKind, SourceMemory)
	}
	if c.Workers != 4 || c.QueueDepth != 64 || c.MaxRetries != 3 || c.SchedulerTickSeconds != 60 {
		t.Errorf("scheduler defaults = %d/%d/%d/%d", c.Workers, c.QueueDepth, c.MaxRetries, c.SchedulerTickSeconds)
	}
	if c.NATSSubject != "tally.merges" {
		t.Errorf("NATSSubject = %q, want tally.merges", c.NATSSubject)
	}
	if c.MergeTimeoutSeconds != 300 {
		t.Errorf("MergeTimeoutSeconds = %d, want 300", c.MergeTimeoutSeconds)
	}
	if c.APITokens != "" {
		t.Errorf("APITokens = %q, want empty", c.APITokens)
	}
	if c.SkipMalformed {
		t.Error("SkipMalformed should default to false")
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-api-tokens", "a,b",
		"-source", "redis",
		"-redis-addr", "redis:6379",
		"-rules-file", "/etc/tally/rules.yaml",
		"-skip-malformed",
		"-nats-url", "nats://nats:4222",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.SourceKind != SourceRedis || c.RedisAddr != "redis:6379" {
		t.Errorf("source = %q at %q", c.SourceKind, c.RedisAddr)
	}
	if c.RulesFile != "/etc/tally/rules.yaml" {
		t.Errorf("RulesFile = %q", c.RulesFile)
	}
	if !c.SkipMalformed {
		t.Error("SkipMalformed = false, want true")
	}
	if c.NATSURL != "nats://nats:4222" {
		t.Errorf("NATSURL = %q", c.NATSURL)
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()

	c := Config{APITokens: " a, ,b ,"}
	if got := c.Tokens(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Tokens() = %v, want [a b]", got)
	}
	if got := (&Config{}).Tokens(); len(got) != 0 {
		t.Errorf("Tokens() of empty = %v", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 60, 61 }),
			wantErr: false,
		},
		{
			name:    "redis source",
			cfg:     with(func(c *Config) { c.SourceKind, c.RedisAddr = SourceRedis, "redis:6379" }),
			wantErr: false,
		},
		{
			name:    "postgres source with database",
			cfg:     with(func(c *Config) { c.SourceKind, c.DatabaseURL = SourcePostgres, "postgres://db/tally" }),
			wantErr: false,
		},
		{
			name:    "zero retries",
			cfg:     with(func(c *Config) { c.MaxRetries = 0 }),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:    "no tokens",
			cfg:     with(func(c *Config) { c.APITokens = "" }),
			wantErr: false,
		},
		{
			name:      "merge timeout above max",
			cfg:       with(func(c *Config) { c.MergeTimeoutSeconds = 3601 }),
			wantErr:   true,
			errSubstr: []string{"MERGE_TIMEOUT_SECONDS"},
		},
		{
			name:      "negative slow query threshold",
			cfg:       with(func(c *Config) { c.DBSlowQueryMillis = -1 }),
			wantErr:   true,
			errSubstr: []string{"DB_SLOW_QUERY_MS"},
		},
		// Finding source
		{
			name:      "unknown source",
			cfg:       with(func(c *Config) { c.SourceKind = "kafka" }),
			wantErr:   true,
			errSubstr: []string{"SOURCE"},
		},
		{
			name:      "postgres source without database",
			cfg:       with(func(c *Config) { c.SourceKind = SourcePostgres }),
			wantErr:   true,
			errSubstr: []string{"DATABASE_URL"},
		},
		{
			name:      "redis source without address",
			cfg:       with(func(c *Config) { c.SourceKind = SourceRedis }),
			wantErr:   true,
			errSubstr: []string{"REDIS_ADDR"},
		},
		// Scheduler
		{
			name:      "zero workers",
			cfg:       with(func(c *Config) { c.Workers = 0 }),
			wantErr:   true,
			errSubstr: []string{"WORKERS"},
		},
		{
			name:      "queue too deep",
			cfg:       with(func(c *Config) { c.QueueDepth = 100001 }),
			wantErr:   true,
			errSubstr: []string{"QUEUE_DEPTH"},
		},
		{
			name:      "negative retries",
			cfg:       with(func(c *Config) { c.MaxRetries = -1 }),
			wantErr:   true,
			errSubstr: []string{"MAX_RETRIES"},
		},
		{
			name:      "zero tick",
			cfg:       with(func(c *Config) { c.SchedulerTickSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SCHEDULER_TICK_SECONDS"},
		},
		{
			name:      "nats without subject",
			cfg:       with(func(c *Config) { c.NATSURL, c.NATSSubject = "nats://n:4222", "" }),
			wantErr:   true,
			errSubstr: []string{"NATS_SUBJECT"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "SOURCE", "MERGE_TIMEOUT_SECONDS", "WORKERS", "QUEUE_DEPTH", "SCHEDULER_TICK_SECONDS"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, workers int
		source                       string
	}{
		{60, 90, 8080, 4, "memory"},
		{1, 2, 1, 1, "memory"},
		{299, 300, 65535, 256, "memory"},
		{0, 0, 0, 0, ""},
		{-1, -1, -1, -1, "redis"},
		{300, 300, 65535, 257, "memory"},
		{150, 100, 8080, 4, "kafka"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.workers, s.source)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, workers int, source string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.Workers = workers
		c.SourceKind = source
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		workersOK := workers >= 1 && workers <= 256
		sourceOK := source == SourceMemory || (source == SourceRedis && c.RedisAddr != "")

		allValid := drainOK && budgetOK && portOK && crossOK && workersOK && sourceOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
