// Package catalog loads the rule catalog: which rules are merged, over which tumbling
// window, how many past windows are re-merged, and the per-invocation timeout.
package catalog

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/tally/internal/merge"
)

const (
	defaultWindow  = time.Hour
	defaultTimeout = 5 * time.Minute
)

// Defaults apply to every rule that leaves the field unset.
type Defaults struct {
	Window   time.Duration `yaml:"window"`
	Lookback *int          `yaml:"lookback"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Rule is one catalog entry.
type Rule struct {
	ID       string        `yaml:"id"`
	Enabled  *bool         `yaml:"enabled"`
	Window   time.Duration `yaml:"window"`
	Lookback *int          `yaml:"lookback"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Catalog is the parsed catalog file.
type Catalog struct {
	Defaults Defaults `yaml:"defaults"`
	Rules    []Rule   `yaml:"rules"`
}

// Resolved is a rule with defaults applied.
type Resolved struct {
	ID       string
	Window   time.Duration
	Lookback int
	Timeout  time.Duration
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses the catalog file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate checks ids and durations.
func (c *Catalog) Validate() error {
	var errs []error
	if c.Defaults.Window < 0 || c.Defaults.Timeout < 0 {
		errs = append(errs, errors.New("defaults: window and timeout must not be negative"))
	}
	if c.Defaults.Lookback != nil && *c.Defaults.Lookback < 0 {
		errs = append(errs, errors.New("defaults: lookback must not be negative"))
	}

	seen := make(map[string]struct{}, len(c.Rules))
	for i, r := range c.Rules {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("rule %d: id is required", i))
			continue
		case r.ID == merge.FailureRuleID:
			errs = append(errs, fmt.Errorf("rule %s: id is reserved", r.ID))
		}
		if _, dup := seen[r.ID]; dup {
			errs = append(errs, fmt.Errorf("rule %s: listed twice", r.ID))
		}
		seen[r.ID] = struct{}{}

		res := c.resolve(r)
		if res.Window < time.Microsecond {
			errs = append(errs, fmt.Errorf("rule %s: window must be at least 1µs", r.ID))
		}
		if res.Lookback < 0 {
			errs = append(errs, fmt.Errorf("rule %s: lookback must not be negative", r.ID))
		}
		if res.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("rule %s: timeout must be positive", r.ID))
		}
	}
	return errors.Join(errs...)
}

// Enabled returns the enabled rules with defaults applied, sorted by id.
func (c *Catalog) Enabled() []Resolved {
	out := make([]Resolved, 0, len(c.Rules))
	for _, r := range c.Rules {
		if r.Enabled != nil && !*r.Enabled {
			continue
		}
		out = append(out, c.resolve(r))
	}
	slices.SortFunc(out, func(a, b Resolved) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (c *Catalog) resolve(r Rule) Resolved {
	res := Resolved{ID: r.ID, Window: r.Window, Timeout: r.Timeout}
	if res.Window == 0 {
		res.Window = c.Defaults.Window
	}
	if res.Window == 0 {
		res.Window = defaultWindow
	}
	if res.Timeout == 0 {
		res.Timeout = c.Defaults.Timeout
	}
	if res.Timeout == 0 {
		res.Timeout = defaultTimeout
	}
	switch {
	case r.Lookback != nil:
		res.Lookback = *r.Lookback
	case c.Defaults.Lookback != nil:
		res.Lookback = *c.Defaults.Lookback
	default:
		res.Lookback = 1
	}
	return res
}
