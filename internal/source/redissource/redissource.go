// Package redissource reads and appends raw findings kept in Redis.
//
// Each rule owns two keys: a sorted set "<prefix>:<rule>" whose members are finding refs
// scored by event time in unix microseconds, and a hash "<prefix>:<rule>:data" mapping
// refs to the raw JSON finding.
package redissource

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/tally/internal/alert"
	"github.com/linnemanlabs/tally/internal/merge"
)

const (
	defaultAddr   = "127.0.0.1:6379"
	defaultPrefix = "tally:findings"
	pageSize      = 500
)

// Config configures Redis access for finding storage.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Source is a Redis-backed finding source and sink.
type Source struct {
	client redis.UniversalClient
	prefix string
}

// New connects to Redis and returns a ready Source.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, prefix string) *Source {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultPrefix
	}
	return &Source{client: client, prefix: strings.TrimSpace(prefix)}
}

// Close closes the Redis client.
func (s *Source) Close() error {
	return s.client.Close()
}

func (s *Source) indexKey(ruleID string) string { return s.prefix + ":" + ruleID }
func (s *Source) dataKey(ruleID string) string  { return s.prefix + ":" + ruleID + ":data" }

func score(t time.Time) float64 {
	return float64(alert.Normalize(t).UnixMicro())
}

// Append stores rows for ruleID in one MULTI/EXEC and returns a new ref per row. Rows
// without a parseable EVENT_TIME are rejected and nothing is stored.
func (s *Source) Append(ctx context.Context, ruleID string, rows []json.RawMessage) ([]string, error) {
	refs := make([]string, len(rows))
	members := make([]redis.Z, len(rows))
	fields := make([]any, 0, 2*len(rows))
	for i, data := range rows {
		ts, err := alert.EventTimeOf(data)
		if err != nil {
			return nil, fmt.Errorf("%w: finding %d: %w", merge.ErrMalformedRecord, i, err)
		}
		refs[i] = ulid.Make().String()
		members[i] = redis.Z{Score: score(ts), Member: refs[i]}
		fields = append(fields, refs[i], []byte(data))
	}
	if len(rows) == 0 {
		return refs, nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey(ruleID), fields...)
		pipe.ZAdd(ctx, s.indexKey(ruleID), members...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append findings for rule %s: %w", ruleID, err)
	}
	return refs, nil
}

// Read yields the rule's findings whose event time falls in w, ordered by event time
// then ref. The window's refs are taken in one range read so findings appended while
// the sequence is consumed never shift or repeat entries; payloads are fetched in pages.
func (s *Source) Read(ctx context.Context, ruleID string, w alert.Window) iter.Seq2[merge.RawFinding, error] {
	return func(yield func(merge.RawFinding, error) bool) {
		refs, err := s.client.ZRangeByScore(ctx, s.indexKey(ruleID), &redis.ZRangeBy{
			Min: strconv.FormatInt(alert.Normalize(w.From).UnixMicro(), 10),
			Max: strconv.FormatInt(alert.Normalize(w.To).UnixMicro(), 10),
		}).Result()
		if err != nil {
			yield(merge.RawFinding{}, fmt.Errorf("read finding index for rule %s: %w", ruleID, err))
			return
		}

		for page := range slices.Chunk(refs, pageSize) {
			vals, err := s.client.HMGet(ctx, s.dataKey(ruleID), page...).Result()
			if err != nil {
				yield(merge.RawFinding{}, fmt.Errorf("read findings for rule %s: %w", ruleID, err))
				return
			}
			for i, v := range vals {
				// Index entries without data are dropped.
				data, ok := v.(string)
				if !ok {
					continue
				}
				if !yield(merge.RawFinding{Ref: page[i], Data: json.RawMessage(data)}, nil) {
					return
				}
			}
		}
	}
}
