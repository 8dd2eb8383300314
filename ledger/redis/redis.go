// Package redis provides a Redis-backed Ledger for inferbatch.
//
// Per-model daily totals are stored in Redis hashes and updated by an
// atomic Lua script, so several batch processes can share one ledger.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/inferbatch"
)

// Ledger is a Redis-backed inferbatch.Ledger.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var _ inferbatch.Ledger = (*Ledger)(nil)

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the Redis key prefix (default "inferbatch:ledger:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// New creates a new Redis-backed Ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		keyPrefix: "inferbatch:ledger:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) modelKey(model string) string {
	return l.keyPrefix + "model:" + model
}

func (l *Ledger) requestKey(id string) string {
	return l.keyPrefix + "req:" + id
}

// recordScript is a Lua script for an atomic, idempotent record.
// KEYS[1] = model hash key
// KEYS[2] = request dedup key
// ARGV[1] = now (unix seconds)
// ARGV[2] = next_midnight (unix seconds)
// ARGV[3] = has_id ("1" or "0")
// ARGV[4] = success ("1" or "0")
// ARGV[5] = estimated tokens
// ARGV[6] = prompt tokens
// ARGV[7] = completion tokens
// ARGV[8] = cost (decimal string)
//
// Returns:
//
//	1 = recorded
//	0 = duplicate request ID
var recordScript = goredis.NewScript(`
local model_key = KEYS[1]
local req_key = KEYS[2]
local now = tonumber(ARGV[1])
local next_midnight = tonumber(ARGV[2])

if ARGV[3] == "1" then
    local set = redis.call("SET", req_key, "1", "NX", "EX", 86400)
    if not set then
        return 0
    end
end

-- Lazy daily reset
local reset_at = tonumber(redis.call("HGET", model_key, "reset_at") or "0")
if now >= reset_at then
    redis.call("DEL", model_key)
    redis.call("HSET", model_key, "reset_at", tostring(next_midnight))
    redis.call("EXPIREAT", model_key, next_midnight + 86400)
end

redis.call("HINCRBY", model_key, "requests", 1)
if ARGV[4] == "0" then
    redis.call("HINCRBY", model_key, "failures", 1)
end
redis.call("HINCRBY", model_key, "estimated", tonumber(ARGV[5]))
redis.call("HINCRBY", model_key, "prompt", tonumber(ARGV[6]))
redis.call("HINCRBY", model_key, "completion", tonumber(ARGV[7]))
redis.call("HINCRBYFLOAT", model_key, "cost", ARGV[8])
return 1
`)

// Record adds an entry to today's totals of its model.
// Entries with an already recorded RequestID are ignored.
func (l *Ledger) Record(ctx context.Context, e inferbatch.LedgerEntry) error {
	now := l.now().UTC()

	hasID := "0"
	reqKey := l.requestKey("_none")
	if e.RequestID != "" {
		hasID = "1"
		reqKey = l.requestKey(e.RequestID)
	}

	success := "0"
	if e.Success {
		success = "1"
	}

	_, err := recordScript.Run(ctx, l.client,
		[]string{l.modelKey(e.Model), reqKey},
		now.Unix(), nextMidnightUTC(now).Unix(), hasID, success,
		e.EstimatedTokens, e.Usage.PromptTokens, e.Usage.CompletionTokens,
		strconv.FormatFloat(e.Cost.Total(), 'f', -1, 64),
	).Int64()
	if err != nil {
		return fmt.Errorf("inferbatch/redis: record: %w", err)
	}
	return nil
}

// Totals returns today's totals for a model.
func (l *Ledger) Totals(ctx context.Context, model string) (inferbatch.LedgerTotals, error) {
	vals, err := l.client.HMGet(ctx, l.modelKey(model),
		"reset_at", "requests", "failures", "estimated", "prompt", "completion", "cost",
	).Result()
	if err != nil {
		return inferbatch.LedgerTotals{}, fmt.Errorf("inferbatch/redis: totals: %w", err)
	}

	// Model not recorded yet.
	if vals[0] == nil {
		return inferbatch.LedgerTotals{}, nil
	}

	// Lazy reset check (read-only, don't write).
	if l.now().UTC().Unix() >= parseInt(vals[0]) {
		return inferbatch.LedgerTotals{}, nil
	}

	cost, _ := strconv.ParseFloat(asString(vals[6]), 64)
	return inferbatch.LedgerTotals{
		Requests:         parseInt(vals[1]),
		Failures:         parseInt(vals[2]),
		EstimatedTokens:  parseInt(vals[3]),
		PromptTokens:     parseInt(vals[4]),
		CompletionTokens: parseInt(vals[5]),
		Cost:             cost,
	}, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func parseInt(v any) int64 {
	n, _ := strconv.ParseInt(asString(v), 10, 64)
	return n
}

func nextMidnightUTC(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
