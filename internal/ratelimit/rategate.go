// Package ratelimit implements the sliding-window RPM/TPM gate: two
// independent dimensions (requests-per-minute gates admission, tokens-per-
// minute is debited after a completion) over Redis sorted sets.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// window is the sliding window duration every counter evaluates over.
const window = 60 * time.Second

// counterTTL is the Redis key TTL — longer than the window so a burst of
// admitted requests near the window edge doesn't expire the key mid-flight.
const counterTTL = 70 * time.Second

// slidingWindowScript atomically evicts expired members, counts the
// remainder, and conditionally adds a new member if admitting it would not
// exceed limit. It returns 1 if admitted, 0 if rejected, and the count
// observed (post-eviction, pre-add).
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now_ns = tonumber(ARGV[1])
local window_ns = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local increment = tonumber(ARGV[4])
local member = ARGV[5]
local ttl_ms = tonumber(ARGV[6])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ns - window_ns)
local count = redis.call('ZCARD', key)

if count + increment > limit then
	return {0, count}
end

for i = 1, increment do
	redis.call('ZADD', key, now_ns, member .. ':' .. i)
end
redis.call('PEXPIRE', key, ttl_ms)
return {1, count}
`)

// Gate is the per-virtual-key RPM/TPM sliding-window rate limiter.
type Gate struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewGate builds a Gate over an existing Redis client. log may be nil, in
// which case slog.Default() is used.
func NewGate(rdb *redis.Client, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{rdb: rdb, log: log}
}

// Decision is the outcome of an admission check, carrying the values needed
// to populate the X-RateLimit-* response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// dimension is "rpm" or "tpm", keeping the two counters independent per key.
func counterKey(virtualKeyID, dimension string) string {
	return fmt.Sprintf("ratelimit:%s:%s", virtualKeyID, dimension)
}

// AllowRequest admits or rejects a single request against the RPM limit. A
// limit of 0 or less means unlimited. On a Redis error the gate fails open —
// the request is admitted and Allowed is true.
func (g *Gate) AllowRequest(ctx context.Context, virtualKeyID string, limit int) (Decision, error) {
	return g.allow(ctx, counterKey(virtualKeyID, "rpm"), limit, 1)
}

// DebitTokens records token usage against the TPM dimension after a
// completion finishes. It is never itself an admission check — a request
// already in flight is never rejected for tokens it has already consumed —
// but a future AllowTokens call against the same window will see the debit.
func (g *Gate) DebitTokens(ctx context.Context, virtualKeyID string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	_, err := g.allow(ctx, counterKey(virtualKeyID, "tpm"), 1<<30, tokens)
	return err
}

// AllowTokens checks whether the TPM dimension has headroom for an upcoming
// request's estimated token cost; when it does, the estimate is recorded
// against the window, so later checks on the same key see it.
func (g *Gate) AllowTokens(ctx context.Context, virtualKeyID string, limit, estimatedTokens int) (Decision, error) {
	return g.allow(ctx, counterKey(virtualKeyID, "tpm"), limit, estimatedTokens)
}

func (g *Gate) allow(ctx context.Context, key string, limit, increment int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, ResetAt: time.Now().Add(window)}, nil
	}

	now := time.Now()
	member := uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, g.rdb, []string{key},
		now.UnixNano(), window.Nanoseconds(), limit, increment, member, counterTTL.Milliseconds()).Result()
	if err != nil {
		g.log.WarnContext(ctx, "ratelimit: counter store unreachable, failing open", "key", key, "error", err)
		return Decision{Allowed: true, Limit: limit, ResetAt: now.Add(window)}, nil
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Decision{Allowed: true, Limit: limit, ResetAt: now.Add(window)}, nil
	}

	admitted, _ := arr[0].(int64)
	count, _ := arr[1].(int64)

	remaining := limit - int(count)
	if admitted == 1 {
		remaining -= increment
	}
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   admitted == 1,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}
	if !d.Allowed {
		d.RetryAfter = window
	}
	return d, nil
}
