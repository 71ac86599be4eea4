package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultOpTimeout = 150 * time.Millisecond
	defaultScanBatch = 256
	// defaultScanRate caps how many SCAN/DEL batches per second a bulk
	// invalidation may issue against the shared store.
	defaultScanRate = 50
)

// slidingWindowScript prunes, counts, conditionally admits and refreshes the
// key expiry in one server round trip, so checks from different application
// instances cannot interleave on the same key.
//
// KEYS[1] window zset
// ARGV[1] now (unix ms), ARGV[2] window (ms), ARGV[3] max, ARGV[4] member
//
// Returns {admitted, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max    = tonumber(ARGV[3])

-- The upper bound is exclusive: an entry at exactly now-window is still
-- inside the trailing window, matching the in-process adapter.
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, '(' .. (now - window))

local cnt = redis.call('ZCARD', KEYS[1])
local admitted = 0
if cnt < max then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  cnt = cnt + 1
  admitted = 1
end
redis.call('PEXPIRE', KEYS[1], window)

local oldest = 0
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if head[2] then
  oldest = tonumber(head[2])
end
return {admitted, cnt, oldest}
`)

// Redis is the shared-store Adapter. The underlying client is process-wide
// and shared by all concurrent requests; the client itself carries bounded
// dial, read and write timeouts plus a capped retry budget, and every command
// additionally runs under a per-operation deadline.
type Redis struct {
	client    redis.Cmdable
	opTimeout time.Duration
	scanBatch int64
	scanPace  *rate.Limiter
}

// RedisOption configures a Redis adapter.
type RedisOption func(*Redis)

// WithOpTimeout bounds each store command. Defaults to 150ms, which must stay
// below the enclosing request's own timeout budget.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// WithScanBatch sets the SCAN page size used by DeleteByPrefix and Size.
// Defaults to 256.
func WithScanBatch(n int64) RedisOption {
	return func(r *Redis) {
		if n > 0 {
			r.scanBatch = n
		}
	}
}

// WithScanRate caps the SCAN/DEL batches per second issued by bulk
// invalidation. Defaults to 50.
func WithScanRate(perSecond float64) RedisOption {
	return func(r *Redis) {
		if perSecond > 0 {
			r.scanPace = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewRedis wraps a pre-configured client (single node, sentinel or cluster).
// The caller owns the client's lifecycle.
func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{
		client:    client,
		opTimeout: defaultOpTimeout,
		scanBatch: defaultScanBatch,
		scanPace:  rate.NewLimiter(rate.Limit(defaultScanRate), 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

// SlidingWindow implements Adapter via the Lua script above.
func (r *Redis) SlidingWindow(parent context.Context, key string, now time.Time, window time.Duration, max int64, member string) (bool, int64, time.Time, error) {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()

	res, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), max, member).Result()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("%w: sliding window on %s: %v", ErrUnavailable, key, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return false, 0, time.Time{}, fmt.Errorf("%w: sliding window on %s: unexpected script result %T", ErrUnavailable, key, res)
	}

	admitted := toInt64(vals[0]) == 1
	count := toInt64(vals[1])
	var oldest time.Time
	if ms := toInt64(vals[2]); ms > 0 {
		oldest = time.UnixMilli(ms)
	}
	return admitted, count, oldest, nil
}

// Get implements Adapter. A redis.Nil reply is a plain miss.
func (r *Redis) Get(parent context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()

	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return val, true, nil
}

// Set implements Adapter using the store's native expiring-set primitive.
func (r *Redis) Set(parent context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parent)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Delete implements Adapter.
func (r *Redis) Delete(parent context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(parent)
	defer cancel()

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteByPrefix implements Adapter with cursor-based SCAN batches, paced so
// a large cache never monopolizes the shared store. Each batch runs under its
// own command deadline; the overall call is bounded by the parent context.
func (r *Redis) DeleteByPrefix(parent context.Context, prefix string) (int64, error) {
	var removed int64
	var cursor uint64
	match := prefix + "*"

	for {
		if err := r.scanPace.Wait(parent); err != nil {
			return removed, fmt.Errorf("%w: delete by prefix %s: %v", ErrUnavailable, prefix, err)
		}

		ctx, cancel := r.withTimeout(parent)
		keys, next, err := r.client.Scan(ctx, cursor, match, r.scanBatch).Result()
		cancel()
		if err != nil {
			return removed, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, match, err)
		}

		if len(keys) > 0 {
			ctx, cancel := r.withTimeout(parent)
			n, err := r.client.Del(ctx, keys...).Result()
			cancel()
			if err != nil {
				return removed, fmt.Errorf("%w: del batch under %s: %v", ErrUnavailable, prefix, err)
			}
			removed += n
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	log.Debug().Str("prefix", prefix).Int64("removed", removed).Msg("bulk invalidation complete")
	return removed, nil
}

// Size implements Adapter by walking the prefix with SCAN.
func (r *Redis) Size(parent context.Context, prefix string) (int64, error) {
	var total int64
	var cursor uint64
	match := prefix + "*"

	for {
		ctx, cancel := r.withTimeout(parent)
		keys, next, err := r.client.Scan(ctx, cursor, match, r.scanBatch).Result()
		cancel()
		if err != nil {
			return total, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, match, err)
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var out int64
		fmt.Sscan(n, &out)
		return out
	default:
		return 0
	}
}
