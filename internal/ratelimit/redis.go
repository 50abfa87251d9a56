package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gateguard/gateguard/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// fixedWindowLua is the Lua source for atomic fixed-window counting.
//
// INCR and PEXPIRE must happen atomically so that a burst of concurrent
// first requests cannot leave the counter without a TTL (which would
// permanently rate-limit the key once it crossed the threshold).
//
// Returns {allowed (0|1), remaining, limit, reset_millis}.
//
// Keys: KEYS[1] = rate-limit key.
// Args: ARGV[1] = limit, ARGV[2] = window (ms).
const fixedWindowLua = `
local key       = KEYS[1]
local limit     = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local count = redis.call('incr', key)
if count == 1 then
  redis.call('pexpire', key, window_ms)
end

local ttl = redis.call('pttl', key)
if ttl < 0 then
  -- Key lost its TTL (e.g. restored from a dump). Re-arm the window.
  redis.call('pexpire', key, window_ms)
  ttl = window_ms
end

if count > limit then
  return {0, 0, limit, ttl}
end
return {1, limit - count, limit, ttl}
`

// fixedWindowScript uses go-redis to compute the SHA1 hash that Redis expects
// for EVALSHA, avoiding a direct crypto/sha1 import in this package.
var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// RedisLimiter performs fixed-window rate limiting against Redis. Counters
// are shared by every instance pointed at the same Redis, so the limit is
// cluster-wide.
type RedisLimiter struct {
	client    redis.Client
	logger    *slog.Logger
	src       string // Lua source text (for EVAL fallback)
	hash      string // SHA1 hex digest (for EVALSHA)
	limit     int64
	window    time.Duration
	keyPrefix string
	closed    atomic.Bool
}

// NewRedisLimiter creates a Redis-backed fixed-window limiter.
func NewRedisLimiter(client redis.Client, limit int64, window time.Duration, prefix string, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		logger:    logger,
		src:       fixedWindowLua,
		hash:      fixedWindowScript.Hash(),
		limit:     limit,
		window:    window,
		keyPrefix: prefix,
	}
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids sending the Lua source on every request.
func (l *RedisLimiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// Check counts the request identified by key against the current window.
func (l *RedisLimiter) Check(ctx context.Context, key string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}
	fullKey := l.keyPrefix + ":" + key

	cmd, err := l.evalScript(ctx, []string{fullKey}, l.limit, l.window.Milliseconds())
	if err != nil {
		if redis.IsConnectivityErr(err) {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		return nil, err
	}

	return parseScriptResult(cmd)
}

// Close marks the limiter as closed and closes the underlying Redis client.
func (l *RedisLimiter) Close() error {
	l.closed.Store(true)
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client (used for health checks).
func (l *RedisLimiter) Client() redis.Client {
	return l.client
}

// parseScriptResult parses the Lua {allowed, remaining, limit, reset_millis} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}

	if len(arr) != 4 {
		return nil, fmt.Errorf("script returned %d elements, want 4", len(arr))
	}

	allowed, err := toInt64(arr[0])
	if err != nil {
		return nil, fmt.Errorf("parsing allowed: %w", err)
	}

	remaining, err := toInt64(arr[1])
	if err != nil {
		return nil, fmt.Errorf("parsing remaining: %w", err)
	}

	limit, err := toInt64(arr[2])
	if err != nil {
		return nil, fmt.Errorf("parsing limit: %w", err)
	}

	resetMillis, err := toInt64(arr[3])
	if err != nil {
		return nil, fmt.Errorf("parsing reset: %w", err)
	}

	return &Result{
		Allowed:   allowed == 1,
		Remaining: remaining,
		Limit:     limit,
		ResetIn:   time.Duration(resetMillis) * time.Millisecond,
	}, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
