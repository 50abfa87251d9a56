package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gateguard/gateguard/internal/config"
	"github.com/gateguard/gateguard/internal/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.Default()

func newTestRedisClient(t *testing.T) (redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestNewRedisLimiter(t *testing.T) {
	t.Run("creates limiter with correct parameters", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewRedisLimiter(client, 30, time.Minute, "gateguard:rl", testLogger)

		assert.NotNil(t, l)
		assert.Equal(t, int64(30), l.limit)
		assert.Equal(t, time.Minute, l.window)
		assert.Equal(t, "gateguard:rl", l.keyPrefix)
		assert.NotEmpty(t, l.src)
		assert.NotEmpty(t, l.hash)
	})
}

func TestRedisLimiterCheck(t *testing.T) {
	t.Run("allows requests within the window limit", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewRedisLimiter(client, 5, time.Minute, "gateguard:rl", testLogger)

		for i := 0; i < 5; i++ {
			result, err := l.Check(context.Background(), "10.0.0.1")
			require.NoError(t, err)
			assert.True(t, result.Allowed, "request %d should be allowed", i)
			assert.Equal(t, int64(5), result.Limit)
			assert.Equal(t, int64(4-i), result.Remaining)
		}
	})

	t.Run("denies requests past the limit", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewRedisLimiter(client, 3, time.Minute, "gateguard:rl", testLogger)

		for i := 0; i < 3; i++ {
			result, err := l.Check(context.Background(), "10.0.0.2")
			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}

		result, err := l.Check(context.Background(), "10.0.0.2")
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.Equal(t, int64(0), result.Remaining)
		assert.Greater(t, result.RetryAfter(), time.Duration(0))
	})

	t.Run("window expiry resets the counter", func(t *testing.T) {
		client, mr := newTestRedisClient(t)
		l := NewRedisLimiter(client, 2, time.Minute, "gateguard:rl", testLogger)

		for i := 0; i < 2; i++ {
			result, err := l.Check(context.Background(), "10.0.0.3")
			require.NoError(t, err)
			assert.True(t, result.Allowed)
		}

		result, err := l.Check(context.Background(), "10.0.0.3")
		require.NoError(t, err)
		assert.False(t, result.Allowed)

		// Jump past the end of the window.
		mr.FastForward(61 * time.Second)

		result, err = l.Check(context.Background(), "10.0.0.3")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, int64(1), result.Remaining)
	})

	t.Run("keys are tracked independently", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewRedisLimiter(client, 1, time.Minute, "gateguard:rl", testLogger)

		result, err := l.Check(context.Background(), "10.0.0.4")
		require.NoError(t, err)
		assert.True(t, result.Allowed)

		result, err = l.Check(context.Background(), "10.0.0.4")
		require.NoError(t, err)
		assert.False(t, result.Allowed)

		// A different key still has a fresh window.
		result, err = l.Check(context.Background(), "10.0.0.5")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	})

	t.Run("works after Redis data is flushed", func(t *testing.T) {
		client, mr := newTestRedisClient(t)
		l := NewRedisLimiter(client, 5, time.Minute, "gateguard:rl", testLogger)

		result, err := l.Check(context.Background(), "10.0.0.6")
		require.NoError(t, err)
		assert.True(t, result.Allowed)

		// FLUSHALL also drops the script cache; EVALSHA must fall back to EVAL.
		mr.FlushAll()

		result, err = l.Check(context.Background(), "10.0.0.6")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, int64(4), result.Remaining)
	})

	t.Run("returns error after Close", func(t *testing.T) {
		client, _ := newTestRedisClient(t)
		l := NewRedisLimiter(client, 5, time.Minute, "gateguard:rl", testLogger)

		require.NoError(t, l.Close())

		_, err := l.Check(context.Background(), "10.0.0.7")
		assert.ErrorIs(t, err, ErrLimiterClosed)
	})

	t.Run("returns error when Redis is down", func(t *testing.T) {
		client, mr := newTestRedisClient(t)
		l := NewRedisLimiter(client, 5, time.Minute, "gateguard:rl", testLogger)

		mr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_, err := l.Check(ctx, "10.0.0.8")
		assert.Error(t, err)
	})
}

func TestParseScriptResult(t *testing.T) {
	t.Run("rejects wrong element count", func(t *testing.T) {
		_, err := parseScriptResult(fakeCmd{vals: []any{int64(1), int64(2)}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "want 4")
	})

	t.Run("parses string numbers", func(t *testing.T) {
		res, err := parseScriptResult(fakeCmd{vals: []any{"1", "9", "10", "30000"}})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(9), res.Remaining)
		assert.Equal(t, int64(10), res.Limit)
		assert.Equal(t, 30*time.Second, res.ResetIn)
	})
}

type fakeCmd struct {
	vals []any
	err  error
}

func (c fakeCmd) Slice() ([]any, error) { return c.vals, c.err }
