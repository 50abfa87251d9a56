package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the default memory budget for the window cache (64 MiB).
const defaultMaxCost = 64 << 20

// windowCost is the approximate memory footprint of a single window entry.
// Used as the cost parameter so ristretto can manage eviction by real memory
// rather than an arbitrary key count.
var windowCost = int64(unsafe.Sizeof(window{}))

// MemoryLimiter provides per-key fixed-window rate limiting using local memory.
//
// IMPORTANT: This limiter is NOT globally consistent. Each instance maintains
// its own independent counters, so behind a load balancer the effective limit
// is per-instance, not per-fleet. Use the Redis backend when that matters.
//
// Internally, ristretto handles concurrency, TTL-based expiry, and
// admission/eviction (TinyLFU policy) within the configured memory budget.
// The window state is stored per key with a per-window mutex so that hot
// paths only contend on the individual key, not a global lock.
type MemoryLimiter struct {
	cache  *ristretto.Cache[string, *window]
	limit  int64
	window time.Duration
	closed atomic.Bool
}

type window struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
}

// NewMemoryLimiter creates an in-memory fixed-window limiter backed by
// ristretto. Ristretto manages admission, eviction (TinyLFU), and TTL-based
// expiry within a fixed memory budget (64 MiB by default).
func NewMemoryLimiter(limit int64, windowDur time.Duration) *MemoryLimiter {
	// Estimate the expected number of items so the frequency sketch is accurate.
	// NumCounters should be ~10x the expected max items.
	estimatedItems := defaultMaxCost / windowCost
	numCounters := estimatedItems * 10

	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: numCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &MemoryLimiter{
		cache:  cache,
		limit:  limit,
		window: windowDur,
	}
}

// Check counts the request identified by key against the current window.
func (l *MemoryLimiter) Check(_ context.Context, key string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}

	now := time.Now()

	w, found := l.cache.Get(key)
	if !found {
		// New key, open a fresh window with this request counted.
		w = &window{count: 1, resetAt: now.Add(l.window)}
		l.cache.SetWithTTL(key, w, windowCost, l.window)
		// Wait ensures the window is visible to subsequent Gets. This only
		// blocks on the first request for a key; the hot path (cache hit)
		// has zero extra cost.
		l.cache.Wait()
		return &Result{
			Allowed:   true,
			Remaining: l.limit - 1,
			Limit:     l.limit,
			ResetIn:   l.window,
		}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.After(w.resetAt) {
		// Window rolled over while the entry was still cached.
		w.count = 0
		w.resetAt = now.Add(l.window)
	}

	w.count++
	resetIn := w.resetAt.Sub(now)

	if w.count > l.limit {
		return &Result{
			Allowed:   false,
			Remaining: 0,
			Limit:     l.limit,
			ResetIn:   resetIn,
		}, nil
	}

	return &Result{
		Allowed:   true,
		Remaining: l.limit - w.count,
		Limit:     l.limit,
		ResetIn:   resetIn,
	}, nil
}

// Close releases resources held by the cache. Safe to call multiple times.
func (l *MemoryLimiter) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if l.cache != nil {
		l.cache.Close()
	}
	return nil
}
