// Package blacklist maintains the in-process blocked IP set. The
// authoritative list is a remote JSON document (a flat array of IP strings)
// that is either polled on a fixed interval or refreshed lazily per request
// when the cached copy goes stale. Lookups always hit local memory; a fetch
// failure degrades to the previous snapshot, never to an outage.
package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gateguard/gateguard/internal/config"
	"github.com/gateguard/gateguard/internal/observability"
	"golang.org/x/sync/singleflight"
)

// maxDocumentSize caps the remote document read (1 MiB). A blocklist larger
// than this is almost certainly a misconfigured URL.
const maxDocumentSize = 1 << 20

// Set is an immutable snapshot of blocked IPs. Never mutate a Set that has
// been published; copy-on-write instead.
type Set map[string]struct{}

// Contains reports whether ip is blocked.
func (s Set) Contains(ip string) bool {
	_, ok := s[ip]
	return ok
}

// equal reports whether both sets hold exactly the same IPs.
func (s Set) equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for ip := range s {
		if _, ok := other[ip]; !ok {
			return false
		}
	}
	return true
}

// IPs returns the blocked IPs in sorted order.
func (s Set) IPs() []string {
	out := make([]string, 0, len(s))
	for ip := range s {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// Source fetches the remote blocklist document over HTTP.
type Source struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewSource creates a fetcher for the remote blocklist document.
func NewSource(url string, timeout time.Duration, logger *slog.Logger) *Source {
	return &Source{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Fetch downloads and parses the blocklist. Blank entries are skipped;
// a malformed document is an error (the caller keeps its previous copy).
func (s *Source) Fetch(ctx context.Context) (Set, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building blocklist request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching blocklist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching blocklist: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("reading blocklist body: %w", err)
	}

	var ips []string
	if err := json.Unmarshal(body, &ips); err != nil {
		return nil, fmt.Errorf("parsing blocklist document: %w", err)
	}

	set := make(Set, len(ips))
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		set[ip] = struct{}{}
	}
	return set, nil
}

// Cache holds the current blocked IP set and keeps it fresh according to
// the configured strategy. Reads are lock-free via atomic pointer swap.
type Cache struct {
	src          *Source // nil when no remote URL is configured
	strategy     config.BlacklistStrategy
	pollInterval time.Duration
	ttl          time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics

	cur       atomic.Pointer[Set]
	fetchedAt atomic.Int64 // unix nanos of the last successful fetch
	sf        singleflight.Group
}

// NewCache creates a blocklist cache starting from an empty set. Pass a nil
// src to run purely on locally administered entries.
func NewCache(src *Source, strategy config.BlacklistStrategy, pollInterval, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Cache {
	c := &Cache{
		src:          src,
		strategy:     strategy,
		pollInterval: pollInterval,
		ttl:          ttl,
		logger:       logger,
		metrics:      metrics,
	}
	empty := make(Set)
	c.cur.Store(&empty)
	return c
}

// Run drives the poll strategy: an immediate refresh, then one per interval.
// Blocks until ctx is canceled. A no-op for the perrequest strategy.
func (c *Cache) Run(ctx context.Context) {
	if c.src == nil || c.strategy != config.BlacklistStrategyPoll {
		return
	}

	c.refresh(ctx)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

// refresh fetches the remote document and swaps in the new set. Concurrent
// callers are coalesced into a single fetch. Failures keep the old set.
func (c *Cache) refresh(ctx context.Context) {
	if c.src == nil {
		return
	}

	_, _, _ = c.sf.Do("refresh", func() (any, error) {
		set, err := c.src.Fetch(ctx)
		if err != nil {
			c.metrics.IncFetchErrors()
			c.logger.Warn("blocklist fetch failed, keeping previous copy",
				"error", err, "size", len(*c.cur.Load()))
			return nil, err
		}

		old := c.cur.Load()
		c.cur.Store(&set)
		c.fetchedAt.Store(time.Now().UnixNano())
		c.metrics.SetBlacklistSize(len(set))

		// Size and membership both count: a same-size document can
		// still swap one IP for another.
		if !set.equal(*old) {
			c.logger.Info("blocklist updated", "size", len(set), "previous", len(*old))
		}
		return nil, nil
	})
}

// stale reports whether the cached copy has outlived the TTL.
func (c *Cache) stale() bool {
	last := c.fetchedAt.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) > c.ttl
}

// IsBlocked reports whether ip is on the blocklist. Under the perrequest
// strategy a stale cache triggers a (coalesced) refresh first; a failed
// refresh fails open on the previous snapshot.
func (c *Cache) IsBlocked(ctx context.Context, ip string) bool {
	if c.strategy == config.BlacklistStrategyPerRequest && c.src != nil && c.stale() {
		c.refresh(ctx)
	}
	return c.cur.Load().Contains(ip)
}

// Snapshot returns the current blocked IPs, sorted.
func (c *Cache) Snapshot() []string {
	return c.cur.Load().IPs()
}

// Len returns the current blocklist size.
func (c *Cache) Len() int {
	return len(*c.cur.Load())
}

// Add inserts ip into the local set immediately (copy-on-write). The remote
// document is updated separately by the admin handler; the next successful
// fetch reconciles.
func (c *Cache) Add(ip string) {
	for {
		old := c.cur.Load()
		if old.Contains(ip) {
			return
		}
		next := make(Set, len(*old)+1)
		for k := range *old {
			next[k] = struct{}{}
		}
		next[ip] = struct{}{}
		if c.cur.CompareAndSwap(old, &next) {
			c.metrics.SetBlacklistSize(len(next))
			return
		}
	}
}

// Remove deletes ip from the local set immediately (copy-on-write).
func (c *Cache) Remove(ip string) {
	for {
		old := c.cur.Load()
		if !old.Contains(ip) {
			return
		}
		next := make(Set, len(*old))
		for k := range *old {
			if k != ip {
				next[k] = struct{}{}
			}
		}
		if c.cur.CompareAndSwap(old, &next) {
			c.metrics.SetBlacklistSize(len(next))
			return
		}
	}
}

// MaskIP obscures the host portion of an address for public listings:
// "203.0.113.9" becomes "203.0.x.x", IPv6 keeps its first two groups.
func MaskIP(ip string) string {
	if strings.Contains(ip, ":") {
		groups := strings.Split(ip, ":")
		if len(groups) <= 2 {
			return ip
		}
		// Compressed forms split into empty leading groups: "::1"
		// becomes ["", "", "1"].
		if groups[0] == "" {
			return "::x"
		}
		if groups[1] == "" {
			return groups[0] + "::x"
		}
		return groups[0] + ":" + groups[1] + "::x"
	}

	octets := strings.Split(ip, ".")
	if len(octets) != 4 {
		return ip
	}
	return octets[0] + "." + octets[1] + ".x.x"
}

// MaskedList returns the current blocklist with every entry masked.
func (c *Cache) MaskedList() []string {
	ips := c.Snapshot()
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = MaskIP(ip)
	}
	return out
}
