// Package geoip resolves client IPs to provider and location details for
// alert enrichment. Lookups go to an ip-api.com style JSON endpoint, are
// cached in process, and never fail the caller: any error degrades to a
// placeholder Info so alert delivery is never blocked on geodata.
package geoip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/gateguard/gateguard/internal/observability"
)

// Placeholder ISP values returned when no real lookup result is available.
const (
	PlaceholderLocal   = "Local/Internal"
	PlaceholderFailed  = "Lookup Failed"
	PlaceholderTimeout = "Lookup Timeout"
	PlaceholderError   = "Lookup Error"

	unknown = "N/A"
)

// cacheBudget bounds the in-process geodata cache (8 MiB).
const cacheBudget = 8 << 20

// Info describes the network a client IP belongs to. Fields fall back to
// "N/A" rather than empty strings so templated alerts stay readable.
type Info struct {
	ISP     string `json:"isp"`
	Org     string `json:"org"`
	Country string `json:"country"`
	City    string `json:"city"`
}

// Location renders "City, Country" for alert embeds.
func (i Info) Location() string {
	return i.City + ", " + i.Country
}

func (i Info) cost() int64 {
	return int64(unsafe.Sizeof(i)) + int64(len(i.ISP)+len(i.Org)+len(i.Country)+len(i.City))
}

// apiResponse is the upstream lookup payload.
type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Country string `json:"country"`
	City    string `json:"city"`
	ISP     string `json:"isp"`
	Org     string `json:"org"`
}

// Client performs cached IP geolocation lookups.
type Client struct {
	baseURL string
	timeout time.Duration
	ttl     time.Duration
	http    *http.Client
	cache   *ristretto.Cache[string, Info]
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewClient creates a lookup client against baseURL (an ip-api.com style
// JSON endpoint, without the trailing /{ip} segment).
func NewClient(baseURL string, timeout, cacheTTL time.Duration, logger *slog.Logger, metrics *observability.Metrics) (*Client, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, Info]{
		NumCounters: 100_000,
		MaxCost:     cacheBudget,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating geoip cache: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		ttl:     cacheTTL,
		http:    &http.Client{Timeout: timeout},
		cache:   cache,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Close releases the cache.
func (c *Client) Close() {
	c.cache.Close()
}

// Lookup resolves ip to provider and location details. Private and loopback
// addresses short-circuit to a local placeholder; upstream failures return a
// placeholder Info and are never surfaced as errors.
func (c *Client) Lookup(ctx context.Context, ip string) Info {
	clean := cleanIP(ip)
	if clean == "" || isPrivate(clean) {
		return Info{ISP: PlaceholderLocal, Org: unknown, Country: unknown, City: unknown}
	}

	if info, ok := c.cache.Get(clean); ok {
		return info
	}

	info := c.fetch(ctx, clean)
	c.cache.SetWithTTL(clean, info, info.cost(), c.ttl)
	c.cache.Wait()
	return info
}

func (c *Client) fetch(ctx context.Context, ip string) Info {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + "/" + ip + "?fields=status,message,country,city,isp,org"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.metrics.IncGeoErrors()
		return Info{ISP: PlaceholderError, Org: unknown, Country: unknown, City: unknown}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.IncGeoErrors()
		placeholder := PlaceholderError
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
			placeholder = PlaceholderTimeout
		}
		c.logger.Warn("geoip lookup failed", "ip", ip, "error", err)
		return Info{ISP: placeholder, Org: unknown, Country: unknown, City: unknown}
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.metrics.IncGeoErrors()
		c.logger.Warn("geoip response malformed", "ip", ip, "error", err)
		return Info{ISP: PlaceholderFailed, Org: unknown, Country: unknown, City: unknown}
	}

	// the upstream reports soft failures in-band with status != success
	if body.Status != "success" && body.Country == "" {
		c.metrics.IncGeoErrors()
		c.logger.Warn("geoip lookup rejected", "ip", ip, "message", body.Message)
		return Info{ISP: PlaceholderFailed, Org: unknown, Country: unknown, City: unknown}
	}

	return Info{
		ISP:     firstNonEmpty(body.ISP, body.Org, unknown),
		Org:     firstNonEmpty(body.Org, body.ISP, unknown),
		Country: firstNonEmpty(body.Country, unknown),
		City:    firstNonEmpty(body.City, unknown),
	}
}

// cleanIP strips an IPv4-mapped IPv6 prefix ("::ffff:1.2.3.4").
func cleanIP(ip string) string {
	if strings.HasPrefix(ip, "::ffff:") {
		if mapped := strings.TrimPrefix(ip, "::ffff:"); strings.Contains(mapped, ".") {
			return mapped
		}
	}
	return ip
}

// isPrivate reports whether ip is loopback, link-local or RFC 1918 space.
// Unparseable addresses count as private so they never leave the process.
func isPrivate(ip string) bool {
	if ip == "localhost" {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
