package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IPExtractor derives the per-client key (the client IP) from an HTTP
// request. Proxy headers are only honored when the direct peer is trusted.
type IPExtractor struct {
	trustedNets []*net.IPNet // empty = always trust proxy headers
}

// NewIPExtractor compiles the trusted proxy CIDR list. An empty list keeps
// the legacy behavior of always trusting X-Forwarded-For and X-Real-IP.
func NewIPExtractor(trustedProxies []string) (*IPExtractor, error) {
	e := &IPExtractor{}
	for _, cidr := range trustedProxies {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		e.trustedNets = append(e.trustedNets, ipNet)
	}
	return e, nil
}

// ClientIP returns the client IP, checking X-Forwarded-For, X-Real-IP, then
// RemoteAddr. Proxy headers are ignored when RemoteAddr is not a trusted proxy.
func (e *IPExtractor) ClientIP(req *http.Request) string {
	remoteIP := remoteAddrIP(req.RemoteAddr)

	if e.trusts(remoteIP) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}

		if xri := req.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	return remoteIP
}

// trusts reports whether proxy headers from this peer should be honored.
func (e *IPExtractor) trusts(remoteIP string) bool {
	if len(e.trustedNets) == 0 {
		return true
	}
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return false
	}
	for _, n := range e.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// remoteAddrIP strips the port from a host:port RemoteAddr. Returns the
// input unchanged when it carries no port.
func remoteAddrIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}
