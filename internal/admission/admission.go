// Package admission implements the request admission pipeline for GateGuard.
// Every request passes blocklist check → rate limit → endpoint resolve and
// API key check before reaching its handler. Each stage is optional and
// degrades open: a failing rate-limit backend or geodata lookup never takes
// the gateway down with it.
package admission

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gateguard/gateguard/internal/alert"
	"github.com/gateguard/gateguard/internal/blacklist"
	"github.com/gateguard/gateguard/internal/geoip"
	"github.com/gateguard/gateguard/internal/observability"
	"github.com/gateguard/gateguard/internal/ratelimit"
	"github.com/gateguard/gateguard/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("gateguard.admission")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// apiKeyHeader is the alternative API key carrier to the ?apikey= parameter.
const apiKeyHeader = "X-API-Key"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 avoids a syscall per ID, which matters under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to
// propagate. Rejects IDs that are too long or contain non-printable /
// injection characters.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// pipelineExempt are the public informational paths that bypass the
// blocklist and rate-limit stages, so a blocked or quota-exhausted caller
// can still inspect its own standing and an admin can undo a mistaken
// block. The admin prefix is exempted separately in each stage.
var pipelineExempt = map[string]struct{}{
	"/":                    {},
	"/api/endpoint-status": {},
	"/api/submit-report":   {},
	"/api/blacklist-info":  {},
	"/api/my-ip":           {},
	"/manage-blacklist":    {},
}

// staticAssetExts marks request paths the pipeline treats as frontend
// assets: no rate limiting, no key check, no activity alerts.
var staticAssetExts = map[string]struct{}{
	".html": {}, ".css": {}, ".js": {}, ".png": {}, ".jpg": {}, ".jpeg": {},
	".gif": {}, ".ico": {}, ".svg": {}, ".woff": {}, ".woff2": {}, ".ttf": {},
	".eot": {}, ".map": {}, ".mp3": {}, ".json": {}, ".txt": {},
}

func isStaticAsset(path string) bool {
	if path == "/favicon.ico" {
		return true
	}
	if i := strings.LastIndexByte(path, '.'); i >= 0 && !strings.ContainsRune(path[i:], '/') {
		_, ok := staticAssetExts[strings.ToLower(path[i:])]
		return ok
	}
	return false
}

// keyCheckExempt reports whether the key stage skips path entirely: the
// public surface, the admin routes, and anything that looks like an asset.
func keyCheckExempt(path string) bool {
	if _, ok := pipelineExempt[path]; ok {
		return true
	}
	return strings.HasPrefix(path, "/admin/") ||
		strings.HasPrefix(path, "/images/") ||
		strings.HasPrefix(path, "/audio/") ||
		isStaticAsset(path)
}

// jsonErrorResponse is the structured error body returned by GateGuard.
type jsonErrorResponse struct {
	Status     bool    `json:"status"`
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// WriteJSONError writes a structured JSON error response, preserving any
// rate-limit headers already set.
func WriteJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	resp := jsonErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get(requestIDHeader),
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

type ctxKey int

const clientIPKey ctxKey = iota

// ClientIP returns the client IP the pipeline resolved for this request.
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Deps wires the pipeline's collaborators. Blocklist, Limiter, Geo and
// Alerts are each optional; a nil value disables that stage.
type Deps struct {
	Next      http.Handler
	Blocklist *blacklist.Cache
	Limiter   ratelimit.Backend
	Registry  *registry.Registry
	Keys      *registry.KeySet
	Extractor *ratelimit.IPExtractor
	Geo       *geoip.Client
	Alerts    *alert.Dispatcher

	// InjectDefault rewrites keyless requests against public registered
	// endpoints to carry the first configured API key.
	InjectDefault bool

	// ExemptPaths are skipped by the rate limiter in addition to the
	// built-in public surface.
	ExemptPaths []string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Pipeline is the admission http.Handler.
type Pipeline struct {
	next      http.Handler
	blocklist *blacklist.Cache
	registry  *registry.Registry
	keys      *registry.KeySet
	extractor *ratelimit.IPExtractor
	geo       *geoip.Client
	alerts    *alert.Dispatcher

	// limiter is swappable for config hot-reload. nil disables the stage.
	limiter atomic.Pointer[ratelimit.Backend]

	injectDefault atomic.Bool
	exempt        map[string]struct{}

	logger  *slog.Logger
	metrics *observability.Metrics
}

// SetInjectDefault toggles default-key injection, used on config reload.
func (p *Pipeline) SetInjectDefault(on bool) {
	p.injectDefault.Store(on)
}

// SwapLimiter replaces the rate-limit backend and returns the previous one
// so the caller can close it. A nil backend disables the stage.
func (p *Pipeline) SwapLimiter(l ratelimit.Backend) ratelimit.Backend {
	var old *ratelimit.Backend
	if l == nil {
		old = p.limiter.Swap(nil)
	} else {
		old = p.limiter.Swap(&l)
	}
	if old == nil {
		return nil
	}
	return *old
}

// New creates the admission pipeline around deps.Next.
func New(deps Deps) *Pipeline {
	exempt := make(map[string]struct{}, len(deps.ExemptPaths))
	for _, path := range deps.ExemptPaths {
		exempt[path] = struct{}{}
	}
	p := &Pipeline{
		next:      deps.Next,
		blocklist: deps.Blocklist,
		registry:  deps.Registry,
		keys:      deps.Keys,
		extractor: deps.Extractor,
		geo:       deps.Geo,
		alerts:    deps.Alerts,
		exempt:    exempt,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
	if deps.Limiter != nil {
		p.limiter.Store(&deps.Limiter)
	}
	p.injectDefault.Store(deps.InjectDefault)
	return p
}

// ServeHTTP processes the request through blocklist → rate limit → key check.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	ip := p.extractor.ClientIP(r)
	r = r.WithContext(context.WithValue(r.Context(), clientIPKey, ip))

	path := r.URL.Path
	keyUsed := r.URL.Query().Get("apikey") != "" || r.Header.Get(apiKeyHeader) != ""

	defer func() {
		duration := time.Since(start)
		p.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(duration.Seconds())

		// 404 and 429 responses are deliberately left out of the activity
		// feed, they would drown it during scans and floods
		if !isStaticAsset(path) && sw.code != http.StatusNotFound && sw.code != http.StatusTooManyRequests {
			p.alerts.Dispatch(alert.Event{
				Kind:       alert.KindActivity,
				IP:         ip,
				Method:     r.Method,
				Endpoint:   r.URL.RequestURI(),
				StatusCode: sw.code,
				Duration:   duration,
				UserAgent:  r.UserAgent(),
				KeyUsed:    keyUsed,
			})
		}

		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	if !p.checkBlocklist(sw, r, ip, path) {
		return
	}
	if !p.checkRateLimit(sw, r, ip, path) {
		return
	}
	r, ok := p.checkAPIKey(sw, r, path)
	if !ok {
		return
	}

	p.metrics.IncAdmitted()
	p.next.ServeHTTP(sw, r)
}

// checkBlocklist rejects blocklisted clients with 403. Returns false when
// the response has been written.
func (p *Pipeline) checkBlocklist(w http.ResponseWriter, r *http.Request, ip, path string) bool {
	if p.blocklist == nil {
		return true
	}
	if _, ok := pipelineExempt[path]; ok {
		return true
	}
	if strings.HasPrefix(path, "/admin/") {
		return true
	}

	_, span := tracer.Start(r.Context(), "gateguard.blocklist")
	blocked := p.blocklist.IsBlocked(r.Context(), ip)
	span.SetAttributes(attribute.Bool("blocklist.blocked", blocked))
	span.End()
	if !blocked {
		return true
	}

	p.metrics.IncBlacklisted()
	p.logger.Warn("blocked request from blocklisted ip", "ip", ip, "path", path)
	WriteJSONError(w, http.StatusForbidden, "ip_blacklisted",
		"access from your IP address has been permanently blocked", 0)
	return false
}

// checkRateLimit enforces the per-IP request budget. Backend errors fail
// open. Returns false when the response has been written.
func (p *Pipeline) checkRateLimit(w http.ResponseWriter, r *http.Request, ip, path string) bool {
	limiter := p.limiter.Load()
	if limiter == nil {
		return true
	}
	if _, ok := pipelineExempt[path]; ok {
		return true
	}
	if _, ok := p.exempt[path]; ok {
		return true
	}
	if strings.HasPrefix(path, "/admin/") || isStaticAsset(path) {
		return true
	}

	_, span := tracer.Start(r.Context(), "gateguard.ratelimit")
	res, err := (*limiter).Check(r.Context(), ip)
	if err == nil {
		span.SetAttributes(
			attribute.Bool("rate_limit.allowed", res.Allowed),
			attribute.Int64("rate_limit.remaining", res.Remaining),
		)
	}
	span.End()
	if err != nil {
		p.metrics.IncLimiterErrors()
		p.logger.Warn("rate limit backend error, allowing request", "ip", ip, "error", err)
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(res.ResetIn.Seconds()+0.5), 10))

	if res.Allowed {
		return true
	}

	p.metrics.IncRateLimited()
	p.logger.Warn("rate limit exceeded", "ip", ip, "path", path)
	p.notifyRateLimited(ip, r.URL.RequestURI())

	retryAfter := res.RetryAfter()
	w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()+0.5), 10))
	WriteJSONError(w, http.StatusTooManyRequests, "rate_limited",
		"too many requests, try again shortly", retryAfter.Seconds())
	return false
}

// notifyRateLimited enriches the trip with geodata off the request path and
// hands it to the dispatcher.
func (p *Pipeline) notifyRateLimited(ip, endpoint string) {
	if p.alerts == nil {
		return
	}

	ev := alert.Event{
		Kind:      alert.KindRateLimit,
		IP:        ip,
		Endpoint:  endpoint,
		Timestamp: time.Now(),
	}

	if p.geo == nil {
		p.alerts.Dispatch(ev)
		return
	}

	go func() {
		ev.Geo = p.geo.Lookup(context.Background(), ip)
		p.alerts.Dispatch(ev)
	}()
}

// checkAPIKey gates key-required endpoints and injects the default key into
// keyless requests against public registered endpoints. Returns the
// (possibly rewritten) request and whether to continue.
func (p *Pipeline) checkAPIKey(w http.ResponseWriter, r *http.Request, path string) (*http.Request, bool) {
	if p.registry == nil || keyCheckExempt(path) {
		return r, true
	}

	def, ok := p.registry.Resolve(path)
	if !ok {
		return r, true
	}

	provided := r.URL.Query().Get("apikey")
	if provided == "" {
		provided = r.Header.Get(apiKeyHeader)
	}

	if def.RequiresKey {
		if provided == "" {
			p.metrics.IncKeyMissing()
			WriteJSONError(w, http.StatusUnauthorized, "api_key_required",
				"API key required, add ?apikey=YOUR_KEY", 0)
			return r, false
		}
		if !p.keys.Valid(provided) {
			p.metrics.IncKeyInvalid()
			p.logger.Warn("invalid api key", "path", path)
			WriteJSONError(w, http.StatusForbidden, "api_key_invalid", "invalid API key", 0)
			return r, false
		}
		return r, true
	}

	// public registered endpoint: hand it the default key so upstream
	// handlers that expect one keep working
	if provided == "" && p.injectDefault.Load() {
		if key, ok := p.keys.Default(); ok {
			q := r.URL.Query()
			q.Set("apikey", key)
			r.URL.RawQuery = q.Encode()
			p.metrics.IncKeyInjected()
		}
	}
	return r, true
}
