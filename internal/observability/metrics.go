// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for GateGuard.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the admission hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	admitted        int64
	blacklisted     int64
	rateLimited     int64
	keyMissing      int64
	keyInvalid      int64
	keyInjected     int64
	limiterErrors   int64
	fetchErrors     int64
	geoErrors       int64
	alertsDelivered int64
	alertsFailed    int64
	alertsDropped   int64

	// Prometheus counters for scraping.
	promAdmitted      prometheus.Counter
	promBlacklisted   prometheus.Counter
	promRateLimited   prometheus.Counter
	promKeyMissing    prometheus.Counter
	promKeyInvalid    prometheus.Counter
	promKeyInjected   prometheus.Counter
	promLimiterErrors prometheus.Counter
	promFetchErrors   prometheus.Counter
	promGeoErrors     prometheus.Counter
	promAlertsDropped prometheus.Counter

	promAlertsSent *prometheus.CounterVec

	// Prometheus histograms.
	PromRequestDuration *prometheus.HistogramVec

	// PromBlacklistSize tracks the size of the in-process blocked IP set.
	PromBlacklistSize prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "requests_admitted_total",
			Help:      "Total number of requests that passed all admission stages.",
		}),
		promBlacklisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "requests_blacklisted_total",
			Help:      "Total number of requests rejected by the IP blocklist.",
		}),
		promRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "requests_ratelimited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promKeyMissing: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "requests_key_missing_total",
			Help:      "Total number of key-gated requests rejected for a missing API key.",
		}),
		promKeyInvalid: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "requests_key_invalid_total",
			Help:      "Total number of key-gated requests rejected for an unknown API key.",
		}),
		promKeyInjected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "requests_key_injected_total",
			Help:      "Total number of keyless public requests rewritten with the default key.",
		}),
		promLimiterErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "ratelimit_backend_errors_total",
			Help:      "Total number of rate-limit backend errors (request admitted fail-open).",
		}),
		promFetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "blacklist_fetch_errors_total",
			Help:      "Total number of failed remote blocklist fetches.",
		}),
		promGeoErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "geo_lookup_errors_total",
			Help:      "Total number of failed or timed-out geolocation lookups.",
		}),
		promAlertsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "alerts_dropped_total",
			Help:      "Total number of alerts dropped because the queue was full.",
		}),
		promAlertsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateguard",
			Name:      "alerts_sent_total",
			Help:      "Total webhook alert deliveries by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateguard",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromBlacklistSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateguard",
			Name:      "blacklist_size",
			Help:      "Number of IPs in the in-process blocklist.",
		}),
	}

	return m
}

// IncAdmitted increments the admitted requests counter.
func (m *Metrics) IncAdmitted() {
	atomic.AddInt64(&m.admitted, 1)
	m.promAdmitted.Inc()
}

// IncBlacklisted increments the blocklist rejection counter.
func (m *Metrics) IncBlacklisted() {
	atomic.AddInt64(&m.blacklisted, 1)
	m.promBlacklisted.Inc()
}

// IncRateLimited increments the rate-limited requests counter.
func (m *Metrics) IncRateLimited() {
	atomic.AddInt64(&m.rateLimited, 1)
	m.promRateLimited.Inc()
}

// IncKeyMissing increments the missing-key rejection counter.
func (m *Metrics) IncKeyMissing() {
	atomic.AddInt64(&m.keyMissing, 1)
	m.promKeyMissing.Inc()
}

// IncKeyInvalid increments the invalid-key rejection counter.
func (m *Metrics) IncKeyInvalid() {
	atomic.AddInt64(&m.keyInvalid, 1)
	m.promKeyInvalid.Inc()
}

// IncKeyInjected increments the default-key injection counter.
func (m *Metrics) IncKeyInjected() {
	atomic.AddInt64(&m.keyInjected, 1)
	m.promKeyInjected.Inc()
}

// IncLimiterErrors increments the rate-limit backend error counter.
func (m *Metrics) IncLimiterErrors() {
	atomic.AddInt64(&m.limiterErrors, 1)
	m.promLimiterErrors.Inc()
}

// IncFetchErrors increments the blocklist fetch error counter.
func (m *Metrics) IncFetchErrors() {
	atomic.AddInt64(&m.fetchErrors, 1)
	m.promFetchErrors.Inc()
}

// IncGeoErrors increments the geolocation lookup error counter.
func (m *Metrics) IncGeoErrors() {
	atomic.AddInt64(&m.geoErrors, 1)
	m.promGeoErrors.Inc()
}

// IncAlertDelivered records a successful webhook delivery for kind.
func (m *Metrics) IncAlertDelivered(kind string) {
	atomic.AddInt64(&m.alertsDelivered, 1)
	m.promAlertsSent.WithLabelValues(kind, "ok").Inc()
}

// IncAlertFailed records a failed webhook delivery for kind.
func (m *Metrics) IncAlertFailed(kind string) {
	atomic.AddInt64(&m.alertsFailed, 1)
	m.promAlertsSent.WithLabelValues(kind, "error").Inc()
}

// IncAlertsDropped increments the dropped alert counter.
func (m *Metrics) IncAlertsDropped() {
	atomic.AddInt64(&m.alertsDropped, 1)
	m.promAlertsDropped.Inc()
}

// SetBlacklistSize records the current blocklist size.
func (m *Metrics) SetBlacklistSize(n int) {
	m.PromBlacklistSize.Set(float64(n))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Admitted        int64
	Blacklisted     int64
	RateLimited     int64
	KeyMissing      int64
	KeyInvalid      int64
	KeyInjected     int64
	LimiterErrors   int64
	FetchErrors     int64
	GeoErrors       int64
	AlertsDelivered int64
	AlertsFailed    int64
	AlertsDropped   int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Admitted:        atomic.LoadInt64(&m.admitted),
		Blacklisted:     atomic.LoadInt64(&m.blacklisted),
		RateLimited:     atomic.LoadInt64(&m.rateLimited),
		KeyMissing:      atomic.LoadInt64(&m.keyMissing),
		KeyInvalid:      atomic.LoadInt64(&m.keyInvalid),
		KeyInjected:     atomic.LoadInt64(&m.keyInjected),
		LimiterErrors:   atomic.LoadInt64(&m.limiterErrors),
		FetchErrors:     atomic.LoadInt64(&m.fetchErrors),
		GeoErrors:       atomic.LoadInt64(&m.geoErrors),
		AlertsDelivered: atomic.LoadInt64(&m.alertsDelivered),
		AlertsFailed:    atomic.LoadInt64(&m.alertsFailed),
		AlertsDropped:   atomic.LoadInt64(&m.alertsDropped),
	}
}
