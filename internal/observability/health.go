package observability

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// Probe bodies are fixed strings so the handlers never hit an encoding
// error path.
var (
	bodyAlive      = []byte(`{"status":"alive"}`)
	bodyReady      = []byte(`{"status":"ready"}`)
	bodyNotReady   = []byte(`{"status":"not_ready"}`)
	bodyStarted    = []byte(`{"status":"started"}`)
	bodyNotStarted = []byte(`{"status":"not_started"}`)
	bodyDeepOK     = []byte(`{"status":"ready","redis":"ok"}`)
	bodyDeepFail   = []byte(`{"status":"not_ready","redis":"unreachable"}`)
)

// Pinger is the connectivity probe the deep readiness check runs,
// satisfied by the Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker backs the gateway's startup, liveness, and readiness
// probes. A fresh checker reports not started and not ready; the server
// flips the flags as it moves through boot and drain.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool
	pinger  atomic.Pointer[Pinger]
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted records that boot finished. Until then the startup probe
// holds off Kubernetes liveness and readiness checks.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady opens the gateway to traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady flips the readiness probe to failing so load balancers
// stop routing here while in-flight requests drain.
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetRedisPinger registers the client probed by deep readiness checks.
// Pass nil when the memory limiter backend is in use.
func (h *HealthChecker) SetRedisPinger(p Pinger) {
	if p == nil {
		h.pinger.Store(nil)
		return
	}
	h.pinger.Store(&p)
}

func reply(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// StartzHandler answers the startup probe: 200 once boot completed,
// 503 before that.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			reply(w, http.StatusOK, bodyStarted)
			return
		}
		reply(w, http.StatusServiceUnavailable, bodyNotStarted)
	}
}

// HealthzHandler answers the liveness probe. Reaching the handler at
// all means the process is alive, so it always returns 200.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, bodyAlive)
	}
}

// ReadyzHandler answers the readiness probe. With ?deep=true it also
// pings Redis, bounded to two seconds, and fails the probe when the
// limiter backend is unreachable.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			reply(w, http.StatusServiceUnavailable, bodyNotReady)
			return
		}

		if r.URL.Query().Get("deep") != "true" {
			reply(w, http.StatusOK, bodyReady)
			return
		}

		if p := h.pinger.Load(); p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := (*p).Ping(ctx); err != nil {
				reply(w, http.StatusServiceUnavailable, bodyDeepFail)
				return
			}
		}
		reply(w, http.StatusOK, bodyDeepOK)
	}
}
