package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gateguard/gateguard/internal/admission"
	"github.com/gateguard/gateguard/internal/alert"
	"github.com/gateguard/gateguard/internal/blacklist"
	"github.com/gateguard/gateguard/internal/ghstore"
	"github.com/gateguard/gateguard/internal/registry"
)

// adminKeyHeader carries the admin secret on mutating blocklist routes.
const adminKeyHeader = "X-Admin-Key"

// maxReportBody bounds report submissions (16 KiB).
const maxReportBody = 16 << 10

// handlers owns the public and admin API routes.
type handlers struct {
	logger    *slog.Logger
	registry  *registry.Registry
	blocklist *blacklist.Cache
	store     *ghstore.Store
	alerts    *alert.Dispatcher
	adminKey  atomic.Value // string, hot-reloadable
	totalReqs atomic.Int64
}

func newHandlers(logger *slog.Logger, reg *registry.Registry, bl *blacklist.Cache, store *ghstore.Store, alerts *alert.Dispatcher, adminKey string) *handlers {
	h := &handlers{
		logger:    logger,
		registry:  reg,
		blocklist: bl,
		store:     store,
		alerts:    alerts,
	}
	h.adminKey.Store(adminKey)
	return h
}

func (h *handlers) setAdminKey(key string) {
	h.adminKey.Store(key)
}

// mux builds the route table. The root pattern doubles as the JSON 404
// fallback for unmatched paths.
func (h *handlers) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /api/endpoint-status", h.handleEndpointStatus)
	mux.HandleFunc("GET /api/blacklist-info", h.handleBlacklistInfo)
	mux.HandleFunc("GET /api/my-ip", h.handleMyIP)
	mux.HandleFunc("GET /manage-blacklist", h.handleManageBlacklist)
	mux.HandleFunc("POST /api/submit-report", h.handleSubmitReport)
	mux.HandleFunc("POST /admin/blacklist/add", h.requireAdmin(h.handleBlacklistAdd))
	mux.HandleFunc("POST /admin/blacklist/remove", h.requireAdmin(h.handleBlacklistRemove))
	mux.HandleFunc("/", h.handleNotFound)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	defs := h.registry.Definitions()
	routes := make([]map[string]string, 0, len(defs))
	for _, def := range defs {
		access := "public"
		if def.RequiresKey {
			access = "apikey"
		}
		routes = append(routes, map[string]string{
			"name":     def.Name,
			"category": def.Category,
			"path":     def.Path,
			"access":   access,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         true,
		"name":           "GateGuard",
		"total_requests": h.totalReqs.Load(),
		"endpoints":      routes,
	})
}

func (h *handlers) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if !isAssetPath(r.URL.Path) {
		h.logger.Warn("route not found",
			"method", r.Method, "path", r.URL.Path, "ip", admission.ClientIP(r.Context()))
	}
	writeJSON(w, http.StatusNotFound, map[string]any{
		"status": false,
		"error":  "not found",
	})
}

func isAssetPath(path string) bool {
	return path == "/favicon.ico" ||
		strings.HasPrefix(path, "/images/") ||
		strings.HasPrefix(path, "/audio/")
}

func (h *handlers) handleEndpointStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"data": h.registry.StatusMap(),
	})
}

func (h *handlers) handleBlacklistInfo(w http.ResponseWriter, r *http.Request) {
	masked := h.blocklist.MaskedList()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": true,
		"count":  len(masked),
		"data":   masked,
	})
}

func (h *handlers) handleMyIP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": true,
		"ip":     admission.ClientIP(r.Context()),
	})
}

func (h *handlers) handleManageBlacklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": true,
		"operations": map[string]string{
			"list":   "GET /api/blacklist-info",
			"add":    "POST /admin/blacklist/add {\"ip\": \"...\"} with " + adminKeyHeader,
			"remove": "POST /admin/blacklist/remove {\"ip\": \"...\"} with " + adminKeyHeader,
		},
		"persisted": h.store.Enabled(),
	})
}

type reportRequest struct {
	ReportType string `json:"report_type"`
	Name       string `json:"name"`
	Text       string `json:"text"`
}

func (h *handlers) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": false, "error": "invalid request body",
		})
		return
	}

	text := strings.TrimSpace(req.Text)
	if req.ReportType == "" || text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": false, "error": "report type and text must not be empty",
		})
		return
	}
	text = clip(text, 1000)
	name := clip(strings.TrimSpace(req.Name), 50)

	var kind alert.Kind
	switch req.ReportType {
	case "error", "report":
		kind = alert.KindReport
	case "feature":
		kind = alert.KindFeature
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": false, "error": "invalid report type",
		})
		return
	}

	ip := admission.ClientIP(r.Context())
	h.alerts.Dispatch(alert.Event{Kind: kind, Name: name, Text: text, IP: ip})
	h.logger.Info("report received", "type", req.ReportType, "name", name, "ip", ip)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  true,
		"message": "thank you, your report has been submitted",
	})
}

// clip bounds s to max bytes, backing up to a rune boundary so a cut
// never leaves a partial UTF-8 sequence in the alert payload.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// requireAdmin gates mutating routes behind the X-Admin-Key header. With no
// key configured the routes are disabled outright.
func (h *handlers) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, _ := h.adminKey.Load().(string)
		if key == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": false, "error": "admin interface is not configured",
			})
			return
		}
		provided := r.Header.Get(adminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			h.logger.Warn("admin key rejected", "ip", admission.ClientIP(r.Context()))
			writeJSON(w, http.StatusForbidden, map[string]any{
				"status": false, "error": "invalid admin key",
			})
			return
		}
		next(w, r)
	}
}

type blacklistMutation struct {
	IP string `json:"ip"`
}

func parseMutation(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req blacklistMutation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": false, "error": "invalid request body",
		})
		return "", false
	}
	ip := strings.TrimSpace(req.IP)
	if net.ParseIP(ip) == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": false, "error": "invalid IP address",
		})
		return "", false
	}
	return ip, true
}

func (h *handlers) handleBlacklistAdd(w http.ResponseWriter, r *http.Request) {
	ip, ok := parseMutation(w, r)
	if !ok {
		return
	}

	if h.blocklist.IsBlocked(r.Context(), ip) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": true, "message": "IP is already blocklisted",
		})
		return
	}

	if h.store.Enabled() {
		if !h.persistMutation(w, r, ip, true) {
			return
		}
	}

	h.blocklist.Add(ip)
	adminIP := admission.ClientIP(r.Context())
	h.alerts.Dispatch(alert.Event{
		Kind:    alert.KindBlacklist,
		Action:  alert.ActionAdded,
		IP:      ip,
		AdminIP: adminIP,
	})
	h.logger.Info("ip blocklisted", "ip", ip, "admin_ip", adminIP)

	writeJSON(w, http.StatusOK, map[string]any{
		"status": true, "message": fmt.Sprintf("IP %s added to the blocklist", ip),
	})
}

func (h *handlers) handleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	ip, ok := parseMutation(w, r)
	if !ok {
		return
	}

	if h.store.Enabled() {
		if !h.persistMutation(w, r, ip, false) {
			return
		}
	}

	h.blocklist.Remove(ip)
	adminIP := admission.ClientIP(r.Context())
	h.alerts.Dispatch(alert.Event{
		Kind:    alert.KindBlacklist,
		Action:  alert.ActionRemoved,
		IP:      ip,
		AdminIP: adminIP,
	})
	h.logger.Info("ip removed from blocklist", "ip", ip, "admin_ip", adminIP)

	writeJSON(w, http.StatusOK, map[string]any{
		"status": true, "message": fmt.Sprintf("IP %s removed from the blocklist", ip),
	})
}

// persistMutation applies a read-modify-write cycle against the blocklist
// document. A concurrent admin edit surfaces as 409 so the client retries.
func (h *handlers) persistMutation(w http.ResponseWriter, r *http.Request, ip string, add bool) bool {
	doc, err := h.store.Read(r.Context())
	if err != nil {
		h.logger.Error("blocklist document read failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status": false, "error": "could not read the blocklist document",
		})
		return false
	}

	ips := doc.IPs
	if add {
		for _, have := range ips {
			if have == ip {
				return true
			}
		}
		ips = append(ips, ip)
	} else {
		kept := ips[:0]
		for _, have := range ips {
			if have != ip {
				kept = append(kept, have)
			}
		}
		ips = kept
	}
	doc.IPs = ips

	verb := "unblock"
	if add {
		verb = "block"
	}
	message := fmt.Sprintf("%s %s (%s)", verb, ip, time.Now().UTC().Format(time.RFC3339))

	err = h.store.Write(r.Context(), doc, message)
	switch {
	case errors.Is(err, ghstore.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"status": false, "error": "blocklist changed concurrently, retry the operation",
		})
		return false
	case err != nil:
		h.logger.Error("blocklist document write failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status": false, "error": "could not update the blocklist document",
		})
		return false
	}
	return true
}

// countRequests tracks the total request counter shown on the index page.
func (h *handlers) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.totalReqs.Add(1)
		next.ServeHTTP(w, r)
	})
}

// recover converts handler panics into 500 responses, flips the endpoint to
// error status, and raises an error alert.
func (h *handlers) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			ip := admission.ClientIP(r.Context())
			h.logger.Error("handler panic",
				"method", r.Method, "path", r.URL.Path, "ip", ip,
				"panic", fmt.Sprint(rec), "stack", string(debug.Stack()))

			h.registry.MarkError(r.URL.Path)
			h.alerts.Dispatch(alert.Event{
				Kind:         alert.KindError,
				IP:           ip,
				Endpoint:     r.URL.RequestURI(),
				ErrorMessage: fmt.Sprint(rec),
			})

			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"status": false, "error": "internal server error",
			})
		}()
		next.ServeHTTP(w, r)
	})
}
