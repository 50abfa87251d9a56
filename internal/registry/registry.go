// Package registry tracks the configured API endpoints, their runtime
// status, and the valid API keys. Endpoint definitions come from config and
// are matched by base path; a path template carrying "apikey=" marks the
// endpoint as key gated. Status transitions (a handler panic flipping an
// endpoint to error) survive config hot reloads for endpoints that persist.
package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/gateguard/gateguard/internal/config"
)

// Definition is one resolvable API endpoint.
type Definition struct {
	Name        string
	Category    string
	Path        string // full template, may include query parameters
	BasePath    string // path with the query template stripped
	RequiresKey bool
}

// Registry holds endpoint definitions and their runtime status.
type Registry struct {
	mu     sync.RWMutex
	byPath map[string]Definition
	order  []string // base paths in deterministic listing order
	status map[string]config.EndpointStatus
	logger *slog.Logger
}

// New builds a registry from the configured endpoint categories. An endpoint
// with no explicit status starts active.
func New(endpoints map[string][]config.EndpointSpec, logger *slog.Logger) *Registry {
	r := &Registry{
		byPath: make(map[string]Definition),
		status: make(map[string]config.EndpointStatus),
		logger: logger,
	}
	r.load(endpoints)
	return r
}

func (r *Registry) load(endpoints map[string][]config.EndpointSpec) {
	categories := make([]string, 0, len(endpoints))
	for cat := range endpoints {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	for _, cat := range categories {
		for _, spec := range endpoints[cat] {
			base := basePath(spec.Path)
			def := Definition{
				Name:        spec.Name,
				Category:    cat,
				Path:        spec.Path,
				BasePath:    base,
				RequiresKey: strings.Contains(spec.Path, "apikey="),
			}
			r.byPath[base] = def
			r.order = append(r.order, base)

			st := spec.Status
			if st == "" {
				st = config.EndpointStatusActive
			}
			r.status[base] = st
		}
	}
}

// Resolve finds the endpoint registered at the request path.
func (r *Registry) Resolve(path string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byPath[path]
	return def, ok
}

// Status returns the current status of the endpoint at base path.
func (r *Registry) Status(base string) (config.EndpointStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.status[base]
	return st, ok
}

// SetStatus updates an endpoint's runtime status. Reports whether the
// endpoint is registered and the status actually changed.
func (r *Registry) SetStatus(base string, st config.EndpointStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.status[base]
	if !ok || cur == st {
		return false
	}
	r.status[base] = st
	r.logger.Info("endpoint status changed", "path", base, "from", string(cur), "to", string(st))
	return true
}

// MarkError flips the endpoint at base to error status after a handler
// failure. A no-op for unregistered paths or endpoints already in error.
func (r *Registry) MarkError(base string) {
	r.SetStatus(base, config.EndpointStatusError)
}

// StatusMap returns a copy of every endpoint's current status keyed by
// base path, for the public status listing.
func (r *Registry) StatusMap() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.status))
	for base, st := range r.status {
		out[base] = string(st)
	}
	return out
}

// Definitions returns every registered endpoint in deterministic order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.order))
	for _, base := range r.order {
		out = append(out, r.byPath[base])
	}
	return out
}

// Reload replaces the endpoint set from a new config. Runtime statuses are
// preserved for endpoints that still exist; new endpoints start from their
// configured status.
func (r *Registry) Reload(endpoints map[string][]config.EndpointSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.status
	r.byPath = make(map[string]Definition)
	r.order = nil
	r.status = make(map[string]config.EndpointStatus)
	r.load(endpoints)

	for base, st := range prev {
		if _, ok := r.status[base]; ok {
			r.status[base] = st
		}
	}
}

func basePath(template string) string {
	if i := strings.IndexByte(template, '?'); i >= 0 {
		return template[:i]
	}
	return template
}

// KeySet holds the valid API keys. The first key doubles as the default
// injected into keyless requests against public registered endpoints.
type KeySet struct {
	mu   sync.RWMutex
	keys []string
}

// NewKeySet builds a key set from the configured secrets.
func NewKeySet(keys []config.RedactedString) *KeySet {
	ks := &KeySet{}
	ks.Replace(keys)
	return ks
}

// Replace swaps in a new key list, dropping blank entries.
func (k *KeySet) Replace(keys []config.RedactedString) {
	next := make([]string, 0, len(keys))
	for _, key := range keys {
		if s := string(key); s != "" {
			next = append(next, s)
		}
	}

	k.mu.Lock()
	k.keys = next
	k.mu.Unlock()
}

// Valid reports whether key is one of the configured API keys.
func (k *KeySet) Valid(key string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, have := range k.keys {
		if have == key {
			return true
		}
	}
	return false
}

// Default returns the first configured key, if any.
func (k *KeySet) Default() (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.keys) == 0 {
		return "", false
	}
	return k.keys[0], true
}

// Len returns the number of configured keys.
func (k *KeySet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}
