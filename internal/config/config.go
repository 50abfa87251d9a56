// Package config handles loading and validation of GateGuard configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// GATEGUARD_ prefix:
//
//	server.address → GATEGUARD_SERVER_ADDRESS
//	blacklist.poll_interval → GATEGUARD_BLACKLIST_POLL_INTERVAL
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via GATEGUARD_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/gateguard/config.yaml"

// ---------------------------------------------------------------------------
// Enum types: typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// BlacklistStrategy controls when the remote blocklist is refreshed.
type BlacklistStrategy string

const (
	// BlacklistStrategyPoll refreshes the blocklist on a fixed background
	// interval; admission reads never block on the network.
	BlacklistStrategyPoll BlacklistStrategy = "poll"
	// BlacklistStrategyPerRequest refreshes lazily when the cached copy is
	// older than blacklist.cache_ttl. Concurrent refreshes are coalesced.
	BlacklistStrategyPerRequest BlacklistStrategy = "perrequest"
)

func (s BlacklistStrategy) Valid() bool {
	switch s {
	case BlacklistStrategyPoll, BlacklistStrategyPerRequest:
		return true
	}
	return false
}

// RateLimitBackend selects where rate-limit counters live.
type RateLimitBackend string

const (
	RateLimitBackendRedis  RateLimitBackend = "redis"
	RateLimitBackendMemory RateLimitBackend = "memory"
)

func (b RateLimitBackend) Valid() bool {
	switch b {
	case RateLimitBackendRedis, RateLimitBackendMemory:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// EndpointStatus is the operational state advertised for a registered endpoint.
type EndpointStatus string

const (
	EndpointStatusActive      EndpointStatus = "active"
	EndpointStatusMaintenance EndpointStatus = "maintenance"
	EndpointStatusBeta        EndpointStatus = "beta"
	EndpointStatusError       EndpointStatus = "error"
)

func (s EndpointStatus) Valid() bool {
	switch s {
	case EndpointStatusActive, EndpointStatusMaintenance, EndpointStatusBeta, EndpointStatusError, "":
		return true
	}
	return false
}

// Config is the top-level GateGuard configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"    envPrefix:"SERVER_"`
	Admin     AdminConfig               `yaml:"admin"     envPrefix:"ADMIN_"`
	Blacklist BlacklistConfig           `yaml:"blacklist" envPrefix:"BLACKLIST_"`
	RateLimit RateLimitConfig           `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig               `yaml:"redis"     envPrefix:"REDIS_"`
	APIKeys   APIKeysConfig             `yaml:"api_keys"  envPrefix:"API_KEYS_"`
	Endpoints map[string][]EndpointSpec `yaml:"endpoints"`
	Alerts    AlertsConfig              `yaml:"alerts"    envPrefix:"ALERTS_"`
	Geo       GeoConfig                 `yaml:"geo"       envPrefix:"GEO_"`
	Store     StoreConfig               `yaml:"store"     envPrefix:"STORE_"`
	Logging   LoggingConfig             `yaml:"logging"   envPrefix:"LOGGING_"`
	Tracing   TracingConfig             `yaml:"tracing"   envPrefix:"TRACING_"`
}

// ServerConfig holds the main gateway server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`

	// AdminKey guards the mutating blacklist administration routes. Requests
	// must present it in the X-Admin-Key header. Empty disables those routes.
	AdminKey RedactedString `yaml:"admin_key" env:"ADMIN_KEY"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// BlacklistConfig holds remote blocklist settings.
type BlacklistConfig struct {
	// URL is the remote JSON document: a flat array of IP strings. Empty
	// disables remote fetching; the in-process set starts empty.
	URL          string            `yaml:"url"           env:"URL"`
	Strategy     BlacklistStrategy `yaml:"strategy"      env:"STRATEGY"`
	FetchTimeout string            `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	PollInterval string            `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// CacheTTL bounds how stale the cached copy may be before a perrequest
	// strategy triggers a refresh. Ignored by the poll strategy.
	CacheTTL string `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// RateLimitConfig holds fixed-window rate limiting settings.
type RateLimitConfig struct {
	Backend   RateLimitBackend `yaml:"backend"    env:"BACKEND"`
	Limit     int64            `yaml:"limit"      env:"LIMIT"`
	Window    string           `yaml:"window"     env:"WINDOW"`
	KeyPrefix string           `yaml:"key_prefix" env:"KEY_PREFIX"`

	// ExemptPaths are skipped by the rate limiter in addition to the
	// built-in administrative routes.
	ExemptPaths []string `yaml:"exempt_paths" env:"EXEMPT_PATHS" envSeparator:","`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are trusted. When empty, proxy headers are always
	// trusted (legacy behavior). When set, proxy headers are only honored
	// when RemoteAddr falls within one of these ranges.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// APIKeysConfig holds the shared API key set and default-key injection.
type APIKeysConfig struct {
	// Keys is the ordered set of accepted keys. The first entry is the
	// default key injected into keyless public requests when InjectDefault
	// is on.
	Keys []RedactedString `yaml:"keys" env:"KEYS" envSeparator:","`

	// InjectDefault rewrites keyless requests to registered public endpoints
	// with the first configured key instead of rejecting them. Defaults to
	// true when unset.
	InjectDefault *bool `yaml:"inject_default" env:"INJECT_DEFAULT"`
}

// InjectDefaultEnabled returns whether default-key injection is on.
// Defaults to true when not explicitly configured.
func (c APIKeysConfig) InjectDefaultEnabled() bool {
	if c.InjectDefault == nil {
		return true
	}
	return *c.InjectDefault
}

// EndpointSpec declares a registered endpoint inside a category.
type EndpointSpec struct {
	Name string `yaml:"name"`
	// Path may carry a query template such as /api/search?q=term&apikey=KEY.
	// An apikey parameter in the template marks the endpoint key-gated.
	Path   string         `yaml:"path"`
	Status EndpointStatus `yaml:"status"`
}

// AlertsConfig holds webhook alerting settings. Each kind posts to its own
// webhook URL; an empty URL disables that kind.
type AlertsConfig struct {
	RateLimit RedactedString `yaml:"rate_limit" env:"RATE_LIMIT"`
	Report    RedactedString `yaml:"report"     env:"REPORT"`
	Feature   RedactedString `yaml:"feature"    env:"FEATURE"`
	Error     RedactedString `yaml:"error"      env:"ERROR"`
	Activity  RedactedString `yaml:"activity"   env:"ACTIVITY"`
	Blacklist RedactedString `yaml:"blacklist"  env:"BLACKLIST"`

	Timeout   string `yaml:"timeout"    env:"TIMEOUT"`
	QueueSize int    `yaml:"queue_size" env:"QUEUE_SIZE"`

	// Username and AvatarURL brand the webhook posts.
	Username  string `yaml:"username"   env:"USERNAME"`
	AvatarURL string `yaml:"avatar_url" env:"AVATAR_URL"`
}

// Enabled reports whether any webhook URL is configured.
func (a AlertsConfig) Enabled() bool {
	return a.RateLimit != "" || a.Report != "" || a.Feature != "" ||
		a.Error != "" || a.Activity != "" || a.Blacklist != ""
}

// GeoConfig holds IP geolocation lookup settings.
type GeoConfig struct {
	// URL is the lookup service base; the IP is appended as a path segment.
	URL      string `yaml:"url"       env:"URL"`
	Timeout  string `yaml:"timeout"   env:"TIMEOUT"`
	CacheTTL string `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// StoreConfig holds the GitHub-backed blacklist document store settings.
// The mutating administration routes require it.
type StoreConfig struct {
	Enabled  bool           `yaml:"enabled"   env:"ENABLED"`
	Owner    string         `yaml:"owner"     env:"OWNER"`
	Repo     string         `yaml:"repo"      env:"REPO"`
	FilePath string         `yaml:"file_path" env:"FILE_PATH"`
	Branch   string         `yaml:"branch"    env:"BRANCH"`
	Token    RedactedString `yaml:"token"     env:"TOKEN"`
	Timeout  string         `yaml:"timeout"   env:"TIMEOUT"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output. Uses json.Marshal to ensure
// the placeholder is always properly escaped, preventing injection if the
// constant is ever changed.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Blacklist: BlacklistConfig{
			Strategy:     BlacklistStrategyPoll,
			FetchTimeout: "10s",
			PollInterval: "15m",
			CacheTTL:     "15m",
		},
		RateLimit: RateLimitConfig{
			Backend:   RateLimitBackendMemory,
			Limit:     30,
			Window:    "60s",
			KeyPrefix: "gateguard:rl",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Alerts: AlertsConfig{
			Timeout:   "8s",
			QueueSize: 256,
			Username:  "GateGuard",
		},
		Geo: GeoConfig{
			URL:      "http://ip-api.com/json",
			Timeout:  "3500ms",
			CacheTTL: "1h",
		},
		Store: StoreConfig{
			Branch:  "main",
			Timeout: "15s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "gateguard",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("GATEGUARD_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/gateguard/config.yaml and
// can be overridden via GATEGUARD_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "GATEGUARD_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Poll"
// or env values like "REDIS" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Blacklist.Strategy = BlacklistStrategy(strings.ToLower(string(cfg.Blacklist.Strategy)))
	cfg.RateLimit.Backend = RateLimitBackend(strings.ToLower(string(cfg.RateLimit.Backend)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
	for cat, specs := range cfg.Endpoints {
		for i := range specs {
			specs[i].Status = EndpointStatus(strings.ToLower(string(specs[i].Status)))
		}
		cfg.Endpoints[cat] = specs
	}
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateBlacklist(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateEndpoints(cfg); err != nil {
		return err
	}
	if err := validateGeo(cfg); err != nil {
		return err
	}
	if err := validateStore(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"blacklist.fetch_timeout", cfg.Blacklist.FetchTimeout},
		{"blacklist.poll_interval", cfg.Blacklist.PollInterval},
		{"blacklist.cache_ttl", cfg.Blacklist.CacheTTL},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"alerts.timeout", cfg.Alerts.Timeout},
		{"geo.timeout", cfg.Geo.Timeout},
		{"geo.cache_ttl", cfg.Geo.CacheTTL},
		{"store.timeout", cfg.Store.Timeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateBlacklist(cfg *Config) error {
	if s := cfg.Blacklist.Strategy; s != "" && !s.Valid() {
		return fmt.Errorf("invalid blacklist.strategy %q: must be poll or perrequest", s)
	}
	if cfg.Blacklist.URL != "" {
		if _, err := url.ParseRequestURI(cfg.Blacklist.URL); err != nil {
			return fmt.Errorf("invalid blacklist.url %q: %w", cfg.Blacklist.URL, err)
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if b := cfg.RateLimit.Backend; b != "" && !b.Valid() {
		return fmt.Errorf("invalid rate_limit.backend %q: must be redis or memory", b)
	}
	if cfg.RateLimit.Limit < 1 {
		return fmt.Errorf("rate_limit.limit must be >= 1")
	}
	if cfg.RateLimit.Backend == RateLimitBackendRedis {
		return validateRedisConfig(cfg.Redis, "redis")
	}
	return nil
}

func validateEndpoints(cfg *Config) error {
	seen := make(map[string]string)
	for cat, specs := range cfg.Endpoints {
		for _, ep := range specs {
			if ep.Path == "" {
				return fmt.Errorf("endpoints.%s: endpoint %q has no path", cat, ep.Name)
			}
			if !strings.HasPrefix(ep.Path, "/") {
				return fmt.Errorf("endpoints.%s: path %q must start with /", cat, ep.Path)
			}
			if !ep.Status.Valid() {
				return fmt.Errorf("endpoints.%s: invalid status %q for %q", cat, ep.Status, ep.Path)
			}
			base := ep.Path
			if i := strings.IndexByte(base, '?'); i >= 0 {
				base = base[:i]
			}
			if prev, dup := seen[base]; dup {
				return fmt.Errorf("endpoints: path %q declared in both %s and %s", base, prev, cat)
			}
			seen[base] = cat

			if strings.Contains(ep.Path, "apikey=") && len(cfg.APIKeys.Keys) == 0 {
				return fmt.Errorf("endpoints.%s: %q is key-gated but api_keys.keys is empty", cat, base)
			}
		}
	}
	return nil
}

func validateGeo(cfg *Config) error {
	if cfg.Geo.URL == "" {
		return nil
	}
	if _, err := url.ParseRequestURI(cfg.Geo.URL); err != nil {
		return fmt.Errorf("invalid geo.url %q: %w", cfg.Geo.URL, err)
	}
	return nil
}

func validateStore(cfg *Config) error {
	if !cfg.Store.Enabled {
		return nil
	}
	if cfg.Store.Owner == "" || cfg.Store.Repo == "" || cfg.Store.FilePath == "" {
		return fmt.Errorf("store.owner, store.repo, and store.file_path are required when the store is enabled")
	}
	if cfg.Store.Token == "" {
		return fmt.Errorf("store.token is required when the store is enabled")
	}
	return nil
}

func validateRedisConfig(rc RedisConfig, prefix string) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid %s.mode %q", prefix, rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("%s.endpoints: at least one endpoint is required", prefix)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("%s.endpoints: single mode requires exactly one endpoint, got %d", prefix, len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("%s.master_name is required for sentinel mode", prefix)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.RateLimit.Backend != old.RateLimit.Backend {
		fields = append(fields, "rate_limit.backend")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	return fields
}
