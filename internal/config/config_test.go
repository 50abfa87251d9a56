package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv is a test helper that applies env overrides to cfg using the same
// mechanism as Load(). It mirrors the GATEGUARD_ prefix used in production.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "GATEGUARD_"}))
}

func TestDefaults(t *testing.T) {
	t.Run("returns non-nil config with sensible defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Equal(t, "30s", cfg.Server.ReadTimeout)
		assert.Equal(t, BlacklistStrategyPoll, cfg.Blacklist.Strategy)
		assert.Equal(t, "15m", cfg.Blacklist.PollInterval)
		assert.Equal(t, "10s", cfg.Blacklist.FetchTimeout)
		assert.Equal(t, RateLimitBackendMemory, cfg.RateLimit.Backend)
		assert.Equal(t, int64(30), cfg.RateLimit.Limit)
		assert.Equal(t, "60s", cfg.RateLimit.Window)
		assert.Equal(t, RedisModeSingle, cfg.Redis.Mode)
		assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Endpoints)
		assert.Equal(t, "3500ms", cfg.Geo.Timeout)
		assert.Equal(t, "8s", cfg.Alerts.Timeout)
		assert.Equal(t, 256, cfg.Alerts.QueueSize)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, "gateguard", cfg.Tracing.ServiceName)
		assert.Equal(t, 0.1, cfg.Tracing.SampleRate)
	})

	t.Run("api key injection defaults on", func(t *testing.T) {
		cfg := Defaults()
		assert.True(t, cfg.APIKeys.InjectDefaultEnabled())
	})
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses valid YAML file", func(t *testing.T) {
		yamlContent := `
server:
  address: ":9999"
  admin_key: "super-secret"
blacklist:
  url: "https://raw.githubusercontent.com/acme/blocklist/main/ips.json"
  strategy: "perrequest"
  cache_ttl: "5m"
rate_limit:
  backend: "memory"
  limit: 10
  window: "30s"
api_keys:
  keys: ["key-one", "key-two"]
endpoints:
  search:
    - name: "Web Search"
      path: "/api/search?q=term&apikey=KEY"
      status: "active"
logging:
  level: "debug"
  format: "text"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("GATEGUARD_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, "super-secret", cfg.Server.AdminKey.Value())
		assert.Equal(t, BlacklistStrategyPerRequest, cfg.Blacklist.Strategy)
		assert.Equal(t, int64(10), cfg.RateLimit.Limit)
		assert.Equal(t, "30s", cfg.RateLimit.Window)
		assert.Len(t, cfg.APIKeys.Keys, 2)
		assert.Equal(t, "key-one", cfg.APIKeys.Keys[0].Value())
		require.Contains(t, cfg.Endpoints, "search")
		assert.Equal(t, "/api/search?q=term&apikey=KEY", cfg.Endpoints["search"][0].Path)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "bad.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("{{invalid"), 0o644))

		t.Setenv("GATEGUARD_CONFIG_FILE", cfgFile)

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("uses defaults when config file does not exist", func(t *testing.T) {
		t.Setenv("GATEGUARD_CONFIG_FILE", "/nonexistent/config.yaml")
		t.Setenv("GATEGUARD_RATE_LIMIT_LIMIT", "99")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, int64(99), cfg.RateLimit.Limit)
		assert.Equal(t, ":8080", cfg.Server.Address) // default
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env overrides string field", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("GATEGUARD_SERVER_ADDRESS", ":7777")
		t.Setenv("GATEGUARD_BLACKLIST_URL", "https://example.com/ips.json")

		parseEnv(t, cfg)

		assert.Equal(t, ":7777", cfg.Server.Address)
		assert.Equal(t, "https://example.com/ips.json", cfg.Blacklist.URL)
	})

	t.Run("env overrides secret fields", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("GATEGUARD_SERVER_ADMIN_KEY", "from-env")
		t.Setenv("GATEGUARD_STORE_TOKEN", "ghp_token")

		parseEnv(t, cfg)

		assert.Equal(t, "from-env", cfg.Server.AdminKey.Value())
		assert.Equal(t, "ghp_token", cfg.Store.Token.Value())
	})

	t.Run("env overrides key list with separator", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("GATEGUARD_API_KEYS_KEYS", "alpha,beta,gamma")

		parseEnv(t, cfg)

		require.Len(t, cfg.APIKeys.Keys, 3)
		assert.Equal(t, "beta", cfg.APIKeys.Keys[1].Value())
	})

	t.Run("env disables key injection", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("GATEGUARD_API_KEYS_INJECT_DEFAULT", "false")

		parseEnv(t, cfg)
		assert.False(t, cfg.APIKeys.InjectDefaultEnabled())
	})
}

func TestNormalize(t *testing.T) {
	t.Run("lowercases enum fields", func(t *testing.T) {
		cfg := Defaults()
		cfg.Blacklist.Strategy = "Poll"
		cfg.RateLimit.Backend = "REDIS"
		cfg.Redis.Mode = "Sentinel"
		cfg.Logging.Level = "WARN"
		cfg.Endpoints = map[string][]EndpointSpec{
			"misc": {{Name: "Ping", Path: "/api/ping", Status: "Active"}},
		}

		cfg.normalize()

		assert.Equal(t, BlacklistStrategyPoll, cfg.Blacklist.Strategy)
		assert.Equal(t, RateLimitBackendRedis, cfg.RateLimit.Backend)
		assert.Equal(t, RedisModeSentinel, cfg.Redis.Mode)
		assert.Equal(t, LogLevelWarn, cfg.Logging.Level)
		assert.Equal(t, EndpointStatusActive, cfg.Endpoints["misc"][0].Status)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return Defaults()
	}

	t.Run("accepts defaults", func(t *testing.T) {
		assert.NoError(t, Validate(valid()))
	})

	t.Run("rejects unknown blacklist strategy", func(t *testing.T) {
		cfg := valid()
		cfg.Blacklist.Strategy = "eager"
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "blacklist.strategy")
	})

	t.Run("rejects malformed blacklist url", func(t *testing.T) {
		cfg := valid()
		cfg.Blacklist.URL = "://nope"
		assert.Error(t, Validate(cfg))
	})

	t.Run("rejects unknown rate limit backend", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Backend = "etcd"
		assert.Error(t, Validate(cfg))
	})

	t.Run("rejects zero rate limit", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Limit = 0
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate_limit.limit")
	})

	t.Run("redis backend requires endpoints", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Backend = RateLimitBackendRedis
		cfg.Redis.Endpoints = nil
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis.endpoints")
	})

	t.Run("sentinel mode requires master name", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Backend = RateLimitBackendRedis
		cfg.Redis.Mode = RedisModeSentinel
		cfg.Redis.Endpoints = []string{"s1:26379", "s2:26379"}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "master_name")
	})

	t.Run("rejects invalid duration", func(t *testing.T) {
		cfg := valid()
		cfg.Geo.Timeout = "three seconds"
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "geo.timeout")
	})

	t.Run("rejects endpoint without leading slash", func(t *testing.T) {
		cfg := valid()
		cfg.Endpoints = map[string][]EndpointSpec{
			"misc": {{Name: "Bad", Path: "api/bad"}},
		}
		assert.Error(t, Validate(cfg))
	})

	t.Run("rejects duplicate endpoint paths across categories", func(t *testing.T) {
		cfg := valid()
		cfg.Endpoints = map[string][]EndpointSpec{
			"a": {{Name: "One", Path: "/api/thing"}},
			"b": {{Name: "Two", Path: "/api/thing?apikey=KEY"}},
		}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "/api/thing")
	})

	t.Run("rejects key-gated endpoint without configured keys", func(t *testing.T) {
		cfg := valid()
		cfg.APIKeys.Keys = nil
		cfg.Endpoints = map[string][]EndpointSpec{
			"search": {{Name: "Search", Path: "/api/search?q=term&apikey=KEY"}},
		}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key-gated")
	})

	t.Run("rejects invalid endpoint status", func(t *testing.T) {
		cfg := valid()
		cfg.Endpoints = map[string][]EndpointSpec{
			"misc": {{Name: "X", Path: "/api/x", Status: "retired"}},
		}
		assert.Error(t, Validate(cfg))
	})

	t.Run("enabled store requires coordinates and token", func(t *testing.T) {
		cfg := valid()
		cfg.Store.Enabled = true
		cfg.Store.Owner = "acme"
		cfg.Store.Repo = "blocklist"
		cfg.Store.FilePath = "ips.json"
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.token")

		cfg.Store.Token = "ghp_x"
		assert.NoError(t, Validate(cfg))
	})

	t.Run("tracing requires endpoint when enabled", func(t *testing.T) {
		cfg := valid()
		cfg.Tracing.Enabled = true
		assert.Error(t, Validate(cfg))
	})

	t.Run("http3 requires tls", func(t *testing.T) {
		cfg := valid()
		cfg.Server.TLS.HTTP3Enabled = true
		assert.Error(t, Validate(cfg))
	})
}

func TestRedactedString(t *testing.T) {
	t.Run("masks value in String and GoString", func(t *testing.T) {
		s := RedactedString("hunter2")
		assert.Equal(t, "[REDACTED]", s.String())
		assert.Equal(t, "[REDACTED]", s.GoString())
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
		assert.Equal(t, "hunter2", s.Value())
	})

	t.Run("empty value stays empty", func(t *testing.T) {
		var s RedactedString
		assert.Equal(t, "", s.String())
	})

	t.Run("masks value in JSON", func(t *testing.T) {
		out, err := json.Marshal(struct {
			Token RedactedString `json:"token"`
		}{Token: "hunter2"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"token":"[REDACTED]"}`, string(out))
	})
}

func TestAlertsConfig(t *testing.T) {
	t.Run("disabled when no webhook configured", func(t *testing.T) {
		assert.False(t, Defaults().Alerts.Enabled())
	})

	t.Run("enabled when any webhook configured", func(t *testing.T) {
		a := Defaults().Alerts
		a.Activity = "https://discord.com/api/webhooks/1/x"
		assert.True(t, a.Enabled())
	})
}

func TestRequiresRestart(t *testing.T) {
	t.Run("nil old config never restarts", func(t *testing.T) {
		cfg := Defaults()
		assert.Empty(t, cfg.RequiresRestart(nil))
	})

	t.Run("address change requires restart", func(t *testing.T) {
		oldCfg := Defaults()
		newCfg := Defaults()
		newCfg.Server.Address = ":8081"
		assert.Equal(t, []string{"server.address"}, newCfg.RequiresRestart(oldCfg))
	})

	t.Run("backend change requires restart", func(t *testing.T) {
		oldCfg := Defaults()
		newCfg := Defaults()
		newCfg.RateLimit.Backend = RateLimitBackendRedis
		assert.Contains(t, newCfg.RequiresRestart(oldCfg), "rate_limit.backend")
	})

	t.Run("limit change is hot-reloadable", func(t *testing.T) {
		oldCfg := Defaults()
		newCfg := Defaults()
		newCfg.RateLimit.Limit = 100
		assert.Empty(t, newCfg.RequiresRestart(oldCfg))
	})
}

func TestParseDuration(t *testing.T) {
	t.Run("empty returns default", func(t *testing.T) {
		d, err := ParseDuration("", 5e9)
		require.NoError(t, err)
		assert.Equal(t, int64(5e9), int64(d))
	})

	t.Run("invalid returns error", func(t *testing.T) {
		_, err := ParseDuration("bogus", 0)
		assert.Error(t, err)
	})

	t.Run("MustParseDuration falls back on error", func(t *testing.T) {
		assert.Equal(t, int64(7e9), int64(MustParseDuration("bogus", 7e9)))
	})
}
