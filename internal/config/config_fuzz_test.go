package config

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzLoadFromYAML feeds random YAML through the config loader to find panics,
// unhandled errors, or unexpected behaviour in the parsing and validation logic.
func FuzzLoadFromYAML(f *testing.F) {
	// Seed corpus with a minimal valid config.
	f.Add([]byte(`
server:
  address: ":8080"
rate_limit:
  backend: memory
  limit: 100
  window: "1m"
`))
	// Seed with empty YAML.
	f.Add([]byte(``))
	// Seed with a fully populated config.
	f.Add([]byte(`
server:
  address: ":0"
  tls:
    enabled: true
    cert_file: /nonexistent
    key_file: /nonexistent
    min_version: "1.3"
    http3_enabled: true
  read_timeout: "1s"
  write_timeout: "1s"
  idle_timeout: "1s"
admin:
  address: ":9090"
  admin_key: "hunter2"
blacklist:
  url: "https://blocklist.example.com/ips.json"
  strategy: poll
  poll_interval: "30s"
rate_limit:
  backend: redis
  limit: 10
  window: "10s"
  exempt_paths: ["/healthz"]
  trusted_proxies: ["10.0.0.0/8"]
redis:
  endpoints: ["redis:6379"]
  password: "secret"
api_keys:
  keys: ["k1", "k2"]
  inject_default: true
endpoints:
  Search:
    - name: "Web Search"
      path: "/api/search?q=test&apikey="
alerts:
  rate_limit: "https://hooks.example.com/rl"
  activity: "https://hooks.example.com/act"
geo:
  url: "http://ip-api.com/json/"
  timeout: "3500ms"
store:
  enabled: true
  owner: acme
  repo: config
  file_path: blacklist.json
  token: "ghp_test"
`))
	// Seed with malformed structure types.
	f.Add([]byte(`
endpoints: "not a map"
rate_limit: [1, 2, 3]
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		// Only panics matter here, not errors.
		_, _ = LoadFromPath(path)
	})
}
