package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatewayYAML(limit int64) string {
	return fmt.Sprintf(`
rate_limit:
  backend: "memory"
  limit: %d
  window: "60s"
endpoints:
  weather:
    - name: "Weather"
      path: "/api/weather"
      status: "active"
`, limit)
}

func startWatcher(t *testing.T, cfgPath string, settle time.Duration, cb WatcherCallback) {
	t.Helper()
	w := NewWatcher(cfgPath, cb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.settle = settle

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Start(ctx) }()

	// Let the fsnotify watch attach before the test mutates the file.
	time.Sleep(200 * time.Millisecond)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(gatewayYAML(5)), 0o644))

	var reloads atomic.Int64
	var mu sync.Mutex
	var got *Config
	startWatcher(t, cfgPath, 100*time.Millisecond, func(newCfg *Config) {
		mu.Lock()
		got = newCfg
		mu.Unlock()
		reloads.Add(1)
	})

	require.NoError(t, os.WriteFile(cfgPath, []byte(gatewayYAML(7)), 0o644))

	assert.Eventually(t, func() bool { return reloads.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.RateLimit.Limit)
}

func TestWatcherIgnoresBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(gatewayYAML(5)), 0o644))

	var reloads atomic.Int64
	startWatcher(t, cfgPath, 100*time.Millisecond, func(_ *Config) { reloads.Add(1) })

	require.NoError(t, os.WriteFile(cfgPath, []byte(`{{{not yaml`), 0o644))
	time.Sleep(500 * time.Millisecond)

	assert.Zero(t, reloads.Load(), "broken config must not reach the callback")
}

func TestWatcherCoalescesBurstWrites(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(gatewayYAML(5)), 0o644))

	var reloads atomic.Int64
	startWatcher(t, cfgPath, 200*time.Millisecond, func(_ *Config) { reloads.Add(1) })

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(cfgPath, []byte(gatewayYAML(5)), 0o644))
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(600 * time.Millisecond)

	got := reloads.Load()
	assert.LessOrEqual(t, got, int64(2), "burst of writes should settle into at most 2 reloads, got %d", got)
}

func TestWatcherPollCatchesProjectedVolumeSwap(t *testing.T) {
	// Reproduce the kubelet layout: config.yaml -> ..data/config.yaml,
	// where ..data is a symlink that gets repointed atomically on update.
	dir := t.TempDir()

	gen1 := filepath.Join(dir, "..2026_08")
	gen2 := filepath.Join(dir, "..2026_09")
	require.NoError(t, os.Mkdir(gen1, 0o755))
	require.NoError(t, os.Mkdir(gen2, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gen1, "config.yaml"), []byte(gatewayYAML(5)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(gen2, "config.yaml"), []byte(gatewayYAML(99)), 0o644))

	dataLink := filepath.Join(dir, "..data")
	require.NoError(t, os.Symlink(gen1, dataLink))

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.Symlink(filepath.Join("..data", "config.yaml"), cfgPath))

	var reloads atomic.Int64
	w := NewWatcher(cfgPath, func(_ *Config) { reloads.Add(1) }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.settle = 50 * time.Millisecond
	w.pollEvery = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// Repoint ..data the way kubelet does: build a temp link, then rename.
	tmpLink := filepath.Join(dir, "..data_tmp")
	require.NoError(t, os.Symlink(gen2, tmpLink))
	require.NoError(t, os.Rename(tmpLink, dataLink))

	assert.Eventually(t, func() bool { return reloads.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestWatcherStopBeforeStart(t *testing.T) {
	w := NewWatcher("/tmp/missing.yaml", func(_ *Config) {}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.Stop()
	w.Stop()
}
