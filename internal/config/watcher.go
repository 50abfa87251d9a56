package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherCallback receives each validated config after a successful
// reload. The gateway uses it to swap API keys, the endpoint table,
// limiter parameters and webhook destinations without a restart. It
// runs on the watcher goroutine, so it must not block.
type WatcherCallback func(newCfg *Config)

// Watcher reloads the gateway config whenever the file on disk
// changes. Detection is two-fold: fsnotify on the parent directory for
// prompt reaction to editor saves, and a periodic content digest for
// Kubernetes projected volumes, where kubelet swaps a "..data" symlink
// without emitting inotify events the watch would see.
type Watcher struct {
	path      string
	dir       string
	callback  WatcherCallback
	logger    *slog.Logger
	settle    time.Duration // quiet period after the last fs event before reloading.
	pollEvery time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher builds a watcher for the config file at path. Nothing is
// watched until Start runs.
func NewWatcher(path string, callback WatcherCallback, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:      path,
		dir:       filepath.Dir(path),
		callback:  callback,
		logger:    logger,
		settle:    300 * time.Millisecond,
		pollEvery: 2 * time.Second,
	}
}

// fingerprint is the poll-side view of the config file: the target of
// the Kubernetes "..data" symlink plus a digest of the file content.
type fingerprint struct {
	dataLink string
	target   string
	digest   string
}

// stale reports whether the file no longer matches the fingerprint.
// The symlink target is checked first because reading it is cheap; the
// content digest catches in-place edits.
func (fp *fingerprint) stale(path string) bool {
	if target := linkTarget(fp.dataLink); target != "" && target != fp.target {
		fp.target = target
		return true
	}
	return digestFile(path) != fp.digest
}

// refresh resets the fingerprint to the file's current state.
func (fp *fingerprint) refresh(path string) {
	fp.digest = digestFile(path)
	fp.target = linkTarget(fp.dataLink)
}

// Start watches until ctx is canceled or Stop is called. Filesystem
// events are coalesced over a short settle window so an editor's
// write-then-rename save sequence produces a single reload.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory, not just the file: atomic saves replace the
	// inode and would silently orphan a file-only watch.
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	_ = fw.Add(w.path)

	w.logger.Info("watching gateway config", "path", w.path)

	fp := &fingerprint{dataLink: filepath.Join(w.dir, "..data")}
	fp.refresh(w.path)

	var settleTimer *time.Timer
	var settleCh <-chan time.Time

	poll := time.NewTicker(w.pollEvery)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher shutting down")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				// The file was replaced; re-attach the per-file watch.
				_ = fw.Add(w.path)
			}
			if settleTimer != nil {
				settleTimer.Stop()
			}
			settleTimer = time.NewTimer(w.settle)
			settleCh = settleTimer.C

		case <-settleCh:
			settleCh = nil
			w.applyFromDisk()
			fp.refresh(w.path)

		case <-poll.C:
			if fp.stale(w.path) {
				fp.refresh(w.path)
				w.logger.Debug("config change found by digest poll", "path", w.path)
				w.applyFromDisk()
			}

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watch error", "error", werr)
		}
	}
}

// applyFromDisk re-reads and validates the file, then hands the result
// to the callback. A file that fails validation is ignored so the
// gateway keeps serving with the last good config.
func (w *Watcher) applyFromDisk() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("rejecting config change, keeping current config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.callback(newCfg)
}

// Stop cancels the watch. Safe to call more than once, and before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

func digestFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

func linkTarget(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
