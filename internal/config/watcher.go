package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FeatureSource yields the feature snapshot to consult for a request.
// Consumers must call Current per request rather than caching the snapshot,
// so hot reloads take effect without a restart.
type FeatureSource interface {
	Current() *Features
}

// StaticFeatures is a FeatureSource with no reload behind it, used when the
// watcher is unavailable and in tests.
type StaticFeatures struct {
	Features *Features
}

func (s StaticFeatures) Current() *Features { return s.Features }

var _ FeatureSource = (*Watcher)(nil)

// Watcher hot-reloads feature flags when features.yaml changes. Consumers read
// the current snapshot via Current; reloads swap the value atomically rather
// than mutating it in place.
type Watcher struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Features]
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher creates a watcher seeded with the given snapshot.
func NewWatcher(path string, initial *Features, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:    path,
		logger:  logger,
		watcher: fw,
		stopCh:  make(chan struct{}),
	}
	w.current.Store(initial)
	return w, nil
}

// Current returns the latest feature snapshot.
func (w *Watcher) Current() *Features {
	return w.current.Load()
}

// Start begins watching the config directory. Reload failures keep the
// previous snapshot.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.loop(ctx)
	return nil
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	// Debounce rapid write sequences from editors and config mounts.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	f, err := LoadFeatures()
	if err != nil {
		w.logger.Warn("feature reload failed, keeping previous snapshot", zap.Error(err))
		return
	}
	w.current.Store(f)
	w.logger.Info("feature flags reloaded",
		zap.Bool("complexity_analysis", f.Routing.ComplexityAnalysis),
		zap.Bool("smart_routing", f.Routing.SmartRouting),
	)
}
