package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"voice-gateway/pkg/errors"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// TenantWatcher reloads the tenants file when it changes on disk.
// A document that fails to parse is logged and the previous tenants stay in effect.
type TenantWatcher struct {
	path         string
	tenants      *Tenants
	logger       *logrus.Logger
	watcher      *fsnotify.Watcher
	debounceTime time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	reloads int
}

// NewTenantWatcher prepares a watcher that updates tenants in place
func NewTenantWatcher(path string, tenants *Tenants, logger *logrus.Logger) (*TenantWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	return &TenantWatcher{
		path:         path,
		tenants:      tenants,
		logger:       logger,
		watcher:      watcher,
		debounceTime: 500 * time.Millisecond,
	}, nil
}

// Start watches the directory holding the tenants file, so editors that replace the file are seen too
func (w *TenantWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return errors.New("tenant watcher already started")
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrap(err, "failed to watch tenants directory").WithField("path", w.path)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)

	w.logger.WithField("path", w.path).Info("Watching tenants file for changes")
	return nil
}

// Stop ends the watch loop and releases the underlying watcher
func (w *TenantWatcher) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return w.watcher.Close()
}

// Reloads returns the number of successful reloads
func (w *TenantWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *TenantWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("Tenant watcher panic recovered")
		}
	}()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// collapse bursts of writes into a single reload
			debounce = time.After(w.debounceTime)

		case <-debounce:
			debounce = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Tenant file watcher error")
		}
	}
}

func (w *TenantWatcher) reload() {
	fresh, err := LoadTenants(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Error("Tenant reload failed, keeping previous tenants")
		return
	}

	w.tenants.Replace(fresh)

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"path":    w.path,
		"tenants": fresh.Len(),
	}).Info("Tenants reloaded")
}
