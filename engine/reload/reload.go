// Package reload watches the policy file and hot-reloads it into the config
// store, so operators can edit policy without restarting.
package reload

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"intelliceil/engine/config"
	"intelliceil/engine/metrics"
)

// Options holds reload manager configuration.
type Options struct {
	PolicyPath   string
	DebounceTime time.Duration // minimum time between reloads (default 2s)
}

// Manager watches the policy file and reloads on change.
type Manager struct {
	watcher    *fsnotify.Watcher
	store      *config.Store
	logger     *zap.Logger
	policyPath string
	debounce   time.Duration

	mu         sync.Mutex
	lastReload time.Time
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewManager starts watching the policy file. The store must be loaded from
// the same persistence the file backs.
func NewManager(store *config.Store, logger *zap.Logger, opts Options) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DebounceTime == 0 {
		opts.DebounceTime = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	m := &Manager{
		watcher:    watcher,
		store:      store,
		logger:     logger,
		policyPath: opts.PolicyPath,
		debounce:   opts.DebounceTime,
		stopChan:   make(chan struct{}),
	}

	// Watch the directory: editors and atomic renames replace the file
	// inode, which would silently detach a file-level watch.
	if err := watcher.Add(filepath.Dir(opts.PolicyPath)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch policy directory: %w", err)
	}

	go m.watch()
	logger.Info("watching policy file for changes", zap.String("path", opts.PolicyPath))
	return m, nil
}

// Reload re-reads the policy from persistence immediately (SIGHUP, admin
// endpoint).
func (m *Manager) Reload(trigger string) error {
	if err := m.store.Load(); err != nil {
		m.logger.Error("policy reload failed", zap.String("trigger", trigger), zap.Error(err))
		return err
	}
	metrics.ConfigReloads.WithLabelValues(trigger).Inc()
	m.logger.Info("policy reloaded", zap.String("trigger", trigger))
	return nil
}

// Stop shuts the watcher down.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	return m.watcher.Close()
}

func (m *Manager) watch() {
	for {
		select {
		case <-m.stopChan:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.policyPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			m.mu.Lock()
			recent := time.Since(m.lastReload) < m.debounce
			if !recent {
				m.lastReload = time.Now()
			}
			m.mu.Unlock()
			if recent {
				continue
			}
			_ = m.Reload("fsnotify")
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}
