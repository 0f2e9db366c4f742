package config

import (
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the live configuration and supports hot reload of the
// provider block. Readers call Current(); the watcher replaces the internal
// reference atomically under a write lock when the JSON file changes.
type Manager struct {
	mu      sync.RWMutex
	current *Config
	watcher *fsnotify.Watcher

	// onReload is invoked with the new config after a successful reload.
	// Used to rebuild provider clients.
	onReload func(*Config)
}

// NewManager wraps an already-loaded config.
func NewManager(cfg *Config) *Manager {
	return &Manager{current: cfg}
}

// Current returns the live configuration. The returned pointer must be
// treated as immutable.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Replace swaps in a new configuration and fires the reload callback.
func (m *Manager) Replace(cfg *Config) {
	m.mu.Lock()
	m.current = cfg
	cb := m.onReload
	m.mu.Unlock()
	if cb != nil {
		cb(cfg)
	}
}

// OnReload registers the callback fired after each successful hot reload.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = fn
}

// Watch starts watching the persisted config file and hot-reloads on write
// events. Reload failures are logged and the previous config stays live.
func (m *Manager) Watch() error {
	path := m.Current().FilePath()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = w

	if err := w.Add(path); err != nil {
		// The file may not exist yet; watch its directory instead so the
		// first Save() is picked up.
		if dirErr := w.Add(dirOf(path)); dirErr != nil {
			w.Close()
			return dirErr
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Name != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				fresh := fromEnv()
				if err := fresh.applyFile(path); err != nil {
					log.Printf("config: hot reload failed, keeping previous config: %v", err)
					continue
				}
				log.Printf("config: reloaded %s", path)
				m.Replace(fresh)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("config: watcher error: %v", err)
			}
		}
	}()

	return nil
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
