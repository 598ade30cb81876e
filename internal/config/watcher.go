package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/brianly1003/mstream/internal/sync"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher keeps a configuration current by reloading it whenever its file
// changes. A reload that fails to parse or validate keeps the previous
// configuration.
type Watcher struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	onReload []func(*Config)
	watcher  *fsnotify.Watcher
	done     chan struct{}
	running  bool
}

// NewWatcher creates a watcher seeded with an already loaded configuration.
func NewWatcher(cfg *Config) *Watcher {
	return &Watcher{
		path: cfg.Path,
		cfg:  cfg,
	}
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Account returns the named account from the current configuration.
func (w *Watcher) Account(name string) (AccountConfig, error) {
	return w.Config().Account(name)
}

// OnReload registers a callback run after every successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Start begins watching. The directory is watched rather than the file so
// that editors replacing the file atomically are still noticed. Without a
// config file Start is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running || w.path == "" {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.watcher = fw
	w.done = make(chan struct{})
	w.running = true

	go w.watchLoop(fw, w.done)

	log.Debug().Str("path", w.path).Msg("watching config file for changes")
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.done)
	_ = w.watcher.Close()
	w.watcher = nil
}

func (w *Watcher) watchLoop(fw *fsnotify.Watcher, done chan struct{}) {
	target := filepath.Clean(w.path)

	debounceTimer := time.NewTimer(time.Hour)
	debounceTimer.Stop()

	for {
		select {
		case <-done:
			debounceTimer.Stop()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(reloadDebounce)
			}

		case <-debounceTimer.C:
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous configuration")
		return
	}

	w.mu.Lock()
	w.cfg = cfg
	callbacks := append([]func(*Config){}, w.onReload...)
	w.mu.Unlock()

	log.Info().
		Str("path", w.path).
		Int("accounts", len(cfg.Accounts)).
		Msg("configuration reloaded")

	for _, fn := range callbacks {
		fn(cfg)
	}
}
