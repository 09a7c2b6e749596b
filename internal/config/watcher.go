package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration when the file changes on disk.
// Invalid edits are logged and skipped; the last good config stays active.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onReload func(*Config)

	mu      sync.RWMutex
	current *Config
	done    chan struct{}
	once    sync.Once
}

// NewWatcher starts watching the config file. onReload is invoked with each
// successfully loaded and validated config.
func NewWatcher(configPath string, logger zerolog.Logger, onReload func(*Config)) (*Watcher, error) {
	loader := NewLoader(configPath)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("initial config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("initial config invalid: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save
	// and the inode-level watch would be lost.
	dir := filepath.Dir(loader.GetConfigPath())
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		loader:   loader,
		watcher:  fw,
		logger:   logger,
		onReload: onReload,
		current:  cfg,
		done:     make(chan struct{}),
	}

	go w.loop()

	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		close(w.done)
	})
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	target := w.loader.GetConfigPath()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(target) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn().Err(err).Msg("Reloaded config invalid, keeping previous config")
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info().Msg("Configuration reloaded")

	if w.onReload != nil {
		w.onReload(cfg)
	}
}
