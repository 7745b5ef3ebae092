package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

func remarshal(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Watcher reloads configuration when the config file changes on disk.
type Watcher struct {
	loader  *Loader
	watcher *fsnotify.Watcher
	onLoad  func(*Config)
	stopCh  chan struct{}
}

// NewWatcher creates a watcher that invokes onLoad with each successfully
// reloaded configuration.
func NewWatcher(loader *Loader, onLoad func(*Config)) (*Watcher, error) {
	if onLoad == nil {
		return nil, fmt.Errorf("onLoad callback is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}

	return &Watcher{
		loader:  loader,
		watcher: fsWatcher,
		onLoad:  onLoad,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory. Watching the directory
// rather than the file survives editors that replace the file on save.
func (w *Watcher) Start() error {
	configPath, err := w.loader.Path()
	if err != nil {
		return err
	}

	if err := w.watcher.Add(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.run(configPath)

	log.Info().Str("path", configPath).Msg("Config watcher started")
	return nil
}

func (w *Watcher) run(configPath string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := w.loader.Load()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to reload config, keeping previous")
				continue
			}
			w.onLoad(cfg)
			log.Info().Msg("Config reloaded")

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}
