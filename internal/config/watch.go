package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/omnicloud/relay/internal/relaylog"
)

// DebugWatcher watches a config file for writes via fsnotify and
// hot-applies just its debug flag via onChange, with no debounce: a
// verbosity flip has no correctness cost if applied immediately.
type DebugWatcher struct {
	fsWatcher  *fsnotify.Watcher
	configPath string
	onChange   func(debug bool)
	stopChan   chan struct{}
}

// NewDebugWatcher returns a watcher for configPath's containing
// directory (fsnotify watches directories more reliably than single
// files across editors that write-then-rename).
func NewDebugWatcher(configPath string, onChange func(debug bool)) (*DebugWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("config: watching %s: %w", dir, err)
	}

	return &DebugWatcher{
		fsWatcher:  fsWatcher,
		configPath: configPath,
		onChange:   onChange,
		stopChan:   make(chan struct{}),
	}, nil
}

// Start begins watching in a new goroutine.
func (w *DebugWatcher) Start() {
	go w.run()
}

// Stop shuts the watcher down.
func (w *DebugWatcher) Stop() {
	close(w.stopChan)
	w.fsWatcher.Close()
}

func (w *DebugWatcher) run() {
	target := filepath.Clean(w.configPath)
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			debug, err := ReloadDebugFlag(w.configPath)
			if err != nil {
				relaylog.Warnf("config: re-reading debug flag: %v", err)
				continue
			}
			w.onChange(debug)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			relaylog.Warnf("config watcher error: %v", err)

		case <-w.stopChan:
			return
		}
	}
}
