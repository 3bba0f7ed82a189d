package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-applies the config-file precedence tier whenever its source
// file changes on disk, without requiring a process restart. Each reload
// re-resolves Defaults, then the file, then the environment (read again
// at reload time), then the options the Watcher was constructed with.
type Watcher struct {
	mu      sync.RWMutex
	current Config
	base    Config
	opts    []Option
	path    string
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// NewWatcher resolves the initial config from path (see Resolve) and
// starts watching it for writes. Callers must call Close when done.
func NewWatcher(path string, log *slog.Logger, opts ...Option) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	base := Defaults()
	cfg, err := LoadFile(base, path)
	if err != nil {
		return nil, err
	}
	cfg = LoadEnv(cfg)
	cfg = Apply(cfg, opts...)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{current: cfg, base: base, opts: opts, path: path, watcher: fw, log: log.With("component", "config_watcher")}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.base, w.path)
	if err != nil {
		w.log.Error("config reload failed, keeping prior config", "error", err)
		return
	}
	cfg = LoadEnv(cfg)
	cfg = Apply(cfg, w.opts...)

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.log.Info("config reloaded", "path", w.path)
}

// Current returns the most recently resolved configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
