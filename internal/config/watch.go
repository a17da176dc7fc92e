package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file whenever it changes on disk and hands the
// freshly validated *Config to a callback. Invalid edits are logged and ignored
// so a typo never replaces a working configuration.
type Watcher struct {
	path     string
	onChange func(*Config)
}

// Watch starts watching configPath. It returns an error when configPath is empty
// or the file cannot be read, since there is nothing to watch in that case.
func Watch(configPath string, onChange func(*Config)) (*Watcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config watch requires an explicit config file path")
	}
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return nil, fmt.Errorf("config file %s not found", configPath)
	}

	w := &Watcher{path: configPath, onChange: onChange}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		w.reload(e.Name)
	})
	v.WatchConfig()

	slog.Info("watching config file", "path", configPath)
	return w, nil
}

func (w *Watcher) reload(name string) {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload rejected", "file", name, "error", err)
		return
	}
	slog.Info("config reloaded", "file", name, "storage_provider", cfg.Storage.Provider)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
