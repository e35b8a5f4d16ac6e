package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roelfdiedericks/codemem/internal/logging"
	"github.com/roelfdiedericks/codemem/internal/paths"
)

// watchDebounce coalesces editor save bursts (write + chmod + rename)
// into one reload.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and hands
// the fresh Config to onChange. It watches the containing directory so
// atomic-rename saves are seen. Blocks until ctx is done.
func Watch(ctx context.Context, onChange func(Config)) error {
	path, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	if path == "" {
		if path, err = paths.DefaultConfigPath(); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	logging.L_debug("config: watching", "dir", dir, "file", path)

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.L_warn("config: watcher error", "error", err)
		case <-fire:
			cfg, err := Load()
			if err != nil {
				logging.L_warn("config: reload failed, keeping previous", "error", err)
				continue
			}
			logging.L_info("config: reloaded", "path", path)
			onChange(cfg)
		}
	}
}
