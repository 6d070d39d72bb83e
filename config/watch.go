package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gopwsh/gopwsh/logger"
)

// Watch follows the config file and sends re-loaded settings to the returned
// channel whenever the file changes and parses cleanly. Invalid edits are
// logged and skipped, so a half-saved file never replaces a good config.
// The channel is closed when the context is cancelled.
func Watch(ctx context.Context, path string) (<-chan *Settings, error) {
	log := logger.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory — more reliable than watching the file directly,
	// since editors often replace the file on save.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	ch := make(chan *Settings, 1)
	baseName := filepath.Base(path)

	go func() {
		defer close(ch)
		defer watcher.Close()

		// Coalesce bursts of events from a single save.
		var debounce *time.Timer
		var debounceC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != baseName {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(50 * time.Millisecond)
					debounceC = debounce.C
				} else {
					debounce.Reset(50 * time.Millisecond)
				}

			case <-debounceC:
				debounce = nil
				debounceC = nil

				s, err := Load(path)
				if err != nil {
					log.Warn("ignoring config change", "path", path, "error", err)
					continue
				}
				log.Info("config reloaded", "path", path)

				// Drop a stale pending value rather than block.
				select {
				case ch <- s:
				default:
					select {
					case <-ch:
					default:
					}
					ch <- s
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debug("config watcher error", "error", err)
			}
		}
	}()

	return ch, nil
}
