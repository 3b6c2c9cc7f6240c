package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the config file for changes and reloads the manager on each write.
// Events are debounced, editors often fire several events per save. Blocking call,
// returns when the context is canceled. onReload is optional, called with the fresh
// settings after each swap.
func (m *Manager) Watch(ctx context.Context, onReload func(Settings)) error {
	dir, err := m.ConfigDir()
	if err != nil {
		return fmt.Errorf("can't watch config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("can't create watcher: %w", err)
	}
	defer watcher.Close()

	// watch the directory, not the file. saves via rename would drop a file watch
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("can't watch %s: %w", dir, err)
	}
	log.Printf("[INFO] watching config %s", m.file)

	target := filepath.Base(m.file)
	var debounce *time.Timer
	debounceCh := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			settings := m.Reload()
			if onReload != nil {
				onReload(settings)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			log.Printf("[WARN] config watcher error: %v", err)
		}
	}
}
