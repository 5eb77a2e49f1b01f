package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the settings tree when the config file changes on disk.
// Events are debounced so editors that write-then-rename trigger a single
// reload. Returns once the watcher is installed; watching stops when ctx is
// cancelled. onReload is called after every successful swap (may be nil).
func (h *Handle) Watch(ctx context.Context, onReload func(), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: editors replace files by rename
	// and a file-level watch goes stale after the first save.
	if err := watcher.Add(h.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()

		var timer *time.Timer
		reload := func() {
			if err := h.Reload(); err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			if onReload != nil {
				onReload()
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != h.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(300*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return nil
}
