package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartFsNotify watches the directories of the files, since editors and
// config management replace files by rename, and fires once events for a
// watched file have been quiet for the debounce window.
func (w *Watcher) StartFsNotify(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	added := 0
	for _, dir := range w.dirs() {
		if err := watcher.Add(dir); err != nil {
			w.log.Warn("cannot watch config directory", "dir", dir, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		return fmt.Errorf("no config directory could be watched")
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				w.log.Error("events channel closed")
				return nil
			}
			if !w.watched(ev.Name) {
				continue
			}
			w.log.Debug("event", "name", ev.Name, "op", ev.Op)
			timer.Reset(w.debounce)

		case <-timer.C:
			w.fire()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("fsnotify error", "error", err)
		}
	}
}
