package watcher

import (
	"context"
	"time"
)

// DefaultPollInterval applies when none is configured.
const DefaultPollInterval = 10 * time.Second

// StartPolling compares file modification times and sizes on a fixed
// interval.
func (w *Watcher) StartPolling(ctx context.Context) error {
	interval := w.interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	w.changed()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.changed() {
				w.log.Debug("config file changed", "method", MethodPoll)
				w.fire()
			}
		}
	}
}
