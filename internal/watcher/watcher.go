// Package watcher monitors the daemon config and policy files and reports
// changes to a reload callback.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raoulx24/zfs-archiver/internal/fsprobe"
	"github.com/raoulx24/zfs-archiver/internal/logging"
)

const (
	MethodAuto     = "auto"
	MethodFsnotify = "fsnotify"
	MethodPoll     = "poll"
)

// DefaultDebounce collapses the burst of events an editor produces on save.
const DefaultDebounce = 500 * time.Millisecond

type Options struct {
	Files        []string
	Method       string
	PollInterval time.Duration
	Debounce     time.Duration
}

// Watcher calls onChange once per settled change of any watched file.
type Watcher struct {
	mu sync.Mutex

	files    map[string]struct{}
	method   string
	interval time.Duration
	debounce time.Duration

	log      logging.Logger
	onChange func()

	seen map[string]fileState
}

type fileState struct {
	mod  time.Time
	size int64
	ok   bool
}

func New(opts Options, log logging.Logger, onChange func()) *Watcher {
	files := make(map[string]struct{}, len(opts.Files))
	for _, f := range opts.Files {
		if f != "" {
			files[filepath.Clean(f)] = struct{}{}
		}
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		files:    files,
		method:   opts.Method,
		interval: opts.PollInterval,
		debounce: debounce,
		log:      log,
		onChange: onChange,
		seen:     make(map[string]fileState),
	}
}

// Start chooses the watching strategy and blocks until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	switch w.method {
	case MethodFsnotify:
		return w.StartFsNotify(ctx)

	case MethodPoll:
		return w.StartPolling(ctx)

	case MethodAuto, "":
		for _, dir := range w.dirs() {
			if res := fsprobe.Probe(dir, 0); !res.Supported {
				w.log.Warn("fsnotify disabled, polling config files", "dir", dir, "reason", res.Reason)
				return w.StartPolling(ctx)
			}
		}
		return w.StartFsNotify(ctx)

	default:
		return fmt.Errorf("unknown watch method %q", w.method)
	}
}

func (w *Watcher) dirs() []string {
	seen := make(map[string]struct{})
	var out []string
	for f := range w.files {
		d := filepath.Dir(f)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func (w *Watcher) watched(name string) bool {
	_, ok := w.files[filepath.Clean(name)]
	return ok
}

// changed stats every file and reports whether any differs from the last
// call. The first call only records the baseline.
func (w *Watcher) changed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	first := len(w.seen) == 0
	diff := false
	for f := range w.files {
		var st fileState
		if info, err := os.Stat(f); err == nil {
			st = fileState{mod: info.ModTime(), size: info.Size(), ok: true}
		}
		if prev, ok := w.seen[f]; !first && (!ok || prev != st) {
			diff = true
		}
		w.seen[f] = st
	}
	return diff && !first
}

func (w *Watcher) fire() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("reload panic", "panic", r)
		}
	}()
	w.onChange()
}
