// Package fsprobe checks whether fsnotify delivers events for a directory.
// Config directories can live on network or overlay filesystems where
// inotify stays silent, so the probe does a real create and rename.
package fsprobe

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWait bounds how long Probe waits for the first event.
const DefaultWait = 200 * time.Millisecond

// Result reports whether fsnotify is usable and why not.
type Result struct {
	Supported bool
	Reason    string
}

func unsupported(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Probe renames a scratch file in dir and waits up to wait for fsnotify to
// report it. A zero wait means DefaultWait.
func Probe(dir string, wait time.Duration) Result {
	if wait <= 0 {
		wait = DefaultWait
	}
	st, err := os.Stat(dir)
	if err != nil {
		return unsupported("stat failed: %v", err)
	}
	if !st.IsDir() {
		return unsupported("%s is not a directory", dir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return unsupported("fsnotify unavailable: %v", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return unsupported("cannot watch directory: %v", err)
	}

	f, err := os.CreateTemp(dir, ".zfs-archiver-probe-*")
	if err != nil {
		return unsupported("cannot create probe file: %v", err)
	}
	tmp := f.Name()
	f.Close()

	final := tmp + ".done"
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return unsupported("rename failed: %v", err)
	}
	defer os.Remove(final)

	timeout := time.After(wait)
	for {
		select {
		case ev := <-w.Events:
			if ev.Op&(fsnotify.Rename|fsnotify.Create|fsnotify.Write) != 0 {
				return Result{Supported: true}
			}
		case err := <-w.Errors:
			return unsupported("fsnotify error: %v", err)
		case <-timeout:
			return unsupported("no events received within %s", wait)
		}
	}
}
