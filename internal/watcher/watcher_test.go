package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/raoulx24/zfs-archiver/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startWatcher(t *testing.T, method string, files ...string) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	w := New(Options{
		Files:        files,
		Method:       method,
		PollInterval: 20 * time.Millisecond,
		Debounce:     20 * time.Millisecond,
	}, logging.Nop(), func() { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return &calls
}

func touchUntil(t *testing.T, path string, calls *atomic.Int32) {
	t.Helper()
	n := 0
	require.Eventually(t, func() bool {
		n++
		_ = os.WriteFile(path, []byte(strings.Repeat("x", n)), 0o644)
		return calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPollingDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	calls := startWatcher(t, MethodPoll, path)
	touchUntil(t, path, calls)
}

func TestPollingDetectsCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zfs-archiver.conf")
	calls := startWatcher(t, MethodPoll, path)
	touchUntil(t, path, calls)
}

func TestFsnotifyDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zfs-archiver.conf")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	calls := startWatcher(t, MethodFsnotify, path)
	touchUntil(t, path, calls)
}

func TestFsnotifyIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	calls := startWatcher(t, MethodFsnotify, path)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated"), []byte{byte(i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestChangedBaseline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	w := New(Options{Files: []string{path}}, logging.Nop(), func() {})

	assert.False(t, w.changed(), "first call records the baseline")
	assert.False(t, w.changed())

	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	assert.True(t, w.changed())

	require.NoError(t, os.Remove(path))
	assert.True(t, w.changed())
	assert.False(t, w.changed())
}

func TestDirsDeduplicated(t *testing.T) {
	w := New(Options{Files: []string{"/etc/za/config.yaml", "/etc/za/policy.conf", "", "/srv/other.conf"}}, logging.Nop(), func() {})
	assert.ElementsMatch(t, []string{"/etc/za", "/srv"}, w.dirs())
	assert.True(t, w.watched("/etc/za/./config.yaml"))
	assert.False(t, w.watched("/etc/za/other"))
}

func TestUnknownMethod(t *testing.T) {
	w := New(Options{Method: "inotify"}, logging.Nop(), func() {})
	assert.Error(t, w.Start(context.Background()))
}

func TestFirePanicRecovered(t *testing.T) {
	w := New(Options{}, logging.Nop(), func() { panic("boom") })
	assert.NotPanics(t, w.fire)
}
