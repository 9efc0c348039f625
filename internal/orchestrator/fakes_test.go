package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/raoulx24/zfs-archiver/internal/compress"
	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/transport"
	"github.com/raoulx24/zfs-archiver/internal/zfs"
	"github.com/raoulx24/zfs-archiver/internal/zfs/zfstest"
)

// session only carries a name; the volume behind it is looked up by that name.
type session struct {
	name   string
	remote bool
}

func (s *session) Output(context.Context, ...string) ([]byte, error) { return nil, nil }
func (s *session) Stream(context.Context, compress.Codec, ...string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not supported")
}
func (s *session) Pipe(context.Context, io.Reader, compress.Codec, ...string) (int64, error) {
	return 0, fmt.Errorf("not supported")
}
func (s *session) Remote() bool   { return s.remote }
func (s *session) String() string { return s.name }
func (s *session) Close() error   { return nil }

type world struct {
	mu      sync.Mutex
	local   *zfstest.Volume
	remotes map[string]*zfstest.Volume
	down    map[string]error
	keys    map[string]string
	opened  int
}

func newWorld() *world {
	return &world{
		local:   zfstest.New(),
		remotes: map[string]*zfstest.Volume{},
		down:    map[string]error{},
		keys:    map[string]string{},
	}
}

func (w *world) remote(ep string) *zfstest.Volume {
	v, ok := w.remotes[ep]
	if !ok {
		v = zfstest.New()
		w.remotes[ep] = v
	}
	return v
}

func (w *world) OpenLocal() transport.Session { return &session{name: "local"} }

func (w *world) OpenRemote(_ context.Context, ep dataset.Endpoint, key string) (transport.Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.down[ep.String()]; err != nil {
		return nil, err
	}
	w.opened++
	w.keys[ep.String()] = key
	return &session{name: ep.String(), remote: true}, nil
}

func (w *world) volumes(s transport.Session) zfs.Volume {
	if s.String() == "local" {
		return w.local
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remote(s.String())
}
