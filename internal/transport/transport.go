// Package transport runs volume-manager commands and pipes replication
// streams either locally or over ssh.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/raoulx24/zfs-archiver/internal/compress"
	"github.com/raoulx24/zfs-archiver/internal/dataset"
)

var (
	// ErrTransportUnavailable covers every failure to reach an endpoint.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrAuthFailure is wrapped together with ErrTransportUnavailable.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrConnectFailure is wrapped together with ErrTransportUnavailable.
	ErrConnectFailure = errors.New("connect failed")
)

// Runner executes one command.
type Runner interface {
	// Output runs args and returns stdout. A non-zero exit yields *CommandError.
	Output(ctx context.Context, args ...string) ([]byte, error)
	// Stream starts args and returns its stdout. A remote runner compresses
	// with codec on the far side and decodes locally. Close waits for the
	// command and reports its exit status.
	Stream(ctx context.Context, codec compress.Codec, args ...string) (io.ReadCloser, error)
}

// Session is a Runner bound to one endpoint that can also feed a stream
// into a receiving command.
type Session interface {
	Runner
	// Pipe copies stream into the stdin of args, compressing with codec when
	// the stream crosses a wire. It returns the bytes read from stream.
	Pipe(ctx context.Context, stream io.Reader, codec compress.Codec, args ...string) (int64, error)
	Remote() bool
	String() string
	Close() error
}

// Opener hands out sessions. Each call yields an independent session.
type Opener interface {
	OpenLocal() Session
	OpenRemote(ctx context.Context, ep dataset.Endpoint, key string) (Session, error)
}

// Open picks the local or remote variant for loc.
func Open(ctx context.Context, o Opener, loc dataset.Location, key string) (Session, error) {
	if !loc.Remote() {
		return o.OpenLocal(), nil
	}
	return o.OpenRemote(ctx, *loc.Endpoint, key)
}
