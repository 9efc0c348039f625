package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/raoulx24/zfs-archiver/internal/compress"
)

// Local runs commands on this host through os/exec.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Output(ctx context.Context, args ...string) ([]byte, error) {
	cmd, err := l.command(ctx, args)
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &CommandError{Command: strings.Join(args, " "), Stderr: stderr.String(), Err: err}
	}
	return out, nil
}

// Stream ignores codec, see Pipe.
func (l *Local) Stream(ctx context.Context, _ compress.Codec, args ...string) (io.ReadCloser, error) {
	cmd, err := l.command(ctx, args)
	if err != nil {
		return nil, err
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &CommandError{Command: strings.Join(args, " "), Err: err}
	}
	return &streamReader{
		r:       stdout,
		abort:   func() { _ = stdout.Close() },
		wait:    cmd.Wait,
		stderr:  stderr,
		command: strings.Join(args, " "),
	}, nil
}

// Pipe never compresses: the stream does not leave the host.
func (l *Local) Pipe(ctx context.Context, stream io.Reader, _ compress.Codec, args ...string) (int64, error) {
	cmd, err := l.command(ctx, args)
	if err != nil {
		return 0, err
	}
	counter := &countingReader{r: stream}
	var stderr bytes.Buffer
	cmd.Stdin = counter
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return counter.n.Load(), &CommandError{Command: strings.Join(args, " "), Stderr: stderr.String(), Err: err}
	}
	return counter.n.Load(), nil
}

func (l *Local) Remote() bool   { return false }
func (l *Local) String() string { return "local" }
func (l *Local) Close() error   { return nil }

func (l *Local) command(ctx context.Context, args []string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return exec.CommandContext(ctx, args[0], args[1:]...), nil
}

// streamReader stops a producer that was not read to EOF before waiting
// for it, so an abandoned send never blocks Close. abort must unblock a
// pending Read.
type streamReader struct {
	mu      sync.Mutex
	r       io.ReadCloser
	abort   func()
	wait    func() error
	stderr  *bytes.Buffer
	command string

	eof    atomic.Bool
	closed atomic.Bool
}

func (s *streamReader) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.r.Read(p)
	if err == io.EOF {
		s.eof.Store(true)
	}
	return n, err
}

func (s *streamReader) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if !s.eof.Load() {
		s.abort()
	}
	s.mu.Lock()
	_ = s.r.Close()
	s.mu.Unlock()
	if err := s.wait(); err != nil {
		return &CommandError{Command: s.command, Stderr: s.stderr.String(), Err: err}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
