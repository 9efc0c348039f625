package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/raoulx24/zfs-archiver/internal/compress"
	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/logging"
)

// default identities tried when a destination names no key.
var defaultIdentities = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// SSHOptions configures remote sessions.
type SSHOptions struct {
	DialTimeout           time.Duration
	KnownHosts            string // default ~/.ssh/known_hosts
	InsecureIgnoreHostKey bool
}

// Dialer is the production Opener.
type Dialer struct {
	opts SSHOptions
	log  logging.Logger
}

func NewDialer(opts SSHOptions, log logging.Logger) *Dialer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &Dialer{opts: opts, log: log}
}

func (d *Dialer) OpenLocal() Session { return NewLocal() }

// OpenRemote dials ep and authenticates with the private key file key, or
// with the ssh agent and default identities when key is empty.
func (d *Dialer) OpenRemote(ctx context.Context, ep dataset.Endpoint, key string) (Session, error) {
	name := ep.String()

	auth, err := authMethods(key)
	if err != nil {
		return nil, unavailable(ErrAuthFailure, name, err)
	}
	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, unavailable(ErrAuthFailure, name, err)
	}
	cfg := &ssh.ClientConfig{
		User:            ep.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         d.opts.DialTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
	defer cancel()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", ep.Address())
	if err != nil {
		return nil, unavailable(ErrConnectFailure, name, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, ep.Address(), cfg)
	if err != nil {
		_ = conn.Close()
		if isAuthError(err) {
			return nil, unavailable(ErrAuthFailure, name, err)
		}
		return nil, unavailable(ErrConnectFailure, name, err)
	}

	d.log.Debug("ssh session opened", "endpoint", name)
	return &SSH{
		client:    ssh.NewClient(c, chans, reqs),
		endpoint:  ep,
		log:       d.log.With("endpoint", name),
		available: make(map[string]bool),
	}, nil
}

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := d.opts.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}

func authMethods(key string) ([]ssh.AuthMethod, error) {
	if key != "" {
		signer, err := loadKey(key)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		var signers []ssh.Signer
		for _, id := range defaultIdentities {
			if s, err := loadKey(filepath.Join(home, ".ssh", id)); err == nil {
				signers = append(signers, s)
			}
		}
		if len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh key given and no default credentials found")
	}
	return methods, nil
}

func loadKey(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", path, err)
	}
	return signer, nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "knownhosts")
}

// SSH is a session on one remote endpoint. Every command gets its own ssh
// channel on the shared connection.
type SSH struct {
	client   *ssh.Client
	endpoint dataset.Endpoint
	log      logging.Logger

	mu        sync.Mutex
	available map[string]bool
}

func (s *SSH) Output(ctx context.Context, args ...string) ([]byte, error) {
	line := shellescape.QuoteCommand(args)
	var stdout, stderr bytes.Buffer
	err := s.run(ctx, line, nil, &stdout, &stderr)
	if err != nil {
		return stdout.Bytes(), s.commandError(line, stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// Stream appends the codec's compressor to the remote command and decodes
// its output locally. A codec either side cannot run degrades to none.
func (s *SSH) Stream(ctx context.Context, codec compress.Codec, args ...string) (io.ReadCloser, error) {
	codec = s.usable(ctx, codec, "compressor")
	line := shellescape.QuoteCommand(args)
	if enc := codec.CompressCommand(); enc != nil {
		line += " | " + shellescape.QuoteCommand(enc)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, unavailable(ErrConnectFailure, s.String(), err)
	}
	stderr := &bytes.Buffer{}
	sess.Stderr = stderr
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := sess.Start(line); err != nil {
		_ = sess.Close()
		return nil, s.commandError(line, "", err)
	}
	kill := func() {
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
	}
	stop := context.AfterFunc(ctx, kill)

	body, err := codec.Decompress(stdout)
	if err != nil {
		stop()
		kill()
		_ = sess.Wait()
		return nil, &CommandError{Command: s.endpoint.String() + ": " + line, Stderr: stderr.String(), Err: err}
	}
	return &streamReader{
		r:     body,
		abort: kill,
		wait: func() error {
			defer stop()
			defer sess.Close()
			return sess.Wait()
		},
		stderr:  stderr,
		command: s.endpoint.String() + ": " + line,
	}, nil
}

// Pipe compresses locally and prefixes the remote command with the matching
// decompressor. A codec either side cannot run degrades to none.
func (s *SSH) Pipe(ctx context.Context, stream io.Reader, codec compress.Codec, args ...string) (int64, error) {
	codec = s.usable(ctx, codec, "decompressor")

	counter := &countingReader{r: stream}
	body, err := codec.Compress(counter)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	line := shellescape.QuoteCommand(args)
	if dec := codec.DecompressCommand(); dec != nil {
		line = shellescape.QuoteCommand(dec) + " | " + line
	}
	var stderr bytes.Buffer
	if err := s.run(ctx, line, body, io.Discard, &stderr); err != nil {
		return counter.n.Load(), s.commandError(line, stderr.String(), err)
	}
	return counter.n.Load(), nil
}

func (s *SSH) usable(ctx context.Context, codec compress.Codec, role string) compress.Codec {
	bin := codec.Binary()
	if bin == "" {
		return compress.None
	}
	if !codec.Usable() {
		s.log.Warn("codec unavailable locally, streaming uncompressed", "codec", codec)
		return compress.None
	}
	if !s.hasBinary(ctx, bin) {
		s.log.Warn(role+" missing on remote, streaming uncompressed", "codec", codec)
		return compress.None
	}
	return codec
}

func (s *SSH) Remote() bool   { return true }
func (s *SSH) String() string { return s.endpoint.String() }
func (s *SSH) Close() error   { return s.client.Close() }

func (s *SSH) hasBinary(ctx context.Context, bin string) bool {
	s.mu.Lock()
	ok, cached := s.available[bin]
	s.mu.Unlock()
	if cached {
		return ok
	}
	var out bytes.Buffer
	err := s.run(ctx, "command -v "+shellescape.Quote(bin), nil, &out, io.Discard)
	ok = err == nil && strings.TrimSpace(out.String()) != ""
	s.mu.Lock()
	s.available[bin] = ok
	s.mu.Unlock()
	return ok
}

func (s *SSH) run(ctx context.Context, line string, stdin io.Reader, stdout, stderr io.Writer) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return unavailable(ErrConnectFailure, s.String(), err)
	}
	defer sess.Close()

	sess.Stdin = stdin
	sess.Stdout = stdout
	sess.Stderr = stderr

	stop := context.AfterFunc(ctx, func() {
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
	})
	defer stop()

	if err := sess.Run(line); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *SSH) commandError(line, stderr string, err error) error {
	var exit *ssh.ExitError
	if errors.As(err, &exit) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CommandError{Command: s.endpoint.String() + ": " + line, Stderr: stderr, Err: err}
	}
	var ce *CommandError
	if errors.As(err, &ce) || errors.Is(err, ErrTransportUnavailable) {
		return err
	}
	// channel or connection level failure
	return unavailable(ErrConnectFailure, s.String(), err)
}
