package dataset

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// DefaultSSHPort is used when a location leaves the port empty.
const DefaultSSHPort = 22

const sshScheme = "ssh"

// Endpoint identifies a remote host reached over ssh.
type Endpoint struct {
	Host string
	Port int
	User string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d:%s@%s", sshScheme, e.Port, e.User, e.Host)
}

// Address is the host:port pair used for dialing.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Location is a dataset path, optionally on a remote endpoint.
type Location struct {
	Endpoint *Endpoint
	Path     Path
}

// Local builds a location on this host.
func Local(p Path) Location { return Location{Path: p} }

// Remote reports whether the location needs an ssh session.
func (l Location) Remote() bool { return l.Endpoint != nil }

// SameEndpoint reports whether both locations live on the same host.
func (l Location) SameEndpoint(o Location) bool {
	switch {
	case l.Endpoint == nil && o.Endpoint == nil:
		return true
	case l.Endpoint == nil || o.Endpoint == nil:
		return false
	}
	return *l.Endpoint == *o.Endpoint
}

// WithPath keeps the endpoint and swaps the dataset.
func (l Location) WithPath(p Path) Location {
	return Location{Endpoint: l.Endpoint, Path: p}
}

func (l Location) String() string {
	if l.Endpoint == nil {
		return l.Path.String()
	}
	return l.Endpoint.String() + ":" + l.Path.String()
}

// ParseLocation accepts "pool/fs" or "ssh:port:user@host:pool/fs". An empty
// port means DefaultSSHPort.
func ParseLocation(s string) (Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Location{}, fmt.Errorf("empty dataset location")
	}
	if !strings.HasPrefix(s, sshScheme+":") {
		p := Clean(s)
		if strings.Contains(string(p), "@") || strings.Contains(string(p), ":") {
			return Location{}, fmt.Errorf("invalid dataset name %q", s)
		}
		return Local(p), nil
	}

	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 {
		return Location{}, fmt.Errorf("invalid remote location %q: want ssh:port:user@host:path", s)
	}
	port := DefaultSSHPort
	if parts[1] != "" {
		n, err := strconv.Atoi(parts[1])
		if err != nil || n <= 0 || n > 65535 {
			return Location{}, fmt.Errorf("invalid ssh port %q in %q", parts[1], s)
		}
		port = n
	}
	login, host, ok := strings.Cut(parts[2], "@")
	if !ok {
		login, host = "", parts[2]
	}
	if host == "" {
		return Location{}, fmt.Errorf("missing host in %q", s)
	}
	if login == "" {
		login = currentUser()
	}
	p := Clean(parts[3])
	if p == "" {
		return Location{}, fmt.Errorf("missing dataset in %q", s)
	}
	return Location{
		Endpoint: &Endpoint{Host: host, Port: port, User: login},
		Path:     p,
	}, nil
}

// currentUser names the login used when a location has none.
var currentUser = func() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
