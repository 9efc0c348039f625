package transport

import (
	"fmt"
	"strings"
)

// CommandError is a command that ran and exited unsuccessfully.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// unavailable tags err with ErrTransportUnavailable and a cause.
func unavailable(cause error, endpoint string, err error) error {
	return fmt.Errorf("%s: %w: %w: %v", endpoint, ErrTransportUnavailable, cause, err)
}
