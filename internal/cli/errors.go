package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/raoulx24/zfs-archiver/internal/policy"
)

type ErrorKind string

const (
	KindInternal ErrorKind = "internal"
	KindConfig   ErrorKind = "config"
	KindUsage    ErrorKind = "usage"
	KindFailures ErrorKind = "failures"
)

const (
	ExitInternal = 1
	ExitInvalid  = 2
	ExitFailures = 3
)

// ErrCycleFailed marks a cycle that finished with dataset failures.
var ErrCycleFailed = errors.New("cycle finished with failures")

type ExitError struct {
	Code    int
	Kind    ErrorKind
	Message string
	Err     error
}

func (e ExitError) Error() string { return errorMessage(e) }

func (e ExitError) Unwrap() error { return e.Err }

func invalid(err error) error {
	return ExitError{Code: ExitInvalid, Kind: KindConfig, Err: err}
}

func usage(format string, args ...any) error {
	return ExitError{Code: ExitInvalid, Kind: KindUsage, Message: fmt.Sprintf(format, args...)}
}

func NormalizeError(err error) ExitError {
	if err == nil {
		return ExitError{Code: 0}
	}
	var exitErr ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Code == 0 {
			exitErr.Code = ExitInternal
		}
		return exitErr
	}

	switch {
	case errors.Is(err, ErrCycleFailed):
		return ExitError{Code: ExitFailures, Kind: KindFailures, Err: err}
	case errors.Is(err, policy.ErrConfigConflict):
		return ExitError{Code: ExitInvalid, Kind: KindConfig, Err: err}
	default:
		return ExitError{Code: ExitInternal, Kind: KindInternal, Err: err}
	}
}

func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return NormalizeError(err).Code
}

func writeCLIError(w io.Writer, exitErr ExitError) error {
	if exitErr.Code == 0 {
		return nil
	}
	prefix := "Error"
	if exitErr.Kind != "" {
		prefix = fmt.Sprintf("Error (%s)", exitErr.Kind)
	}
	_, err := fmt.Fprintf(w, "%s: %s\n", prefix, errorMessage(exitErr))
	return err
}

func errorMessage(exitErr ExitError) string {
	if exitErr.Message != "" {
		return exitErr.Message
	}
	if exitErr.Err != nil {
		return exitErr.Err.Error()
	}
	return "unknown error"
}
