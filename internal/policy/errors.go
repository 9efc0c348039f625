package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigConflict marks a malformed section. It disables the section's subtree only.
	ErrConfigConflict = errors.New("config conflict")
	// ErrNotConfigured is returned for datasets outside every configured section.
	ErrNotConfigured = errors.New("dataset is not covered by any policy section")
)

// ConflictError names the offending section.
type ConflictError struct {
	Section string
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: section %s: %s", ErrConfigConflict, e.Section, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConfigConflict }

func conflict(section, format string, args ...any) *ConflictError {
	return &ConflictError{Section: section, Reason: fmt.Sprintf(format, args...)}
}
