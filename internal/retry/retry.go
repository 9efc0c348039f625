// Package retry re-runs operations that fail with transient errors, backing
// off exponentially between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

const (
	DefaultAttempts = 5
	DefaultBase     = 100 * time.Millisecond
)

// Policy decides how often and for which errors an operation is retried.
type Policy struct {
	Attempts  int
	Base      time.Duration
	Transient func(error) bool
}

// New returns the default policy retrying errors matched by transient in
// addition to the transient syscall errors.
func New(transient func(error) bool) Policy {
	return Policy{
		Attempts: DefaultAttempts,
		Base:     DefaultBase,
		Transient: func(err error) bool {
			return Syscall(err) || (transient != nil && transient(err))
		},
	}
}

// Do runs fn until it succeeds, fails permanently, runs out of attempts or
// ctx is done. Permanent errors are returned unchanged.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	transient := p.Transient
	if transient == nil {
		transient = Syscall
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		t := time.NewTimer(p.Base * (1 << (attempt - 1)))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// Syscall reports the errno values that usually clear on their own.
func Syscall(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
