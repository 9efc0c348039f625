// Package mailbox hands jobs from a producer to a single consumer.
package mailbox

import (
	"context"
	"sync"
)

// Mailbox is a single-slot buffer where the latest job always wins.
// It is NOT a queue. It holds at most one pending job.
// Put() replaces any pending job, first folding it in with the merge
// function when one is set. Take() blocks until a job is available.
type Mailbox[T any] struct {
	mu    sync.Mutex
	job   *T
	ready chan struct{}
	merge func(pending, next T) T
}

// New creates an empty mailbox. merge may be nil, in which case a pending
// job is simply dropped when a newer one arrives.
func New[T any](merge func(pending, next T) T) *Mailbox[T] {
	return &Mailbox[T]{
		ready: make(chan struct{}, 1),
		merge: merge,
	}
}

// Put stores a job in the mailbox. It never blocks.
func (m *Mailbox[T]) Put(j T) {
	m.mu.Lock()
	if m.job != nil && m.merge != nil {
		j = m.merge(*m.job, j)
	}
	m.job = &j
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}: // wake up worker if waiting
	default:
	}
}

// Take blocks until a job is available or ctx is done, then returns it and
// clears the slot.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	for {
		if j, ok := m.TryTake(); ok {
			return j, nil
		}
		select {
		case <-m.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryTake returns the job if present. It never blocks.
func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job == nil {
		var zero T
		return zero, false
	}
	j := *m.job
	m.job = nil
	return j, true
}

// HasJob reports whether a job is currently waiting.
func (m *Mailbox[T]) HasJob() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job != nil
}
