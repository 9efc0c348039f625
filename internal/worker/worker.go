// Package worker takes scheduler ticks from the mailbox and runs one
// orchestrator cycle per tick.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/mailbox"
	"github.com/raoulx24/zfs-archiver/internal/orchestrator"
	"github.com/raoulx24/zfs-archiver/internal/policy"
)

// Runner executes one cycle over a policy tree.
type Runner interface {
	Run(ctx context.Context, tree *policy.Tree, c orchestrator.Cycle) orchestrator.Summary
}

// Worker runs cycles one at a time against the current policy tree.
type Worker struct {
	mu     sync.RWMutex
	tree   *policy.Tree
	runner Runner
	log    logging.Logger
	mb     *mailbox.Mailbox[Job]

	// OnCycle, when set, receives every finished summary.
	OnCycle func(orchestrator.Summary)
}

// New creates a worker reading jobs from mb.
func New(runner Runner, tree *policy.Tree, log logging.Logger, mb *mailbox.Mailbox[Job]) *Worker {
	log.Debug("creating worker")
	return &Worker{
		tree:   tree,
		runner: runner,
		log:    log,
		mb:     mb,
	}
}

// Start runs the worker loop using mailbox semantics until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("starting worker")
	for {
		job, err := w.mb.Take(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				w.log.Error("worker: mailbox failed", "error", err)
			}
			w.log.Info("worker stopped")
			return
		}
		w.Handle(ctx, job)
	}
}

// Handle runs the cycle for one job. Pruning runs whenever a tier is due.
func (w *Worker) Handle(ctx context.Context, job Job) orchestrator.Summary {
	w.log.Debug("entering Worker.Handle()", "at", job.At, "due", job.Due, "send", job.Send)
	if job.Empty() {
		return orchestrator.Summary{}
	}

	w.mu.RLock()
	tree := w.tree
	w.mu.RUnlock()

	c := orchestrator.Cycle{
		Take:  len(job.Due) > 0,
		Clean: len(job.Due) > 0,
		Send:  job.Send,
		Due:   job.Due,
	}
	sum := w.runner.Run(ctx, tree, c)
	if err := sum.Err(); err != nil {
		w.log.Error("worker: cycle finished with failures", "failed", len(sum.Failed()), "error", err)
	}
	if w.OnCycle != nil {
		w.OnCycle(sum)
	}
	return sum
}

// UpdateTree hot-reloads the policy. The running cycle keeps the tree it started with.
func (w *Worker) UpdateTree(tree *policy.Tree) {
	w.log.Debug("entering Worker.UpdateTree()")
	w.mu.Lock()
	w.tree = tree
	w.mu.Unlock()
}
