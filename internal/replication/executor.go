package replication

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/raoulx24/zfs-archiver/internal/compress"
	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/zfs"
)

// Recorder observes finished transfers.
type Recorder interface {
	TransferDone(kind, result string, bytes int64)
}

// TransferResult is the outcome for one destination.
type TransferResult struct {
	Plan     Plan
	Bytes    int64
	Duration time.Duration
	Err      error
}

func (r TransferResult) OK() bool { return r.Err == nil }

type Executor struct {
	log     logging.Logger
	timeout time.Duration
	rec     Recorder
}

// NewExecutor bounds every transfer by timeout; zero means unbounded.
func NewExecutor(log logging.Logger, timeout time.Duration, rec Recorder) *Executor {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Executor{log: log, timeout: timeout, rec: rec}
}

// Execute runs plan from src into dst. The stream itself is not interrupted
// by cancelling ctx; cancellation only prevents a transfer from starting.
// codec applies to every leg that crosses a wire. Raw streams are never
// compressed.
func (e *Executor) Execute(ctx context.Context, plan Plan, src, dst zfs.Volume, codec compress.Codec) TransferResult {
	res := TransferResult{Plan: plan}
	if plan.Kind == NoOp {
		return res
	}
	log := e.log.With("source", plan.Source, "target", plan.Target, "kind", plan.Kind)

	if err := ctx.Err(); err != nil {
		res.Err = e.wrap(plan, err)
		return res
	}

	sctx, cancel := e.streamContext(ctx)
	defer cancel()

	if plan.Raw {
		codec = compress.None
	}
	start := time.Now()
	res.Bytes, res.Err = e.transfer(sctx, plan, src, dst, codec)
	res.Duration = time.Since(start)

	result := "ok"
	if res.Err != nil {
		result = "error"
		log.Error("transfer failed", "snapshot", plan.Snapshot.Name, "error", res.Err)
	} else {
		log.Info("transfer complete", "snapshot", plan.Snapshot.Name, "bytes", res.Bytes, "duration", res.Duration)
	}
	e.rec.TransferDone(plan.Kind.String(), result, res.Bytes)
	return res
}

func (e *Executor) transfer(ctx context.Context, plan Plan, src, dst zfs.Volume, codec compress.Codec) (int64, error) {
	incremental := plan.Kind == Incremental
	opts := zfs.SendOptions{Raw: plan.Raw, Codec: codec}
	if incremental {
		opts.Base = plan.Base
		opts.Intermediates = true
	}

	stream, err := src.Send(ctx, plan.Snapshot, opts)
	if err != nil {
		return 0, e.wrap(plan, classifyTransfer(err, false))
	}

	n, recvErr := dst.Receive(ctx, plan.Target.Path, stream, zfs.ReceiveOptions{Force: true, NoMount: true, Codec: codec})
	err = multierr.Combine(recvErr, stream.Close())
	if err != nil {
		return n, e.wrap(plan, classifyTransfer(err, incremental))
	}
	return n, nil
}

// streamContext ignores cycle cancellation and keeps the per-session timeout.
func (e *Executor) streamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if e.timeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, e.timeout)
}

func (e *Executor) wrap(plan Plan, err error) error {
	return &TransferError{Source: plan.Source, Target: plan.Target, Err: err}
}

type nopRecorder struct{}

func (nopRecorder) TransferDone(string, string, int64) {}
