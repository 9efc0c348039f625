// Package zfs binds the volume-manager command line to the operations the
// snapshot and replication engines need.
package zfs

import (
	"context"
	"errors"
	"io"

	"github.com/raoulx24/zfs-archiver/internal/compress"
	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
)

var (
	ErrDatasetNotFound = errors.New("dataset does not exist")
	ErrDatasetBusy     = errors.New("dataset is busy")
)

// SendOptions selects the stream flavour.
type SendOptions struct {
	// Base is the snapshot the incremental stream starts from; nil for a full stream.
	Base *snapshot.Snapshot
	// Intermediates also transfers every snapshot between Base and the target.
	Intermediates bool
	// Raw preserves the on-disk (e.g. encrypted) representation.
	Raw bool
	// Codec compresses the stream leaving a remote source, ignored locally.
	Codec compress.Codec
}

// ReceiveOptions control how a stream lands.
type ReceiveOptions struct {
	// Force rolls the destination back to its latest snapshot first.
	Force bool
	// NoMount leaves the received filesystem unmounted.
	NoMount bool
	// Codec compresses the stream on the wire, ignored for local receives.
	Codec compress.Codec
}

// Volume is one volume manager instance, local or remote.
type Volume interface {
	// ListDatasets returns root and every filesystem or volume below it.
	ListDatasets(ctx context.Context, root dataset.Path) ([]dataset.Path, error)
	// ListSnapshots returns the snapshots of exactly ds, oldest first.
	ListSnapshots(ctx context.Context, ds dataset.Path) ([]snapshot.Snapshot, error)
	CreateSnapshot(ctx context.Context, ds dataset.Path, name string) error
	DestroySnapshot(ctx context.Context, snap snapshot.Snapshot) error
	// Send streams snap. Closing the reader reports whether the stream completed.
	Send(ctx context.Context, snap snapshot.Snapshot, opts SendOptions) (io.ReadCloser, error)
	// Receive consumes stream into ds and returns the bytes read.
	Receive(ctx context.Context, ds dataset.Path, stream io.Reader, opts ReceiveOptions) (int64, error)
	Exists(ctx context.Context, ds dataset.Path) (bool, error)
}
