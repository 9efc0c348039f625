package replication

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/transport"
)

var (
	// ErrDestinationMustBeDestroyed means the destination holds data unrelated
	// to the source. The transfer is skipped until an operator removes it.
	ErrDestinationMustBeDestroyed = errors.New("destination must be destroyed before a full stream can be received")
	// ErrIncompatibleStream means the destination rejected an incremental
	// stream, usually because the common snapshot vanished meanwhile.
	ErrIncompatibleStream = errors.New("destination rejected incremental stream")
	// ErrPartialWrite means the stream did not complete. The receive is
	// aborted, so no snapshot is left on the destination.
	ErrPartialWrite = errors.New("stream interrupted")
)

// TransferError reports a failed transfer to one destination.
type TransferError struct {
	Source dataset.Location
	Target dataset.Location
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("replicate %s -> %s: %v", e.Source, e.Target, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// mismatch lists receive errors that mean the incremental base no longer lines up.
var mismatch = []string{
	"does not match incremental source",
	"destination has been modified",
	"has been modified since most recent snapshot",
	"most recent snapshot",
	"destination already exists",
}

// classifyTransfer maps a failed send or receive into the replication taxonomy.
func classifyTransfer(err error, incremental bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrTransportUnavailable) {
		return err
	}
	var ce *transport.CommandError
	if incremental && errors.As(err, &ce) {
		for _, m := range mismatch {
			if strings.Contains(ce.Stderr, m) {
				return fmt.Errorf("%w: %w: %w", ErrIncompatibleStream, ErrDestinationMustBeDestroyed, err)
			}
		}
	}
	return fmt.Errorf("%w: %w", ErrPartialWrite, err)
}
