package orchestrator

import (
	"time"

	"go.uber.org/multierr"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/replication"
	"github.com/raoulx24/zfs-archiver/internal/retention"
)

// DatasetResult is everything one pipeline did.
type DatasetResult struct {
	Location  dataset.Location
	Retention retention.Result
	Transfers []replication.TransferResult
	// Err aggregates the failures of every step.
	Err error
}

func (r DatasetResult) OK() bool { return r.Err == nil }

// Summary aggregates a cycle. Failures never cross dataset boundaries, so a
// failed dataset shows up here and nowhere else.
type Summary struct {
	Started  time.Time
	Finished time.Time
	Datasets []DatasetResult
	// Discovery holds failures enumerating a configured root.
	Discovery error
}

func (s Summary) Duration() time.Duration { return s.Finished.Sub(s.Started) }

// Failed returns the datasets that had at least one failure.
func (s Summary) Failed() []DatasetResult {
	var out []DatasetResult
	for _, d := range s.Datasets {
		if !d.OK() {
			out = append(out, d)
		}
	}
	return out
}

// Err combines every failure of the cycle, nil when everything succeeded.
func (s Summary) Err() error {
	err := s.Discovery
	for _, d := range s.Datasets {
		err = multierr.Append(err, d.Err)
	}
	return err
}

// Counts returns how many snapshots were created and destroyed and how many
// transfers completed.
func (s Summary) Counts() (created, destroyed, transferred int) {
	for _, d := range s.Datasets {
		created += len(d.Retention.Created)
		destroyed += len(d.Retention.Destroyed)
		for _, t := range d.Transfers {
			if t.OK() && t.Plan.Kind != replication.NoOp {
				transferred++
			}
		}
	}
	return created, destroyed, transferred
}
