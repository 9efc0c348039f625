// Package replication plans and executes snapshot transfers from a source
// dataset to its destinations.
package replication

import (
	"context"
	"fmt"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
	"github.com/raoulx24/zfs-archiver/internal/zfs"
)

type Kind int

const (
	NoOp Kind = iota
	Full
	Incremental
)

func (k Kind) String() string {
	switch k {
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	default:
		return "noop"
	}
}

// Plan is the transfer needed to bring one destination up to date.
type Plan struct {
	Kind   Kind
	Source dataset.Location
	Target dataset.Location
	// Snapshot is the latest source snapshot, the one the destination ends at.
	Snapshot snapshot.Snapshot
	// Base is the common snapshot of an incremental transfer.
	Base *snapshot.Snapshot
	Raw  bool
	// Reason explains a NoOp.
	Reason string
}

func (p Plan) String() string {
	switch p.Kind {
	case Full:
		return fmt.Sprintf("full %s -> %s", p.Snapshot.FullName(), p.Target)
	case Incremental:
		return fmt.Sprintf("incremental %s..%s -> %s", p.Base.Name, p.Snapshot.FullName(), p.Target)
	default:
		return fmt.Sprintf("noop %s -> %s (%s)", p.Source, p.Target, p.Reason)
	}
}

// Planner only considers snapshots recognised by its Namer on both sides.
type Planner struct {
	namer snapshot.Namer
}

func NewPlanner(namer snapshot.Namer) *Planner {
	return &Planner{namer: namer}
}

// Plan compares the source and destination snapshot lists. An empty
// destination dataset takes a forced full stream. A destination holding
// snapshots but sharing none with the source yields
// ErrDestinationMustBeDestroyed together with the full plan that would be
// needed once it is gone.
func (p *Planner) Plan(ctx context.Context, src dataset.Location, srcVol zfs.Volume, dst dataset.Location, dstVol zfs.Volume, raw bool) (Plan, error) {
	plan := Plan{Source: src, Target: dst, Raw: raw}

	srcSnaps, err := srcVol.ListSnapshots(ctx, src.Path)
	if err != nil {
		return plan, fmt.Errorf("list source snapshots of %s: %w", src, err)
	}
	ours := p.ours(srcSnaps)
	if len(ours) == 0 {
		plan.Reason = "source has no snapshots"
		return plan, nil
	}
	plan.Snapshot = ours[len(ours)-1]

	exists, err := dstVol.Exists(ctx, dst.Path)
	if err != nil {
		return plan, fmt.Errorf("probe destination %s: %w", dst, err)
	}
	if !exists {
		plan.Kind = Full
		return plan, nil
	}

	dstSnaps, err := dstVol.ListSnapshots(ctx, dst.Path)
	if err != nil {
		return plan, fmt.Errorf("list destination snapshots of %s: %w", dst, err)
	}
	if len(dstSnaps) == 0 {
		plan.Kind = Full
		return plan, nil
	}
	base, ok := Common(ours, p.ours(dstSnaps))
	if !ok {
		plan.Kind = Full
		return plan, fmt.Errorf("%s: %w", dst, ErrDestinationMustBeDestroyed)
	}
	if base.Name == plan.Snapshot.Name {
		plan.Reason = "destination is up to date"
		return plan, nil
	}
	plan.Kind = Incremental
	plan.Base = &base
	return plan, nil
}

func (p *Planner) ours(snaps []snapshot.Snapshot) []snapshot.Snapshot {
	var out []snapshot.Snapshot
	for _, s := range p.namer.Classify(snaps) {
		if s.Ours() {
			out = append(out, s)
		}
	}
	snapshot.Sort(out)
	return out
}

// Common returns the most recent snapshot of src whose name also exists in
// dst. src must be ordered oldest first.
func Common(src, dst []snapshot.Snapshot) (snapshot.Snapshot, bool) {
	names := snapshot.Names(dst)
	for i := len(src) - 1; i >= 0; i-- {
		if _, ok := names[src[i].Name]; ok {
			return src[i], true
		}
	}
	return snapshot.Snapshot{}, false
}
