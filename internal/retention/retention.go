// Package retention decides which snapshots to take and which to prune, per
// tier, and applies that plan to a volume.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/policy"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
	"github.com/raoulx24/zfs-archiver/internal/zfs"
)

// Plan lists the work for one dataset. Destroy is ordered oldest first.
type Plan struct {
	Dataset dataset.Path
	Create  []snapshot.Snapshot
	Destroy []snapshot.Snapshot
	// Skipped are creations whose name already exists on the dataset.
	Skipped []snapshot.Snapshot
}

// Empty reports whether nothing would change.
func (p Plan) Empty() bool { return len(p.Create) == 0 && len(p.Destroy) == 0 }

// Result is what Apply managed to do.
type Result struct {
	Created   []snapshot.Snapshot
	Destroyed []snapshot.Snapshot
	Err       error // every failed operation, combined
}

// Recorder observes applied operations. Metrics implement it.
type Recorder interface {
	SnapshotCreated(tier snapshot.Tier)
	SnapshotDestroyed(tier snapshot.Tier)
	SnapshotFailed(op string)
}

type Engine struct {
	namer snapshot.Namer
	log   logging.Logger
	rec   Recorder
}

func New(namer snapshot.Namer, log logging.Logger, rec Recorder) *Engine {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Engine{namer: namer, log: log, rec: rec}
}

// Plan computes creations for the due tiers and prunings for every tier.
// existing may include foreign snapshots; they are never touched.
//
// A tier is created when it is due, its count is positive and snap is on.
// Pruning keeps the count newest snapshots of each tier when clean is on; a
// tier with count zero is pruned entirely. Snapshots planned for creation
// count towards the kept ones.
func (e *Engine) Plan(ds dataset.Path, eff policy.Effective, existing []snapshot.Snapshot, due []snapshot.Tier, now time.Time) Plan {
	plan := Plan{Dataset: ds}
	ours := e.namer.Classify(existing)
	names := snapshot.Names(ours)

	byTier := snapshot.ByTier(ours)
	if eff.Snap {
		for _, tier := range dedupe(due) {
			if eff.Count(tier) <= 0 {
				continue
			}
			s := e.namer.New(ds, tier, now)
			if _, taken := names[s.Name]; taken {
				plan.Skipped = append(plan.Skipped, s)
				continue
			}
			plan.Create = append(plan.Create, s)
			byTier[tier] = append(byTier[tier], s)
			snapshot.Sort(byTier[tier])
		}
	}

	if eff.Clean {
		var destroy []snapshot.Snapshot
		for _, tier := range snapshot.Tiers {
			snaps := byTier[tier]
			keep := eff.Count(tier)
			if len(snaps) <= keep {
				continue
			}
			for _, s := range snaps[:len(snaps)-keep] {
				if planned(plan.Create, s) {
					continue
				}
				destroy = append(destroy, s)
			}
		}
		snapshot.Sort(destroy)
		plan.Destroy = destroy
	}
	return plan
}

// Apply creates before it destroys. Each failure is recorded and the
// remaining operations still run. Cancelling ctx stops Apply between
// operations, never during one.
func (e *Engine) Apply(ctx context.Context, vol zfs.Volume, plan Plan) Result {
	var res Result
	log := e.log.With("dataset", plan.Dataset)
	opCtx := context.WithoutCancel(ctx)

	for _, s := range plan.Skipped {
		log.Info("snapshot already exists, skipping", "snapshot", s.Name)
	}

	for _, s := range plan.Create {
		if err := ctx.Err(); err != nil {
			res.Err = multierr.Append(res.Err, err)
			return res
		}
		if err := vol.CreateSnapshot(opCtx, s.Dataset, s.Name); err != nil {
			e.rec.SnapshotFailed("create")
			log.Error("taking snapshot failed", "snapshot", s.Name, "error", err)
			res.Err = multierr.Append(res.Err, fmt.Errorf("create %s: %w", s.FullName(), err))
			continue
		}
		e.rec.SnapshotCreated(s.Tier)
		log.Info("took snapshot", "snapshot", s.Name, "tier", s.Tier)
		res.Created = append(res.Created, s)
	}

	for _, s := range plan.Destroy {
		if err := ctx.Err(); err != nil {
			res.Err = multierr.Append(res.Err, err)
			return res
		}
		if err := vol.DestroySnapshot(opCtx, s); err != nil {
			e.rec.SnapshotFailed("destroy")
			log.Error("deleting snapshot failed", "snapshot", s.Name, "error", err)
			res.Err = multierr.Append(res.Err, fmt.Errorf("destroy %s: %w", s.FullName(), err))
			continue
		}
		e.rec.SnapshotDestroyed(s.Tier)
		log.Info("deleted snapshot", "snapshot", s.Name, "tier", s.Tier)
		res.Destroyed = append(res.Destroyed, s)
	}
	return res
}

// LogPlan reports a plan without applying it.
func (e *Engine) LogPlan(plan Plan) {
	log := e.log.With("dataset", plan.Dataset, "dry_run", true)
	for _, s := range plan.Create {
		log.Info("would take snapshot", "snapshot", s.Name, "tier", s.Tier)
	}
	for _, s := range plan.Destroy {
		log.Info("would delete snapshot", "snapshot", s.Name, "tier", s.Tier)
	}
}

func planned(create []snapshot.Snapshot, s snapshot.Snapshot) bool {
	for _, c := range create {
		if c.Name == s.Name {
			return true
		}
	}
	return false
}

func dedupe(tiers []snapshot.Tier) []snapshot.Tier {
	seen := make(map[snapshot.Tier]bool, len(tiers))
	var out []snapshot.Tier
	for _, t := range snapshot.Tiers {
		for _, d := range tiers {
			if d == t && !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

type nopRecorder struct{}

func (nopRecorder) SnapshotCreated(snapshot.Tier) {}
func (nopRecorder) SnapshotDestroyed(snapshot.Tier) {}
func (nopRecorder) SnapshotFailed(string) {}
