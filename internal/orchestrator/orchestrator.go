// Package orchestrator runs one snapshot, prune and replicate cycle over
// every configured dataset.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/policy"
	"github.com/raoulx24/zfs-archiver/internal/replication"
	"github.com/raoulx24/zfs-archiver/internal/retention"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
	"github.com/raoulx24/zfs-archiver/internal/transport"
	"github.com/raoulx24/zfs-archiver/internal/zfs"
)

// Cycle selects the steps of one run.
type Cycle struct {
	Take  bool
	Clean bool
	Send  bool
	// Due lists the tiers whose cadence fired; only these are created.
	Due    []snapshot.Tier
	DryRun bool
}

// Full is a cycle with every step enabled.
func Full(due []snapshot.Tier) Cycle {
	return Cycle{Take: true, Clean: true, Send: true, Due: due}
}

// VolumeFactory binds a session to a volume manager.
type VolumeFactory func(transport.Session) zfs.Volume

// CLIVolumes drives the zfs binary on the session.
func CLIVolumes(s transport.Session) zfs.Volume { return zfs.NewCLI(s) }

// Recorder receives every metric the cycle produces.
type Recorder interface {
	retention.Recorder
	replication.Recorder
	CycleDone(d time.Duration, datasets int)
}

type Options struct {
	Opener  transport.Opener
	Volumes VolumeFactory
	Namer   snapshot.Namer
	// Datasets bounds concurrently running pipelines.
	Datasets int
	// Sessions bounds concurrent transfers, one destination session each.
	Sessions int
	// Timeout bounds each transfer.
	Timeout time.Duration
	Clock   clock.Clock
}

type Orchestrator struct {
	opts      Options
	log       logging.Logger
	rec       Recorder
	retention *retention.Engine
	planner   *replication.Planner
	executor  *replication.Executor
}

func New(opts Options, log logging.Logger, rec Recorder) *Orchestrator {
	if opts.Volumes == nil {
		opts.Volumes = CLIVolumes
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Datasets < 1 {
		opts.Datasets = 1
	}
	if opts.Sessions < 1 {
		opts.Sessions = 1
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Orchestrator{
		opts:      opts,
		log:       log,
		rec:       rec,
		retention: retention.New(opts.Namer, log, rec),
		planner:   replication.NewPlanner(opts.Namer),
		executor:  replication.NewExecutor(log, opts.Timeout, rec),
	}
}

// Run executes c over every dataset in tree and never fails as a whole;
// per-dataset outcomes are in the Summary.
func (o *Orchestrator) Run(ctx context.Context, tree *policy.Tree, c Cycle) Summary {
	o.log.Debug("entering Orchestrator.Run()", "take", c.Take, "clean", c.Clean, "send", c.Send, "due", c.Due, "dry_run", c.DryRun)
	sum := Summary{Started: o.opts.Clock.Now()}

	run, err := o.discover(ctx, tree)
	sum.Discovery = err

	results := make([]DatasetResult, len(run))
	done := make(map[string]chan struct{}, len(run))
	for _, loc := range run {
		done[loc.String()] = make(chan struct{})
	}

	workers := semaphore.NewWeighted(int64(o.opts.Datasets))
	sessions := semaphore.NewWeighted(int64(o.opts.Sessions))
	now := o.opts.Clock.Now()

	var g errgroup.Group
	for i, loc := range run {
		i, loc := i, loc
		parent := parentIn(loc, done)
		g.Go(func() error {
			defer close(done[loc.String()])
			res := DatasetResult{Location: loc}
			defer func() { results[i] = res }()

			// the parent finishes before a slot is taken
			if parent != nil {
				select {
				case <-parent:
				case <-ctx.Done():
					res.Err = ctx.Err()
					return nil
				}
			}
			if err := workers.Acquire(ctx, 1); err != nil {
				res.Err = err
				return nil
			}
			defer workers.Release(1)

			res = o.pipeline(ctx, tree, loc, c, now, sessions)
			return nil
		})
	}
	_ = g.Wait()

	sum.Datasets = results
	sum.Finished = o.opts.Clock.Now()
	o.rec.CycleDone(sum.Duration(), len(run))

	created, destroyed, transferred := sum.Counts()
	o.log.Info("cycle finished",
		"datasets", len(run), "failed", len(sum.Failed()),
		"created", created, "destroyed", destroyed, "transfers", transferred,
		"duration", sum.Duration())
	return sum
}

// discover lists every dataset below the configured roots that is not
// excluded, sorted so parents come before their children.
func (o *Orchestrator) discover(ctx context.Context, tree *policy.Tree) ([]dataset.Location, error) {
	var (
		run  []dataset.Location
		errs error
	)
	for _, root := range tree.Roots() {
		eff, err := tree.Resolve(root)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("root %s: %w", root, err))
			continue
		}
		paths, err := o.listDatasets(ctx, root, eff.Key)
		if err != nil {
			o.log.Error("listing datasets failed", "root", root, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("root %s: %w", root, err))
			continue
		}
		for _, p := range paths {
			loc := root.WithPath(p)
			if tree.Excluded(loc) {
				o.log.Debug("dataset excluded", "dataset", loc)
				continue
			}
			run = append(run, loc)
		}
	}
	sort.Slice(run, func(i, j int) bool { return run[i].String() < run[j].String() })
	return run, errs
}

func (o *Orchestrator) listDatasets(ctx context.Context, root dataset.Location, key string) ([]dataset.Path, error) {
	s, err := transport.Open(ctx, o.opts.Opener, root, key)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return o.opts.Volumes(s).ListDatasets(ctx, root.Path)
}

// pipeline runs create, prune and replicate for one dataset, in that order.
func (o *Orchestrator) pipeline(ctx context.Context, tree *policy.Tree, loc dataset.Location, c Cycle, now time.Time, sessions *semaphore.Weighted) DatasetResult {
	res := DatasetResult{Location: loc}
	log := o.log.With("dataset", loc)

	eff, err := tree.Resolve(loc)
	if err != nil {
		log.Error("policy unresolvable, skipping dataset", "error", err)
		res.Err = err
		return res
	}

	src, err := transport.Open(ctx, o.opts.Opener, loc, eff.Key)
	if err != nil {
		log.Error("opening source failed", "error", err)
		res.Err = err
		return res
	}
	defer src.Close()
	vol := o.opts.Volumes(src)

	if c.Take || c.Clean {
		res.Retention = o.snapshots(ctx, vol, eff, c, now)
		res.Err = multierr.Append(res.Err, res.Retention.Err)
	}

	if !c.Send || len(eff.Destinations) == 0 {
		return res
	}
	targets := eff.Targets()
	for i, d := range eff.Destinations {
		if err := ctx.Err(); err != nil {
			res.Err = multierr.Append(res.Err, err)
			break
		}
		tr := o.replicate(ctx, loc, vol, d, targets[i], c.DryRun, sessions)
		res.Transfers = append(res.Transfers, tr)
		res.Err = multierr.Append(res.Err, tr.Err)
	}
	return res
}

func (o *Orchestrator) snapshots(ctx context.Context, vol zfs.Volume, eff policy.Effective, c Cycle, now time.Time) retention.Result {
	existing, err := vol.ListSnapshots(ctx, eff.Location.Path)
	if err != nil {
		o.rec.SnapshotFailed("list")
		return retention.Result{Err: fmt.Errorf("list snapshots: %w", err)}
	}
	var due []snapshot.Tier
	if c.Take {
		due = c.Due
	}
	if !c.Clean {
		eff.Clean = false
	}
	plan := o.retention.Plan(eff.Location.Path, eff, existing, due, now)
	if c.DryRun {
		o.retention.LogPlan(plan)
		return retention.Result{}
	}
	return o.retention.Apply(ctx, vol, plan)
}

func (o *Orchestrator) replicate(ctx context.Context, loc dataset.Location, vol zfs.Volume, d policy.Destination, target dataset.Location, dryRun bool, sessions *semaphore.Weighted) replication.TransferResult {
	res := replication.TransferResult{Plan: replication.Plan{Source: loc, Target: target}}
	log := o.log.With("dataset", loc, "target", target)

	if err := sessions.Acquire(ctx, 1); err != nil {
		res.Err = err
		return res
	}
	defer sessions.Release(1)

	s, err := transport.Open(ctx, o.opts.Opener, target, d.Key)
	if err != nil {
		log.Error("destination unreachable", "error", err)
		o.rec.TransferDone("none", "unavailable", 0)
		res.Err = &replication.TransferError{Source: loc, Target: target, Err: err}
		return res
	}
	defer s.Close()
	dst := o.opts.Volumes(s)

	plan, err := o.planner.Plan(ctx, loc, vol, target, dst, d.RawSend)
	res.Plan = plan
	if err != nil {
		log.Error("replication not possible", "error", err)
		res.Err = &replication.TransferError{Source: loc, Target: target, Err: err}
		return res
	}
	if dryRun {
		log.Info("would replicate", "plan", plan.String(), "compress", d.Compress)
		return res
	}
	if plan.Kind == replication.NoOp {
		log.Debug("nothing to replicate", "reason", plan.Reason)
		return res
	}
	return o.executor.Execute(ctx, plan, vol, dst, d.Compress)
}

// parentIn returns the done channel of the closest ancestor of loc that is
// part of the run, nil when there is none.
func parentIn(loc dataset.Location, done map[string]chan struct{}) chan struct{} {
	for _, p := range loc.Path.Ancestors() {
		if ch, ok := done[loc.WithPath(p).String()]; ok {
			return ch
		}
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) SnapshotCreated(snapshot.Tier) {}
func (nopRecorder) SnapshotDestroyed(snapshot.Tier) {}
func (nopRecorder) SnapshotFailed(string) {}
func (nopRecorder) TransferDone(string, string, int64) {}
func (nopRecorder) CycleDone(time.Duration, int) {}
