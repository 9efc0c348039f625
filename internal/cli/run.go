package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/raoulx24/zfs-archiver/internal/config"
	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/mailbox"
	"github.com/raoulx24/zfs-archiver/internal/metrics"
	"github.com/raoulx24/zfs-archiver/internal/orchestrator"
	"github.com/raoulx24/zfs-archiver/internal/schedule"
	"github.com/raoulx24/zfs-archiver/internal/watcher"
	"github.com/raoulx24/zfs-archiver/internal/worker"
)

func newRunCmd(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling daemon",
		Long: "Run snapshots, pruning and replication on the configured schedule. SIGHUP or\n" +
			"a change of the config or policy file reloads both.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := newDaemon(opts.ConfigPath, opts.cfg, opts.log)
			if err != nil {
				return err
			}
			return d.run(cmd.Context())
		},
	}
}

type daemon struct {
	mu   sync.Mutex
	path string
	cfg  *config.Config
	log  logging.Logger

	metrics *metrics.Metrics
	mb      *mailbox.Mailbox[worker.Job]
	worker  *worker.Worker
	sched   *schedule.Scheduler
}

func newDaemon(path string, cfg *config.Config, log logging.Logger) (*daemon, error) {
	tree, err := loadTree(cfg, log)
	if err != nil {
		return nil, err
	}
	sched, err := schedule.Parse(cfg.Schedule.Specs(), cfg.Schedule.Send)
	if err != nil {
		return nil, invalid(err)
	}

	d := &daemon{
		path:    path,
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		mb:      mailbox.New(worker.Merge),
	}
	d.worker = worker.New(newOrchestrator(cfg, log, d.metrics), tree, log, d.mb)
	d.worker.OnCycle = func(sum orchestrator.Summary) { _ = report(log, sum) }
	d.sched = schedule.New(sched, d.mb, nil, log)
	return d, nil
}

func (d *daemon) run(ctx context.Context) error {
	cfg := d.current()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.worker.Start(ctx)
		return nil
	})
	g.Go(func() error { return d.sched.Start(ctx) })

	if addr := cfg.Metrics.Listen; addr != "" {
		g.Go(func() error { return d.metrics.Serve(ctx, addr, d.log) })
	}

	if rc := cfg.ConfigReload; rc.Enabled {
		w := watcher.New(watcher.Options{
			Files:        []string{d.path, cfg.PolicyFile},
			Method:       rc.Method,
			PollInterval: rc.PollInterval,
		}, d.log, d.reload)
		g.Go(func() error {
			if err := w.Start(ctx); err != nil {
				d.log.Error("config watcher stopped, reload with SIGHUP", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				d.log.Info("SIGHUP received")
				d.reload()
			}
		}
	})

	d.log.Info("daemon started", "config", d.path, "policy_file", cfg.PolicyFile)
	err := g.Wait()
	d.log.Info("exit complete")
	return err
}

// reload rereads both files. Any failure keeps the running configuration.
func (d *daemon) reload() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg, err := config.Load(d.path)
	if err != nil {
		d.log.Error("config reload failed, keeping previous config", "error", err)
		return
	}
	tree, conflicts, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		d.log.Error("policy reload failed, keeping previous config", "error", err)
		return
	}
	sched, err := schedule.Parse(cfg.Schedule.Specs(), cfg.Schedule.Send)
	if err != nil {
		d.log.Error("schedule reload failed, keeping previous config", "error", err)
		return
	}
	logConflicts(d.log, conflicts)

	if keys := restartOnly(d.cfg, cfg); len(keys) > 0 {
		d.log.Warn("changed settings apply after a restart", "settings", keys)
	}
	d.worker.UpdateTree(tree)
	d.sched.Update(sched)
	d.cfg = cfg
	d.log.Info("config reloaded", "sections", len(tree.Nodes()), "conflicts", len(conflicts))
}

// restartOnly lists the changed settings a reload cannot apply. A new
// policyFile is loaded at once but the watcher keeps the path it started with.
func restartOnly(old, cur *config.Config) []string {
	var keys []string
	add := func(changed bool, key string) {
		if changed {
			keys = append(keys, key)
		}
	}
	add(old.Logging != cur.Logging, "logging")
	add(old.Snapshot != cur.Snapshot, "snapshot")
	add(old.Concurrency != cur.Concurrency, "concurrency")
	add(old.Transport != cur.Transport, "transport")
	add(old.Metrics != cur.Metrics, "metrics")
	add(old.ConfigReload != cur.ConfigReload, "configReload")
	add(old.ConfigReload.Enabled && old.PolicyFile != cur.PolicyFile, "policyFile")
	return keys
}

func (d *daemon) current() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}
