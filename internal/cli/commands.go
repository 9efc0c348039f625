package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raoulx24/zfs-archiver/internal/config"
	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/orchestrator"
	"github.com/raoulx24/zfs-archiver/internal/policy"
	"github.com/raoulx24/zfs-archiver/internal/schedule"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
)

// Version is set at build time.
var Version = "dev"

// defaultWindow matches a crontab entry running snap every 15 minutes.
const defaultWindow = 15 * time.Minute

func newSnapCmd(opts *RootOptions) *cobra.Command {
	var take, clean, full, dryRun bool
	var tiers []string
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "snap",
		Short: "Take and prune snapshots as configured in the policy file",
		Long: "Take and prune snapshots. Without flags both are done. Tiers are taken when\n" +
			"their schedule fired within --window, or as listed with --tier.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := snapCycle(take, clean, full)
			due, err := dueTiers(opts.cfg, tiers, window, time.Now())
			if err != nil {
				return err
			}
			c.Due, c.DryRun = due, dryRun

			tree, err := loadTree(opts.cfg, opts.log)
			if err != nil {
				return err
			}
			sum := newOrchestrator(opts.cfg, opts.log, nil).Run(cmd.Context(), tree, c)
			return report(opts.log, sum)
		},
	}
	cmd.Flags().BoolVar(&take, "take", false, "Take new snapshots")
	cmd.Flags().BoolVar(&clean, "clean", false, "Prune snapshots beyond the retention counts")
	cmd.Flags().BoolVar(&full, "full", false, "Take and prune (default)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log what would be done without changing anything")
	cmd.Flags().StringSliceVar(&tiers, "tier", nil, "Take these tiers regardless of the schedule")
	cmd.Flags().DurationVar(&window, "window", defaultWindow, "Look-back window for due tiers")
	return cmd
}

func snapCycle(take, clean, full bool) orchestrator.Cycle {
	if full || (!take && !clean) {
		take, clean = true, true
	}
	return orchestrator.Cycle{Take: take, Clean: clean}
}

func dueTiers(cfg *config.Config, names []string, window time.Duration, now time.Time) ([]snapshot.Tier, error) {
	if len(names) > 0 {
		var due []snapshot.Tier
		for _, n := range names {
			t, err := snapshot.ParseTier(n)
			if err != nil {
				return nil, usage("--tier: %v", err)
			}
			due = append(due, t)
		}
		return due, nil
	}
	if window <= 0 {
		return nil, usage("--window must be positive")
	}
	sched, err := schedule.Parse(cfg.Schedule.Specs(), cfg.Schedule.Send)
	if err != nil {
		return nil, invalid(err)
	}
	due, _ := sched.Due(now.Add(-window), now)
	return due, nil
}

type sendFlags struct {
	source    string
	dest      string
	key       string
	sourceKey string
	compress  string
	raw       bool
	dryRun    bool
}

func newSendCmd(opts *RootOptions) *cobra.Command {
	var f sendFlags
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Replicate snapshots to their destinations",
		Long: "Replicate every dataset of the policy file to its destinations, or a single\n" +
			"source to a single destination with -s and -d.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				tree *policy.Tree
				err  error
			)
			switch {
			case f.source == "" && f.dest == "":
				tree, err = loadTree(opts.cfg, opts.log)
			case f.source == "" || f.dest == "":
				err = usage("-s and -d must be given together")
			default:
				tree, err = adhocTree(f)
			}
			if err != nil {
				return err
			}
			c := orchestrator.Cycle{Send: true, DryRun: f.dryRun}
			sum := newOrchestrator(opts.cfg, opts.log, nil).Run(cmd.Context(), tree, c)
			return report(opts.log, sum)
		},
	}
	cmd.Flags().StringVarP(&f.source, "source", "s", "", "Source dataset, pool/fs or ssh:port:user@host:pool/fs")
	cmd.Flags().StringVarP(&f.dest, "dest", "d", "", "Destination dataset")
	cmd.Flags().StringVarP(&f.key, "key", "i", "", "SSH private key for the destination")
	cmd.Flags().StringVarP(&f.sourceKey, "source-key", "j", "", "SSH private key for the source")
	cmd.Flags().StringVarP(&f.compress, "compress", "c", "", "Compression for remote transfers (none, gzip, lz4, lzop, zstd)")
	cmd.Flags().BoolVarP(&f.raw, "raw", "w", false, "Send raw streams (encrypted datasets)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Log what would be sent without sending")
	return cmd
}

// adhocTree builds a one-section tree replicating f.source to f.dest.
func adhocTree(f sendFlags) (*policy.Tree, error) {
	src, err := dataset.ParseLocation(f.source)
	if err != nil {
		return nil, usage("-s: %v", err)
	}
	if _, err := dataset.ParseLocation(f.dest); err != nil {
		return nil, usage("-d: %v", err)
	}
	node := policy.Node{
		Location: src,
		Snap:     policy.Bool(false),
		Clean:    policy.Bool(false),
		Dest:     []string{f.dest},
		DestKeys: []string{f.key},
		RawSend:  []bool{f.raw},
	}
	if f.compress != "" {
		node.Compress = []string{f.compress}
	}
	if f.sourceKey != "" {
		node.Key = policy.String(f.sourceKey)
	}
	tree, conflicts := policy.NewTree([]policy.Node{node})
	if err := conflicts[src.String()]; err != nil {
		return nil, usage("%v", err)
	}
	return tree, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "zfs-archiver %s\n", Version)
			return err
		},
	}
}
