package cli

import (
	"fmt"
	"sort"

	"github.com/raoulx24/zfs-archiver/internal/config"
	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/orchestrator"
	"github.com/raoulx24/zfs-archiver/internal/policy"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
	"github.com/raoulx24/zfs-archiver/internal/transport"
)

func newOrchestrator(cfg *config.Config, log logging.Logger, rec orchestrator.Recorder) *orchestrator.Orchestrator {
	dialer := transport.NewDialer(transport.SSHOptions{
		DialTimeout:           cfg.Transport.DialTimeout,
		KnownHosts:            cfg.Transport.KnownHosts,
		InsecureIgnoreHostKey: cfg.Transport.InsecureIgnoreHostKey,
	}, log)
	return orchestrator.New(orchestrator.Options{
		Opener:   dialer,
		Namer:    snapshot.NewNamer(cfg.Snapshot.Prefix),
		Datasets: cfg.Concurrency.Datasets,
		Sessions: cfg.Concurrency.Sessions,
		Timeout:  cfg.Transport.Timeout,
	}, log, rec)
}

// loadTree reads the policy file and logs every conflicting section. Only
// an unreadable file fails.
func loadTree(cfg *config.Config, log logging.Logger) (*policy.Tree, error) {
	tree, conflicts, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, invalid(err)
	}
	logConflicts(log, conflicts)
	return tree, nil
}

func logConflicts(log logging.Logger, conflicts map[string]error) {
	sections := make([]string, 0, len(conflicts))
	for s := range conflicts {
		sections = append(sections, s)
	}
	sort.Strings(sections)
	for _, s := range sections {
		log.Error("policy section disabled", "section", s, "error", conflicts[s])
	}
}

// report logs the failed datasets of a cycle and turns failures into an
// exit error. The cycle totals are logged by the orchestrator.
func report(log logging.Logger, sum orchestrator.Summary) error {
	for _, r := range sum.Failed() {
		log.Error("dataset failed", "dataset", r.Location.String(), "error", r.Err)
	}
	if err := sum.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCycleFailed, err)
	}
	return nil
}
