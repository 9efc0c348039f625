package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raoulx24/zfs-archiver/internal/config"
	"github.com/raoulx24/zfs-archiver/internal/retry"
)

const sampleConfig = `# zfs-archiver daemon configuration
policyFile: %s

logging:
  level: info
  format: text

snapshot:
  prefix: zfs-archiver

# five-field cron specs, empty entries use the built-in defaults
schedule:
  frequent: "*/15 * * * *"
  hourly: "0 * * * *"
  daily: "0 0 * * *"
  weekly: "0 0 * * 1"
  monthly: "0 0 1 * *"
  yearly: "0 0 1 1 *"
  send: ""

concurrency:
  datasets: 4
  sessions: 2

transport:
  dialTimeout: 30s
  timeout: 12h
  knownHosts: ""
  insecureIgnoreHostKey: false

metrics:
  listen: ""

configReload:
  enabled: true
  method: auto
  pollInterval: 10s
`

const samplePolicy = `# zfs-archiver policy file
#
# One section per dataset, local "pool/fs" or remote "ssh:port:user@host:pool/fs".
# Child datasets inherit every unset key from the closest configured ancestor.
#
# frequent, hourly, daily, weekly, monthly, yearly  snapshots to keep per tier
# snap, clean                                       take / prune snapshots (yes/no)
# dest                                              comma separated destinations
# dest_keys, compress, raw_send                     per destination, same order as dest
# key                                               ssh key for a remote section
# exclude                                           glob patterns of descendants to skip

[rpool/data]
frequent = 4
hourly = 24
daily = 7
weekly = 4
monthly = 6
yearly = 1
snap = yes
clean = yes
dest = backup/data, ssh:22:root@backup-host:tank/data
dest_keys = , /root/.ssh/id_ed25519
compress = none, zstd
exclude = rpool/data/tmp*

[backup/data]
daily = 14
weekly = 8
snap = no
clean = yes
`

func newSetupCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a sample config and policy file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd.Context(), cmd.OutOrStdout(), dir)
		},
	}
	cmd.Flags().StringVarP(&dir, "path", "p", filepath.Dir(config.DefaultPath), "Directory for the sample files")
	return cmd
}

// setup never overwrites existing files.
func setup(ctx context.Context, out io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	policyPath := filepath.Join(dir, filepath.Base(config.DefaultPolicyFile))
	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(dir, filepath.Base(config.DefaultPath)), fmt.Sprintf(sampleConfig, policyPath)},
		{policyPath, samplePolicy},
	}
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			fmt.Fprintf(out, "%s exists, skipped\n", f.path)
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := writeAtomic(ctx, f.path, []byte(f.content)); err != nil {
			return fmt.Errorf("writing %s: %w", f.path, err)
		}
		fmt.Fprintf(out, "wrote %s\n", f.path)
	}
	return nil
}

// writeAtomic writes next to path and renames into place, so a watching
// daemon never reads a half-written file.
func writeAtomic(ctx context.Context, path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	err := retry.New(nil).Do(ctx, "rename", func() error { return os.Rename(tmp, path) })
	if err != nil {
		os.Remove(tmp)
	}
	return err
}
