package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raoulx24/zfs-archiver/internal/config"
	"github.com/raoulx24/zfs-archiver/internal/logging"
)

type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	// filled by PersistentPreRunE
	cfg *config.Config
	log logging.ZapLogger
}

func newRootCmd() *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "zfs-archiver",
		Short:         "ZFS snapshot management and replication",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "setup" || cmd.Name() == "version" {
				return nil
			}
			return opts.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.cfg != nil {
				_ = opts.log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", config.DefaultPath, "Path to the daemon config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "Override the configured log format (text, json)")

	cmd.AddCommand(
		newSnapCmd(opts),
		newSendCmd(opts),
		newRunCmd(opts),
		newSetupCmd(),
		newVersionCmd(),
	)
	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return invalid(err)
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Logging.Format = o.LogFormat
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
	if err != nil {
		return invalid(fmt.Errorf("logging: %w", err))
	}
	o.cfg, o.log = cfg, log
	o.log.Debug("config loaded", "path", o.ConfigPath, "policy_file", cfg.PolicyFile)
	return nil
}
