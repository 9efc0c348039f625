package config

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
)

const (
	DefaultPath       = "/etc/zfs-archiver/config.yaml"
	DefaultPolicyFile = "/etc/zfs-archiver/zfs-archiver.conf"
)

type Config struct {
	PolicyFile   string            `yaml:"policyFile"`
	Logging      LoggingConfig     `yaml:"logging"`
	Snapshot     SnapshotConfig    `yaml:"snapshot"`
	Schedule     ScheduleConfig    `yaml:"schedule"`
	Concurrency  ConcurrencyConfig `yaml:"concurrency"`
	Transport    TransportConfig   `yaml:"transport"`
	Metrics      MetricsConfig     `yaml:"metrics"`
	ConfigReload ReloadConfig      `yaml:"configReload"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // "info", "debug", etc.
	Format string `yaml:"format"` // "json", "text"
}

type SnapshotConfig struct {
	Prefix string `yaml:"prefix"`
}

// ScheduleConfig holds five-field cron specs. Empty tiers use the built-in
// defaults, an empty Send replicates on every tick.
type ScheduleConfig struct {
	Frequent string `yaml:"frequent"`
	Hourly   string `yaml:"hourly"`
	Daily    string `yaml:"daily"`
	Weekly   string `yaml:"weekly"`
	Monthly  string `yaml:"monthly"`
	Yearly   string `yaml:"yearly"`
	Send     string `yaml:"send"`
}

// Specs returns the tier specs that are set.
func (s ScheduleConfig) Specs() map[snapshot.Tier]string {
	out := make(map[snapshot.Tier]string)
	for tier, spec := range map[snapshot.Tier]string{
		snapshot.Frequent: s.Frequent,
		snapshot.Hourly:   s.Hourly,
		snapshot.Daily:    s.Daily,
		snapshot.Weekly:   s.Weekly,
		snapshot.Monthly:  s.Monthly,
		snapshot.Yearly:   s.Yearly,
	} {
		if spec != "" {
			out[tier] = spec
		}
	}
	return out
}

type ConcurrencyConfig struct {
	Datasets int `yaml:"datasets"`
	Sessions int `yaml:"sessions"`
}

type TransportConfig struct {
	DialTimeout           time.Duration `yaml:"dialTimeout"`
	Timeout               time.Duration `yaml:"timeout"` // per transfer, 0 = unbounded
	KnownHosts            string        `yaml:"knownHosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecureIgnoreHostKey"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9721", empty disables
}

type ReloadConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Method       string        `yaml:"method"` // "auto", "fsnotify", "poll"
	PollInterval time.Duration `yaml:"pollInterval"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		PolicyFile: DefaultPolicyFile,
		Logging:    LoggingConfig{Level: "info", Format: string(logging.FormatText)},
		Snapshot:   SnapshotConfig{Prefix: snapshot.DefaultPrefix},
		Concurrency: ConcurrencyConfig{
			Datasets: 4,
			Sessions: 2,
		},
		Transport: TransportConfig{
			DialTimeout: 30 * time.Second,
			Timeout:     12 * time.Hour,
		},
		ConfigReload: ReloadConfig{
			Enabled:      true,
			Method:       "auto",
			PollInterval: 10 * time.Second,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.PolicyFile == "" {
		err = multierr.Append(err, fmt.Errorf("policyFile must be set"))
	}
	if _, e := logging.ParseLevel(c.Logging.Level); e != nil {
		err = multierr.Append(err, fmt.Errorf("logging.level: %w", e))
	}
	if _, e := logging.ParseFormat(c.Logging.Format); e != nil {
		err = multierr.Append(err, fmt.Errorf("logging.format: %w", e))
	}
	if c.Concurrency.Datasets < 1 {
		err = multierr.Append(err, fmt.Errorf("concurrency.datasets must be at least 1, got %d", c.Concurrency.Datasets))
	}
	if c.Concurrency.Sessions < 1 {
		err = multierr.Append(err, fmt.Errorf("concurrency.sessions must be at least 1, got %d", c.Concurrency.Sessions))
	}
	if c.Transport.DialTimeout < 0 || c.Transport.Timeout < 0 {
		err = multierr.Append(err, fmt.Errorf("transport timeouts must not be negative"))
	}
	switch c.ConfigReload.Method {
	case "auto", "fsnotify", "poll":
	default:
		err = multierr.Append(err, fmt.Errorf("configReload.method: unknown method %q", c.ConfigReload.Method))
	}
	if c.ConfigReload.Method != "fsnotify" && c.ConfigReload.Enabled && c.ConfigReload.PollInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("configReload.pollInterval must be positive"))
	}
	return err
}
