package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raoulx24/zfs-archiver/internal/compress"
	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/policy"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("ZA_METRICS_PORT", "9721")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policyFile: /tmp/policy.conf
logging:
  level: debug
  format: json
schedule:
  hourly: "5 * * * *"
  send: "0 */4 * * *"
concurrency:
  sessions: 1
transport:
  timeout: 2h
  knownHosts: /root/.ssh/known_hosts
metrics:
  listen: ":$(ZA_METRICS_PORT)"
configReload:
  method: poll
  pollInterval: 30s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/policy.conf", cfg.PolicyFile)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, map[snapshot.Tier]string{snapshot.Hourly: "5 * * * *"}, cfg.Schedule.Specs())
	assert.Equal(t, "0 */4 * * *", cfg.Schedule.Send)
	assert.Equal(t, 4, cfg.Concurrency.Datasets, "unset keys keep their default")
	assert.Equal(t, 1, cfg.Concurrency.Sessions)
	assert.Equal(t, 2*time.Hour, cfg.Transport.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Transport.DialTimeout)
	assert.Equal(t, ":9721", cfg.Metrics.Listen)
	assert.Equal(t, "poll", cfg.ConfigReload.Method)
	assert.Equal(t, 30*time.Second, cfg.ConfigReload.PollInterval)
	assert.Equal(t, snapshot.DefaultPrefix, cfg.Snapshot.Prefix)
}

func TestParseRejectsInvalid(t *testing.T) {
	err := Parse([]byte(`
logging:
  level: loud
concurrency:
  datasets: 0
configReload:
  method: inotify
`), Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
	assert.Contains(t, err.Error(), "concurrency.datasets")
	assert.Contains(t, err.Error(), "configReload.method")

	assert.Error(t, Parse([]byte("logging: [nope"), Default()))
}

const samplePolicy = `
# daily backups of the data pool
[pool/data]
daily = 7
hourly = 24
snap = yes
clean = on
dest = backup/data, ssh:22:user@host:backup/data
compress = lzop
exclude = pool/data/tmp*, pool/data/cache

[pool/data/vm]
snap = no
dest =
compress =

[ssh:2222:root@nas:tank/remote]
key = /root/.ssh/nas
Weekly = 4
raw_send = true

[pool/other]
dest = backup/a, backup/b
dest_keys = k1, k2, k3

[pool/broken]
colour = blue

[pool/broken/child]
daily = 1
`

func TestParsePolicy(t *testing.T) {
	tree, conflicts, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	assert.ErrorIs(t, conflicts["pool/other"], policy.ErrConfigConflict)
	assert.ErrorIs(t, conflicts["pool/broken"], policy.ErrConfigConflict)
	assert.Len(t, conflicts, 2)

	eff, err := tree.Resolve(dataset.Local("pool/data/child"))
	require.NoError(t, err)
	assert.Equal(t, 7, eff.Count(snapshot.Daily))
	assert.Equal(t, 24, eff.Count(snapshot.Hourly))
	assert.True(t, eff.Snap)
	assert.True(t, eff.Clean)
	require.Len(t, eff.Destinations, 2)
	assert.Equal(t, compress.Lzop, eff.Destinations[0].Compress)
	assert.Equal(t, compress.Default, eff.Destinations[1].Compress)
	assert.Equal(t, []string{"pool/data/tmp*", "pool/data/cache"}, eff.Exclude)

	assert.True(t, tree.Excluded(dataset.Local("pool/data/tmpfiles")))

	eff, err = tree.Resolve(dataset.Local("pool/data/vm/disk0"))
	require.NoError(t, err)
	assert.False(t, eff.Snap)
	assert.Empty(t, eff.Destinations)

	_, err = tree.Resolve(dataset.Local("pool/broken/child"))
	assert.ErrorIs(t, err, policy.ErrConfigConflict, "the subtree of a broken section is disabled")

	remote, err := dataset.ParseLocation("ssh:2222:root@nas:tank/remote/home")
	require.NoError(t, err)
	_, err = tree.Resolve(remote)
	assert.ErrorIs(t, err, policy.ErrConfigConflict, "raw_send without dest")
}

func TestParsePolicyKeysAndSections(t *testing.T) {
	tree, conflicts, err := ParsePolicy([]byte(`
stray = 1

[ssh:99999:root@nas:pool]
daily = 1

[pool/a]
weekly = many

[pool/b]
exclude = pool/b/x pool/b/y,pool/b/z
monthly = 2
key = /keys/b
`))
	require.NoError(t, err)
	assert.Contains(t, conflicts, "DEFAULT")
	assert.Contains(t, conflicts, "ssh:99999:root@nas:pool")
	assert.ErrorIs(t, conflicts["pool/a"], policy.ErrConfigConflict)

	eff, err := tree.Resolve(dataset.Local("pool/b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"pool/b/x", "pool/b/y", "pool/b/z"}, eff.Exclude)
	assert.Equal(t, 2, eff.Count(snapshot.Monthly))
	assert.Equal(t, "/keys/b", eff.Key)
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"yes", "True", "ON", "1"} {
		b, err := parseBool(v)
		require.NoError(t, err)
		assert.True(t, b, v)
	}
	for _, v := range []string{"no", "false", "Off", "0"} {
		b, err := parseBool(v)
		require.NoError(t, err)
		assert.False(t, b, v)
	}
	_, err := parseBool("maybe")
	assert.Error(t, err)
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, _, err := LoadPolicy(filepath.Join(t.TempDir(), "none.conf"))
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("ZA_POOL", "tank")
	assert.Equal(t, "tank/data and  $(lower-case)", expandEnvVars("$(ZA_POOL)/data and $(ZA_UNSET_VARIABLE) $(lower-case)"))
}
