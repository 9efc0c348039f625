package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/policy"
	"github.com/raoulx24/zfs-archiver/internal/replication"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
	"github.com/raoulx24/zfs-archiver/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	namer = snapshot.NewNamer("")
	t0    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	hour  = []snapshot.Tier{snapshot.Hourly}
)

func newOrchestrator(w *world, mock *clock.Mock, datasets, sessions int) *Orchestrator {
	return New(Options{
		Opener:   w,
		Volumes:  w.volumes,
		Namer:    namer,
		Datasets: datasets,
		Sessions: sessions,
		Timeout:  time.Minute,
		Clock:    mock,
	}, logging.Nop(), nil)
}

func mockAt(ts time.Time) *clock.Mock {
	m := clock.NewMock()
	m.Set(ts)
	return m
}

func mustTree(t *testing.T, nodes ...policy.Node) *policy.Tree {
	t.Helper()
	tree, conflicts := policy.NewTree(nodes)
	require.Empty(t, conflicts)
	return tree
}

func TestRunReachableDestinationCompletesWhenOtherIsDown(t *testing.T) {
	w := newWorld()
	w.local.AddDataset("pool/data").AddDataset("backup")
	w.down["ssh:22:user@host"] = fmt.Errorf("ssh:22:user@host: %w: %w", transport.ErrTransportUnavailable, transport.ErrConnectFailure)

	tree := mustTree(t, policy.Node{
		Location: dataset.Local("pool/data"),
		Counts:   map[snapshot.Tier]int{snapshot.Hourly: 2},
		Snap:     policy.Bool(true),
		Clean:    policy.Bool(true),
		Dest:     []string{"backup/data", "ssh:22:user@host:backup/data"},
	})

	sum := newOrchestrator(w, mockAt(t0), 2, 2).Run(context.Background(), tree, Full(hour))
	require.Len(t, sum.Datasets, 1)
	res := sum.Datasets[0]

	require.Len(t, res.Transfers, 2)
	assert.NoError(t, res.Transfers[0].Err)
	assert.Equal(t, replication.Full, res.Transfers[0].Plan.Kind)
	assert.ErrorIs(t, res.Transfers[1].Err, transport.ErrTransportUnavailable)

	name := namer.Format(snapshot.Hourly, t0)
	assert.Equal(t, []string{name}, w.local.SnapshotNames("pool/data"))
	assert.Equal(t, []string{name}, w.local.SnapshotNames("backup/data"))

	assert.ErrorIs(t, sum.Err(), transport.ErrTransportUnavailable)
	assert.Len(t, sum.Failed(), 1)
}

func TestRunReplicatesSubtreeParentsFirst(t *testing.T) {
	w := newWorld()
	w.local.AddDataset("pool/data/a/b").AddDataset("pool/data/c")
	nas := w.remote("ssh:2222:root@nas")
	nas.AddDataset("tank/backup")

	tree := mustTree(t, policy.Node{
		Location: dataset.Local("pool/data"),
		Counts:   map[snapshot.Tier]int{snapshot.Hourly: 2},
		Snap:     policy.Bool(true),
		Clean:    policy.Bool(true),
		Dest:     []string{"ssh:2222:root@nas:tank/backup/data"},
		DestKeys: []string{"/keys/nas"},
	})

	mock := mockAt(t0)
	o := newOrchestrator(w, mock, 1, 1)
	sum := o.Run(context.Background(), tree, Full(hour))
	require.NoError(t, sum.Err())
	require.Len(t, sum.Datasets, 4)
	assert.Equal(t, "/keys/nas", w.keys["ssh:2222:root@nas"])

	first := namer.Format(snapshot.Hourly, t0)
	for _, p := range []dataset.Path{"tank/backup/data", "tank/backup/data/a", "tank/backup/data/a/b", "tank/backup/data/c"} {
		assert.Equal(t, []string{first}, nas.SnapshotNames(p), p)
	}

	mock.Add(time.Hour)
	sum = o.Run(context.Background(), tree, Full(hour))
	require.NoError(t, sum.Err())
	second := namer.Format(snapshot.Hourly, t0.Add(time.Hour))
	for _, d := range sum.Datasets {
		require.Len(t, d.Transfers, 1)
		assert.Equal(t, replication.Incremental, d.Transfers[0].Plan.Kind, d.Location.String())
	}
	assert.Equal(t, []string{first, second}, nas.SnapshotNames("tank/backup/data/a/b"))

	created, destroyed, transferred := sum.Counts()
	assert.Equal(t, 4, created)
	assert.Zero(t, destroyed)
	assert.Equal(t, 4, transferred)
}

func TestRunSkipsExcludedAndIsolatesConflicts(t *testing.T) {
	w := newWorld()
	w.local.
		AddDataset("pool/app").
		AddDataset("pool/tmp/scratch").
		AddDataset("pool/bad/x").
		AddDataset("pool/tmp/keep")

	tree, conflicts := policy.NewTree([]policy.Node{
		{
			Location: dataset.Local("pool"),
			Counts:   map[snapshot.Tier]int{snapshot.Daily: 3},
			Snap:     policy.Bool(true),
			Exclude:  []string{"pool/tmp"},
		},
		{Location: dataset.Local("pool/bad"), Counts: map[snapshot.Tier]int{snapshot.Daily: -1}},
		{Location: dataset.Local("pool/tmp/keep")},
	})
	require.Len(t, conflicts, 1)

	sum := newOrchestrator(w, mockAt(t0), 4, 2).Run(context.Background(), tree, Cycle{Take: true, Due: []snapshot.Tier{snapshot.Daily}})

	seen := map[string]DatasetResult{}
	for _, d := range sum.Datasets {
		seen[d.Location.String()] = d
	}
	assert.NotContains(t, seen, "pool/tmp")
	assert.NotContains(t, seen, "pool/tmp/scratch")
	assert.Contains(t, seen, "pool/tmp/keep", "a configured section is never excluded")

	assert.ErrorIs(t, seen["pool/bad"].Err, policy.ErrConfigConflict)
	assert.ErrorIs(t, seen["pool/bad/x"].Err, policy.ErrConfigConflict)
	assert.NoError(t, seen["pool/app"].Err)
	assert.NoError(t, seen["pool"].Err)

	name := namer.Format(snapshot.Daily, t0)
	assert.Equal(t, []string{name}, w.local.SnapshotNames("pool/app"))
	assert.Equal(t, []string{name}, w.local.SnapshotNames("pool/tmp/keep"))
	assert.Empty(t, w.local.SnapshotNames("pool/tmp/scratch"))
	assert.Empty(t, w.local.SnapshotNames("pool/bad/x"))
}

func TestRunDryRunChangesNothing(t *testing.T) {
	w := newWorld()
	old := namer.Format(snapshot.Hourly, t0.Add(-2*time.Hour))
	w.local.AddSnapshots("pool/data", old).AddDataset("backup")

	tree := mustTree(t, policy.Node{
		Location: dataset.Local("pool/data"),
		Counts:   map[snapshot.Tier]int{snapshot.Hourly: 1},
		Snap:     policy.Bool(true),
		Clean:    policy.Bool(true),
		Dest:     []string{"backup/data"},
	})

	c := Full(hour)
	c.DryRun = true
	sum := newOrchestrator(w, mockAt(t0), 2, 2).Run(context.Background(), tree, c)
	require.NoError(t, sum.Err())
	assert.Empty(t, w.local.Calls())
	require.Len(t, sum.Datasets[0].Transfers, 1)
	assert.Equal(t, replication.Full, sum.Datasets[0].Transfers[0].Plan.Kind)
}

func TestRunCleanOnly(t *testing.T) {
	w := newWorld()
	a := namer.Format(snapshot.Hourly, t0.Add(-2*time.Hour))
	b := namer.Format(snapshot.Hourly, t0.Add(-1*time.Hour))
	w.local.AddSnapshots("pool/data", a, b, "manual")

	tree := mustTree(t, policy.Node{
		Location: dataset.Local("pool/data"),
		Counts:   map[snapshot.Tier]int{snapshot.Hourly: 1},
		Snap:     policy.Bool(true),
		Clean:    policy.Bool(true),
	})

	sum := newOrchestrator(w, mockAt(t0), 1, 1).Run(context.Background(), tree, Cycle{Clean: true, Due: hour})
	require.NoError(t, sum.Err())
	assert.Equal(t, []string{b, "manual"}, w.local.SnapshotNames("pool/data"))
}

func TestRunListingFailureIsReported(t *testing.T) {
	w := newWorld()
	w.local.AddDataset("pool/ok")
	tree := mustTree(t,
		policy.Node{Location: dataset.Local("pool/ok"), Counts: map[snapshot.Tier]int{snapshot.Hourly: 1}, Snap: policy.Bool(true)},
		policy.Node{Location: dataset.Local("gone")},
	)

	sum := newOrchestrator(w, mockAt(t0), 1, 1).Run(context.Background(), tree, Full(hour))
	assert.Error(t, sum.Discovery)
	require.Len(t, sum.Datasets, 1)
	assert.NoError(t, sum.Datasets[0].Err)
}

func TestRunCancelled(t *testing.T) {
	w := newWorld()
	w.local.AddDataset("pool/data/a").AddDataset("pool/data/b")
	tree := mustTree(t, policy.Node{
		Location: dataset.Local("pool/data"),
		Counts:   map[snapshot.Tier]int{snapshot.Hourly: 1},
		Snap:     policy.Bool(true),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum := newOrchestrator(w, mockAt(t0), 1, 1).Run(ctx, tree, Full(hour))
	require.Len(t, sum.Datasets, 3)
	assert.Error(t, sum.Err())
	for _, d := range sum.Datasets {
		assert.Empty(t, d.Retention.Created)
	}
}

func TestParentIn(t *testing.T) {
	done := map[string]chan struct{}{
		"pool":         make(chan struct{}),
		"pool/a/b":     make(chan struct{}),
		"ssh:22:u@h:x": make(chan struct{}),
	}
	assert.Equal(t, done["pool/a/b"], parentIn(dataset.Local("pool/a/b/c/d"), done))
	assert.Equal(t, done["pool"], parentIn(dataset.Local("pool/a"), done))
	assert.Nil(t, parentIn(dataset.Local("pool"), done))
	assert.Nil(t, parentIn(dataset.Local("x/y"), done))
}
