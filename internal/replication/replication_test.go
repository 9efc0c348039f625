package replication

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raoulx24/zfs-archiver/internal/compress"
	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
	"github.com/raoulx24/zfs-archiver/internal/transport"
	"github.com/raoulx24/zfs-archiver/internal/zfs"
	"github.com/raoulx24/zfs-archiver/internal/zfs/zfstest"
)

var namer = snapshot.NewNamer("")

func names(n int) []string {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var out []string
	for i := 0; i < n; i++ {
		out = append(out, namer.Format(snapshot.Hourly, t0.Add(time.Duration(i)*time.Hour)))
	}
	return out
}

var (
	src = dataset.Local("pool/data")
	dst = dataset.Local("backup/data")
)

func plan(t *testing.T, srcVol, dstVol zfs.Volume, raw bool) (Plan, error) {
	t.Helper()
	return NewPlanner(namer).Plan(context.Background(), src, srcVol, dst, dstVol, raw)
}

func TestPlanNoSourceSnapshots(t *testing.T) {
	srcVol := zfstest.New().AddSnapshots("pool/data", "manual")
	p, err := plan(t, srcVol, zfstest.New().AddDataset("backup"), false)
	require.NoError(t, err)
	assert.Equal(t, NoOp, p.Kind)
}

func TestPlanFullWhenDestinationAbsent(t *testing.T) {
	s := names(3)
	srcVol := zfstest.New().AddSnapshots("pool/data", s...)
	p, err := plan(t, srcVol, zfstest.New().AddDataset("backup"), false)
	require.NoError(t, err)
	assert.Equal(t, Full, p.Kind)
	assert.Equal(t, s[2], p.Snapshot.Name)
	assert.Nil(t, p.Base)
}

func TestPlanIncrementalFromMostRecentCommon(t *testing.T) {
	s := names(5)
	srcVol := zfstest.New().AddSnapshots("pool/data", s...)
	dstVol := zfstest.New().AddSnapshots("backup/data", s[0], s[1], s[2], "foreign")

	p, err := plan(t, srcVol, dstVol, true)
	require.NoError(t, err)
	assert.Equal(t, Incremental, p.Kind)
	require.NotNil(t, p.Base)
	assert.Equal(t, s[2], p.Base.Name)
	assert.Equal(t, s[4], p.Snapshot.Name)
	assert.True(t, p.Raw)
}

func TestPlanUpToDate(t *testing.T) {
	s := names(2)
	srcVol := zfstest.New().AddSnapshots("pool/data", s...)
	dstVol := zfstest.New().AddSnapshots("backup/data", s...)

	p, err := plan(t, srcVol, dstVol, false)
	require.NoError(t, err)
	assert.Equal(t, NoOp, p.Kind)
	assert.Equal(t, "destination is up to date", p.Reason)
}

func TestPlanNoCommonSnapshot(t *testing.T) {
	s := names(4)
	srcVol := zfstest.New().AddSnapshots("pool/data", s[2], s[3])

	for name, dstVol := range map[string]*zfstest.Volume{
		"unrelated snapshots": zfstest.New().AddSnapshots("backup/data", s[0], s[1]),
		"foreign only":        zfstest.New().AddSnapshots("backup/data", "manual"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := plan(t, srcVol, dstVol, false)
			assert.ErrorIs(t, err, ErrDestinationMustBeDestroyed)
		})
	}
}

func TestEmptyDestinationTakesFullStream(t *testing.T) {
	s := names(2)
	srcVol := zfstest.New().AddSnapshots("pool/data", s...)
	dstVol := zfstest.New().AddDataset("backup/data")

	p, err := plan(t, srcVol, dstVol, false)
	require.NoError(t, err)
	require.Equal(t, Full, p.Kind)
	assert.Equal(t, s[1], p.Snapshot.Name)

	res := NewExecutor(logging.Nop(), 0, nil).Execute(context.Background(), p, srcVol, dstVol, compress.None)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{s[1]}, dstVol.SnapshotNames("backup/data"))
}

func TestPlanNeverFullWithCommonSnapshot(t *testing.T) {
	s := names(6)
	for shared := 0; shared < len(s); shared++ {
		srcVol := zfstest.New().AddSnapshots("pool/data", s...)
		dstVol := zfstest.New().AddSnapshots("backup/data", s[shared])

		p, err := plan(t, srcVol, dstVol, false)
		require.NoError(t, err)
		assert.NotEqual(t, Full, p.Kind, "shared=%d", shared)
	}
}

func TestPlanListingFailure(t *testing.T) {
	srcVol := zfstest.New().AddSnapshots("pool/data", names(1)...)
	dstVol := zfstest.New()
	dstVol.Fail["exists *"] = fmt.Errorf("ssh:22:root@nas: %w", transport.ErrTransportUnavailable)

	_, err := plan(t, srcVol, dstVol, false)
	assert.ErrorIs(t, err, transport.ErrTransportUnavailable)
}

type transfers struct{ results map[string]int }

func (r *transfers) TransferDone(kind, result string, _ int64) {
	r.results[kind+"/"+result]++
}

func TestExecuteFullThenIncremental(t *testing.T) {
	s := names(4)
	srcVol := zfstest.New().AddSnapshots("pool/data", s[0], s[1])
	dstVol := zfstest.New().AddDataset("backup")
	rec := &transfers{results: map[string]int{}}
	ex := NewExecutor(logging.Nop(), time.Minute, rec)

	p, err := plan(t, srcVol, dstVol, false)
	require.NoError(t, err)
	res := ex.Execute(context.Background(), p, srcVol, dstVol, compress.Gzip)
	require.NoError(t, res.Err)
	assert.Positive(t, res.Bytes)
	assert.Equal(t, []string{s[1]}, dstVol.SnapshotNames("backup/data"))

	srcVol.AddSnapshots("pool/data", s[2], s[3])
	p, err = plan(t, srcVol, dstVol, false)
	require.NoError(t, err)
	require.Equal(t, Incremental, p.Kind)
	res = ex.Execute(context.Background(), p, srcVol, dstVol, compress.Gzip)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{s[1], s[2], s[3]}, dstVol.SnapshotNames("backup/data"), "intermediate snapshots are included")

	calls := dstVol.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, zfs.ReceiveOptions{Force: true, NoMount: true, Codec: compress.Gzip}, calls[1].Options)
	assert.Equal(t, compress.Gzip, srcVol.Calls()[0].Options.(zfs.SendOptions).Codec, "remote sources compress too")
	assert.Equal(t, 1, rec.results["full/ok"])
	assert.Equal(t, 1, rec.results["incremental/ok"])
}

func TestExecuteRawSkipsCompression(t *testing.T) {
	srcVol := zfstest.New().AddSnapshots("pool/data", names(1)...)
	dstVol := zfstest.New().AddDataset("backup")

	p, err := plan(t, srcVol, dstVol, true)
	require.NoError(t, err)
	res := NewExecutor(logging.Nop(), 0, nil).Execute(context.Background(), p, srcVol, dstVol, compress.Zstd)
	require.NoError(t, res.Err)

	sends := srcVol.Calls()
	require.Len(t, sends, 1)
	assert.True(t, sends[0].Options.(zfs.SendOptions).Raw)
	assert.Equal(t, compress.None, sends[0].Options.(zfs.SendOptions).Codec)
	assert.Equal(t, compress.None, dstVol.Calls()[0].Options.(zfs.ReceiveOptions).Codec)
}

func TestExecuteIncompatibleStream(t *testing.T) {
	s := names(3)
	srcVol := zfstest.New().AddSnapshots("pool/data", s...)
	dstVol := zfstest.New().AddSnapshots("backup/data", s[0], s[1])

	p, err := plan(t, srcVol, dstVol, false)
	require.NoError(t, err)
	require.Equal(t, Incremental, p.Kind)

	// the common snapshot disappears between planning and executing
	require.NoError(t, dstVol.DestroySnapshot(context.Background(), snapshot.Snapshot{Dataset: "backup/data", Name: s[1]}))

	res := NewExecutor(logging.Nop(), 0, nil).Execute(context.Background(), p, srcVol, dstVol, compress.None)
	assert.ErrorIs(t, res.Err, ErrIncompatibleStream)
	assert.ErrorIs(t, res.Err, ErrDestinationMustBeDestroyed)
	var te *TransferError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, dst, te.Target)
	assert.Equal(t, []string{s[0]}, dstVol.SnapshotNames("backup/data"))
}

func TestExecutePartialWrite(t *testing.T) {
	srcVol := zfstest.New().AddSnapshots("pool/data", names(2)...)
	srcVol.TruncateSends = true
	dstVol := zfstest.New().AddDataset("backup")

	p, err := plan(t, srcVol, dstVol, false)
	require.NoError(t, err)
	res := NewExecutor(logging.Nop(), 0, nil).Execute(context.Background(), p, srcVol, dstVol, compress.None)
	assert.ErrorIs(t, res.Err, ErrPartialWrite)
	assert.NotErrorIs(t, res.Err, ErrIncompatibleStream)
	assert.False(t, dstVol.Has("backup/data"), "nothing is left behind")
}

func TestExecuteSendFailure(t *testing.T) {
	srcVol := zfstest.New().AddSnapshots("pool/data", names(1)...)
	srcVol.Fail["send *"] = errors.New("boom")
	dstVol := zfstest.New().AddDataset("backup")

	p, err := plan(t, srcVol, dstVol, false)
	require.NoError(t, err)
	res := NewExecutor(logging.Nop(), 0, nil).Execute(context.Background(), p, srcVol, dstVol, compress.None)
	assert.ErrorIs(t, res.Err, ErrPartialWrite)
	assert.Empty(t, dstVol.Calls())
}

func TestExecuteTransportUnavailable(t *testing.T) {
	srcVol := zfstest.New().AddSnapshots("pool/data", names(1)...)
	dstVol := zfstest.New().AddDataset("backup")
	dstVol.Fail["receive *"] = fmt.Errorf("nas: %w: %w", transport.ErrTransportUnavailable, transport.ErrConnectFailure)

	p, err := plan(t, srcVol, dstVol, false)
	require.NoError(t, err)
	res := NewExecutor(logging.Nop(), 0, nil).Execute(context.Background(), p, srcVol, dstVol, compress.None)
	assert.ErrorIs(t, res.Err, transport.ErrTransportUnavailable)
	assert.NotErrorIs(t, res.Err, ErrPartialWrite)
}

func TestExecuteDoesNotStartWhenCancelled(t *testing.T) {
	srcVol := zfstest.New().AddSnapshots("pool/data", names(1)...)
	dstVol := zfstest.New().AddDataset("backup")
	p, err := plan(t, srcVol, dstVol, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewExecutor(logging.Nop(), 0, nil).Execute(ctx, p, srcVol, dstVol, compress.None)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, srcVol.Calls())
}

func TestExecuteNoOp(t *testing.T) {
	res := NewExecutor(logging.Nop(), 0, nil).Execute(context.Background(), Plan{Kind: NoOp}, zfstest.New(), zfstest.New(), compress.None)
	assert.True(t, res.OK())
}

func TestCommon(t *testing.T) {
	s := names(4)
	mk := func(ns ...string) []snapshot.Snapshot {
		out := make([]snapshot.Snapshot, len(ns))
		for i, n := range ns {
			out[i] = snapshot.Snapshot{Name: n}
		}
		return out
	}
	got, ok := Common(mk(s...), mk(s[3], s[1]))
	require.True(t, ok)
	assert.Equal(t, s[3], got.Name)

	_, ok = Common(mk(s[0]), nil)
	assert.False(t, ok)
}
