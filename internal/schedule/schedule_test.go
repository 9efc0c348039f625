package schedule

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/mailbox"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
	"github.com/raoulx24/zfs-archiver/internal/worker"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDueDefaults(t *testing.T) {
	s, err := Parse(nil, "")
	require.NoError(t, err)

	tests := []struct {
		name      string
		prev, now time.Time
		want      []snapshot.Tier
	}{
		{"nothing", at("2024-03-05T10:01:00Z"), at("2024-03-05T10:02:00Z"), nil},
		{"quarter", at("2024-03-05T10:14:00Z"), at("2024-03-05T10:15:00Z"), []snapshot.Tier{snapshot.Frequent}},
		{"hour", at("2024-03-05T10:59:00Z"), at("2024-03-05T11:00:00Z"), []snapshot.Tier{snapshot.Frequent, snapshot.Hourly}},
		{"midnight tuesday", at("2024-03-04T23:59:00Z"), at("2024-03-05T00:00:00Z"),
			[]snapshot.Tier{snapshot.Frequent, snapshot.Hourly, snapshot.Daily}},
		{"monday", at("2024-03-03T23:59:00Z"), at("2024-03-04T00:00:00Z"),
			[]snapshot.Tier{snapshot.Frequent, snapshot.Hourly, snapshot.Daily, snapshot.Weekly}},
		{"new year on a sunday", at("2022-12-31T23:59:00Z"), at("2023-01-01T00:00:00Z"),
			[]snapshot.Tier{snapshot.Frequent, snapshot.Hourly, snapshot.Daily, snapshot.Monthly, snapshot.Yearly}},
		{"late tick catches up", at("2024-03-05T10:50:00Z"), at("2024-03-05T11:20:00Z"), []snapshot.Tier{snapshot.Frequent, snapshot.Hourly}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, send := s.Due(tt.prev, tt.now)
			assert.Equal(t, tt.want, due)
			assert.True(t, send, "empty send spec replicates every tick")
		})
	}
}

func TestParseCustom(t *testing.T) {
	s, err := Parse(map[snapshot.Tier]string{snapshot.Hourly: "30 * * * *"}, "0 */6 * * *")
	require.NoError(t, err)

	due, send := s.Due(at("2024-03-05T10:29:00Z"), at("2024-03-05T10:30:00Z"))
	assert.Equal(t, []snapshot.Tier{snapshot.Frequent, snapshot.Hourly}, due)
	assert.False(t, send)

	_, send = s.Due(at("2024-03-05T11:59:00Z"), at("2024-03-05T12:00:00Z"))
	assert.True(t, send)
}

func TestParseRejects(t *testing.T) {
	_, err := Parse(map[snapshot.Tier]string{snapshot.Daily: "not cron"}, "")
	assert.Error(t, err)
	_, err = Parse(map[snapshot.Tier]string{"fortnightly": "0 0 * * *"}, "")
	assert.Error(t, err)
	_, err = Parse(nil, "61 * * * *")
	assert.Error(t, err)
}

func TestSchedulerTickPutsJob(t *testing.T) {
	s, err := Parse(nil, "0 0 * * *")
	require.NoError(t, err)
	mock := clock.NewMock()
	mock.Set(at("2024-03-05T10:58:00Z"))
	mb := mailbox.New(worker.Merge)
	sc := New(s, mb, mock, logging.Nop())

	_, ok := sc.Tick(at("2024-03-05T10:59:00Z"))
	assert.False(t, ok, "nothing due")
	assert.False(t, mb.HasJob())

	job, ok := sc.Tick(at("2024-03-05T11:00:00Z"))
	require.True(t, ok)
	assert.Equal(t, []snapshot.Tier{snapshot.Frequent, snapshot.Hourly}, job.Due)
	assert.False(t, job.Send)

	_, ok = sc.Tick(at("2024-03-05T11:00:00Z"))
	assert.False(t, ok, "same instant twice")

	sc.Tick(at("2024-03-05T11:15:00Z"))
	got, ok := mb.TryTake()
	require.True(t, ok)
	assert.Equal(t, []snapshot.Tier{snapshot.Frequent, snapshot.Hourly}, got.Due, "unconsumed hourly tick is merged in")
	assert.Equal(t, at("2024-03-05T11:15:00Z"), got.At)
}

func TestSchedulerUpdate(t *testing.T) {
	hourly, err := Parse(nil, "")
	require.NoError(t, err)
	mock := clock.NewMock()
	mock.Set(at("2024-03-05T10:00:00Z"))
	mb := mailbox.New(worker.Merge)
	sc := New(hourly, mb, mock, logging.Nop())

	every, err := Parse(map[snapshot.Tier]string{snapshot.Yearly: "* * * * *"}, "")
	require.NoError(t, err)
	sc.Update(every)

	job, ok := sc.Tick(at("2024-03-05T10:01:00Z"))
	require.True(t, ok)
	assert.Equal(t, []snapshot.Tier{snapshot.Yearly}, job.Due)
}
