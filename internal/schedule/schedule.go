// Package schedule decides which snapshot tiers are due and feeds the
// worker with ticks.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raoulx24/zfs-archiver/internal/snapshot"
)

// Defaults are the cron specs used for tiers without one.
var Defaults = map[snapshot.Tier]string{
	snapshot.Frequent: "*/15 * * * *",
	snapshot.Hourly:   "0 * * * *",
	snapshot.Daily:    "0 0 * * *",
	snapshot.Weekly:   "0 0 * * 1",
	snapshot.Monthly:  "0 0 1 * *",
	snapshot.Yearly:   "0 0 1 1 *",
}

// Schedule maps every tier, and replication, to a cron schedule.
type Schedule struct {
	tiers map[snapshot.Tier]cron.Schedule
	send  cron.Schedule // nil: every tick
}

// Parse builds a Schedule from standard five-field cron specs. Tiers missing
// from specs use Defaults; an empty send spec replicates on every tick.
func Parse(specs map[snapshot.Tier]string, send string) (*Schedule, error) {
	s := &Schedule{tiers: make(map[snapshot.Tier]cron.Schedule, len(snapshot.Tiers))}
	for _, tier := range snapshot.Tiers {
		spec := specs[tier]
		if spec == "" {
			spec = Defaults[tier]
		}
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", tier, err)
		}
		s.tiers[tier] = sched
	}
	for tier := range specs {
		if !tier.Valid() {
			return nil, fmt.Errorf("schedule: unknown tier %q", tier)
		}
	}
	if send != "" {
		sched, err := cron.ParseStandard(send)
		if err != nil {
			return nil, fmt.Errorf("schedule send: %w", err)
		}
		s.send = sched
	}
	return s, nil
}

// Due returns the tiers with an activation in (prev, now] and whether
// replication is due in that window.
func (s *Schedule) Due(prev, now time.Time) ([]snapshot.Tier, bool) {
	var due []snapshot.Tier
	for _, tier := range snapshot.Tiers {
		if fires(s.tiers[tier], prev, now) {
			due = append(due, tier)
		}
	}
	send := s.send == nil || fires(s.send, prev, now)
	return due, send
}

func fires(sched cron.Schedule, prev, now time.Time) bool {
	next := sched.Next(prev)
	return !next.IsZero() && !next.After(now)
}
