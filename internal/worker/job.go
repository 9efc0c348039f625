package worker

import (
	"time"

	"github.com/raoulx24/zfs-archiver/internal/snapshot"
)

// Job represents one scheduler tick submitted to the worker.
type Job struct {
	At   time.Time
	Due  []snapshot.Tier
	Send bool
}

// Empty reports whether the tick has nothing to do.
func (j Job) Empty() bool { return len(j.Due) == 0 && !j.Send }

// Merge folds a pending job into the next one so that a tier due in a
// replaced tick still runs.
func Merge(pending, next Job) Job {
	set := make(map[snapshot.Tier]bool)
	for _, d := range pending.Due {
		set[d] = true
	}
	for _, d := range next.Due {
		set[d] = true
	}
	var due []snapshot.Tier
	for _, t := range snapshot.Tiers {
		if set[t] {
			due = append(due, t)
		}
	}
	return Job{At: next.At, Due: due, Send: pending.Send || next.Send}
}
