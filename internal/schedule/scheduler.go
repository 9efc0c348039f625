package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/raoulx24/zfs-archiver/internal/logging"
	"github.com/raoulx24/zfs-archiver/internal/mailbox"
	"github.com/raoulx24/zfs-archiver/internal/worker"
)

// TickSpec fires the scheduler once a minute, the finest cron resolution.
const TickSpec = "* * * * *"

// Scheduler evaluates the Schedule on every tick and puts a job into the
// mailbox when anything is due.
type Scheduler struct {
	mu    sync.Mutex
	sched *Schedule
	prev  time.Time

	clock clock.Clock
	cron  *cron.Cron
	mb    *mailbox.Mailbox[worker.Job]
	log   logging.Logger
}

func New(sched *Schedule, mb *mailbox.Mailbox[worker.Job], clk clock.Clock, log logging.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		sched: sched,
		prev:  clk.Now(),
		clock: clk,
		mb:    mb,
		log:   log,
		cron:  cron.New(cron.WithLogger(cronLogger{log})),
	}
}

// Start registers the tick and runs cron in the background until ctx is
// done; it then waits for a running tick to return.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(TickSpec, func() { s.Tick(s.clock.Now()) }); err != nil {
		return err
	}
	s.log.Info("starting scheduler")
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

// Tick evaluates the window since the previous tick. Ticks that go back in
// time are ignored.
func (s *Scheduler) Tick(now time.Time) (worker.Job, bool) {
	s.mu.Lock()
	prev := s.prev
	if !now.After(prev) {
		s.mu.Unlock()
		return worker.Job{}, false
	}
	s.prev = now
	sched := s.sched
	s.mu.Unlock()

	due, send := sched.Due(prev, now)
	job := worker.Job{At: now, Due: due, Send: send}
	if job.Empty() {
		return job, false
	}
	if s.mb.HasJob() {
		s.log.Warn("previous tick still pending, merging", "at", now)
	}
	s.log.Debug("tick", "at", now, "due", due, "send", send)
	s.mb.Put(job)
	return job, true
}

// Update swaps the schedule for hot reload. The next tick uses it.
func (s *Scheduler) Update(sched *Schedule) {
	s.mu.Lock()
	s.sched = sched
	s.mu.Unlock()
}

type cronLogger struct{ log logging.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kv, "error", err)...)
}
