// Package scheduler runs the bot's recurring jobs on Taipei wall-clock
// cron schedules. Every registered job gets a single-flight guard: a
// fire that lands while the previous run is still going is skipped and
// counted, and a run that outlives the stuck threshold logs a warning
// so a hung bridge call shows up in the log instead of silently eating
// the schedule.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// stuckThreshold is how long a run may take before the scheduler warns
// that the job looks stuck.
const stuckThreshold = 10 * time.Second

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// Scheduler manages background jobs
type Scheduler struct {
	cron      *cron.Cron
	log       zerolog.Logger
	warnAfter time.Duration
}

// New creates a scheduler whose cron expressions are evaluated in loc,
// which should be the exchange timezone.
func New(loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		log:       log.With().Str("component", "scheduler").Logger(),
		warnAfter: stuckThreshold,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job under a cron schedule, wrapped in the
// single-flight guard.
// Schedule examples:
//   - "*/30 * * * * *"      - Every 30 seconds
//   - "0 */5 * * * *"       - Every 5 minutes
//   - "0 30 8 * * MON-FRI"  - 08:30 weekdays
func (s *Scheduler) AddJob(schedule string, job Job) error {
	g := newGuardedJob(job, s.warnAfter, s.log)
	if _, err := s.cron.AddFunc(schedule, g.run); err != nil {
		return err
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a job immediately, outside the schedule and outside
// the guard.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}

// guardedJob serializes runs of one job. Overlapping fires are skipped,
// not queued.
type guardedJob struct {
	job       Job
	warnAfter time.Duration
	log       zerolog.Logger

	mu      sync.Mutex
	skipped atomic.Int64
}

func newGuardedJob(job Job, warnAfter time.Duration, log zerolog.Logger) *guardedJob {
	return &guardedJob{job: job, warnAfter: warnAfter, log: log}
}

func (g *guardedJob) run() {
	if !g.mu.TryLock() {
		n := g.skipped.Add(1)
		g.log.Warn().
			Str("job", g.job.Name()).
			Int64("skipped_total", n).
			Msg("Previous run still in progress, skipping")
		return
	}
	defer g.mu.Unlock()

	start := time.Now()
	stuck := time.AfterFunc(g.warnAfter, func() {
		g.log.Warn().
			Str("job", g.job.Name()).
			Dur("threshold", g.warnAfter).
			Msg("Job running past stuck threshold")
	})
	defer stuck.Stop()

	g.log.Debug().Str("job", g.job.Name()).Msg("Running job")

	if err := g.job.Run(); err != nil {
		g.log.Error().
			Err(err).
			Str("job", g.job.Name()).
			Dur("duration", time.Since(start)).
			Msg("Job failed")
		return
	}

	g.log.Debug().
		Str("job", g.job.Name()).
		Dur("duration", time.Since(start)).
		Msg("Job completed")
}
