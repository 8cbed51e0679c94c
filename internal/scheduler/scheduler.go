// Package scheduler runs recurring maintenance and ingestion jobs on
// cron expressions: watchlist refresh, P&L snapshots, cache cleanup,
// database upkeep and off-site backups.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit of work.
type Job interface {
	Name() string
	Run() error
}

// Scheduler wraps cron with job-level logging and run bookkeeping.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu       sync.Mutex
	lastRuns map[string]RunRecord
}

// RunRecord captures the most recent outcome of a job.
type RunRecord struct {
	Name     string        `json:"name"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// New creates a scheduler. Jobs run sequentially within cron's default
// goroutine-per-trigger model; overlapping runs of the same job are
// skipped.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		log:      log.With().Str("component", "scheduler").Logger(),
		lastRuns: make(map[string]RunRecord),
	}
}

// Register schedules a job on a cron expression.
func (s *Scheduler) Register(spec string, job Job) error {
	var running sync.Mutex
	_, err := s.cron.AddFunc(spec, func() {
		if !running.TryLock() {
			s.log.Warn().Str("job", job.Name()).Msg("Previous run still active, skipping")
			return
		}
		defer running.Unlock()
		s.runJob(job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s on %q: %w", job.Name(), spec, err)
	}
	s.log.Info().Str("job", job.Name()).Str("spec", spec).Msg("Job registered")
	return nil
}

func (s *Scheduler) runJob(job Job) {
	start := time.Now()
	s.log.Info().Str("job", job.Name()).Msg("Job starting")

	err := job.Run()
	record := RunRecord{Name: job.Name(), At: start, Duration: time.Since(start)}
	if err != nil {
		record.Err = err.Error()
		s.log.Error().Str("job", job.Name()).Err(err).Msg("Job failed")
	} else {
		s.log.Info().Str("job", job.Name()).Dur("duration", record.Duration).Msg("Job finished")
	}

	s.mu.Lock()
	s.lastRuns[job.Name()] = record
	s.mu.Unlock()
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) {
	s.runJob(job)
}

// LastRuns returns a snapshot of the most recent run per job.
func (s *Scheduler) LastRuns() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]RunRecord, 0, len(s.lastRuns))
	for _, record := range s.lastRuns {
		records = append(records, record)
	}
	return records
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}
