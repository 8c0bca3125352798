package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler owns the housekeeping jobs and runs each on its own timer
// goroutine.
type Scheduler struct {
	jobs   map[string]*Job
	logger *slog.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:   make(map[string]*Job),
		logger: logger.With("component", "maintenance"),
	}
}

// AddJob registers a job. Must be called before Start.
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("add job: duplicate id %q", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// Start launches a runner goroutine per job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJob(s.ctx, job)
	}
	s.logger.Info("maintenance started", "jobs", len(s.jobs))
}

// Stop cancels all runners and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("maintenance stopped")
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	defer s.wg.Done()

	for {
		next, err := job.NextRun(time.Now())
		if err != nil {
			s.logger.Error("cannot schedule job", "job", job.ID, "error", err)
			return
		}
		s.mu.Lock()
		job.State.NextRunAt = next
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := time.Now()
		runErr := job.Run(ctx)
		elapsed := time.Since(start)

		s.mu.Lock()
		job.State.LastRunAt = start
		job.State.LastDuration = elapsed
		job.State.RunCount++
		if runErr != nil {
			job.State.ErrorCount++
			job.State.LastError = runErr.Error()
		} else {
			job.State.LastError = ""
		}
		s.mu.Unlock()

		if runErr != nil {
			s.logger.Warn("maintenance job failed", "job", job.ID, "error", runErr, "elapsed", elapsed)
		} else {
			s.logger.Debug("maintenance job ran", "job", job.ID, "elapsed", elapsed)
		}
	}
}

// JobStates returns a snapshot of every job's state, keyed by id.
func (s *Scheduler) JobStates() map[string]JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]JobState, len(s.jobs))
	for id, job := range s.jobs {
		out[id] = job.State
	}
	return out
}
