// Package scheduler queues orchestration runs and dispatches them to a
// worker pool. Every queued run carries a job ref; the lease layer uses job
// refs to tell live runs from orphaned ones.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calder/steward/internal/observability"
	"github.com/calder/steward/pkg/agentable"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// RunFunc executes one orchestration run. The scheduler does not interpret
// the run context; it is handed through verbatim.
type RunFunc func(ctx context.Context, ref agentable.Ref, runContext map[string]interface{}, jobRef string)

// job is one queued run.
type job struct {
	ref        string
	target     agentable.Ref
	runContext map[string]interface{}
	timer      *time.Timer
}

// Scheduler dispatches queued runs to a fixed worker pool. A job exists
// from Enqueue until its run returns, so a lease stamped with the job ref
// stays verifiably live for the whole run.
type Scheduler struct {
	run       RunFunc
	workers   int
	queue     chan *job
	logger    zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once

	mu      sync.RWMutex
	jobs    map[string]*job
	stopped bool
}

// Config holds scheduler configuration.
type Config struct {
	Run       RunFunc
	Workers   int
	QueueSize int
	Logger    zerolog.Logger
}

// New creates a scheduler. Start must be called before jobs dispatch.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Run == nil {
		return nil, fmt.Errorf("run callback is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run:     cfg.Run,
		workers: cfg.Workers,
		queue:   make(chan *job, cfg.QueueSize),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*job),
	}, nil
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.worker()
		}
		s.logger.Info().Int("workers", s.workers).Msg("Scheduler started")
	})
}

// Stop cancels pending timers and waits for in-flight runs to finish. The
// stopped flag is set under the mutex before the queue closes, so a timer
// firing concurrently drops its job instead of sending on a closed channel.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for ref, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
		delete(s.jobs, ref)
	}
	s.mu.Unlock()
	observability.SetScheduledJobs(0)

	s.cancel()
	close(s.queue)
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// Enqueue queues a run for the target after the given delay. A zero delay
// queues immediately. Returns the job ref.
func (s *Scheduler) Enqueue(target agentable.Ref, runContext map[string]interface{}, delay time.Duration) (string, error) {
	jobRef, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate job ref: %w", err)
	}

	j := &job{
		ref:        jobRef,
		target:     target,
		runContext: runContext,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", fmt.Errorf("scheduler is stopped")
	}
	s.jobs[jobRef] = j
	if delay <= 0 {
		s.mu.Unlock()
		s.dispatch(j)
	} else {
		j.timer = time.AfterFunc(delay, func() { s.dispatch(j) })
		s.mu.Unlock()
	}
	s.updateGauge()

	s.logger.Debug().
		Str("job_ref", jobRef).
		Str("agentable_id", target.ID).
		Dur("delay", delay).
		Msg("Run queued")
	return jobRef, nil
}

// Cancel removes a pending job. Returns false if the job is unknown or has
// already been handed to a worker.
func (s *Scheduler) Cancel(jobRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobRef]
	if !ok {
		return false
	}
	// Immediate jobs are already in the queue and cannot be recalled.
	if j.timer == nil || !j.timer.Stop() {
		return false
	}
	delete(s.jobs, jobRef)
	observability.SetScheduledJobs(len(s.jobs))
	return true
}

// Exists reports whether a job ref is still pending or running.
func (s *Scheduler) Exists(jobRef string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[jobRef]
	return ok
}

// PendingCount returns the number of jobs pending or running.
func (s *Scheduler) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// dispatch hands a job to the worker queue. The send happens under the
// mutex so it cannot race the queue closing in Stop.
func (s *Scheduler) dispatch(j *job) {
	s.mu.Lock()
	if s.stopped {
		delete(s.jobs, j.ref)
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- j:
		s.mu.Unlock()
	default:
		// Queue full. Drop the job ref so the lease sweeper can reclaim the
		// target instead of it waiting on a run that will never happen.
		delete(s.jobs, j.ref)
		s.mu.Unlock()
		s.updateGauge()
		s.logger.Error().
			Str("job_ref", j.ref).
			Str("agentable_id", j.target.ID).
			Msg("Scheduler queue full, run dropped")
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for j := range s.queue {
		s.execute(j)
	}
}

func (s *Scheduler) execute(j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("job_ref", j.ref).
				Str("agentable_id", j.target.ID).
				Msg("Run panicked")
		}
		s.mu.Lock()
		delete(s.jobs, j.ref)
		s.mu.Unlock()
		s.updateGauge()
	}()

	s.run(s.ctx, j.target, j.runContext, j.ref)
}

func (s *Scheduler) updateGauge() {
	s.mu.RLock()
	n := len(s.jobs)
	s.mu.RUnlock()
	observability.SetScheduledJobs(n)
}
