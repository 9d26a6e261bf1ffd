// Package scheduler runs the two loops that drive tasks to conclusion: the
// main loop claims pending work and submits it, the poll loop queries
// in-flight async jobs. A timeout sweep reclaims tasks whose worker died
// mid-flight. All coordination between replicas happens through the
// database, so any number of scheduler instances can run the same loops.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"atelier/internal/billing"
	"atelier/internal/executor"
	"atelier/internal/store"
	"atelier/pkg/config"
	"atelier/pkg/logging"
	"atelier/pkg/models"
)

const (
	baseRetryDelay = 60 * time.Second
	maxRetryDelay  = 600 * time.Second
)

// Backoff returns the delay before the attempt after retryCount failures:
// min(60s x 2^n, 600s).
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := baseRetryDelay << uint(retryCount)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// Config holds the scheduler knobs.
type Config struct {
	Enabled      bool
	Interval     time.Duration
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	SyncTimeout  time.Duration
	AsyncTimeout time.Duration
}

// ConfigFromEnv reads the scheduler knobs from the environment.
func ConfigFromEnv() Config {
	return Config{
		Enabled:      config.GetEnvBool("TASK_SCHEDULER_ENABLED", true),
		Interval:     config.GetEnvDuration("TASK_SCHEDULER_INTERVAL", 5*time.Second),
		PollInterval: config.GetEnvDuration("TASK_ASYNC_POLL_INTERVAL", 10*time.Second),
		BatchSize:    config.GetEnvInt("TASK_BATCH_SIZE", 20),
		MaxRetries:   config.GetEnvInt("TASK_MAX_RETRIES", 3),
		SyncTimeout:  time.Duration(config.GetEnvInt("TASK_TIMEOUT_MINUTES", 30)) * time.Minute,
		AsyncTimeout: time.Duration(config.GetEnvInt("TASK_ASYNC_TIMEOUT_MINUTES", 60)) * time.Minute,
	}
}

// Scheduler owns the two loops and the timeout sweep.
type Scheduler struct {
	cfg      Config
	store    *store.Store
	executor *executor.Executor
	billing  *billing.Service
	logger   logging.Logger

	// Non-reentrancy guards: a pass that outlives its tick interval must
	// not overlap with the next one.
	mainRunning atomic.Bool
	pollRunning atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config, st *store.Store, exec *executor.Executor, bill *billing.Service, logger logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		executor: exec,
		billing:  bill,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start launches both loops. No-op when the scheduler is disabled, which
// lets API-only replicas share the same binary.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("Task scheduler disabled")
		return
	}

	s.logger.WithFields(logging.Fields{
		"interval":      s.cfg.Interval,
		"poll_interval": s.cfg.PollInterval,
		"batch_size":    s.cfg.BatchSize,
		"max_retries":   s.cfg.MaxRetries,
	}).Info("Task scheduler starting")

	s.wg.Add(2)
	go s.runLoop(ctx, s.cfg.Interval, s.mainPass)
	go s.runLoop(ctx, s.cfg.PollInterval, s.pollPass)
}

// Stop halts both loops and waits for in-flight passes to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("Task scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// mainPass claims a batch of pending tasks, executes each, then sweeps for
// timed-out tasks of both modes.
func (s *Scheduler) mainPass(ctx context.Context) {
	if !s.mainRunning.CompareAndSwap(false, true) {
		return
	}
	defer s.mainRunning.Store(false)

	tasks, err := s.store.ClaimPending(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to claim pending tasks")
		return
	}

	for _, task := range tasks {
		if err := s.executor.ExecuteTask(ctx, task); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Error("Task execution error")
		}
	}

	s.recoverStale(ctx, models.ModeSync, s.cfg.SyncTimeout)
	s.recoverStale(ctx, models.ModeAsync, s.cfg.AsyncTimeout)
}

// pollPass queries every in-flight async task against its upstream job.
func (s *Scheduler) pollPass(ctx context.Context) {
	if !s.pollRunning.CompareAndSwap(false, true) {
		return
	}
	defer s.pollRunning.Store(false)

	tasks, err := s.store.ListInFlightAsync(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list in-flight async tasks")
		return
	}

	for _, task := range tasks {
		if err := s.executor.QueryAsyncTask(ctx, task); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Error("Task poll error")
		}
	}
}

// recoverStale rescues processing tasks whose heartbeat went silent: the
// worker died between claim and conclusion. Tasks with retries left go back
// to pending; exhausted ones fail with a refund. Sync tasks restart from
// scratch, async tasks keep their upstream job id so polling resumes.
func (s *Scheduler) recoverStale(ctx context.Context, mode models.TaskMode, timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)
	tasks, err := s.store.StaleProcessing(ctx, mode, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.WithError(err).WithField("mode", mode).Error("Failed to list stale tasks")
		return
	}

	for _, task := range tasks {
		logger := s.logger.WithFields(logging.Fields{
			"task_id":     task.ID,
			"mode":        mode,
			"retry_count": task.RetryCount,
		})

		if task.RetryCount < s.cfg.MaxRetries {
			nextRetryAt := time.Now().Add(Backoff(task.RetryCount))
			clearExternal := mode == models.ModeSync

			updated, err := s.store.RescheduleForRetry(ctx, task.ID, nextRetryAt, clearExternal)
			if err != nil {
				logger.WithError(err).Error("Failed to reschedule stale task")
				continue
			}
			if updated {
				logger.Warn("Recovered stale task, rescheduled")
			}
			continue
		}

		updated, err := s.store.FailTask(ctx, task.ID, "task timed out")
		if err != nil {
			logger.WithError(err).Error("Failed to fail stale task")
			continue
		}
		if !updated {
			continue
		}

		if err := s.billing.Refund(ctx, task, "task timed out"); err != nil {
			logger.WithError(err).Error("Refund failed for timed-out task")
			continue
		}
		logger.Error("Stale task exhausted retries, failed with refund")
	}
}
