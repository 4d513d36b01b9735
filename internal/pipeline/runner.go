package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mythos-app/indexd/internal/storage"
)

// Schedule tunes the runner's worker pool and maintenance cadence.
type Schedule struct {
	// Workers is how many jobs may sync concurrently.
	Workers int

	// PollInterval is how long an idle worker sleeps between claims.
	PollInterval time.Duration

	// StaleCheckInterval is how often expired leases are swept.
	StaleCheckInterval time.Duration

	// CleanupInterval is how often failed-job retention and the orphan
	// scan run.
	CleanupInterval time.Duration
}

// DefaultSchedule returns the cadence used when none is configured.
func DefaultSchedule() Schedule {
	return Schedule{
		Workers:            2,
		PollInterval:       5 * time.Second,
		StaleCheckInterval: time.Minute,
		CleanupInterval:    time.Hour,
	}
}

// Runner drives the pipeline: a pool of workers claims due jobs and hands
// them to the executor, while a maintenance loop sweeps expired leases and
// prunes dead rows.
type Runner struct {
	store    *storage.Store
	executor *Executor
	gc       *GC

	schedule Schedule
	logger   *slog.Logger
}

// NewRunner creates a Runner with the default schedule and logger.
func NewRunner(store *storage.Store, executor *Executor, gc *GC) *Runner {
	return &Runner{
		store:    store,
		executor: executor,
		gc:       gc,
		schedule: DefaultSchedule(),
		logger:   slog.Default(),
	}
}

// SetSchedule overrides the default cadence. Zero fields keep their defaults.
func (r *Runner) SetSchedule(s Schedule) {
	d := DefaultSchedule()
	if s.Workers <= 0 {
		s.Workers = d.Workers
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.StaleCheckInterval <= 0 {
		s.StaleCheckInterval = d.StaleCheckInterval
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = d.CleanupInterval
	}
	r.schedule = s
}

// SetLogger overrides the default logger.
func (r *Runner) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Run blocks until ctx is cancelled, claiming and executing due jobs with
// the configured number of workers. In-flight jobs finish their current
// step before workers exit; interrupted jobs come back via lease recovery.
func (r *Runner) Run(ctx context.Context) error {
	// Jobs left processing by a crash requeue as soon as their lease
	// expires; sweep once up front so they do not wait a full interval.
	if n, err := r.gc.RequeueStaleProcessing(); err != nil {
		r.logger.Error("startup lease sweep failed", "error", err)
	} else if n > 0 {
		r.logger.Info("requeued stale jobs", "count", n)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < r.schedule.Workers; i++ {
		id := i + 1
		g.Go(func() error {
			r.workerLoop(gCtx, id)
			return nil
		})
	}
	g.Go(func() error {
		r.maintenanceLoop(gCtx)
		return nil
	})
	return g.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, id int) {
	logger := r.logger.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := r.step(ctx, logger)
		if err != nil {
			logger.Error("worker iteration failed", "error", err)
		}
		if processed {
			// Look for the next job immediately.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.schedule.PollInterval):
		}
	}
}

func (r *Runner) maintenanceLoop(ctx context.Context) {
	staleTicker := time.NewTicker(r.schedule.StaleCheckInterval)
	defer staleTicker.Stop()
	cleanupTicker := time.NewTicker(r.schedule.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTicker.C:
			if n, err := r.gc.RequeueStaleProcessing(); err != nil {
				r.logger.Error("stale lease sweep failed", "error", err)
			} else if n > 0 {
				r.logger.Info("requeued stale jobs", "count", n)
			}
		case <-cleanupTicker.C:
			if err := r.gc.Cleanup(ctx); err != nil {
				r.logger.Error("job cleanup failed", "error", err)
			}
		}
	}
}

// RunOnce drains the queue: it claims and executes due jobs until none are
// left, then returns how many it processed. Failed jobs count as processed;
// their rows back off or park and are not retried within the same drain.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		did, err := r.step(ctx, r.logger)
		if err != nil {
			return processed, err
		}
		if !did {
			return processed, nil
		}
		processed++
	}
}

// step claims at most one due job and executes it. Job-level failures are
// logged and recorded on the row; only claim breakage surfaces as an error.
func (r *Runner) step(ctx context.Context, logger *slog.Logger) (bool, error) {
	job, err := r.store.ClaimDueJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	target := job.TargetType + "/" + job.TargetID
	logger.Debug("processing job", "job_id", job.ID, "target", target, "purge", job.Purge, "attempt", job.Attempts)

	outcome, err := r.executor.Execute(ctx, job)
	if err != nil {
		logger.Warn("job failed",
			"job_id", job.ID, "target", target, "attempt", job.Attempts,
			"outcome", outcome, "error", err)
		return true, nil
	}
	logger.Info("job finished", "job_id", job.ID, "target", target, "outcome", outcome)
	return true, nil
}
