package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mythos-app/indexd/internal/source"
	"github.com/mythos-app/indexd/internal/storage"
)

const (
	defaultFailedRetention = 14 * 24 * time.Hour
	defaultOrphanScanLimit = 100
)

// GC reclaims expired leases and prunes dead job rows. It never touches the
// vector index itself: purge jobs own point deletion.
type GC struct {
	store  *storage.Store
	source source.ContentReader

	retention   time.Duration
	orphanLimit int
	logger      *slog.Logger
}

// NewGC creates a GC over the given store and content reader. Non-positive
// retention or orphanLimit fall back to defaults.
func NewGC(store *storage.Store, reader source.ContentReader, retention time.Duration, orphanLimit int) *GC {
	if retention <= 0 {
		retention = defaultFailedRetention
	}
	if orphanLimit <= 0 {
		orphanLimit = defaultOrphanScanLimit
	}
	return &GC{
		store:       store,
		source:      reader,
		retention:   retention,
		orphanLimit: orphanLimit,
		logger:      slog.Default(),
	}
}

// SetLogger overrides the default logger.
func (gc *GC) SetLogger(logger *slog.Logger) {
	if logger != nil {
		gc.logger = logger
	}
}

// RequeueStaleProcessing returns expired-lease jobs to the queue so another
// worker can pick them up. Jobs already out of attempts park as failed.
func (gc *GC) RequeueStaleProcessing() (int, error) {
	return gc.store.RequeueStaleJobs()
}

// Cleanup prunes failed jobs past the retention window, then deletes pending
// sync jobs whose target no longer exists in the content store. The orphan
// scan is bounded per run; purge jobs are exempt since their target is gone
// on purpose.
func (gc *GC) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-gc.retention)
	pruned, err := gc.store.DeleteFailedJobsBefore(cutoff)
	if err != nil {
		return fmt.Errorf("pruning failed jobs: %w", err)
	}
	if pruned > 0 {
		gc.logger.Info("pruned expired failed jobs", "count", pruned)
	}

	candidates, err := gc.store.ListOrphanCandidates(gc.orphanLimit)
	if err != nil {
		return fmt.Errorf("listing orphan candidates: %w", err)
	}

	removed := 0
	for _, job := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := gc.source.GetText(ctx, job.TargetType, job.TargetID)
		if err == nil {
			continue
		}
		if !errors.Is(err, source.ErrNotFound) {
			return fmt.Errorf("checking target %s/%s: %w", job.TargetType, job.TargetID, err)
		}
		// DeleteJobIfPending is a no-op when a worker claimed the row
		// between the scan and now; the run fails permanent instead.
		if err := gc.store.DeleteJobIfPending(job.ID); err != nil {
			return fmt.Errorf("deleting orphaned job %d: %w", job.ID, err)
		}
		removed++
	}
	if removed > 0 {
		gc.logger.Info("removed orphaned jobs", "count", removed)
	}
	return nil
}
