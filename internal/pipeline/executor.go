package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mythos-app/indexd/internal/chunk"
	"github.com/mythos-app/indexd/internal/embedding"
	"github.com/mythos-app/indexd/internal/index"
	"github.com/mythos-app/indexd/internal/source"
	"github.com/mythos-app/indexd/internal/storage"
	"github.com/mythos-app/indexd/internal/syncerr"
)

const (
	defaultEmbedBatchSize = 16
	defaultMaxChunkScan   = 512

	// previewChars bounds the plain-text snippet stored in point payloads.
	previewChars = 160

	// outcomePurged reports a purge job that removed its row. Sync jobs
	// report one of the storage statuses instead.
	outcomePurged = "purged"
)

// Limits tunes how the executor chunks, diffs, and embeds a target.
type Limits struct {
	// MaxChunkChars is the chunker's paragraph-packing limit, in runes.
	MaxChunkChars int

	// EmbedBatchSize caps how many chunks go to the embedder per call.
	EmbedBatchSize int

	// MaxExistingChunkScan bounds the scroll over already-indexed chunks.
	// Targets with more indexed chunks are re-embedded in full.
	MaxExistingChunkScan int
}

// DefaultLimits returns the executor tuning used when none is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxChunkChars:        chunk.DefaultMaxChars,
		EmbedBatchSize:       defaultEmbedBatchSize,
		MaxExistingChunkScan: defaultMaxChunkScan,
	}
}

// Executor runs one claimed job end to end: it re-reads the target's text,
// embeds the chunks whose hashes changed, trims stale chunks from the index,
// and records the outcome on the job row. Lease checks in the storage layer
// make every write run-guarded, so a stale executor cannot clobber the work
// of the worker that replaced it.
type Executor struct {
	store    *storage.Store
	source   source.ContentReader
	embedder embedding.Client
	index    index.Store

	limits Limits
	logger *slog.Logger
}

// NewExecutor creates an Executor with default limits and logger.
func NewExecutor(store *storage.Store, reader source.ContentReader, embedder embedding.Client, idx index.Store) *Executor {
	return &Executor{
		store:    store,
		source:   reader,
		embedder: embedder,
		index:    idx,
		limits:   DefaultLimits(),
		logger:   slog.Default(),
	}
}

// SetLimits overrides the default tuning. Zero fields keep their defaults.
func (e *Executor) SetLimits(l Limits) {
	d := DefaultLimits()
	if l.MaxChunkChars <= 0 {
		l.MaxChunkChars = d.MaxChunkChars
	}
	if l.EmbedBatchSize <= 0 {
		l.EmbedBatchSize = d.EmbedBatchSize
	}
	if l.MaxExistingChunkScan <= 0 {
		l.MaxExistingChunkScan = d.MaxExistingChunkScan
	}
	e.limits = l
}

// SetLogger overrides the default logger.
func (e *Executor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Execute processes one claimed job and records the outcome on its row. The
// returned outcome is the row's post-run state ("synced", "pending", "failed",
// "purged", or "" when a lost lease made the run moot). The returned error is
// the processing failure, already recorded on the row; callers log it but must
// not record it again.
func (e *Executor) Execute(ctx context.Context, job *storage.Job) (string, error) {
	if job.Purge {
		return e.executePurge(ctx, job)
	}
	return e.executeSync(ctx, job)
}

func (e *Executor) executePurge(ctx context.Context, job *storage.Job) (string, error) {
	filter := index.Filter{TargetType: job.TargetType, TargetID: job.TargetID}
	if err := e.index.DeleteByFilter(ctx, filter); err != nil {
		return e.fail(job, fmt.Errorf("purging indexed chunks: %w", err))
	}
	if err := e.store.FinishPurge(job.ID, job.ProcessingRunID); err != nil {
		return "", fmt.Errorf("finishing purge job %d: %w", job.ID, err)
	}
	return outcomePurged, nil
}

func (e *Executor) executeSync(ctx context.Context, job *storage.Job) (string, error) {
	content, err := e.source.GetText(ctx, job.TargetType, job.TargetID)
	if errors.Is(err, source.ErrNotFound) {
		return e.fail(job, syncerr.Permanent(syncerr.CodeTargetNotFound,
			"%s/%s: target not found", job.TargetType, job.TargetID))
	}
	if err != nil {
		return e.fail(job, syncerr.WrapTransient(err, syncerr.CodeSourceFailure, "reading target text"))
	}
	if content.ProjectID != job.ProjectID {
		return e.fail(job, syncerr.Permanent(syncerr.CodeTargetMismatch,
			"%s/%s belongs to project %s, job expects %s",
			job.TargetType, job.TargetID, content.ProjectID, job.ProjectID))
	}

	// Hash the full text before chunking: finalization compares this hash
	// against the latest enqueued one to detect edits that raced the run.
	textHash := chunk.HashText(content.Text)
	chunks := chunk.Split(content.Text, e.limits.MaxChunkChars)

	existing, err := e.existingHashes(ctx, job)
	if err != nil {
		return e.fail(job, fmt.Errorf("reading indexed chunks: %w", err))
	}

	if err := e.embedAndUpsert(ctx, job, chunk.Diff(existing, chunks)); err != nil {
		return e.fail(job, err)
	}

	// Drop chunks past the new end of the text. With an empty text this
	// clears every indexed chunk for the target.
	trim := index.Filter{
		TargetType:    job.TargetType,
		TargetID:      job.TargetID,
		ChunkIndexGTE: index.GTE(len(chunks)),
	}
	if err := e.index.DeleteByFilter(ctx, trim); err != nil {
		return e.fail(job, fmt.Errorf("trimming stale chunks: %w", err))
	}

	outcome, err := e.store.FinalizeJob(job.ID, job.ProcessingRunID, textHash)
	if err != nil {
		return "", fmt.Errorf("finalizing job %d: %w", job.ID, err)
	}
	return outcome, nil
}

// existingHashes returns chunk hashes currently indexed for the job's target,
// keyed by chunk index. A nil map with nil error means the target has more
// indexed chunks than the scan bound and everything should be re-embedded.
func (e *Executor) existingHashes(ctx context.Context, job *storage.Job) (map[int]string, error) {
	filter := index.Filter{TargetType: job.TargetType, TargetID: job.TargetID}
	points, err := e.index.Scroll(ctx, filter, e.limits.MaxExistingChunkScan+1)
	if err != nil {
		return nil, err
	}
	if len(points) > e.limits.MaxExistingChunkScan {
		return nil, nil
	}
	hashes := make(map[int]string, len(points))
	for _, p := range points {
		hashes[p.Payload.ChunkIndex] = p.Payload.ChunkHash
	}
	return hashes, nil
}

// embedAndUpsert embeds the given chunks in index order and upserts them in
// batches, touching the job lease after each batch so a long run is not
// reclaimed mid-flight.
func (e *Executor) embedAndUpsert(ctx context.Context, job *storage.Job, toEmbed []chunk.Chunk) error {
	now := time.Now().UTC()
	for start := 0; start < len(toEmbed); start += e.limits.EmbedBatchSize {
		batch := toEmbed[start:min(start+e.limits.EmbedBatchSize, len(toEmbed))]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding chunks: %w", err)
		}
		if len(vectors) != len(batch) {
			return syncerr.Transient(syncerr.CodeEmbedFailure,
				"embed: got %d vectors for %d chunks", len(vectors), len(batch))
		}

		points := make([]index.Point, len(batch))
		for i, c := range batch {
			points[i] = index.Point{
				ID:     index.PointID(job.TargetType, job.TargetID, c.Index),
				Vector: vectors[i],
				Payload: index.Payload{
					Type:       job.TargetType,
					ProjectID:  job.ProjectID,
					TargetID:   job.TargetID,
					ChunkIndex: c.Index,
					ChunkHash:  c.Hash,
					Text:       c.Text,
					Preview:    chunk.Preview(c.Text, previewChars),
					UpdatedAt:  now,
				},
			}
		}
		if err := e.index.Upsert(ctx, points); err != nil {
			return fmt.Errorf("upserting chunks: %w", err)
		}

		if err := e.store.TouchJobLease(job.ID, job.ProcessingRunID); err != nil {
			e.logger.Warn("failed to extend job lease", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// fail records the processing error on the job row and passes it back for
// logging. Classification set where the error was raised decides whether the
// row backs off or parks as failed.
func (e *Executor) fail(job *storage.Job, procErr error) (string, error) {
	outcome, err := e.store.RecordJobFailure(job.ID, job.ProcessingRunID, procErr.Error(), syncerr.IsPermanent(procErr))
	if err != nil {
		e.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
		return "", procErr
	}
	return outcome, procErr
}
