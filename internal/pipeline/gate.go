// Package pipeline keeps the vector index in sync with the content store: the
// enqueue gate coalesces edit signals into jobs, the executor syncs one claimed
// job, the runner drives a worker pool over due jobs, and the garbage collector
// recovers leases and prunes dead rows.
package pipeline

import (
	"context"
	"errors"

	"github.com/mythos-app/indexd/internal/chunk"
	"github.com/mythos-app/indexd/internal/source"
	"github.com/mythos-app/indexd/internal/storage"
	"github.com/mythos-app/indexd/internal/syncerr"
)

// Gate is the write entry point the content store calls after mutations.
type Gate struct {
	store  *storage.Store
	source source.ContentReader
}

// NewGate creates a Gate over the job store and content reader.
func NewGate(store *storage.Store, reader source.ContentReader) *Gate {
	return &Gate{store: store, source: reader}
}

// Enqueue records that a target's text changed. Bursts of calls for the same
// target coalesce into one pending job carrying the hash of the latest text,
// due one debounce window after the last call.
func (g *Gate) Enqueue(ctx context.Context, projectID, targetType, targetID string) error {
	if err := validTargetType(targetType); err != nil {
		return err
	}

	content, err := g.source.GetText(ctx, targetType, targetID)
	if errors.Is(err, source.ErrNotFound) {
		return syncerr.Permanent(syncerr.CodeTargetNotFound, "enqueue %s/%s: target not found", targetType, targetID)
	}
	if err != nil {
		return syncerr.WrapTransient(err, syncerr.CodeSourceFailure, "reading target text")
	}

	return g.store.EnqueueSync(projectID, targetType, targetID, chunk.HashText(content.Text))
}

// DeleteTarget schedules removal of a target's indexed chunks after the record
// was hard-deleted. The deletion runs through the job machinery so an
// unreachable index cannot lose it.
func (g *Gate) DeleteTarget(ctx context.Context, projectID, targetType, targetID string) error {
	if err := validTargetType(targetType); err != nil {
		return err
	}
	return g.store.EnqueuePurge(projectID, targetType, targetID)
}

func validTargetType(targetType string) error {
	switch targetType {
	case storage.TargetDocument, storage.TargetEntity:
		return nil
	default:
		return syncerr.Permanent(syncerr.CodeTargetInvalid, "unsupported target type %q", targetType)
	}
}
