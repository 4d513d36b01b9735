// Package index stores and searches the embedded chunk vectors.
package index

import (
	"context"
	"fmt"
	"time"
)

// Payload is the metadata stored with each point and returned with search hits.
type Payload struct {
	Type       string    `json:"type"`
	ProjectID  string    `json:"project_id"`
	TargetID   string    `json:"target_id"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkHash  string    `json:"chunk_hash"`
	Text       string    `json:"text"`
	Preview    string    `json:"preview"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Point is one indexed chunk.
type Point struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector,omitempty"`
	Payload Payload   `json:"payload"`
}

// ScoredPoint is a search hit. The vector is not carried back.
type ScoredPoint struct {
	Point
	Score float32 `json:"score"`
}

// Filter selects points by payload fields. Zero-valued fields match everything.
type Filter struct {
	ProjectID     string `json:"project_id,omitempty"`
	TargetType    string `json:"target_type,omitempty"`
	TargetID      string `json:"target_id,omitempty"`
	ChunkIndexGTE *int   `json:"chunk_index_gte,omitempty"`
}

// IsEmpty reports whether the filter matches everything.
func (f Filter) IsEmpty() bool {
	return f.ProjectID == "" && f.TargetType == "" && f.TargetID == "" && f.ChunkIndexGTE == nil
}

// GTE is a convenience for building a ChunkIndexGTE filter value.
func GTE(n int) *int {
	return &n
}

// Store is the vector index the pipeline syncs into. Upserts and deletes are
// idempotent: re-applying the same batch converges to the same state.
type Store interface {
	// Upsert writes points, overwriting any existing point with the same ID.
	Upsert(ctx context.Context, points []Point) error
	// DeleteByFilter removes every point the filter matches. An empty filter
	// is rejected.
	DeleteByFilter(ctx context.Context, f Filter) error
	// Scroll lists matching points in (target, chunk index) order, without
	// vectors, up to limit.
	Scroll(ctx context.Context, f Filter, limit int) ([]Point, error)
	// Search returns the topK points most similar to vector among those the
	// filter matches, best first.
	Search(ctx context.Context, vector []float32, topK int, f Filter) ([]ScoredPoint, error)
	// Count returns how many points the filter matches.
	Count(ctx context.Context, f Filter) (int, error)
}

// PointID builds the deterministic ID for a chunk, so re-syncing a target
// overwrites its points instead of duplicating them.
func PointID(targetType, targetID string, chunkIndex int) string {
	return fmt.Sprintf("%s:%s:%d", targetType, targetID, chunkIndex)
}
