package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSynced     = "synced"
	StatusFailed     = "failed"
)

// Target types.
const (
	TargetDocument = "document"
	TargetEntity   = "entity"
)

// MaxAttemptsExceeded is recorded as last_error when a job's attempt budget
// is spent before it could be claimed again.
const MaxAttemptsExceeded = "max_attempts_exceeded"

// LeaseExpired is recorded as last_error when a job's processing lease ran
// out with no attempts left.
const LeaseExpired = "processing_lease_expired"

// Job is one row of the sync_jobs table: the sync state for a single target.
// A target has at most one row; bursts of edits coalesce into it.
type Job struct {
	ID         int64
	ProjectID  string
	TargetType string // "document" or "entity"
	TargetID   string
	Status     string // "pending", "processing", "synced", "failed"
	Attempts   int

	// Dirty is set when new content arrives while the row is processing.
	Dirty bool
	// Purge marks a deletion job: remove the target's indexed chunks and
	// then the row itself.
	Purge bool

	DesiredContentHash   string
	ProcessedContentHash string

	QueuedAt  time.Time
	NextRunAt time.Time

	ProcessingRunID     string    // lease token, set while processing
	ProcessingStartedAt time.Time // zero unless processing

	LastError string
	FailedAt  time.Time // zero unless failed
	UpdatedAt time.Time
}

// Stats summarizes queue health.
type Stats struct {
	Pending    int        `json:"pending"`
	Processing int        `json:"processing"`
	Synced     int        `json:"synced"`
	Failed     int        `json:"failed"`
	Due        int        `json:"due"`
	OldestFail *time.Time `json:"oldest_failed_at,omitempty"`
}

// Policy holds the scheduling knobs the job table operates under.
type Policy struct {
	DebounceWindow time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	LeaseTTL       time.Duration
}

// DefaultPolicy returns the scheduling defaults used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		DebounceWindow: 3 * time.Second,
		MaxAttempts:    5,
		BackoffBase:    30 * time.Second,
		BackoffCap:     15 * time.Minute,
		LeaseTTL:       5 * time.Minute,
	}
}
