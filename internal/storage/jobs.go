package storage

import (
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, project_id, target_type, target_id, status, attempts, dirty, purge,
	desired_content_hash, processed_content_hash, queued_at, next_run_at,
	processing_run_id, processing_started_at, last_error, failed_at, updated_at`

// EnqueueSync records that a target's content changed. Bursts coalesce into
// the target's single row: a pending row is re-armed with a fresh debounce
// window, a processing row is marked dirty so it re-runs after the current
// pass, and a synced or failed row starts a new cycle.
func (s *Store) EnqueueSync(projectID, targetType, targetID, contentHash string) error {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	due := now.Add(s.policy.DebounceWindow).Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var status string
	err = tx.QueryRow(`SELECT id, status FROM sync_jobs WHERE project_id = ? AND target_type = ? AND target_id = ?`,
		projectID, targetType, targetID).Scan(&id, &status)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO sync_jobs (project_id, target_type, target_id, status, attempts, dirty, purge,
				desired_content_hash, queued_at, next_run_at, updated_at)
			VALUES (?, ?, ?, 'pending', 0, 0, 0, ?, ?, ?, ?)`,
			projectID, targetType, targetID, contentHash, nowStr, due, nowStr)
	case err != nil:
		return fmt.Errorf("selecting job: %w", err)
	case status == StatusProcessing:
		_, err = tx.Exec(`UPDATE sync_jobs SET desired_content_hash = ?, dirty = 1, purge = 0, updated_at = ? WHERE id = ?`,
			contentHash, nowStr, id)
	case status == StatusPending:
		_, err = tx.Exec(`
			UPDATE sync_jobs SET desired_content_hash = ?, next_run_at = ?, attempts = 0, purge = 0, updated_at = ?
			WHERE id = ?`,
			contentHash, due, nowStr, id)
	default: // synced or failed: start a new cycle
		_, err = tx.Exec(`
			UPDATE sync_jobs SET status = 'pending', desired_content_hash = ?, attempts = 0, dirty = 0, purge = 0,
				queued_at = ?, next_run_at = ?, last_error = NULL, failed_at = NULL,
				processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
			WHERE id = ?`,
			contentHash, nowStr, due, nowStr, id)
	}
	if err != nil {
		return fmt.Errorf("upserting job: %w", err)
	}
	return tx.Commit()
}

// EnqueuePurge schedules removal of a target's indexed chunks. Purge jobs
// run immediately (no debounce) and their row is deleted once the index is
// clean, so a target that is gone leaves nothing behind.
func (s *Store) EnqueuePurge(projectID, targetType, targetID string) error {
	nowStr := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var status string
	err = tx.QueryRow(`SELECT id, status FROM sync_jobs WHERE project_id = ? AND target_type = ? AND target_id = ?`,
		projectID, targetType, targetID).Scan(&id, &status)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO sync_jobs (project_id, target_type, target_id, status, attempts, dirty, purge,
				desired_content_hash, queued_at, next_run_at, updated_at)
			VALUES (?, ?, ?, 'pending', 0, 0, 1, '', ?, ?, ?)`,
			projectID, targetType, targetID, nowStr, nowStr, nowStr)
	case err != nil:
		return fmt.Errorf("selecting job: %w", err)
	case status == StatusProcessing:
		_, err = tx.Exec(`UPDATE sync_jobs SET purge = 1, dirty = 1, desired_content_hash = '', updated_at = ? WHERE id = ?`,
			nowStr, id)
	default:
		_, err = tx.Exec(`
			UPDATE sync_jobs SET status = 'pending', purge = 1, dirty = 0, attempts = 0, desired_content_hash = '',
				queued_at = ?, next_run_at = ?, last_error = NULL, failed_at = NULL,
				processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
			WHERE id = ?`,
			nowStr, nowStr, nowStr, id)
	}
	if err != nil {
		return fmt.Errorf("upserting purge job: %w", err)
	}
	return tx.Commit()
}

// ClaimDueJob claims the oldest due pending job, moving it to processing
// under a fresh run ID. Due jobs whose attempt budget is already spent are
// parked as failed instead of claimed. Returns nil when nothing is claimable.
func (s *Store) ClaimDueJob() (*Job, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	// Park due jobs that are out of attempts before claiming.
	if _, err := s.db.Exec(`
		UPDATE sync_jobs SET status = 'failed', last_error = ?, failed_at = ?,
			processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
		WHERE status = 'pending' AND next_run_at <= ? AND attempts >= ?`,
		MaxAttemptsExceeded, nowStr, nowStr, nowStr, s.policy.MaxAttempts); err != nil {
		return nil, fmt.Errorf("parking exhausted jobs: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`SELECT `+jobColumns+`
		FROM sync_jobs
		WHERE status = 'pending' AND next_run_at <= ? AND attempts < ?
		ORDER BY next_run_at ASC, queued_at ASC
		LIMIT 1`, nowStr, s.policy.MaxAttempts)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting due job: %w", err)
	}

	runID := uuid.New().String()
	res, err := tx.Exec(`
		UPDATE sync_jobs SET status = 'processing', processing_run_id = ?, processing_started_at = ?,
			attempts = attempts + 1, dirty = 0, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		runID, nowStr, nowStr, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming job %d: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = StatusProcessing
	j.ProcessingRunID = runID
	j.ProcessingStartedAt = now
	j.Attempts++
	j.Dirty = false
	j.LastError = ""
	j.UpdatedAt = now
	return &j, nil
}

// FinalizeJob completes a processing run. A stale run ID (another worker took
// over, or the lease was reclaimed) makes the call a no-op returning "".
// When new content arrived during the run, either via the dirty flag or a
// desired hash past what was processed, the job re-enters pending for another
// pass after the debounce window; otherwise it lands on synced.
func (s *Store) FinalizeJob(id int64, runID, processedHash string) (string, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	due := now.Add(s.policy.DebounceWindow).Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning finalize transaction: %w", err)
	}
	defer tx.Rollback()

	var status, desiredHash string
	var dirty int
	var currentRunID sql.NullString
	err = tx.QueryRow(`SELECT status, processing_run_id, dirty, desired_content_hash FROM sync_jobs WHERE id = ?`, id).
		Scan(&status, &currentRunID, &dirty, &desiredHash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("selecting job %d: %w", id, err)
	}
	if status != StatusProcessing || currentRunID.String != runID {
		return "", nil
	}

	next := StatusSynced
	if dirty != 0 || desiredHash != processedHash {
		next = StatusPending
		_, err = tx.Exec(`
			UPDATE sync_jobs SET status = 'pending', dirty = 0, attempts = 0, processed_content_hash = ?,
				queued_at = ?, next_run_at = ?, processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
			WHERE id = ?`,
			processedHash, nowStr, due, nowStr, id)
	} else {
		_, err = tx.Exec(`
			UPDATE sync_jobs SET status = 'synced', processed_content_hash = ?, last_error = NULL, failed_at = NULL,
				processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
			WHERE id = ?`,
			processedHash, nowStr, id)
	}
	if err != nil {
		return "", fmt.Errorf("finalizing job %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing finalize: %w", err)
	}
	return next, nil
}

// RecordJobFailure records a failed processing run. Stale run IDs are
// ignored. Transient failures retry with jittered exponential backoff until
// the attempt budget is spent; permanent ones park the job as failed, except
// when new content arrived during the run, in which case the failure applied
// to superseded content and the job starts a fresh cycle instead.
func (s *Store) RecordJobFailure(id int64, runID, errMsg string, permanent bool) (string, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning failure transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var attempts, dirty int
	var currentRunID sql.NullString
	err = tx.QueryRow(`SELECT status, processing_run_id, attempts, dirty FROM sync_jobs WHERE id = ?`, id).
		Scan(&status, &currentRunID, &attempts, &dirty)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("selecting job %d: %w", id, err)
	}
	if status != StatusProcessing || currentRunID.String != runID {
		return "", nil
	}

	var next string
	switch {
	case permanent && dirty != 0:
		next = StatusPending
		due := now.Add(s.policy.DebounceWindow).Format(time.RFC3339)
		_, err = tx.Exec(`
			UPDATE sync_jobs SET status = 'pending', dirty = 0, attempts = 0, queued_at = ?, next_run_at = ?,
				last_error = ?, processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
			WHERE id = ?`,
			nowStr, due, errMsg, nowStr, id)
	case permanent || attempts >= s.policy.MaxAttempts:
		next = StatusFailed
		_, err = tx.Exec(`
			UPDATE sync_jobs SET status = 'failed', last_error = ?, failed_at = ?,
				processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
			WHERE id = ?`,
			errMsg, nowStr, nowStr, id)
	default:
		next = StatusPending
		retryAt := now.Add(nextBackoff(attempts, s.policy.BackoffBase, s.policy.BackoffCap)).Format(time.RFC3339)
		_, err = tx.Exec(`
			UPDATE sync_jobs SET status = 'pending', next_run_at = ?, last_error = ?,
				processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
			WHERE id = ?`,
			retryAt, errMsg, nowStr, id)
	}
	if err != nil {
		return "", fmt.Errorf("recording failure for job %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing failure: %w", err)
	}
	return next, nil
}

// TouchJobLease extends a processing lease. Called after each upserted batch
// so long-running jobs are not mistaken for stalled ones. Stale run IDs are
// a silent no-op.
func (s *Store) TouchJobLease(id int64, runID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE sync_jobs SET processing_started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND processing_run_id = ?`,
		now, now, id, runID)
	return err
}

// FinishPurge removes a purge job whose index cleanup completed. If the
// target was re-enqueued mid-purge the row survives and re-enters pending
// for a fresh cycle. Stale run IDs are a no-op.
func (s *Store) FinishPurge(id int64, runID string) error {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	due := now.Add(s.policy.DebounceWindow).Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning purge finish transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		DELETE FROM sync_jobs
		WHERE id = ? AND status = 'processing' AND processing_run_id = ? AND dirty = 0 AND purge = 1`,
		id, runID)
	if err != nil {
		return fmt.Errorf("deleting purge job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking deleted rows: %w", err)
	}
	if n == 0 {
		// The target came back mid-purge: hand the row to pending instead.
		_, err = tx.Exec(`
			UPDATE sync_jobs SET status = 'pending', dirty = 0, attempts = 0, queued_at = ?, next_run_at = ?,
				processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'processing' AND processing_run_id = ?`,
			nowStr, due, nowStr, id, runID)
		if err != nil {
			return fmt.Errorf("requeuing job %d after purge: %w", id, err)
		}
	}
	return tx.Commit()
}

// RequeueStaleJobs recovers jobs whose processing lease expired, which means
// the worker crashed or wedged mid-run. Jobs with attempts left re-enter
// pending immediately; the rest are parked as failed. Returns how many rows
// were recovered.
func (s *Store) RequeueStaleJobs() (int, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	cutoff := now.Add(-s.policy.LeaseTTL).Format(time.RFC3339)

	res, err := s.db.Exec(`
		UPDATE sync_jobs SET status = 'failed', last_error = ?, failed_at = ?,
			processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
		WHERE status = 'processing' AND processing_started_at < ? AND attempts >= ?`,
		LeaseExpired, nowStr, nowStr, cutoff, s.policy.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("parking exhausted stale jobs: %w", err)
	}
	parked, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	res, err = s.db.Exec(`
		UPDATE sync_jobs SET status = 'pending', next_run_at = ?,
			processing_run_id = NULL, processing_started_at = NULL, updated_at = ?
		WHERE status = 'processing' AND processing_started_at < ?`,
		nowStr, nowStr, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeuing stale jobs: %w", err)
	}
	requeued, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(parked + requeued), nil
}

// DeleteFailedJobsBefore removes failed rows whose failure is older than cutoff.
func (s *Store) DeleteFailedJobsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sync_jobs WHERE status = 'failed' AND failed_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("deleting failed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListOrphanCandidates returns up to limit pending non-purge jobs, oldest
// first, for the cleanup pass that checks whether their source still exists.
func (s *Store) ListOrphanCandidates(limit int) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+`
		FROM sync_jobs
		WHERE status = 'pending' AND purge = 0
		ORDER BY queued_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orphan candidates: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DeleteJobIfPending removes a job row only while it is still pending, so a
// cleanup decision cannot race a concurrent claim.
func (s *Store) DeleteJobIfPending(id int64) error {
	_, err := s.db.Exec(`DELETE FROM sync_jobs WHERE id = ? AND status = 'pending'`, id)
	return err
}

// GetJob returns the sync job for a target.
func (s *Store) GetJob(projectID, targetType, targetID string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+`
		FROM sync_jobs WHERE project_id = ? AND target_type = ? AND target_id = ?`,
		projectID, targetType, targetID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// ListJobs returns jobs ordered by most recent activity. Pass an empty
// status to list across all statuses.
func (s *Store) ListJobs(status string, limit int) ([]Job, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(`SELECT `+jobColumns+`
			FROM sync_jobs ORDER BY updated_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+jobColumns+`
			FROM sync_jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// RetryJob resets a failed job to pending with a fresh attempt budget.
func (s *Store) RetryJob(projectID, targetType, targetID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE sync_jobs SET status = 'pending', attempts = 0, queued_at = ?, next_run_at = ?,
			last_error = NULL, failed_at = NULL, updated_at = ?
		WHERE project_id = ? AND target_type = ? AND target_id = ? AND status = 'failed'`,
		now, now, now, projectID, targetType, targetID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// JobStats reports per-status counts, the due backlog, and the oldest failure.
func (s *Store) JobStats() (Stats, error) {
	var st Stats

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusPending:
			st.Pending = n
		case StatusProcessing:
			st.Processing = n
		case StatusSynced:
			st.Synced = n
		case StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_jobs WHERE status = 'pending' AND next_run_at <= ?`, now).
		Scan(&st.Due); err != nil {
		return Stats{}, err
	}

	var oldest sql.NullString
	if err := s.db.QueryRow(`SELECT MIN(failed_at) FROM sync_jobs WHERE status = 'failed'`).Scan(&oldest); err != nil {
		return Stats{}, err
	}
	if oldest.Valid {
		t, err := time.Parse(time.RFC3339, oldest.String)
		if err != nil {
			return Stats{}, fmt.Errorf("parsing oldest failed_at: %w", err)
		}
		st.OldestFail = &t
	}

	return st, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var dirty, purge int
	var processedHash, runID, startedAt, lastError, failedAt sql.NullString
	var queuedAt, nextRunAt, updatedAt string
	err := row.Scan(&j.ID, &j.ProjectID, &j.TargetType, &j.TargetID, &j.Status, &j.Attempts,
		&dirty, &purge, &j.DesiredContentHash, &processedHash, &queuedAt, &nextRunAt,
		&runID, &startedAt, &lastError, &failedAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	j.Dirty = dirty != 0
	j.Purge = purge != 0
	j.ProcessedContentHash = processedHash.String
	j.ProcessingRunID = runID.String
	j.LastError = lastError.String
	if j.QueuedAt, err = time.Parse(time.RFC3339, queuedAt); err != nil {
		return Job{}, fmt.Errorf("parsing queued_at: %w", err)
	}
	if j.NextRunAt, err = time.Parse(time.RFC3339, nextRunAt); err != nil {
		return Job{}, fmt.Errorf("parsing next_run_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if startedAt.Valid {
		if j.ProcessingStartedAt, err = time.Parse(time.RFC3339, startedAt.String); err != nil {
			return Job{}, fmt.Errorf("parsing processing_started_at: %w", err)
		}
	}
	if failedAt.Valid {
		if j.FailedAt, err = time.Parse(time.RFC3339, failedAt.String); err != nil {
			return Job{}, fmt.Errorf("parsing failed_at: %w", err)
		}
	}
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// nextBackoff doubles the base delay per completed attempt up to maxDelay,
// with ±20% jitter to spread retry storms.
func nextBackoff(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
