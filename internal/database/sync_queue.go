package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"tasksync/internal/models"
)

const syncJobColumns = `id, task_id, user_email, action_type, payload, status, retry_count,
              error_message, claimed_by, claimed_at, next_retry_at, created_at, updated_at`

func (db *DB) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	query := `INSERT INTO sync_queue (task_id, user_email, action_type, payload, status, retry_count, error_message, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		job.TaskID,
		job.UserEmail,
		job.ActionType,
		job.Payload,
		job.Status,
		job.RetryCount,
		job.ErrorMessage,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	job.ID = id
	job.CreatedAt = now

	return nil
}

// ClaimNextPendingJob atomically moves the oldest eligible pending job to
// processing for the given worker. The status guard in the UPDATE makes the
// claim safe when several workers poll the same queue; returns nil when the
// queue is empty.
func (db *DB) ClaimNextPendingJob(ctx context.Context, workerID string) (*models.SyncJob, error) {
	for {
		var id int64
		err := db.QueryRowContext(ctx,
			`SELECT id FROM sync_queue
             WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
             ORDER BY created_at ASC, id ASC LIMIT 1`, time.Now()).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select pending job: %w", err)
		}

		now := time.Now()
		res, err := db.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'processing', claimed_by = ?, claimed_at = ?, updated_at = ?
             WHERE id = ? AND status = 'pending'`,
			workerID, now, now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %d: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected == 0 {
			// Another worker claimed it first.
			continue
		}

		return db.GetSyncJob(ctx, id)
	}
}

// ClaimSyncJob claims one specific job by id, used by the fast-path queues
// (redis, local channel). Returns nil when the job is no longer claimable:
// already taken, completed, or waiting out a retry delay.
func (db *DB) ClaimSyncJob(ctx context.Context, id int64, workerID string) (*models.SyncJob, error) {
	now := time.Now()
	res, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'processing', claimed_by = ?, claimed_at = ?, updated_at = ?
         WHERE id = ? AND status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)`,
		workerID, now, now, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return db.GetSyncJob(ctx, id)
}

func (db *DB) GetSyncJob(ctx context.Context, id int64) (*models.SyncJob, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_queue WHERE id = ?`, id)

	var job models.SyncJob
	err := row.Scan(
		&job.ID, &job.TaskID, &job.UserEmail, &job.ActionType, &job.Payload,
		&job.Status, &job.RetryCount, &job.ErrorMessage, &job.ClaimedBy,
		&job.ClaimedAt, &job.NextRetryAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job %d: %w", id, err)
	}
	return &job, nil
}

// CompleteSyncJob marks a job terminally completed.
func (db *DB) CompleteSyncJob(ctx context.Context, id int64) error {
	query := `UPDATE sync_queue SET status = 'completed', error_message = NULL,
              claimed_by = NULL, claimed_at = NULL, next_retry_at = NULL, updated_at = ?
              WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to complete sync job %d: %w", id, err)
	}
	return nil
}

// RetrySyncJob returns a failed attempt to pending with an incremented retry
// counter. The job loses its original queue position: it is only eligible
// again after nextRetryAt and sorts behind jobs enqueued in the meantime.
func (db *DB) RetrySyncJob(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	query := `UPDATE sync_queue SET status = 'pending', error_message = ?, retry_count = retry_count + 1,
              claimed_by = NULL, claimed_at = NULL, next_retry_at = ?, created_at = ?, updated_at = ?
              WHERE id = ?`
	now := time.Now()
	if _, err := db.ExecContext(ctx, query, truncateError(errMsg), nextRetryAt, now, now, id); err != nil {
		return fmt.Errorf("failed to retry sync job %d: %w", id, err)
	}
	return nil
}

// FailSyncJob marks a job terminally failed with the final attempt count;
// requires operator intervention (or cmd/syncadm) to requeue.
func (db *DB) FailSyncJob(ctx context.Context, id int64, errMsg string, retryCount int) error {
	query := `UPDATE sync_queue SET status = 'failed', error_message = ?, retry_count = ?,
              claimed_by = NULL, claimed_at = NULL, next_retry_at = NULL, updated_at = ?
              WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, truncateError(errMsg), retryCount, time.Now(), id); err != nil {
		return fmt.Errorf("failed to fail sync job %d: %w", id, err)
	}
	return nil
}

// RequeueStaleProcessing returns processing jobs whose claim is older than
// the lease back to pending. Covers workers that crashed mid-job.
func (db *DB) RequeueStaleProcessing(ctx context.Context, lease time.Duration) (int64, error) {
	cutoff := time.Now().Add(-lease)
	res, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', retry_count = retry_count + 1,
         claimed_by = NULL, claimed_at = NULL, next_retry_at = NULL, updated_at = ?
         WHERE status = 'processing' AND claimed_at <= ?`,
		time.Now(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale processing jobs: %w", err)
	}
	return res.RowsAffected()
}

// RequeueFailedJob resets a terminally failed job for another round of
// attempts. Used by the operator tool.
func (db *DB) RequeueFailedJob(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', retry_count = 0,
         claimed_by = NULL, claimed_at = NULL, next_retry_at = NULL, updated_at = ?
         WHERE id = ? AND status = 'failed'`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue job %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d is not in failed status", id)
	}
	return nil
}

func (db *DB) GetFailedSyncJobs(ctx context.Context) ([]models.SyncJob, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_queue WHERE status = 'failed' ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.SyncJob
	for rows.Next() {
		var job models.SyncJob
		err := rows.Scan(
			&job.ID, &job.TaskID, &job.UserEmail, &job.ActionType, &job.Payload,
			&job.Status, &job.RetryCount, &job.ErrorMessage, &job.ClaimedBy,
			&job.ClaimedAt, &job.NextRetryAt, &job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus reports queue depth per status for metrics.
func (db *DB) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func truncateError(msg string) string {
	if len(msg) <= models.MaxErrorMessageLen {
		return msg
	}
	cut := models.MaxErrorMessageLen
	// Back off to a rune boundary so the cut never splits a multi-byte rune.
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
