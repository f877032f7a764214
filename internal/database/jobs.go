package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

const (
	// StaleLockTimeout is how long a claimed job may stay claimed before
	// another worker is allowed to pick it up again
	StaleLockTimeout = 5 * time.Minute

	// MaxRetries is the number of failed attempts after which a job is dropped
	MaxRetries = 7
)

var backoffMinutes = []int{1, 5, 15, 30, 60, 120, 240}

// Job is a named unit of background work with a JSON payload
type Job struct {
	ID                  int64
	Name                string
	Payload             json.RawMessage
	RetryCount          int
	LastError           *string
	NextRetryAt         *time.Time
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
}

// EnqueueJob adds a job to the queue and returns its id
func (db *DB) EnqueueJob(ctx context.Context, name string, payload json.RawMessage) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueJob))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO jobs (name, payload, created_at) VALUES (?, ?, ?)
	`, name, string(payload), time.Now().Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueJob).Inc()
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueJob).Inc()
		return 0, fmt.Errorf("failed to get job id: %w", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeJobs, name).Inc()
	return id, nil
}

// ClaimJob claims the next ready job for processing and returns it, or nil if
// none is ready. A job is ready if:
// - next_retry_at is NULL or in the past
// - processing_started_at is NULL or stale (older than StaleLockTimeout)
// The claim is a single UPDATE so concurrent workers never claim the same job.
func (db *DB) ClaimJob(ctx context.Context) (*Job, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimJob))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	var job Job
	var payload string
	var nextRetryAt *int64
	var createdAt int64

	err := db.conn.QueryRowContext(ctx, `
		UPDATE jobs
		SET processing_started_at = ?
		WHERE id = (
			SELECT id
			FROM jobs
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, name, payload, retry_count, last_error, next_retry_at, created_at
	`, now.Unix(), now.Unix(), staleThreshold).Scan(
		&job.ID, &job.Name, &payload, &job.RetryCount, &job.LastError, &nextRetryAt, &createdAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimJob).Inc()
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Payload = json.RawMessage(payload)
	job.NextRetryAt = timePtr(nextRetryAt)
	job.ProcessingStartedAt = &now
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &job, nil
}

// DeleteJob removes a processed job from the queue
func (db *DB) DeleteJob(ctx context.Context, id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteJob))
	defer timer.ObserveDuration()

	if _, err := db.conn.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteJob).Inc()
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// ReleaseJob returns a failed job to the queue with exponential backoff
// (1min, 5min, 15min, 30min, 1hr, 2hr, 4hr). Returns false if the job was
// dropped because it exceeded MaxRetries.
func (db *DB) ReleaseJob(ctx context.Context, id int64, retryCount int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseJob))
	defer timer.ObserveDuration()

	newRetryCount := retryCount + 1
	if newRetryCount > MaxRetries {
		if err := db.DeleteJob(ctx, id); err != nil {
			return false, fmt.Errorf("failed to drop job after max retries: %w", err)
		}
		return false, nil
	}

	nextRetryAt := time.Now().Add(RetryBackoff(newRetryCount))

	_, err := db.conn.ExecContext(ctx, `
		UPDATE jobs
		SET retry_count = ?,
		    last_error = ?,
		    next_retry_at = ?,
		    processing_started_at = NULL
		WHERE id = ?
	`, newRetryCount, errMsg, nextRetryAt.Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseJob).Inc()
		return false, fmt.Errorf("failed to release job: %w", err)
	}
	return true, nil
}

// RetryBackoff returns the delay before the given (1-based) retry attempt
func RetryBackoff(attempt int) time.Duration {
	idx := min(max(attempt, 1)-1, len(backoffMinutes)-1)
	return time.Duration(backoffMinutes[idx]) * time.Minute
}

// UnclaimJob returns a claimed job to the queue without counting a retry.
// Used when processing was deferred, e.g. by an open circuit breaker.
func (db *DB) UnclaimJob(ctx context.Context, id int64, notBefore time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE jobs SET processing_started_at = NULL, next_retry_at = ? WHERE id = ?
	`, notBefore.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to unclaim job: %w", err)
	}
	return nil
}

// GetJobQueueLength returns the number of jobs in the queue
func (db *DB) GetJobQueueLength(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get job queue length: %w", err)
	}
	return count, nil
}

// GetReadyJobQueueLength returns the number of jobs ready to process
func (db *DB) GetReadyJobQueueLength(ctx context.Context) (int, error) {
	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM jobs
		WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, now.Unix(), staleThreshold).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get ready job queue length: %w", err)
	}
	return count, nil
}

// GetProcessingJobQueueLength returns the number of jobs with a recent claim
func (db *DB) GetProcessingJobQueueLength(ctx context.Context) (int, error) {
	staleThreshold := time.Now().Add(-StaleLockTimeout).Unix()

	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM jobs
		WHERE processing_started_at IS NOT NULL
		  AND processing_started_at >= ?
	`, staleThreshold).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get processing job queue length: %w", err)
	}
	return count, nil
}
