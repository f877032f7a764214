package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// Backfill request statuses
const (
	BackfillPending    = "pending"
	BackfillInProgress = "in_progress"
	BackfillCompleted  = "completed"
	BackfillFailed     = "failed"
)

// YearKeyYTD is the year key of the resumable year-to-date backfill
const YearKeyYTD = "ytd"

// BackfillRequest tracks one historical import window per (user, provider, year key)
type BackfillRequest struct {
	UserID         string
	Provider       string
	YearKey        string
	Status         string
	RidesFound     int
	BackfilledUpTo *time.Time
	CompletedAt    *time.Time
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const backfillRequestColumns = `
	user_id, provider, year_key, status, rides_found, backfilled_up_to,
	completed_at, last_error, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackfillRequest(row rowScanner) (*BackfillRequest, error) {
	var r BackfillRequest
	var backfilledUpTo, completedAt *int64
	var createdAt, updatedAt int64
	err := row.Scan(
		&r.UserID, &r.Provider, &r.YearKey, &r.Status, &r.RidesFound, &backfilledUpTo,
		&completedAt, &r.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.BackfilledUpTo = timePtr(backfilledUpTo)
	r.CompletedAt = timePtr(completedAt)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &r, nil
}

// GetBackfillRequest returns the request for a year key, or nil if none exists
func (db *DB) GetBackfillRequest(ctx context.Context, userID, provider, yearKey string) (*BackfillRequest, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetBackfillRequest))
	defer timer.ObserveDuration()

	row := db.conn.QueryRowContext(ctx, `
		SELECT `+backfillRequestColumns+`
		FROM backfill_requests
		WHERE user_id = ? AND provider = ? AND year_key = ?
	`, userID, provider, yearKey)

	r, err := scanBackfillRequest(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetBackfillRequest).Inc()
		return nil, fmt.Errorf("failed to get backfill request: %w", err)
	}
	return r, nil
}

// ListBackfillRequests returns all requests for a user and provider, newest first
func (db *DB) ListBackfillRequests(ctx context.Context, userID, provider string) ([]*BackfillRequest, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+backfillRequestColumns+`
		FROM backfill_requests
		WHERE user_id = ? AND provider = ?
		ORDER BY updated_at DESC, year_key DESC
	`, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list backfill requests: %w", err)
	}
	defer rows.Close()

	var requests []*BackfillRequest
	for rows.Next() {
		r, err := scanBackfillRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backfill request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backfill requests: %w", err)
	}
	return requests, nil
}

// PrepareBackfillRequest creates a pending request, or clears the last error of
// an existing one that has not completed. Completed rows are left untouched.
func (db *DB) PrepareBackfillRequest(ctx context.Context, userID, provider, yearKey string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpPrepareBackfillRequest))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO backfill_requests (user_id, provider, year_key, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (user_id, provider, year_key) DO UPDATE SET
			last_error = NULL,
			updated_at = excluded.updated_at
		WHERE backfill_requests.status <> 'completed'
	`, userID, provider, yearKey, now, now)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpPrepareBackfillRequest).Inc()
		return fmt.Errorf("failed to prepare backfill request: %w", err)
	}
	return nil
}

// RestartBackfillRequest moves a completed request back to in_progress for a new
// run. This is the only path out of completed and is used for incremental YTD runs.
func (db *DB) RestartBackfillRequest(ctx context.Context, userID, provider, yearKey string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpPrepareBackfillRequest))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		UPDATE backfill_requests
		SET status = 'in_progress', completed_at = NULL, last_error = NULL, updated_at = ?
		WHERE user_id = ? AND provider = ? AND year_key = ? AND status = 'completed'
	`, time.Now().Unix(), userID, provider, yearKey)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpPrepareBackfillRequest).Inc()
		return false, fmt.Errorf("failed to restart backfill request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// UpdateBackfillStatus sets the status of a request that is not completed.
// Returns false when no row changed, which includes rows already completed.
func (db *DB) UpdateBackfillStatus(ctx context.Context, userID, provider, yearKey, status string, lastError *string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateBackfillStatus))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	var completedAt *int64
	if status == BackfillCompleted {
		completedAt = &now
	}

	result, err := db.conn.ExecContext(ctx, `
		UPDATE backfill_requests
		SET status = ?, last_error = ?, completed_at = ?, updated_at = ?
		WHERE user_id = ? AND provider = ? AND year_key = ? AND status <> 'completed'
	`, status, lastError, completedAt, now, userID, provider, yearKey)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateBackfillStatus).Inc()
		return false, fmt.Errorf("failed to update backfill status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// AdvanceBackfilledUpTo moves the YTD checkpoint forward. Earlier values and
// non-YTD keys are ignored.
func (db *DB) AdvanceBackfilledUpTo(ctx context.Context, userID, provider string, upTo time.Time) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateBackfillStatus))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE backfill_requests
		SET backfilled_up_to = ?, updated_at = ?
		WHERE user_id = ? AND provider = ? AND year_key = 'ytd'
		  AND (backfilled_up_to IS NULL OR backfilled_up_to < ?)
	`, upTo.Unix(), time.Now().Unix(), userID, provider, upTo.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateBackfillStatus).Inc()
		return fmt.Errorf("failed to advance backfill checkpoint: %w", err)
	}
	return nil
}

// IncrementRidesFound bumps the counter of the open request covering a ride's
// start time: the request for that year, and the YTD request when the ride is
// in the current year.
func (db *DB) IncrementRidesFound(ctx context.Context, userID, provider string, rideStart time.Time) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpIncrementRidesFound))
	defer timer.ObserveDuration()

	year := rideStart.UTC().Year()
	currentYear := time.Now().UTC().Year()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE backfill_requests
		SET rides_found = rides_found + 1, updated_at = ?
		WHERE user_id = ? AND provider = ?
		  AND status IN ('pending', 'in_progress')
		  AND (year_key = ? OR (year_key = 'ytd' AND ? = ?))
	`, time.Now().Unix(), userID, provider, strconv.Itoa(year), year, currentYear)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpIncrementRidesFound).Inc()
		return fmt.Errorf("failed to increment rides found: %w", err)
	}
	return nil
}

// CompleteInProgressBackfills marks every in_progress request for a user and
// provider completed. Used once the import session that carried them goes idle.
func (db *DB) CompleteInProgressBackfills(ctx context.Context, userID, provider string) (int64, error) {
	now := time.Now().Unix()
	result, err := db.conn.ExecContext(ctx, `
		UPDATE backfill_requests
		SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE user_id = ? AND provider = ? AND status = 'in_progress'
	`, now, now, userID, provider)
	if err != nil {
		return 0, fmt.Errorf("failed to complete backfill requests: %w", err)
	}
	return result.RowsAffected()
}
