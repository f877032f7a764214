package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// Import session statuses
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
)

// ErrRunningSessionExists is returned when a user already has a running
// import session for the provider
var ErrRunningSessionExists = errors.New("import session already running")

// ImportSession is one import run for a user and provider
type ImportSession struct {
	ID                     string
	UserID                 string
	Provider               string
	Status                 string
	StartedAt              time.Time
	CompletedAt            *time.Time
	LastActivityReceivedAt *time.Time
	UnassignedRideCount    int
}

const importSessionColumns = `
	id, user_id, provider, status, started_at, completed_at,
	last_activity_received_at, unassigned_ride_count
`

func scanImportSession(row rowScanner) (*ImportSession, error) {
	var s ImportSession
	var startedAt int64
	var completedAt, lastActivity *int64
	err := row.Scan(
		&s.ID, &s.UserID, &s.Provider, &s.Status, &startedAt, &completedAt,
		&lastActivity, &s.UnassignedRideCount,
	)
	if err != nil {
		return nil, err
	}
	s.StartedAt = time.Unix(startedAt, 0).UTC()
	s.CompletedAt = timePtr(completedAt)
	s.LastActivityReceivedAt = timePtr(lastActivity)
	return &s, nil
}

// StartImportSession creates a running session unless one is already running
// for the user and provider, in which case ErrRunningSessionExists is returned.
func (db *DB) StartImportSession(ctx context.Context, id, userID, provider string) (*ImportSession, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpStartImportSession))
	defer timer.ObserveDuration()

	now := time.Now().UTC().Truncate(time.Second)
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM import_sessions
			WHERE user_id = ? AND provider = ? AND status = 'running'
		`, userID, provider).Scan(&existing)
		if err == nil {
			return ErrRunningSessionExists
		}
		if !isNoRows(err) {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO import_sessions (id, user_id, provider, status, started_at)
			VALUES (?, ?, ?, 'running', ?)
		`, id, userID, provider, now.Unix())
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrRunningSessionExists
		}
		return err
	})
	if errors.Is(err, ErrRunningSessionExists) {
		return nil, err
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpStartImportSession).Inc()
		return nil, fmt.Errorf("failed to start import session: %w", err)
	}

	return &ImportSession{
		ID:        id,
		UserID:    userID,
		Provider:  provider,
		Status:    SessionRunning,
		StartedAt: now,
	}, nil
}

// GetImportSession returns a session by id, or nil if none exists
func (db *DB) GetImportSession(ctx context.Context, id string) (*ImportSession, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetImportSession))
	defer timer.ObserveDuration()

	s, err := scanImportSession(db.conn.QueryRowContext(ctx, `
		SELECT `+importSessionColumns+` FROM import_sessions WHERE id = ?
	`, id))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetImportSession).Inc()
		return nil, fmt.Errorf("failed to get import session: %w", err)
	}
	return s, nil
}

// GetRunningImportSession returns the running session for a user and provider, or nil
func (db *DB) GetRunningImportSession(ctx context.Context, userID, provider string) (*ImportSession, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetImportSession))
	defer timer.ObserveDuration()

	s, err := scanImportSession(db.conn.QueryRowContext(ctx, `
		SELECT `+importSessionColumns+`
		FROM import_sessions
		WHERE user_id = ? AND provider = ? AND status = 'running'
	`, userID, provider))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetImportSession).Inc()
		return nil, fmt.Errorf("failed to get running import session: %w", err)
	}
	return s, nil
}

// GetLatestImportSession returns the most recently started session, or nil
func (db *DB) GetLatestImportSession(ctx context.Context, userID, provider string) (*ImportSession, error) {
	s, err := scanImportSession(db.conn.QueryRowContext(ctx, `
		SELECT `+importSessionColumns+`
		FROM import_sessions
		WHERE user_id = ? AND provider = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`, userID, provider))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest import session: %w", err)
	}
	return s, nil
}

// CompleteImportSession marks a running session completed with its unassigned
// ride count. Returns false if the session was not running.
func (db *DB) CompleteImportSession(ctx context.Context, id string, unassignedRideCount int) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCompleteImportSession))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		UPDATE import_sessions
		SET status = 'completed', completed_at = ?, unassigned_ride_count = ?
		WHERE id = ? AND status = 'running'
	`, time.Now().Unix(), unassignedRideCount, id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCompleteImportSession).Inc()
		return false, fmt.Errorf("failed to complete import session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// RecordSessionActivity stamps the time the session last received rides
func (db *DB) RecordSessionActivity(ctx context.Context, id string, at time.Time) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpRecordSessionActivity))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE import_sessions SET last_activity_received_at = ? WHERE id = ?
	`, at.Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpRecordSessionActivity).Inc()
		return fmt.Errorf("failed to record session activity: %w", err)
	}
	return nil
}

// ListIdleImportSessions returns running sessions with no activity since before.
// A session that never received activity is measured from its start.
func (db *DB) ListIdleImportSessions(ctx context.Context, before time.Time) ([]*ImportSession, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+importSessionColumns+`
		FROM import_sessions
		WHERE status = 'running'
		  AND COALESCE(last_activity_received_at, started_at) < ?
		ORDER BY started_at ASC
	`, before.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list idle import sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ImportSession
	for rows.Next() {
		s, err := scanImportSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating import sessions: %w", err)
	}
	return sessions, nil
}
