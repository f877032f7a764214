package database

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// AcquireLock sets key to value for ttl if the key is absent or expired.
// Returns true if this call now holds the lock.
func (db *DB) AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpAcquireLock))
	defer timer.ObserveDuration()

	now := time.Now()
	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO locks (lock_key, lock_value, expires_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET
			lock_value = excluded.lock_value,
			expires_at_ms = excluded.expires_at_ms
		WHERE locks.expires_at_ms <= ?
	`, key, value, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpAcquireLock).Inc()
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ReleaseLock deletes key only if it still holds value.
// Returns false if the lock had expired or belongs to someone else.
func (db *DB) ReleaseLock(ctx context.Context, key, value string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseLock))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		DELETE FROM locks WHERE lock_key = ? AND lock_value = ?
	`, key, value)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseLock).Inc()
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}
