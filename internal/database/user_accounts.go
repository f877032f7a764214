package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// UserAccount maps a provider's native user id to an internal user id
type UserAccount struct {
	Provider       string
	ProviderUserID string
	UserID         string
	CreatedAt      time.Time
}

// UpsertUserAccount records the provider user id for an internal user.
// A reconnect under a new provider user id replaces the previous mapping.
func (db *DB) UpsertUserAccount(ctx context.Context, provider, providerUserID, userID string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertUserAccount))
	defer timer.ObserveDuration()

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_accounts
			WHERE user_id = ? AND provider = ? AND provider_user_id <> ?
		`, userID, provider, providerUserID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_accounts (provider, provider_user_id, user_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (provider, provider_user_id) DO UPDATE SET user_id = excluded.user_id
		`, provider, providerUserID, userID, time.Now().Unix())
		return err
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertUserAccount).Inc()
		return fmt.Errorf("failed to upsert user account: %w", err)
	}
	return nil
}

// ResolveUserID returns the internal user id for a provider user id, or "" if unknown
func (db *DB) ResolveUserID(ctx context.Context, provider, providerUserID string) (string, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpResolveUserAccount))
	defer timer.ObserveDuration()

	var userID string
	err := db.conn.QueryRowContext(ctx, `
		SELECT user_id FROM user_accounts WHERE provider = ? AND provider_user_id = ?
	`, provider, providerUserID).Scan(&userID)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpResolveUserAccount).Inc()
		return "", fmt.Errorf("failed to resolve user account: %w", err)
	}
	return userID, nil
}

// GetProviderUserID returns the provider user id for an internal user, or "" if unknown
func (db *DB) GetProviderUserID(ctx context.Context, userID, provider string) (string, error) {
	var providerUserID string
	err := db.conn.QueryRowContext(ctx, `
		SELECT provider_user_id FROM user_accounts WHERE user_id = ? AND provider = ?
	`, userID, provider).Scan(&providerUserID)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get provider user id: %w", err)
	}
	return providerUserID, nil
}

// DisconnectUser deletes the token and account mapping for a user and provider in one transaction
func (db *DB) DisconnectUser(ctx context.Context, userID, provider string) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE user_id = ? AND provider = ?`, userID, provider); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM user_accounts WHERE user_id = ? AND provider = ?`, userID, provider)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to disconnect user: %w", err)
	}
	return nil
}
