package database

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// OAuthToken is the stored credential for one (user, provider) pair
type OAuthToken struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken *string
	ExpiresAt    time.Time
	Scope        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GetToken returns the stored token for a user and provider, or nil if none exists
func (db *DB) GetToken(ctx context.Context, userID, provider string) (*OAuthToken, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetToken))
	defer timer.ObserveDuration()

	var t OAuthToken
	var expiresAt, createdAt, updatedAt int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT user_id, provider, access_token, refresh_token, expires_at, scope, created_at, updated_at
		FROM oauth_tokens
		WHERE user_id = ? AND provider = ?
	`, userID, provider).Scan(
		&t.UserID, &t.Provider, &t.AccessToken, &t.RefreshToken,
		&expiresAt, &t.Scope, &createdAt, &updatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetToken).Inc()
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	t.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

// UpsertToken stores the result of an OAuth code exchange, replacing any existing token
func (db *DB) UpsertToken(ctx context.Context, t *OAuthToken) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertToken))
	defer timer.ObserveDuration()

	now := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO oauth_tokens (user_id, provider, access_token, refresh_token, expires_at, scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			updated_at = excluded.updated_at
	`, t.UserID, t.Provider, t.AccessToken, t.RefreshToken, t.ExpiresAt.Unix(), t.Scope, now.Unix(), now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertToken).Inc()
		return fmt.Errorf("failed to upsert token: %w", err)
	}

	t.UpdatedAt = now
	return nil
}

// UpdateTokenAfterRefresh writes a refreshed access token and expiry in one statement.
// The refresh token is replaced only when newRefreshToken is non-empty.
// Returns false if the token row no longer exists (disconnected mid-refresh).
func (db *DB) UpdateTokenAfterRefresh(ctx context.Context, userID, provider, accessToken, newRefreshToken string, expiresAt time.Time) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateTokenAfterRefresh))
	defer timer.ObserveDuration()

	result, err := db.conn.ExecContext(ctx, `
		UPDATE oauth_tokens
		SET access_token = ?,
		    expires_at = ?,
		    refresh_token = CASE WHEN ? <> '' THEN ? ELSE refresh_token END,
		    updated_at = ?
		WHERE user_id = ? AND provider = ?
	`, accessToken, expiresAt.Unix(), newRefreshToken, newRefreshToken, time.Now().Unix(), userID, provider)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateTokenAfterRefresh).Inc()
		return false, fmt.Errorf("failed to update token after refresh: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// DeleteToken removes the stored token for a user and provider
func (db *DB) DeleteToken(ctx context.Context, userID, provider string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteToken))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteToken).Inc()
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// ListTokensExpiringBefore returns tokens whose expiry falls before the given time
func (db *DB) ListTokensExpiringBefore(ctx context.Context, before time.Time) ([]*OAuthToken, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id, provider, access_token, refresh_token, expires_at, scope, created_at, updated_at
		FROM oauth_tokens
		WHERE expires_at < ? AND refresh_token IS NOT NULL
		ORDER BY expires_at ASC
	`, before.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*OAuthToken
	for rows.Next() {
		var t OAuthToken
		var expiresAt, createdAt, updatedAt int64
		if err := rows.Scan(
			&t.UserID, &t.Provider, &t.AccessToken, &t.RefreshToken,
			&expiresAt, &t.Scope, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		t.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		tokens = append(tokens, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}
	return tokens, nil
}
