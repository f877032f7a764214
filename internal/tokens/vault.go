// Package tokens keeps per-user provider OAuth tokens valid, refreshing them
// at most once per user and provider at a time.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// DefaultSkewWindow is how long before expiry a token is refreshed
const DefaultSkewWindow = 5 * time.Minute

// Vault hands out valid access tokens
type Vault struct {
	db        *database.DB
	flight    Flight
	refresher Refresher
	skew      time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewVault creates a vault
func NewVault(db *database.DB, flight Flight, refresher Refresher, skew time.Duration) *Vault {
	if skew <= 0 {
		skew = DefaultSkewWindow
	}
	return &Vault{
		db:        db,
		flight:    flight,
		refresher: refresher,
		skew:      skew,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// GetValidToken returns an access token for the user that is not within the
// skew window of expiry, refreshing it first if needed.
//
// Errors other than persistence failures satisfy NeedsReconnect; the stored
// token is never modified by a failed refresh.
func (v *Vault) GetValidToken(ctx context.Context, userID, provider string) (string, error) {
	tok, err := v.db.GetToken(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	if tok == nil {
		return "", ErrNotConnected
	}
	if v.fresh(tok) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == nil || *tok.RefreshToken == "" {
		metrics.TokenRefreshTotal.WithLabelValues(provider, metrics.RefreshNoToken).Inc()
		return "", ErrMissingRefreshToken
	}

	key := Key{UserID: userID, Provider: provider}
	return v.flight.Do(ctx, key, func(ctx context.Context) (string, error) {
		return v.refresh(ctx, key)
	})
}

func (v *Vault) fresh(tok *database.OAuthToken) bool {
	return v.now().Before(tok.ExpiresAt.Add(-v.skew))
}

// refresh re-reads the token, since another caller may have refreshed it
// already, and otherwise exchanges the refresh token and stores the result
func (v *Vault) refresh(ctx context.Context, key Key) (string, error) {
	tok, err := v.db.GetToken(ctx, key.UserID, key.Provider)
	if err != nil {
		return "", err
	}
	if tok == nil {
		return "", ErrNotConnected
	}
	if v.fresh(tok) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == nil || *tok.RefreshToken == "" {
		return "", ErrMissingRefreshToken
	}

	v.logger.Info("Refreshing access token", "user_id", key.UserID, "provider", key.Provider)

	newTok, err := v.refresher.Refresh(ctx, key.Provider, *tok.RefreshToken)
	if err != nil {
		v.logger.Error("Token refresh failed", "user_id", key.UserID, "provider", key.Provider, "error", err)
		return "", err
	}

	rotated := ""
	if newTok.RefreshToken != "" && newTok.RefreshToken != *tok.RefreshToken {
		rotated = newTok.RefreshToken
	}

	updated, err := v.db.UpdateTokenAfterRefresh(ctx, key.UserID, key.Provider, newTok.AccessToken, rotated, newTok.Expiry)
	if err != nil {
		return "", fmt.Errorf("failed to store refreshed token: %w", err)
	}
	if !updated {
		// Disconnected while the refresh was in flight
		return "", ErrNotConnected
	}

	v.logger.Info("Refreshed access token",
		"user_id", key.UserID,
		"provider", key.Provider,
		"expires_at", newTok.Expiry,
		"refresh_token_rotated", rotated != "",
	)
	return newTok.AccessToken, nil
}

// Store saves the token from a first OAuth code exchange
func (v *Vault) Store(ctx context.Context, tok *database.OAuthToken) error {
	return v.db.UpsertToken(ctx, tok)
}

// Disconnect deletes the user's token and provider account mapping
func (v *Vault) Disconnect(ctx context.Context, userID, provider string) error {
	if err := v.db.DisconnectUser(ctx, userID, provider); err != nil {
		return err
	}
	v.logger.Info("Disconnected provider", "user_id", userID, "provider", provider)
	return nil
}
