package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/jobs"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

const (
	stateTTL      = 10 * time.Minute
	sweepInterval = time.Minute

	// CallbackPath is where providers redirect after consent
	CallbackPath = "/oauth/callback"
)

var (
	ErrInvalidState     = errors.New("invalid or expired state")
	ErrProviderNotReady = errors.New("provider is not configured")
	ErrMissingUserID    = errors.New("user id is required")
	ErrProviderMismatch = errors.New("provider account already linked to another user")
)

// TokenStore persists the token from the first code exchange
type TokenStore interface {
	Store(ctx context.Context, tok *database.OAuthToken) error
}

// pendingAuth is a one-time state issued by AuthURL
type pendingAuth struct {
	provider  string
	userID    string
	verifier  string
	expiresAt time.Time
}

// stateStore tracks valid OAuth states for CSRF protection
type stateStore struct {
	mu     sync.Mutex
	states map[string]pendingAuth
}

// Connection is the result of a completed connect flow
type Connection struct {
	UserID         string
	Provider       string
	ProviderUserID string
	BackfillJobID  string
}

// Manager runs the provider connect flow
type Manager struct {
	config     *config.Config
	db         *database.DB
	tokens     TokenStore
	registry   *provider.Registry
	queue      jobs.Enqueuer
	httpClient *http.Client
	logger     *slog.Logger
	states     *stateStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a new OAuth manager. Start must be called to sweep
// expired states.
func NewManager(cfg *config.Config, db *database.DB, tokens TokenStore, registry *provider.Registry, queue jobs.Enqueuer, httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{
		config:     cfg,
		db:         db,
		tokens:     tokens,
		registry:   registry,
		queue:      queue,
		httpClient: httpClient,
		logger:     slog.Default(),
		states:     &stateStore{states: make(map[string]pendingAuth)},
	}
}

// Start runs the expired-state sweep until Stop or ctx is done
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanupStates(time.Now())
			}
		}
	}()
}

// Stop ends the sweep and waits for it to exit
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Manager) redirectURL() string {
	return m.config.PublicURL + CallbackPath
}

func (m *Manager) client(providerName string) (provider.Client, error) {
	pc, err := m.config.GetProvider(providerName)
	if err != nil {
		return nil, err
	}
	if !pc.Configured() {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotReady, providerName)
	}
	return m.registry.Get(providerName)
}

// AuthURL returns the provider consent URL for userID with a fresh one-time
// state. PKCE is used for every provider.
func (m *Manager) AuthURL(providerName, userID string) (string, string, error) {
	if userID == "" {
		return "", "", ErrMissingUserID
	}
	client, err := m.client(providerName)
	if err != nil {
		return "", "", err
	}

	state, err := generateRandomState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	m.states.mu.Lock()
	m.states.states[state] = pendingAuth{
		provider:  providerName,
		userID:    userID,
		verifier:  verifier,
		expiresAt: time.Now().Add(stateTTL),
	}
	m.states.mu.Unlock()

	authURL := client.OAuthConfig(m.redirectURL()).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	m.logger.Info("Generated auth URL", "provider", providerName, "user_id", userID)
	return authURL, state, nil
}

// HandleCallback exchanges the code, stores the token and the provider account
// mapping, and queues the first YTD import for providers that backfill
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (*Connection, error) {
	pending, ok := m.takeState(state)
	if !ok {
		return nil, ErrInvalidState
	}

	client, err := m.client(pending.provider)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Handling OAuth callback", "provider", pending.provider, "user_id", pending.userID, "code_length", len(code))

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	timer := time.Now()
	tok, err := client.OAuthConfig(m.redirectURL()).Exchange(ctx, code, oauth2.VerifierOption(pending.verifier))
	metrics.ProviderAPIRequestDuration.WithLabelValues(pending.provider, metrics.OpExchangeCode).Observe(time.Since(timer).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	providerUserID, err := client.FetchUserID(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provider user: %w", err)
	}

	existing, err := m.db.ResolveUserID(ctx, pending.provider, providerUserID)
	if err != nil {
		return nil, err
	}
	if existing != "" && existing != pending.userID {
		return nil, fmt.Errorf("%w: %s", ErrProviderMismatch, pending.provider)
	}

	if err := m.tokens.Store(ctx, toStoredToken(pending, tok)); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	if err := m.db.UpsertUserAccount(ctx, pending.provider, providerUserID, pending.userID); err != nil {
		return nil, fmt.Errorf("failed to store provider account: %w", err)
	}

	m.logger.Info("Connected provider",
		"provider", pending.provider,
		"user_id", pending.userID,
		"provider_user_id", providerUserID)

	conn := &Connection{
		UserID:         pending.userID,
		Provider:       pending.provider,
		ProviderUserID: providerUserID,
	}

	// Garmin only pushes new activities after consent; the past comes from a backfill
	if pending.provider == provider.Garmin {
		info, err := m.queue.Enqueue(ctx, jobs.NameBackfillTrigger, &jobs.BackfillPayload{
			UserID:   pending.userID,
			Provider: pending.provider,
			YearKey:  database.YearKeyYTD,
		})
		if err != nil {
			// Don't fail the connect flow if enqueueing fails
			m.logger.Error("Failed to enqueue initial backfill", "user_id", pending.userID, "error", err)
		} else {
			conn.BackfillJobID = info.ID
			m.logger.Info("Enqueued initial backfill", "user_id", pending.userID, "job_id", info.ID)
		}
	}

	return conn, nil
}

func toStoredToken(pending pendingAuth, tok *oauth2.Token) *database.OAuthToken {
	now := time.Now()
	stored := &database.OAuthToken{
		UserID:      pending.userID,
		Provider:    pending.provider,
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if tok.RefreshToken != "" {
		stored.RefreshToken = &tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		stored.Scope = scope
	}
	if stored.ExpiresAt.IsZero() {
		// No expiry reported; treat the token as long-lived
		stored.ExpiresAt = now.Add(365 * 24 * time.Hour)
	}
	return stored
}

// takeState checks if a state is valid and removes it (one-time use)
func (m *Manager) takeState(state string) (pendingAuth, bool) {
	m.states.mu.Lock()
	defer m.states.mu.Unlock()

	pending, exists := m.states.states[state]
	if !exists {
		return pendingAuth{}, false
	}
	delete(m.states.states, state)

	if time.Now().After(pending.expiresAt) {
		return pendingAuth{}, false
	}
	return pending, true
}

// cleanupStates removes states expired at now
func (m *Manager) cleanupStates(now time.Time) {
	m.states.mu.Lock()
	defer m.states.mu.Unlock()

	for state, pending := range m.states.states {
		if now.After(pending.expiresAt) {
			delete(m.states.states, state)
		}
	}
}

// generateRandomState generates a cryptographically secure random state
func generateRandomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
