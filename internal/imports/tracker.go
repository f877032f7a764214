// Package imports tracks import runs: one running session per user and
// provider that spans backfill chunks and the webhook deliveries they cause.
package imports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// ErrSessionRunning is returned when a session is already running for the
// user and provider
var ErrSessionRunning = errors.New("import already in progress")

// Tracker manages import sessions
type Tracker struct {
	db     *database.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker
func NewTracker(db *database.DB) *Tracker {
	return &Tracker{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// StartSession creates a running session, refusing if one already exists
func (t *Tracker) StartSession(ctx context.Context, userID, provider string) (*database.ImportSession, error) {
	s, err := t.db.StartImportSession(ctx, uuid.NewString(), userID, provider)
	if errors.Is(err, database.ErrRunningSessionExists) {
		return nil, ErrSessionRunning
	}
	if err != nil {
		return nil, err
	}

	t.logger.Info("Started import session", "session_id", s.ID, "user_id", userID, "provider", provider)
	return s, nil
}

// CompleteSession marks the session completed with the number of its rides
// still lacking a bike. Completing a session that is not running is a no-op.
func (t *Tracker) CompleteSession(ctx context.Context, sessionID string, unassignedRideCount int) error {
	completed, err := t.db.CompleteImportSession(ctx, sessionID, unassignedRideCount)
	if err != nil {
		return err
	}
	if !completed {
		t.logger.Debug("Import session already completed", "session_id", sessionID)
		return nil
	}

	s, err := t.db.GetImportSession(ctx, sessionID)
	if err == nil && s != nil {
		metrics.ImportSessionsCompletedTotal.WithLabelValues(s.Provider).Inc()
	}
	t.logger.Info("Completed import session", "session_id", sessionID, "unassigned_ride_count", unassignedRideCount)
	return nil
}

// Complete counts the session's unassigned rides and completes it
func (t *Tracker) Complete(ctx context.Context, sessionID string) error {
	unassigned, err := t.db.CountUnassignedRidesInSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return t.CompleteSession(ctx, sessionID, unassigned)
}

// RecordActivity stamps the session's last activity time. Call once per
// ingested batch, not per ride.
func (t *Tracker) RecordActivity(ctx context.Context, sessionID string) error {
	return t.db.RecordSessionActivity(ctx, sessionID, t.now())
}

// ActiveSession returns the running session for the user and provider, or nil
func (t *Tracker) ActiveSession(ctx context.Context, userID, provider string) (*database.ImportSession, error) {
	return t.db.GetRunningImportSession(ctx, userID, provider)
}

// Get returns a session by id, or nil
func (t *Tracker) Get(ctx context.Context, sessionID string) (*database.ImportSession, error) {
	return t.db.GetImportSession(ctx, sessionID)
}

// Latest returns the most recent session for the user and provider, or nil
func (t *Tracker) Latest(ctx context.Context, userID, provider string) (*database.ImportSession, error) {
	return t.db.GetLatestImportSession(ctx, userID, provider)
}

// FinalizeIdle completes running sessions that have received no activity for
// idleTimeout, and marks the in_progress backfills they carried completed.
// Returns the number of sessions completed.
func (t *Tracker) FinalizeIdle(ctx context.Context, idleTimeout time.Duration) (int, error) {
	sessions, err := t.db.ListIdleImportSessions(ctx, t.now().Add(-idleTimeout))
	if err != nil {
		return 0, err
	}

	finalized := 0
	var errs []error
	for _, s := range sessions {
		if err := t.Complete(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			continue
		}

		n, err := t.db.CompleteInProgressBackfills(ctx, s.UserID, s.Provider)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s backfills: %w", s.ID, err))
			continue
		}
		finalized++
		t.logger.Info("Finalized idle import session",
			"session_id", s.ID,
			"user_id", s.UserID,
			"provider", s.Provider,
			"backfills_completed", n,
		)
	}
	return finalized, errors.Join(errs...)
}
