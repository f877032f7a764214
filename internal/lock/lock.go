// Package lock provides best-effort mutual exclusion across processes for
// long-running per-user operations such as backfills and token refreshes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// Operation kinds
const (
	KindBackfill     = "backfill"
	KindTokenRefresh = "token_refresh"
)

// DefaultTTL bounds how long a crashed holder can block others
const DefaultTTL = 15 * time.Minute

// ErrLockUnavailable is returned by WithLock when another holder has the lock.
// Callers should retry later.
var ErrLockUnavailable = errors.New("lock unavailable")

// Store is an atomic key/value store with expiry
type Store interface {
	// SetNX sets key to value for ttl only if key is absent or expired
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if it currently holds value
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// Lock is the result of an acquisition attempt
type Lock struct {
	Acquired bool
	Key      string
	Value    string

	// Degraded is true when the store was unavailable and the lock was
	// granted without mutual exclusion
	Degraded bool
}

// Service hands out locks keyed by (kind, provider, user)
type Service struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a lock service backed by store
func NewService(store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:  store,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// Key returns the store key for a lock
func Key(kind, provider, userID string) string {
	return fmt.Sprintf("lock:%s:%s:%s", kind, provider, userID)
}

// Acquire tries to take the lock once without waiting.
//
// If the store fails, the lock is granted in degraded mode: backfills keep
// working while the store is down at the cost of mutual exclusion. Degraded
// grants are logged, counted and exposed through the lock_store_degraded gauge.
func (s *Service) Acquire(ctx context.Context, kind, provider, userID string) Lock {
	l := Lock{
		Key:   Key(kind, provider, userID),
		Value: uuid.NewString(),
	}

	ok, err := s.store.SetNX(ctx, l.Key, l.Value, s.ttl)
	if err != nil {
		s.logger.Warn("Lock store unavailable, proceeding without lock",
			"lock_key", l.Key, "error", err)
		metrics.LockAcquireTotal.WithLabelValues(kind, metrics.LockDegraded).Inc()
		metrics.LockStoreDegraded.Set(1)
		l.Acquired = true
		l.Degraded = true
		return l
	}
	metrics.LockStoreDegraded.Set(0)

	if !ok {
		metrics.LockAcquireTotal.WithLabelValues(kind, metrics.LockHeld).Inc()
		s.logger.Debug("Lock held by another holder", "lock_key", l.Key)
		return l
	}

	metrics.LockAcquireTotal.WithLabelValues(kind, metrics.LockAcquired).Inc()
	l.Acquired = true
	return l
}

// Release deletes the lock if it still holds this holder's value.
// A lock that expired and was re-acquired by someone else is left alone.
func (s *Service) Release(ctx context.Context, l Lock) error {
	if !l.Acquired || l.Degraded {
		return nil
	}

	// Release must run even when the caller's context is already done
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	released, err := s.store.CompareAndDelete(ctx, l.Key, l.Value)
	if err != nil {
		s.logger.Error("Failed to release lock", "lock_key", l.Key, "error", err)
		return fmt.Errorf("failed to release lock %s: %w", l.Key, err)
	}
	if !released {
		s.logger.Warn("Lock expired before release", "lock_key", l.Key)
	}
	return nil
}

// WithLock runs fn while holding the lock and always releases it afterwards.
// Returns ErrLockUnavailable without calling fn if the lock is held.
func (s *Service) WithLock(ctx context.Context, kind, provider, userID string, fn func(ctx context.Context) error) error {
	l := s.Acquire(ctx, kind, provider, userID)
	if !l.Acquired {
		return ErrLockUnavailable
	}
	defer s.Release(ctx, l)

	return fn(ctx)
}
