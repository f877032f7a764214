package database

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// CircuitBreakerState is the rate-limit breaker for one provider
type CircuitBreakerState struct {
	Provider             string
	State                string
	OpenedAt             *time.Time
	ClosesAt             *time.Time
	ConsecutiveSuccesses int
	UpdatedAt            time.Time
}

// GetCircuitBreakerState returns the breaker for a provider. A provider that
// has never been rate limited is reported closed.
func (db *DB) GetCircuitBreakerState(ctx context.Context, provider string) (*CircuitBreakerState, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetCircuitBreakerState))
	defer timer.ObserveDuration()

	state := CircuitBreakerState{Provider: provider}
	var openedAt, closesAt *int64
	var updatedAt int64

	err := db.conn.QueryRowContext(ctx, `
		SELECT state, opened_at, closes_at, consecutive_successes, updated_at
		FROM rate_limit_circuit_breaker
		WHERE provider = ?
	`, provider).Scan(&state.State, &openedAt, &closesAt, &state.ConsecutiveSuccesses, &updatedAt)
	if isNoRows(err) {
		return &CircuitBreakerState{Provider: provider, State: CircuitClosed, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetCircuitBreakerState).Inc()
		return nil, fmt.Errorf("failed to get circuit breaker state: %w", err)
	}

	state.OpenedAt = timePtr(openedAt)
	state.ClosesAt = timePtr(closesAt)
	state.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &state, nil
}

// OpenCircuitBreaker opens the breaker for a provider for the cooldown period
func (db *DB) OpenCircuitBreaker(ctx context.Context, provider string, cooldown time.Duration) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpOpenCircuitBreaker))
	defer timer.ObserveDuration()

	now := time.Now()
	closesAt := now.Add(cooldown)

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO rate_limit_circuit_breaker (provider, state, opened_at, closes_at, consecutive_successes, updated_at)
		VALUES (?, 'open', ?, ?, 0, ?)
		ON CONFLICT (provider) DO UPDATE SET
			state = 'open',
			opened_at = excluded.opened_at,
			closes_at = excluded.closes_at,
			consecutive_successes = 0,
			updated_at = excluded.updated_at
	`, provider, now.Unix(), closesAt.Unix(), now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpOpenCircuitBreaker).Inc()
		return fmt.Errorf("failed to open circuit breaker: %w", err)
	}
	return nil
}

// TransitionCircuitBreakerToHalfOpen moves an open breaker to half_open
func (db *DB) TransitionCircuitBreakerToHalfOpen(ctx context.Context, provider string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTransitionCircuit))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE rate_limit_circuit_breaker
		SET state = 'half_open', consecutive_successes = 0, updated_at = ?
		WHERE provider = ? AND state = 'open'
	`, time.Now().Unix(), provider)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTransitionCircuit).Inc()
		return fmt.Errorf("failed to transition circuit breaker to half_open: %w", err)
	}
	return nil
}

// TransitionCircuitBreakerToClosed closes the breaker for a provider
func (db *DB) TransitionCircuitBreakerToClosed(ctx context.Context, provider string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTransitionCircuit))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE rate_limit_circuit_breaker
		SET state = 'closed', opened_at = NULL, closes_at = NULL,
		    consecutive_successes = 0, updated_at = ?
		WHERE provider = ?
	`, time.Now().Unix(), provider)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTransitionCircuit).Inc()
		return fmt.Errorf("failed to transition circuit breaker to closed: %w", err)
	}
	return nil
}

// IncrementCircuitBreakerSuccesses counts a success while half_open
func (db *DB) IncrementCircuitBreakerSuccesses(ctx context.Context, provider string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE rate_limit_circuit_breaker
		SET consecutive_successes = consecutive_successes + 1, updated_at = ?
		WHERE provider = ? AND state = 'half_open'
	`, time.Now().Unix(), provider)
	if err != nil {
		return fmt.Errorf("failed to increment circuit breaker successes: %w", err)
	}
	return nil
}

// CircuitState returns only the state name of a provider's breaker
func (db *DB) CircuitState(ctx context.Context, provider string) (string, error) {
	state, err := db.GetCircuitBreakerState(ctx, provider)
	if err != nil {
		return "", err
	}
	return state.State, nil
}
