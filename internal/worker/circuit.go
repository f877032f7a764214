package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/jobs"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

// gate defers jobs that would call a provider whose circuit is open. It also
// applies the open -> half_open transition once the cooldown has elapsed.
func (w *Worker) gate(ctx context.Context, providerName string) error {
	state, err := w.db.GetCircuitBreakerState(ctx, providerName)
	if err != nil {
		return err
	}
	if err := w.handleCircuitBreakerTransitions(ctx, state); err != nil {
		w.logger.Error("Failed to handle circuit transitions", "provider", providerName, "error", err)
	}

	if state.State == database.CircuitOpen && state.ClosesAt != nil && time.Now().Before(*state.ClosesAt) {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeCircuitOpen).Inc()
		return jobs.Defer(*state.ClosesAt, fmt.Sprintf("%s circuit open", providerName))
	}
	return nil
}

// handleCircuitBreakerTransitions manages state transitions for a provider's breaker
func (w *Worker) handleCircuitBreakerTransitions(ctx context.Context, state *database.CircuitBreakerState) error {
	now := time.Now()

	switch state.State {
	case database.CircuitOpen:
		if state.ClosesAt != nil && now.After(*state.ClosesAt) {
			w.logger.Info("Circuit breaker cooldown elapsed, transitioning to half_open",
				"provider", state.Provider,
				"cooldown_duration", now.Sub(*state.OpenedAt))
			if err := w.db.TransitionCircuitBreakerToHalfOpen(ctx, state.Provider); err != nil {
				return fmt.Errorf("failed to transition to half_open: %w", err)
			}
			state.State = database.CircuitHalfOpen
			state.ConsecutiveSuccesses = 0
			metrics.CircuitBreakerState.WithLabelValues(state.Provider).Set(metrics.CircuitGaugeValue(database.CircuitHalfOpen))
		}

	case database.CircuitHalfOpen:
		if state.ConsecutiveSuccesses >= w.config.RateLimitCircuitRecoveryCount {
			w.logger.Info("Circuit breaker recovered after consecutive successes",
				"provider", state.Provider,
				"successes", state.ConsecutiveSuccesses)
			if err := w.db.TransitionCircuitBreakerToClosed(ctx, state.Provider); err != nil {
				return fmt.Errorf("failed to transition to closed: %w", err)
			}
			state.State = database.CircuitClosed
			metrics.CircuitBreakerState.WithLabelValues(state.Provider).Set(metrics.CircuitGaugeValue(database.CircuitClosed))
			metrics.CircuitBreakerRecovered.WithLabelValues(state.Provider).Inc()
		}
	}

	return nil
}

// recordSuccess counts a successful provider job while half_open and closes
// the breaker after enough of them
func (w *Worker) recordSuccess(ctx context.Context, providerName string) {
	if err := w.db.IncrementCircuitBreakerSuccesses(ctx, providerName); err != nil {
		w.logger.Error("Failed to record circuit breaker success", "provider", providerName, "error", err)
		return
	}
	state, err := w.db.GetCircuitBreakerState(ctx, providerName)
	if err != nil {
		w.logger.Error("Failed to check circuit breaker", "provider", providerName, "error", err)
		return
	}
	if state.State != database.CircuitHalfOpen {
		return
	}
	if err := w.handleCircuitBreakerTransitions(ctx, state); err != nil {
		w.logger.Error("Failed to handle circuit transitions", "provider", providerName, "error", err)
	}
}

// openCircuit processes a rate limit error by opening the provider's breaker
func (w *Worker) openCircuit(ctx context.Context, providerName string, cause error) {
	cooldown := provider.CalculateCooldown(cause, w.config.RateLimitCooldown)
	w.logger.Warn("Rate limit hit (429), opening circuit breaker",
		"provider", providerName,
		"cooldown_duration", cooldown,
		"closes_at", time.Now().Add(cooldown))

	if err := w.db.OpenCircuitBreaker(ctx, providerName, cooldown); err != nil {
		w.logger.Error("Failed to open circuit breaker", "provider", providerName, "error", err)
		return
	}
	metrics.CircuitBreakerOpened.WithLabelValues(providerName).Inc()
	metrics.CircuitBreakerState.WithLabelValues(providerName).Set(metrics.CircuitGaugeValue(database.CircuitOpen))
}
