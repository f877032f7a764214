// Package backfill imports historical activity windows from providers,
// chunked to each provider's maximum window and tracked per year key.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/imports"
	"github.com/ryanlecours/loam-logger-sub002/internal/ingest"
	"github.com/ryanlecours/loam-logger-sub002/internal/jobs"
	"github.com/ryanlecours/loam-logger-sub002/internal/lock"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

const (
	// maxRangeAdjustments bounds how often one chunk's start may be moved
	// forward to the provider's minimum
	maxRangeAdjustments = 3

	// listedBatchSize is the number of listed activities per ingestion job
	listedBatchSize = 50
)

// Options tune the orchestrator
type Options struct {
	ChunkSize    time.Duration
	MinYear      int
	RateCooldown time.Duration
}

// Orchestrator runs backfills
type Orchestrator struct {
	db       *database.DB
	tokens   ingest.TokenSource
	registry *provider.Registry
	locks    *lock.Service
	tracker  *imports.Tracker
	queue    jobs.Enqueuer

	chunkSize    time.Duration
	minYear      int
	rateCooldown time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(db *database.DB, tokens ingest.TokenSource, registry *provider.Registry, locks *lock.Service, tracker *imports.Tracker, queue jobs.Enqueuer, opts Options) *Orchestrator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 30 * 24 * time.Hour
	}
	if opts.MinYear <= 0 {
		opts.MinYear = 2000
	}
	if opts.RateCooldown <= 0 {
		opts.RateCooldown = 15 * time.Minute
	}
	return &Orchestrator{
		db:           db,
		tokens:       tokens,
		registry:     registry,
		locks:        locks,
		tracker:      tracker,
		queue:        queue,
		chunkSize:    opts.ChunkSize,
		minYear:      opts.MinYear,
		rateCooldown: opts.RateCooldown,
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// Result reports one backfill run
type Result struct {
	UserID    string
	Provider  string
	YearKey   string
	SessionID string
	Start     time.Time
	End       time.Time
	Status    string

	Accepted         int
	Duplicates       int
	Failed           int
	RangeAdjustments int
	Listed           int

	// Warnings holds one message per failed chunk
	Warnings []string
}

// TriggerBackfill imports the window named by yearKey (a 4-digit year or
// "ytd"). Chunks are requested sequentially; per-chunk failures become
// warnings on the result rather than errors.
func (o *Orchestrator) TriggerBackfill(ctx context.Context, userID, providerName, yearKey string) (*Result, error) {
	bf, ok := o.registry.Backfiller(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, providerName)
	}

	window, err := o.resolveWindow(ctx, userID, providerName, yearKey)
	if err != nil {
		return nil, err
	}

	if err := o.checkCircuit(ctx, providerName); err != nil {
		return nil, err
	}

	token, err := o.tokens.GetValidToken(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}

	l := o.locks.Acquire(ctx, lock.KindBackfill, providerName, userID)
	if !l.Acquired {
		return nil, ErrImportInProgress
	}
	defer func() {
		if err := o.locks.Release(ctx, l); err != nil {
			o.logger.Error("Failed to release backfill lock", "lock_key", l.Key, "error", err)
		}
	}()

	session, err := o.tracker.StartSession(ctx, userID, providerName)
	if errors.Is(err, imports.ErrSessionRunning) {
		return nil, ErrImportInProgress
	}
	if err != nil {
		return nil, err
	}

	res := &Result{
		UserID:    userID,
		Provider:  providerName,
		YearKey:   yearKey,
		SessionID: session.ID,
		Start:     window.Start,
		End:       window.End,
	}

	if err := o.markInProgress(ctx, userID, providerName, yearKey, window.Restart); err != nil {
		o.completeSession(ctx, session.ID)
		return nil, err
	}

	o.logger.Info("Starting backfill",
		"user_id", userID,
		"provider", providerName,
		"year_key", yearKey,
		"session_id", session.ID,
		"start", window.Start,
		"end", window.End,
	)

	size := o.chunkSize
	if limit := bf.MaxWindow(); limit > 0 && limit < size {
		size = limit
	}
	o.runChunks(ctx, bf, token, window, size, res)

	if err := o.finish(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// checkCircuit rejects the run while the provider's rate-limit breaker is open
func (o *Orchestrator) checkCircuit(ctx context.Context, providerName string) error {
	state, err := o.db.GetCircuitBreakerState(ctx, providerName)
	if err != nil {
		return err
	}
	if state.State == database.CircuitOpen && state.ClosesAt != nil && o.now().Before(*state.ClosesAt) {
		return fmt.Errorf("%w (until %s)", ErrRateLimited, state.ClosesAt.Format(time.RFC3339))
	}
	return nil
}

func (o *Orchestrator) markInProgress(ctx context.Context, userID, providerName, yearKey string, restart bool) error {
	if restart {
		if _, err := o.db.RestartBackfillRequest(ctx, userID, providerName, yearKey); err != nil {
			return err
		}
		return nil
	}
	if err := o.db.PrepareBackfillRequest(ctx, userID, providerName, yearKey); err != nil {
		return err
	}
	updated, err := o.db.UpdateBackfillStatus(ctx, userID, providerName, yearKey, database.BackfillInProgress, nil)
	if err != nil {
		return err
	}
	if !updated {
		// Completed between the window check and now
		return ErrAlreadyBackfilled
	}
	return nil
}

// runChunks requests contiguous chunks of the window in order. A range
// rejection moves the current chunk's start up to the provider's minimum and
// retries it.
func (o *Orchestrator) runChunks(ctx context.Context, bf provider.Backfiller, token string, w *Window, size time.Duration, res *Result) {
	start := w.Start
	for start.Before(w.End) {
		if ctx.Err() != nil {
			res.Failed++
			res.Warnings = append(res.Warnings, fmt.Sprintf("cancelled before %s: %v", start.Format(time.RFC3339), ctx.Err()))
			return
		}

		end := start.Add(size)
		if end.After(w.End) {
			end = w.End
		}

		next, done := o.runChunk(ctx, bf, token, start, end, res)
		if done {
			return
		}
		start = next
	}
}

// runChunk requests [start, end) and returns where the next chunk starts. done
// is set when the provider's minimum start lies beyond the window.
func (o *Orchestrator) runChunk(ctx context.Context, bf provider.Backfiller, token string, start, end time.Time, res *Result) (next time.Time, done bool) {
	for adjustments := 0; ; adjustments++ {
		out, err := bf.RequestChunk(ctx, token, start, end)
		if err != nil {
			o.chunkFailed(ctx, res, start, end, err)
			return end, false
		}

		switch out.Outcome {
		case provider.ChunkAccepted:
			metrics.BackfillChunksTotal.WithLabelValues(res.Provider, metrics.ChunkAccepted).Inc()
			res.Accepted++
			o.enqueueListed(ctx, res, out.Listed)
			return end, false

		case provider.ChunkDuplicate:
			metrics.BackfillChunksTotal.WithLabelValues(res.Provider, metrics.ChunkDuplicate).Inc()
			res.Duplicates++
			return end, false

		case provider.ChunkRangeRejected:
			metrics.BackfillChunksTotal.WithLabelValues(res.Provider, metrics.ChunkRangeRejected).Inc()
			minStart := ceilSecond(out.MinStart.UTC())
			if !minStart.After(start) || adjustments >= maxRangeAdjustments {
				o.chunkFailed(ctx, res, start, end, fmt.Errorf("range rejected with minimum start %s", out.MinStart.Format(time.RFC3339)))
				return end, false
			}

			res.RangeAdjustments++
			o.logger.Info("Provider rejected chunk start, adjusting",
				"user_id", res.UserID,
				"provider", res.Provider,
				"requested_start", start,
				"min_start", minStart,
			)

			if !minStart.Before(res.End) {
				return res.End, true
			}
			if !minStart.Before(end) {
				// The whole chunk precedes the minimum; rechunk from there
				return minStart, false
			}
			start = minStart

		default:
			o.chunkFailed(ctx, res, start, end, fmt.Errorf("unexpected chunk outcome %s", out.Outcome))
			return end, false
		}
	}
}

func (o *Orchestrator) chunkFailed(ctx context.Context, res *Result, start, end time.Time, err error) {
	metrics.BackfillChunksTotal.WithLabelValues(res.Provider, metrics.ChunkError).Inc()
	res.Failed++
	res.Warnings = append(res.Warnings, fmt.Sprintf("%s to %s: %v", start.Format(time.RFC3339), end.Format(time.RFC3339), err))

	o.logger.Warn("Backfill chunk failed",
		"user_id", res.UserID,
		"provider", res.Provider,
		"chunk_start", start,
		"chunk_end", end,
		"error", err,
	)

	if provider.IsTooManyRequests(err) {
		cooldown := provider.CalculateCooldown(err, o.rateCooldown)
		if err := o.db.OpenCircuitBreaker(ctx, res.Provider, cooldown); err != nil {
			o.logger.Error("Failed to open circuit breaker", "provider", res.Provider, "error", err)
			return
		}
		metrics.CircuitBreakerOpened.WithLabelValues(res.Provider).Inc()
		metrics.CircuitBreakerState.WithLabelValues(res.Provider).Set(metrics.CircuitGaugeValue(database.CircuitOpen))
	}
}

// enqueueListed hands activities listed by pull-style providers to the
// ingestion pipeline
func (o *Orchestrator) enqueueListed(ctx context.Context, res *Result, refs []provider.ActivityRef) {
	for len(refs) > 0 {
		n := min(len(refs), listedBatchSize)
		batch := refs[:n]
		refs = refs[n:]

		_, err := o.queue.Enqueue(ctx, jobs.NameIngestActivities, &ingest.Notification{
			UserID:   res.UserID,
			Provider: res.Provider,
			Items:    batch,
		})
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("failed to enqueue %d listed activities: %v", len(batch), err))
			o.logger.Error("Failed to enqueue listed activities", "user_id", res.UserID, "provider", res.Provider, "error", err)
			continue
		}
		res.Listed += len(batch)
	}
}

// finish applies the final status rule and the YTD checkpoint
func (o *Orchestrator) finish(ctx context.Context, res *Result) error {
	var lastError *string
	if len(res.Warnings) > 0 {
		msg := strings.Join(res.Warnings, "; ")
		lastError = &msg
	}

	switch {
	case res.Accepted == 0 && res.Failed == 0:
		// Every chunk was already processed; no webhook will arrive
		res.Status = database.BackfillCompleted
	case res.Accepted == 0 && res.Duplicates == 0:
		res.Status = database.BackfillFailed
	default:
		res.Status = database.BackfillInProgress
	}

	if _, err := o.db.UpdateBackfillStatus(ctx, res.UserID, res.Provider, res.YearKey, res.Status, lastError); err != nil {
		return err
	}

	if res.YearKey == database.YearKeyYTD && res.Accepted+res.Duplicates > 0 {
		if err := o.db.AdvanceBackfilledUpTo(ctx, res.UserID, res.Provider, res.End); err != nil {
			return err
		}
	}

	if res.Status != database.BackfillInProgress {
		o.completeSession(ctx, res.SessionID)
	}

	metrics.BackfillRunsTotal.WithLabelValues(res.Provider, res.Status).Inc()
	o.logger.Info("Backfill finished",
		"user_id", res.UserID,
		"provider", res.Provider,
		"year_key", res.YearKey,
		"status", res.Status,
		"accepted", res.Accepted,
		"duplicates", res.Duplicates,
		"failed", res.Failed,
		"range_adjustments", res.RangeAdjustments,
		"listed", res.Listed,
	)
	return nil
}

func (o *Orchestrator) completeSession(ctx context.Context, sessionID string) {
	if err := o.tracker.Complete(ctx, sessionID); err != nil {
		o.logger.Error("Failed to complete import session", "session_id", sessionID, "error", err)
	}
}
