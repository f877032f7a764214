package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryanlecours/loam-logger-sub002/internal/backfill"
	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/imports"
	"github.com/ryanlecours/loam-logger-sub002/internal/ingest"
	"github.com/ryanlecours/loam-logger-sub002/internal/jobs"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
	"github.com/ryanlecours/loam-logger-sub002/internal/tokens"
)

const (
	// backfillThrottlePercent defers backfills once a provider's rate limit
	// usage reaches this level, leaving the rest for webhook traffic
	backfillThrottlePercent = 90

	throttleDelay = 5 * time.Minute
	busyDelay     = 5 * time.Minute
)

// ErrUnknownJob is returned for job names no handler is registered for
var ErrUnknownJob = errors.New("unknown job name")

// Disconnector removes a user's provider connection
type Disconnector interface {
	Disconnect(ctx context.Context, userID, provider string) error
}

// Worker processes background jobs
type Worker struct {
	db           *database.DB
	pipeline     *ingest.Pipeline
	orchestrator *backfill.Orchestrator
	accounts     Disconnector
	tracker      *imports.Tracker
	registry     *provider.Registry
	config       *config.Config
	logger       *slog.Logger

	pollInterval     time.Duration
	finalizeInterval time.Duration
}

// NewWorker creates a new job worker
func NewWorker(db *database.DB, pipeline *ingest.Pipeline, orchestrator *backfill.Orchestrator, accounts Disconnector, tracker *imports.Tracker, registry *provider.Registry, cfg *config.Config) *Worker {
	return &Worker{
		db:               db,
		pipeline:         pipeline,
		orchestrator:     orchestrator,
		accounts:         accounts,
		tracker:          tracker,
		registry:         registry,
		config:           cfg,
		logger:           slog.Default(),
		pollInterval:     500 * time.Millisecond,
		finalizeInterval: max(time.Minute, cfg.ImportIdleTimeout/4),
	}
}

// Start runs WorkerConcurrency poll loops over the SQLite job queue plus the
// idle session finalizer, until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker", "concurrency", w.config.WorkerConcurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.config.WorkerConcurrency {
		g.Go(func() error { return w.poll(gctx, i) })
	}
	g.Go(func() error { return w.finalizeLoop(gctx) })

	err := g.Wait()
	w.logger.Info("Stopping worker")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (w *Worker) poll(ctx context.Context, loop int) error {
	metrics.WorkerActive.Inc()
	defer metrics.WorkerActive.Dec()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := w.db.ClaimJob(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("Failed to claim job", "loop", loop, "error", err)
			}
			w.sleep(ctx)
			continue
		}

		if job == nil {
			metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeIdle).Inc()
			w.sleep(ctx)
			continue
		}

		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeJobFound).Inc()
		w.processJob(ctx, job)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

// processJob runs a claimed job and settles it in the queue: deleted on
// success or permanent failure, unclaimed when deferred, released with
// backoff otherwise
func (w *Worker) processJob(ctx context.Context, job *database.Job) {
	start := time.Now()
	w.logger.Info("Processing job", "id", job.ID, "job_name", job.Name, "retry_count", job.RetryCount)

	err := w.Handle(ctx, job.Name, job.Payload)
	duration := time.Since(start).Seconds()

	// Settle the job even when shutdown interrupted it
	settleCtx := context.WithoutCancel(ctx)

	if err != nil && ctx.Err() != nil {
		w.logger.Info("Job interrupted by shutdown, returning to queue", "id", job.ID, "job_name", job.Name)
		if err := w.db.UnclaimJob(settleCtx, job.ID, time.Now()); err != nil {
			w.logger.Error("Failed to unclaim job", "id", job.ID, "error", err)
		}
		return
	}

	if d, ok := jobs.AsDeferred(err); ok {
		w.logger.Info("Job deferred", "id", job.ID, "job_name", job.Name, "until", d.Until, "reason", d.Reason)
		if err := w.db.UnclaimJob(settleCtx, job.ID, d.Until); err != nil {
			w.logger.Error("Failed to unclaim job", "id", job.ID, "error", err)
		}
		return
	}

	switch {
	case err == nil:
		if err := w.db.DeleteJob(settleCtx, job.ID); err != nil {
			w.logger.Error("Failed to delete completed job", "id", job.ID, "error", err)
			return
		}
		metrics.QueueProcessingDuration.WithLabelValues(job.Name, metrics.ResultSuccess).Observe(duration)
		metrics.QueueDequeueTotal.WithLabelValues(job.Name, metrics.ResultSuccess).Inc()
		w.logger.Info("Job processed successfully", "id", job.ID, "job_name", job.Name)

	case errors.Is(err, jobs.ErrPermanent):
		w.logger.Warn("Job failed permanently, dropping", "id", job.ID, "job_name", job.Name, "error", err)
		if err := w.db.DeleteJob(settleCtx, job.ID); err != nil {
			w.logger.Error("Failed to delete dropped job", "id", job.ID, "error", err)
		}
		metrics.QueueProcessingDuration.WithLabelValues(job.Name, metrics.ResultFailure).Observe(duration)
		metrics.QueueDequeueTotal.WithLabelValues(job.Name, metrics.ResultDropped).Inc()

	default:
		w.logger.Error("Failed to process job", "id", job.ID, "job_name", job.Name, "error", err)
		metrics.QueueProcessingDuration.WithLabelValues(job.Name, metrics.ResultFailure).Observe(duration)
		metrics.QueueDequeueTotal.WithLabelValues(job.Name, metrics.ResultRetry).Inc()
		metrics.QueueRetryTotal.WithLabelValues(job.Name, strconv.Itoa(job.RetryCount+1)).Inc()
		w.releaseJob(settleCtx, job, err.Error())
	}
}

// releaseJob releases a job back to the queue with exponential backoff
func (w *Worker) releaseJob(ctx context.Context, job *database.Job, errorMsg string) {
	shouldRetry, err := w.db.ReleaseJob(ctx, job.ID, job.RetryCount, errorMsg)
	if err != nil {
		w.logger.Error("Failed to release job", "id", job.ID, "error", err)
		return
	}

	if !shouldRetry {
		w.logger.Warn("Job exceeded max retries, dropped",
			"id", job.ID,
			"job_name", job.Name,
			"retry_count", job.RetryCount)
	} else {
		w.logger.Info("Job released for retry",
			"id", job.ID,
			"job_name", job.Name,
			"retry_count", job.RetryCount+1)
	}
}

// Handle dispatches one job by name. It is shared by the SQLite poll loops and
// the asynq server.
func (w *Worker) Handle(ctx context.Context, name string, payload []byte) error {
	switch name {
	case jobs.NameIngestActivities:
		return w.handleIngest(ctx, payload)
	case jobs.NameIngestDelete:
		return w.handleDelete(ctx, payload)
	case jobs.NameAccountDisconnect:
		return w.handleDisconnect(ctx, payload)
	case jobs.NameBackfillTrigger:
		return w.handleBackfill(ctx, payload)
	default:
		return jobs.Permanent(fmt.Errorf("%w: %s", ErrUnknownJob, name))
	}
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return jobs.Permanent(fmt.Errorf("invalid payload: %w", err))
	}
	return nil
}

func (w *Worker) handleIngest(ctx context.Context, payload []byte) error {
	var n ingest.Notification
	if err := decode(payload, &n); err != nil {
		return err
	}

	if err := w.gate(ctx, n.Provider); err != nil {
		return err
	}

	res, err := w.pipeline.ProcessBatch(ctx, &n)
	if err != nil {
		return err
	}

	if res.RateLimited != nil {
		w.openCircuit(ctx, n.Provider, res.RateLimited)
		return nil
	}
	w.recordSuccess(ctx, n.Provider)
	return nil
}

func (w *Worker) handleDelete(ctx context.Context, payload []byte) error {
	var p jobs.DeletePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.UserID == "" || p.Provider == "" || p.NativeID == "" {
		return jobs.Permanent(errors.New("delete job missing user, provider or native id"))
	}
	return w.pipeline.ProcessDelete(ctx, p.UserID, p.Provider, p.NativeID)
}

func (w *Worker) handleDisconnect(ctx context.Context, payload []byte) error {
	var p jobs.DisconnectPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	userID, err := w.db.ResolveUserID(ctx, p.Provider, p.ProviderUserID)
	if err != nil {
		return err
	}
	if userID == "" {
		w.logger.Info("Disconnect for unknown provider user, skipping",
			"provider", p.Provider,
			"provider_user_id", p.ProviderUserID)
		return nil
	}

	if err := w.accounts.Disconnect(ctx, userID, p.Provider); err != nil {
		return err
	}
	w.logger.Info("Processed provider disconnect",
		"user_id", userID,
		"provider", p.Provider,
		"reason", p.Reason)
	return nil
}

func (w *Worker) handleBackfill(ctx context.Context, payload []byte) error {
	var p jobs.BackfillPayload
	if err := decode(payload, &p); err != nil {
		return err
	}

	if err := w.gate(ctx, p.Provider); err != nil {
		return err
	}
	if client, err := w.registry.Get(p.Provider); err == nil && client.RateLimits().NearLimit(backfillThrottlePercent) {
		return jobs.Defer(time.Now().Add(throttleDelay), "rate limit budget reserved for webhooks")
	}

	res, err := w.orchestrator.TriggerBackfill(ctx, p.UserID, p.Provider, p.YearKey)
	switch {
	case errors.Is(err, backfill.ErrDuplicateWindow):
		w.logger.Info("Backfill window already requested, skipping",
			"user_id", p.UserID,
			"provider", p.Provider,
			"year_key", p.YearKey,
			"reason", err)
		return nil
	case errors.Is(err, backfill.ErrUnsupportedProvider), errors.Is(err, backfill.ErrInvalidYear), tokens.NeedsReconnect(err):
		return jobs.Permanent(err)
	case errors.Is(err, backfill.ErrRateLimited):
		return jobs.Defer(time.Now().Add(w.config.RateLimitCooldown), err.Error())
	case errors.Is(err, backfill.ErrImportInProgress):
		return jobs.Defer(time.Now().Add(busyDelay), err.Error())
	case err != nil:
		return err
	}

	w.logger.Info("Backfill job finished",
		"user_id", p.UserID,
		"provider", p.Provider,
		"year_key", p.YearKey,
		"status", res.Status)
	if res.Failed == 0 {
		w.recordSuccess(ctx, p.Provider)
	}
	return nil
}

// FinalizeIdleSessions completes import sessions that stopped receiving activities
func (w *Worker) FinalizeIdleSessions(ctx context.Context) {
	n, err := w.tracker.FinalizeIdle(ctx, w.config.ImportIdleTimeout)
	if err != nil {
		w.logger.Error("Failed to finalize idle import sessions", "error", err)
	}
	if n > 0 {
		w.logger.Info("Finalized idle import sessions", "count", n)
	}
}

func (w *Worker) finalizeLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.finalizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.FinalizeIdleSessions(ctx)
		}
	}
}
