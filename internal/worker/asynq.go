package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/ryanlecours/loam-logger-sub002/internal/jobs"
)

// ServeMux routes every job name to Handle
func (w *Worker) ServeMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, name := range []string{
		jobs.NameIngestActivities,
		jobs.NameIngestDelete,
		jobs.NameAccountDisconnect,
		jobs.NameBackfillTrigger,
	} {
		mux.HandleFunc(name, w.processTask)
	}
	return mux
}

func (w *Worker) processTask(ctx context.Context, t *asynq.Task) error {
	err := w.Handle(ctx, t.Type(), t.Payload())
	if errors.Is(err, jobs.ErrPermanent) {
		w.logger.Warn("Job failed permanently, dropping", "job_name", t.Type(), "error", err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		if _, deferred := jobs.AsDeferred(err); !deferred {
			w.logger.Error("Failed to process job", "job_name", t.Type(), "error", err)
		}
		return err
	}
	return nil
}

// StartAsynq consumes jobs from Redis through an asynq server instead of the
// SQLite poll loops. The idle session finalizer runs alongside.
func (w *Worker) StartAsynq(ctx context.Context) error {
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: w.config.RedisAddr}, asynq.Config{
		Concurrency:    w.config.WorkerConcurrency,
		Queues:         map[string]int{jobs.AsynqQueueName: 1},
		RetryDelayFunc: jobs.RetryDelay,
		IsFailure:      jobs.IsFailure,
	})

	w.logger.Info("Starting asynq worker", "redis_addr", w.config.RedisAddr, "concurrency", w.config.WorkerConcurrency)
	if err := srv.Start(w.ServeMux()); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.finalizeLoop(gctx) })
	err := g.Wait()

	srv.Shutdown()
	w.logger.Info("Stopping asynq worker")
	return err
}
