package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// AsynqQueueName is the asynq queue all jobs are enqueued on
const AsynqQueueName = "default"

// AsynqQueue enqueues into Redis through asynq, for deployments running
// several worker processes
type AsynqQueue struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewAsynqQueue connects an asynq client to the Redis at redisAddr
func NewAsynqQueue(redisAddr string) *AsynqQueue {
	return &AsynqQueue{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		logger: slog.Default(),
	}
}

// Enqueue implements Enqueuer
func (q *AsynqQueue) Enqueue(ctx context.Context, name string, payload any) (Info, error) {
	task, err := NewTask(name, payload)
	if err != nil {
		return Info{}, err
	}

	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return Info{}, fmt.Errorf("failed to enqueue %s: %w", name, err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeJobs, name).Inc()
	q.logger.Debug("Enqueued job", "job_id", info.ID, "job_name", name, "queue", info.Queue)
	return Info{ID: info.ID, Status: info.State.String()}, nil
}

// Close closes the Redis connection
func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// NewTask encodes payload into an asynq task. Retries match the SQLite
// queue's limit.
func NewTask(name string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	return asynq.NewTask(name, data,
		asynq.Queue(AsynqQueueName),
		asynq.MaxRetry(database.MaxRetries),
	), nil
}

// RetryDelay is the asynq retry delay: a deferred job waits until its
// deadline, anything else follows the SQLite queue's backoff schedule
func RetryDelay(n int, err error, _ *asynq.Task) time.Duration {
	if d, ok := AsDeferred(err); ok {
		if wait := time.Until(d.Until); wait > 0 {
			return wait
		}
		return time.Second
	}
	return database.RetryBackoff(n + 1)
}

// IsFailure reports whether asynq should count err against the retry budget
func IsFailure(err error) bool {
	_, deferred := AsDeferred(err)
	return !deferred
}
