package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Source is what the collector reads from the database
type Source interface {
	GetJobQueueLength(ctx context.Context) (int, error)
	GetReadyJobQueueLength(ctx context.Context) (int, error)
	GetProcessingJobQueueLength(ctx context.Context) (int, error)
	CircuitState(ctx context.Context, provider string) (string, error)
}

// CircuitGaugeValue maps a breaker state to the circuit_breaker_state gauge:
// 0 closed, 1 half_open, 2 open
func CircuitGaugeValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

// Collector periodically publishes gauges that live in the database, so that
// every process reports the same breaker state and queue depth
type Collector struct {
	src        Source
	providers  []string
	queueDepth bool
	interval   time.Duration
	logger     *slog.Logger
}

// NewCollector creates a collector. queueDepth is false when jobs are not
// kept in the database.
func NewCollector(src Source, providers []string, queueDepth bool, interval time.Duration) *Collector {
	return &Collector{
		src:        src,
		providers:  providers,
		queueDepth: queueDepth,
		interval:   interval,
		logger:     slog.Default(),
	}
}

// Run collects once immediately and then on every tick until ctx is done
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Metrics collector stopping")
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect refreshes every gauge once
func (c *Collector) Collect(ctx context.Context) {
	for _, p := range c.providers {
		state, err := c.src.CircuitState(ctx, p)
		if err != nil {
			c.logger.Error("Failed to read circuit breaker state", "provider", p, "error", err)
			continue
		}
		CircuitBreakerState.WithLabelValues(p).Set(CircuitGaugeValue(state))
	}

	if c.queueDepth {
		c.collectQueueDepths(ctx)
	}
}

func (c *Collector) collectQueueDepths(ctx context.Context) {
	if total, err := c.src.GetJobQueueLength(ctx); err != nil {
		c.logger.Error("Failed to get job queue length", "error", err)
	} else {
		QueueDepthTotal.WithLabelValues(QueueTypeJobs).Set(float64(total))
	}

	if ready, err := c.src.GetReadyJobQueueLength(ctx); err != nil {
		c.logger.Error("Failed to get ready job queue length", "error", err)
	} else {
		QueueDepthReady.WithLabelValues(QueueTypeJobs).Set(float64(ready))
	}

	if processing, err := c.src.GetProcessingJobQueueLength(ctx); err != nil {
		c.logger.Error("Failed to get processing job queue length", "error", err)
	} else {
		QueueDepthProcessing.WithLabelValues(QueueTypeJobs).Set(float64(processing))
	}
}
