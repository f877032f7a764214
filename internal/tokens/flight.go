package tokens

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ryanlecours/loam-logger-sub002/internal/lock"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// Key identifies one refresh slot
type Key struct {
	UserID   string
	Provider string
}

func (k Key) String() string { return k.Provider + ":" + k.UserID }

// RefreshFunc performs one refresh and returns the new access token
type RefreshFunc func(ctx context.Context) (string, error)

// Flight deduplicates concurrent refreshes for the same key: callers that
// arrive while a refresh is running wait for its result instead of starting
// their own.
type Flight interface {
	Do(ctx context.Context, key Key, fn RefreshFunc) (string, error)
}

// pending records when the refresh currently owning a key started
type pending struct {
	started time.Time
}

// MemoryFlight deduplicates refreshes within one process.
//
// A refresh that has been pending longer than staleAfter is abandoned: its
// key is forgotten so the next caller starts a fresh attempt. The abandoned
// call may still finish; it just no longer blocks anyone.
type MemoryFlight struct {
	group      singleflight.Group
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pending

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryFlight creates an in-process coordinator. sweepInterval controls
// how often Start's background task purges stale handles.
func NewMemoryFlight(staleAfter, sweepInterval time.Duration) *MemoryFlight {
	return &MemoryFlight{
		staleAfter: staleAfter,
		interval:   sweepInterval,
		logger:     slog.Default(),
		now:        time.Now,
		pending:    make(map[string]*pending),
	}
}

// Do implements Flight
func (f *MemoryFlight) Do(ctx context.Context, key Key, fn RefreshFunc) (string, error) {
	k := key.String()

	f.mu.Lock()
	if h, ok := f.pending[k]; ok && f.now().Sub(h.started) > f.staleAfter {
		f.logger.Warn("Discarding stale refresh handle", "key", k, "age_ms", f.now().Sub(h.started).Milliseconds())
		f.group.Forget(k)
		delete(f.pending, k)
		metrics.TokenFlightEventsTotal.WithLabelValues(metrics.FlightStale).Inc()
	}

	// The handle is published only if this caller's function actually runs.
	// A caller that joins a call which is already settling leaves nothing behind.
	h := &pending{started: f.now()}
	led := false
	ch := f.group.DoChan(k, func() (any, error) {
		f.mu.Lock()
		led = true
		f.pending[k] = h
		metrics.TokenFlightPending.Set(float64(len(f.pending)))
		f.mu.Unlock()
		defer f.settle(k, h)

		// The refresh is shared, so it must outlive the caller that started it
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.staleAfter)
		defer cancel()
		return fn(rctx)
	})
	f.mu.Unlock()

	select {
	case res := <-ch:
		f.mu.Lock()
		outcome := metrics.FlightJoined
		if led {
			outcome = metrics.FlightLeader
		}
		f.mu.Unlock()
		metrics.TokenFlightEventsTotal.WithLabelValues(outcome).Inc()

		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// settle removes h once its refresh finishes, unless it was already replaced
func (f *MemoryFlight) settle(k string, h *pending) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[k] == h {
		delete(f.pending, k)
	}
	metrics.TokenFlightPending.Set(float64(len(f.pending)))
}

// Sweep purges handles older than staleAfter and returns how many were removed
func (f *MemoryFlight) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	now := f.now()
	for k, h := range f.pending {
		if now.Sub(h.started) > f.staleAfter {
			f.group.Forget(k)
			delete(f.pending, k)
			removed++
		}
	}
	if removed > 0 {
		metrics.TokenFlightEventsTotal.WithLabelValues(metrics.FlightSwept).Add(float64(removed))
		f.logger.Info("Swept stale refresh handles", "count", removed)
	}
	metrics.TokenFlightPending.Set(float64(len(f.pending)))
	return removed
}

// Start runs the periodic sweep until Stop is called or ctx is done
func (f *MemoryFlight) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Sweep()
			}
		}
	}()
}

// Stop ends the sweep started by Start and waits for it to exit
func (f *MemoryFlight) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

// LockedFlight extends MemoryFlight across processes. Within a process the
// in-memory coordinator deduplicates as usual; the process that wins it then
// takes a token_refresh lock. A process that finds the lock held waits for it
// and then runs fn, which re-reads the stored token and finds the refreshed
// one. If the wait times out fn runs anyway and a redundant refresh is possible.
type LockedFlight struct {
	local        *MemoryFlight
	locks        *lock.Service
	wait         time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewLockedFlight wraps local with the lock service
func NewLockedFlight(local *MemoryFlight, locks *lock.Service, wait time.Duration) *LockedFlight {
	return &LockedFlight{
		local:        local,
		locks:        locks,
		wait:         wait,
		pollInterval: 100 * time.Millisecond,
		logger:       slog.Default(),
	}
}

// Do implements Flight
func (f *LockedFlight) Do(ctx context.Context, key Key, fn RefreshFunc) (string, error) {
	return f.local.Do(ctx, key, func(ctx context.Context) (string, error) {
		deadline := time.Now().Add(f.wait)
		for {
			l := f.locks.Acquire(ctx, lock.KindTokenRefresh, key.Provider, key.UserID)
			if l.Acquired {
				defer func() {
					if err := f.locks.Release(ctx, l); err != nil {
						f.logger.Error("Failed to release token refresh lock", "lock_key", l.Key, "error", err)
					}
				}()
				return fn(ctx)
			}
			if time.Now().After(deadline) {
				return fn(ctx)
			}

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(f.pollInterval):
			}
		}
	})
}
