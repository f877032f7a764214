package tokens

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/lock"
)

func TestMemoryFlightDiscardsStaleHandle(t *testing.T) {
	f := NewMemoryFlight(30*time.Second, time.Minute)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var now atomic.Int64
	now.Store(base.UnixNano())
	f.now = func() time.Time { return time.Unix(0, now.Load()) }

	key := Key{UserID: "user-1", Provider: "garmin"}
	started := make(chan struct{})
	release := make(chan struct{})

	firstResult := make(chan string, 1)
	go func() {
		tok, _ := f.Do(context.Background(), key, func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "hung", nil
		})
		firstResult <- tok
	}()
	<-started

	// Within the staleness window a second caller joins the pending refresh
	joined := make(chan string, 1)
	go func() {
		tok, _ := f.Do(context.Background(), key, func(ctx context.Context) (string, error) {
			t.Error("Expected joiner not to run its own refresh")
			return "", nil
		})
		joined <- tok
	}()
	time.Sleep(20 * time.Millisecond)

	now.Store(base.Add(31 * time.Second).UnixNano())
	tok, err := f.Do(context.Background(), key, func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if tok != "fresh" {
		t.Errorf("Expected a fresh attempt after the handle went stale, got %s", tok)
	}

	close(release)
	if got := <-firstResult; got != "hung" {
		t.Errorf("Expected original caller to get its own result, got %s", got)
	}
	if got := <-joined; got != "hung" {
		t.Errorf("Expected joiner to share the original result, got %s", got)
	}
}

func TestMemoryFlightRemovesHandleOnSettle(t *testing.T) {
	f := NewMemoryFlight(30*time.Second, time.Minute)
	key := Key{UserID: "user-1", Provider: "whoop"}
	boom := errors.New("boom")

	_, err := f.Do(context.Background(), key, func(ctx context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected refresh error, got %v", err)
	}

	f.mu.Lock()
	n := len(f.pending)
	f.mu.Unlock()
	if n != 0 {
		t.Errorf("Expected no pending handles after settle, got %d", n)
	}

	// The next cycle starts cleanly
	tok, err := f.Do(context.Background(), key, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || tok != "ok" {
		t.Errorf("Expected ok, got %s, %v", tok, err)
	}
}

func TestMemoryFlightJoinerDuringSettleLeavesNoHandle(t *testing.T) {
	f := NewMemoryFlight(30*time.Second, time.Minute)
	key := Key{UserID: "user-1", Provider: "garmin"}
	started := make(chan struct{})
	release := make(chan struct{})

	firstResult := make(chan string, 1)
	go func() {
		tok, _ := f.Do(context.Background(), key, func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "shared", nil
		})
		firstResult <- tok
	}()
	<-started

	// The running call has already dropped its handle but still owns the key
	f.mu.Lock()
	delete(f.pending, key.String())
	f.mu.Unlock()

	joined := make(chan string, 1)
	go func() {
		tok, _ := f.Do(context.Background(), key, func(ctx context.Context) (string, error) {
			t.Error("Expected joiner not to run its own refresh")
			return "", nil
		})
		joined <- tok
	}()
	time.Sleep(20 * time.Millisecond)

	close(release)
	if got := <-firstResult; got != "shared" {
		t.Errorf("Expected shared, got %s", got)
	}
	if got := <-joined; got != "shared" {
		t.Errorf("Expected joiner to get shared, got %s", got)
	}

	f.mu.Lock()
	n := len(f.pending)
	f.mu.Unlock()
	if n != 0 {
		t.Errorf("Expected no pending handles left behind, got %d", n)
	}
}

// releaseFailingStore grants every lock but cannot release them
type releaseFailingStore struct{}

func (releaseFailingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (releaseFailingStore) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestLockedFlightLogsReleaseFailure(t *testing.T) {
	var buf bytes.Buffer
	f := NewLockedFlight(NewMemoryFlight(30*time.Second, time.Minute), lock.NewService(releaseFailingStore{}, time.Minute), time.Second)
	f.logger = slog.New(slog.NewTextHandler(&buf, nil))

	tok, err := f.Do(context.Background(), Key{UserID: "user-1", Provider: "strava"}, func(ctx context.Context) (string, error) {
		return "refreshed", nil
	})
	if err != nil || tok != "refreshed" {
		t.Fatalf("Expected refreshed, got %s, %v", tok, err)
	}
	if !strings.Contains(buf.String(), "Failed to release token refresh lock") {
		t.Errorf("Expected release failure logged, got %q", buf.String())
	}
}

func TestMemoryFlightCallerCancellation(t *testing.T) {
	f := NewMemoryFlight(30*time.Second, time.Minute)
	key := Key{UserID: "user-1", Provider: "strava"}
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := f.Do(ctx, key, func(rctx context.Context) (string, error) {
		<-release
		return "done", nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestMemoryFlightSweep(t *testing.T) {
	f := NewMemoryFlight(30*time.Second, 10*time.Millisecond)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	f.mu.Lock()
	f.pending["strava:old"] = &pending{started: base.Add(-time.Minute)}
	f.pending["strava:new"] = &pending{started: base}
	f.mu.Unlock()
	f.now = func() time.Time { return base.Add(time.Second) }

	if removed := f.Sweep(); removed != 1 {
		t.Errorf("Expected 1 stale handle swept, got %d", removed)
	}

	f.mu.Lock()
	_, oldExists := f.pending["strava:old"]
	_, newExists := f.pending["strava:new"]
	f.mu.Unlock()
	if oldExists || !newExists {
		t.Errorf("Expected only the stale handle removed, old=%v new=%v", oldExists, newExists)
	}
}

func TestMemoryFlightStartStop(t *testing.T) {
	f := NewMemoryFlight(30*time.Second, 5*time.Millisecond)
	base := time.Now()
	f.now = func() time.Time { return base.Add(time.Hour) }

	f.mu.Lock()
	f.pending["garmin:u"] = &pending{started: base}
	f.mu.Unlock()

	f.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for {
		f.mu.Lock()
		n := len(f.pending)
		f.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected background sweep to purge stale handle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Stop to return")
	}
}
