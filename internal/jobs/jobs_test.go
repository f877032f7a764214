package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
)

func TestSQLiteQueueEnqueue(t *testing.T) {
	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	q := NewSQLiteQueue(db)
	info, err := q.Enqueue(context.Background(), NameIngestDelete, DeletePayload{UserID: "user-1", Provider: "whoop", NativeID: "w-1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if info.ID == "" || info.Status != StatusQueued {
		t.Errorf("Expected queued job with id, got %+v", info)
	}

	job, err := db.ClaimJob(context.Background())
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("Expected a job, got nil")
	}
	if job.Name != NameIngestDelete {
		t.Errorf("Expected job name %s, got %s", NameIngestDelete, job.Name)
	}

	var p DeletePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if p.Provider != "whoop" || p.NativeID != "w-1" {
		t.Errorf("Expected payload whoop/w-1, got %+v", p)
	}
}

func TestSQLiteQueueRejectsUnencodablePayload(t *testing.T) {
	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := NewSQLiteQueue(db).Enqueue(context.Background(), "bad", make(chan int)); err == nil {
		t.Error("Expected encoding error, got nil")
	}
	n, _ := db.GetJobQueueLength(context.Background())
	if n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
}

func TestNewTask(t *testing.T) {
	task, err := NewTask(NameBackfillTrigger, BackfillPayload{UserID: "u1", Provider: "garmin", YearKey: "ytd"})
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	if task.Type() != NameBackfillTrigger {
		t.Errorf("Expected type %s, got %s", NameBackfillTrigger, task.Type())
	}

	var p BackfillPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if p.UserID != "u1" || p.YearKey != "ytd" {
		t.Errorf("Expected u1/ytd, got %+v", p)
	}
}

func TestRetryDelay(t *testing.T) {
	deferred := Defer(time.Now().Add(10*time.Minute), "circuit open")
	if d := RetryDelay(0, deferred, nil); d < 9*time.Minute || d > 10*time.Minute {
		t.Errorf("Expected about 10m for deferred job, got %v", d)
	}
	if d := RetryDelay(0, Defer(time.Now().Add(-time.Minute), "past"), nil); d != time.Second {
		t.Errorf("Expected 1s for past deadline, got %v", d)
	}
	if d := RetryDelay(0, errors.New("boom"), nil); d != time.Minute {
		t.Errorf("Expected 1m for first retry, got %v", d)
	}
	if d := RetryDelay(20, errors.New("boom"), nil); d != 240*time.Minute {
		t.Errorf("Expected backoff capped at 240m, got %v", d)
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("bad payload")
	perm := Permanent(base)
	if !errors.Is(perm, ErrPermanent) || !errors.Is(perm, base) {
		t.Errorf("Expected permanent error to match both sentinels, got %v", perm)
	}

	if IsFailure(Defer(time.Now(), "later")) {
		t.Error("Expected deferral not to count as failure")
	}
	if !IsFailure(base) {
		t.Error("Expected plain error to count as failure")
	}

	wrapped := errors.Join(errors.New("ctx"), Defer(time.Now(), "wrapped"))
	if _, ok := AsDeferred(wrapped); !ok {
		t.Error("Expected wrapped deferral to be detected")
	}
}
