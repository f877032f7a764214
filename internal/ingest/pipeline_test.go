package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/imports"
	"github.com/ryanlecours/loam-logger-sub002/internal/jobs"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
	"github.com/ryanlecours/loam-logger-sub002/internal/tokens"
)

type fakeClient struct {
	name       string
	activities map[string]*provider.Activity
	errs       map[string]error

	mu      sync.Mutex
	fetches int
}

func (c *fakeClient) Name() string { return c.name }
func (c *fakeClient) OAuthConfig(redirectURL string) *oauth2.Config { return &oauth2.Config{} }
func (c *fakeClient) RateLimits() provider.RateLimitStatus { return provider.RateLimitStatus{} }

func (c *fakeClient) FetchUserID(ctx context.Context, accessToken string) (string, error) {
	return "provider-user", nil
}

func (c *fakeClient) FetchActivities(ctx context.Context, accessToken string, ref provider.ActivityRef) ([]*provider.Activity, error) {
	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()
	if err := c.errs[ref.NativeID]; err != nil {
		return nil, err
	}
	a, ok := c.activities[ref.NativeID]
	if !ok {
		return nil, &provider.HTTPError{StatusCode: http.StatusNotFound, Body: "not found"}
	}
	return []*provider.Activity{a}, nil
}

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) GetValidToken(ctx context.Context, userID, providerName string) (string, error) {
	f.calls++
	return f.token, f.err
}

type recordingQueue struct {
	jobs []any
}

func (q *recordingQueue) Enqueue(ctx context.Context, name string, payload any) (jobs.Info, error) {
	q.jobs = append(q.jobs, payload)
	return jobs.Info{ID: fmt.Sprintf("job-%d", len(q.jobs)), Status: jobs.StatusQueued}, nil
}

type pipelineTest struct {
	db       *database.DB
	pipeline *Pipeline
	tracker  *imports.Tracker
	client   *fakeClient
	tokens   *fakeTokens
	queue    *recordingQueue
}

func setupPipelineTest(t *testing.T, providerName string) *pipelineTest {
	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := &fakeClient{
		name:       providerName,
		activities: make(map[string]*provider.Activity),
		errs:       make(map[string]error),
	}
	tok := &fakeTokens{token: "access"}
	queue := &recordingQueue{}
	tracker := imports.NewTracker(db)

	return &pipelineTest{
		db:       db,
		pipeline: NewPipeline(db, tok, provider.NewRegistryFromClients(client), tracker, queue),
		tracker:  tracker,
		client:   client,
		tokens:   tok,
		queue:    queue,
	}
}

func activity(nativeID, typ string, start time.Time, minutes int, meters, climbMeters float64) *provider.Activity {
	dur := minutes * 60
	return &provider.Activity{
		NativeID:            nativeID,
		Type:                typ,
		StartTime:           start,
		DurationSeconds:     &dur,
		DistanceMeters:      meters,
		ElevationGainMeters: climbMeters,
	}
}

func TestProcessBatchInlineItems(t *testing.T) {
	pt := setupPipelineTest(t, provider.Garmin)
	pt.tokens.err = tokens.ErrNotConnected
	ctx := context.Background()

	session, err := pt.tracker.StartSession(ctx, "user-1", provider.Garmin)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := pt.db.PrepareBackfillRequest(ctx, "user-1", provider.Garmin, "2024"); err != nil {
		t.Fatalf("PrepareBackfillRequest failed: %v", err)
	}

	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	res, err := pt.pipeline.ProcessBatch(ctx, &Notification{
		UserID:   "user-1",
		Provider: provider.Garmin,
		Items: []provider.ActivityRef{
			{Inline: activity("g1", "CYCLING", start, 60, 30000, 500)},
			{Inline: activity("g2", "RUNNING", start.Add(24*time.Hour), 30, 5000, 50)},
			{Inline: activity("g3", "MOUNTAIN_BIKING", start.Add(48*time.Hour), 90, 20000, 900)},
		},
	})
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if res.Created != 2 || res.Filtered != 1 {
		t.Errorf("Expected 2 created and 1 filtered, got %+v", res)
	}
	if pt.tokens.calls != 0 {
		t.Errorf("Expected no token lookups for inline items, got %d", pt.tokens.calls)
	}

	r, _ := pt.db.GetRideByNativeID(ctx, provider.Garmin, "g1")
	if r == nil {
		t.Fatal("Expected ride g1")
	}
	if r.ImportSessionID == nil || *r.ImportSessionID != session.ID {
		t.Errorf("Expected ride stamped with session %s, got %v", session.ID, r.ImportSessionID)
	}
	if running, _ := pt.db.GetRideByNativeID(ctx, provider.Garmin, "g2"); running != nil {
		t.Error("Expected running activity not to be ingested")
	}

	s, _ := pt.tracker.Get(ctx, session.ID)
	if s.LastActivityReceivedAt == nil {
		t.Error("Expected session activity to be recorded")
	}

	req, _ := pt.db.GetBackfillRequest(ctx, "user-1", provider.Garmin, "2024")
	if req.RidesFound != 2 {
		t.Errorf("Expected rides found 2, got %d", req.RidesFound)
	}
}

func TestProcessBatchUpdatesExistingRide(t *testing.T) {
	pt := setupPipelineTest(t, provider.Garmin)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	n := &Notification{UserID: "user-1", Provider: provider.Garmin, Items: []provider.ActivityRef{
		{Inline: activity("g1", "CYCLING", start, 60, 30000, 500)},
	}}
	if _, err := pt.pipeline.ProcessBatch(ctx, n); err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	// A session started afterwards does not claim the existing ride
	if _, err := pt.tracker.StartSession(ctx, "user-1", provider.Garmin); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	n.Items[0].Inline = activity("g1", "CYCLING", start, 65, 31000, 520)
	res, err := pt.pipeline.ProcessBatch(ctx, n)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if res.Updated != 1 || res.Created != 0 {
		t.Errorf("Expected 1 update, got %+v", res)
	}

	r, _ := pt.db.GetRideByNativeID(ctx, provider.Garmin, "g1")
	if r.DurationSeconds != 65*60 {
		t.Errorf("Expected second payload applied, got duration %d", r.DurationSeconds)
	}
	if r.ImportSessionID != nil {
		t.Errorf("Expected no session on updated ride, got %s", *r.ImportSessionID)
	}
	rides, _ := pt.db.ListRidesInRange(ctx, "user-1", start.Add(-time.Hour), start.Add(time.Hour))
	if len(rides) != 1 {
		t.Errorf("Expected exactly one ride row, got %d", len(rides))
	}
}

func TestProcessBatchSkipsCrossProviderDuplicate(t *testing.T) {
	pt := setupPipelineTest(t, provider.Strava)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	garminRide := Normalize("user-1", provider.Garmin, activity("g1", "CYCLING", start, 60, 30000, 500))
	if _, err := pt.db.UpsertRide(ctx, garminRide); err != nil {
		t.Fatalf("UpsertRide failed: %v", err)
	}

	pt.client.activities["s1"] = activity("s1", "Ride", start.Add(time.Minute), 61, 30200, 510)
	pt.client.activities["s2"] = activity("s2", "Run", start.Add(2*time.Minute), 60, 30000, 500)

	res, err := pt.pipeline.ProcessBatch(ctx, &Notification{
		UserID:   "user-1",
		Provider: provider.Strava,
		Items:    []provider.ActivityRef{{NativeID: "s1"}, {NativeID: "s2"}},
	})
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if res.Duplicates != 1 || res.Filtered != 1 || res.Created != 0 {
		t.Errorf("Expected 1 duplicate and 1 filtered, got %+v", res)
	}
	if pt.tokens.calls != 1 {
		t.Errorf("Expected one token lookup per batch, got %d", pt.tokens.calls)
	}

	if r, _ := pt.db.GetRideByNativeID(ctx, provider.Strava, "s1"); r != nil {
		t.Error("Expected duplicate not to be ingested")
	}
	skipped, err := pt.db.GetDuplicateSkip(ctx, provider.Strava, "s1")
	if err != nil {
		t.Fatalf("GetDuplicateSkip failed: %v", err)
	}
	if skipped != garminRide.ID {
		t.Errorf("Expected skip recorded against ride %d, got %d", garminRide.ID, skipped)
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	pt := setupPipelineTest(t, provider.Whoop)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	pt.client.activities["w1"] = activity("w1", "cycling", start, 60, 30000, 500)
	pt.client.errs["w2"] = &provider.HTTPError{StatusCode: http.StatusInternalServerError, Body: "boom"}
	pt.client.errs["w3"] = &provider.HTTPError{StatusCode: http.StatusTooManyRequests, Body: "slow down"}
	pt.client.activities["w5"] = activity("w5", "cycling", start.Add(72*time.Hour), 45, 15000, 200)

	res, err := pt.pipeline.ProcessBatch(ctx, &Notification{
		UserID:   "user-1",
		Provider: provider.Whoop,
		Items: []provider.ActivityRef{
			{NativeID: "w1"}, {NativeID: "w2"}, {NativeID: "w3"}, {NativeID: "w4"}, {NativeID: "w5"},
		},
	})
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if res.Created != 2 || res.Failed != 2 || res.NotFound != 1 {
		t.Errorf("Expected 2 created, 2 failed, 1 not found, got %+v", res)
	}
	if !provider.IsTooManyRequests(res.RateLimited) {
		t.Errorf("Expected rate limit error surfaced, got %v", res.RateLimited)
	}

	if len(pt.queue.jobs) != 1 {
		t.Fatalf("Expected 1 re-enqueued job, got %d", len(pt.queue.jobs))
	}
	retry := pt.queue.jobs[0].(*Notification)
	if len(retry.Items) != 2 || retry.Items[0].NativeID != "w2" || retry.Items[1].NativeID != "w3" {
		t.Errorf("Expected only failed items w2, w3 re-enqueued, got %+v", retry.Items)
	}
	if res.Requeued != "job-1" {
		t.Errorf("Expected requeued job id job-1, got %s", res.Requeued)
	}
}

func TestProcessBatchDropsUntrustedCallback(t *testing.T) {
	pt := setupPipelineTest(t, provider.Garmin)
	pt.client.errs["g1"] = fmt.Errorf("%w: host %q", provider.ErrUntrustedCallback, "attacker.example")

	res, err := pt.pipeline.ProcessBatch(context.Background(), &Notification{
		UserID:   "user-1",
		Provider: provider.Garmin,
		Items:    []provider.ActivityRef{{NativeID: "g1"}},
	})
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if res.Rejected != 1 || res.Failed != 0 {
		t.Errorf("Expected 1 rejected and 0 failed, got %+v", res)
	}
	if len(pt.queue.jobs) != 0 {
		t.Errorf("Expected rejected callback not re-enqueued, got %d jobs", len(pt.queue.jobs))
	}
}

func TestProcessBatchWithoutTokenFails(t *testing.T) {
	pt := setupPipelineTest(t, provider.Strava)
	pt.tokens.err = tokens.ErrMissingRefreshToken

	_, err := pt.pipeline.ProcessBatch(context.Background(), &Notification{
		UserID:   "user-1",
		Provider: provider.Strava,
		Items:    []provider.ActivityRef{{NativeID: "s1"}},
	})
	if !errors.Is(err, tokens.ErrMissingRefreshToken) {
		t.Errorf("Expected token error, got %v", err)
	}
	if errors.Is(err, jobs.ErrPermanent) {
		t.Error("Expected token failure to stay retryable")
	}
	if pt.client.fetches != 0 {
		t.Errorf("Expected no fetch without token, got %d", pt.client.fetches)
	}
}

func TestProcessBatchRejectsUnknownProvider(t *testing.T) {
	pt := setupPipelineTest(t, provider.Strava)
	_, err := pt.pipeline.ProcessBatch(context.Background(), &Notification{UserID: "user-1", Provider: "polar"})
	if !errors.Is(err, jobs.ErrPermanent) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestProcessDelete(t *testing.T) {
	pt := setupPipelineTest(t, provider.Whoop)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	if _, err := pt.db.UpsertRide(ctx, Normalize("user-1", provider.Whoop, activity("w1", "cycling", start, 60, 30000, 500))); err != nil {
		t.Fatalf("UpsertRide failed: %v", err)
	}
	if err := pt.pipeline.ProcessDelete(ctx, "user-2", provider.Whoop, "w1"); err != nil {
		t.Fatalf("ProcessDelete failed: %v", err)
	}
	if r, _ := pt.db.GetRideByNativeID(ctx, provider.Whoop, "w1"); r == nil {
		t.Fatal("Expected ride kept when another user deletes it")
	}
	if err := pt.pipeline.ProcessDelete(ctx, "user-1", provider.Whoop, "w1"); err != nil {
		t.Fatalf("ProcessDelete failed: %v", err)
	}
	if r, _ := pt.db.GetRideByNativeID(ctx, provider.Whoop, "w1"); r != nil {
		t.Error("Expected ride deleted")
	}
	if err := pt.pipeline.ProcessDelete(ctx, "user-1", provider.Whoop, "missing"); err != nil {
		t.Errorf("Expected unknown id to be a no-op, got %v", err)
	}
}
