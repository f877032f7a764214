package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/config"
)

func testProviderConfig(apiURL string) *config.ProviderConfig {
	return &config.ProviderConfig{
		ClientID:      "test_client_id",
		ClientSecret:  "test_client_secret",
		AuthURL:       apiURL + "/oauth/authorize",
		TokenURL:      apiURL + "/oauth/token",
		APIURL:        apiURL,
		WebhookSecret: "test_verify_token",
	}
}

func TestParseMinStartTime(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    time.Time
		ok      bool
	}{
		{
			name:    "utc timestamp",
			message: `{"errorMessage":"start time is before min start time of 2023-01-15T00:00:00Z"}`,
			want:    time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC),
			ok:      true,
		},
		{
			name:    "fractional seconds with offset",
			message: "Invalid: min start time of 2022-06-01T10:30:00.500+02:00",
			want:    time.Date(2022, 6, 1, 8, 30, 0, 500000000, time.UTC),
			ok:      true,
		},
		{
			name:    "no zone designator",
			message: "min start time of 2021-03-04T05:06:07",
			want:    time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC),
			ok:      true,
		},
		{
			name:    "unrelated message",
			message: "summaryEndTimeInSeconds is invalid",
			ok:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseMinStartTime(tt.message)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGarminRequestChunk(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/backfill/activities" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test_token" {
			t.Errorf("Expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Query().Get("summaryStartTimeInSeconds") == "" || r.URL.Query().Get("summaryEndTimeInSeconds") == "" {
			t.Error("Expected window parameters")
		}
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(body.Load().(string)))
	}))
	defer server.Close()

	client := NewGarminClient(testProviderConfig(server.URL), server.Client())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)

	status.Store(http.StatusAccepted)
	body.Store("")
	result, err := client.RequestChunk(context.Background(), "test_token", start, end)
	if err != nil {
		t.Fatalf("RequestChunk failed: %v", err)
	}
	if result.Outcome != ChunkAccepted {
		t.Errorf("Expected accepted, got %v", result.Outcome)
	}

	status.Store(http.StatusConflict)
	result, err = client.RequestChunk(context.Background(), "test_token", start, end)
	if err != nil {
		t.Fatalf("RequestChunk failed: %v", err)
	}
	if result.Outcome != ChunkDuplicate {
		t.Errorf("Expected duplicate, got %v", result.Outcome)
	}

	status.Store(http.StatusBadRequest)
	body.Store(`{"errorMessage":"min start time of 2024-01-10T00:00:00Z"}`)
	result, err = client.RequestChunk(context.Background(), "test_token", start, end)
	if err != nil {
		t.Fatalf("RequestChunk failed: %v", err)
	}
	if result.Outcome != ChunkRangeRejected {
		t.Errorf("Expected range rejected, got %v", result.Outcome)
	}
	if !result.MinStart.Equal(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected min start 2024-01-10, got %v", result.MinStart)
	}

	// A 400 without a parseable minimum is an ordinary error
	body.Store(`{"errorMessage":"bad request"}`)
	if _, err := client.RequestChunk(context.Background(), "test_token", start, end); err == nil {
		t.Error("Expected error for unparseable 400")
	}

	status.Store(http.StatusTooManyRequests)
	body.Store("slow down")
	_, err = client.RequestChunk(context.Background(), "test_token", start, end)
	if !IsTooManyRequests(err) {
		t.Errorf("Expected 429 error, got %v", err)
	}
}

func TestGarminFetchActivitiesFromCallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/callback/123" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]GarminSummary{
			{SummaryID: "s1", ActivityID: 111, UserID: "g-user", ActivityType: "ROAD_BIKING", StartTimeInSeconds: 1717228800, DurationInSeconds: 3600, DistanceInMeters: 32186.9},
			{SummaryID: "s2", UserID: "g-user", ActivityType: "RUNNING", StartTimeInSeconds: 1717315200},
		})
	}))
	defer server.Close()

	client := NewGarminClient(testProviderConfig(server.URL), server.Client())

	activities, err := client.FetchActivities(context.Background(), "tok", ActivityRef{CallbackURL: server.URL + "/callback/123"})
	if err != nil {
		t.Fatalf("FetchActivities failed: %v", err)
	}
	if len(activities) != 2 {
		t.Fatalf("Expected 2 activities, got %d", len(activities))
	}
	if activities[0].NativeID != "111" {
		t.Errorf("Expected native id 111, got %s", activities[0].NativeID)
	}
	if activities[1].NativeID != "s2" {
		t.Errorf("Expected summary id fallback s2, got %s", activities[1].NativeID)
	}
	if activities[0].DurationSeconds == nil || *activities[0].DurationSeconds != 3600 {
		t.Errorf("Expected duration 3600, got %v", activities[0].DurationSeconds)
	}
	if activities[1].DurationSeconds != nil {
		t.Errorf("Expected nil duration, got %v", *activities[1].DurationSeconds)
	}

	if _, err := client.FetchActivities(context.Background(), "tok", ActivityRef{NativeID: "111"}); !errors.Is(err, ErrNoActivityRef) {
		t.Errorf("Expected ErrNoActivityRef, got %v", err)
	}

	inline := &Activity{NativeID: "inline"}
	activities, err = client.FetchActivities(context.Background(), "tok", ActivityRef{Inline: inline})
	if err != nil || len(activities) != 1 || activities[0] != inline {
		t.Errorf("Expected inline activity returned as-is, got %v, %v", activities, err)
	}
}

func TestGarminFetchActivitiesRejectsForeignCallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("Unexpected request to Garmin %s", r.URL.Path)
	}))
	defer server.Close()

	var leaked atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		leaked.Add(1)
		fmt.Fprint(w, `[]`)
	}))
	defer foreign.Close()

	client := NewGarminClient(testProviderConfig(server.URL), server.Client())

	_, err := client.FetchActivities(context.Background(), "user-secret-access-token", ActivityRef{CallbackURL: foreign.URL + "/callback/123"})
	if !errors.Is(err, ErrUntrustedCallback) {
		t.Errorf("Expected ErrUntrustedCallback, got %v", err)
	}
	if leaked.Load() != 0 {
		t.Errorf("Expected no request to the foreign host, got %d", leaked.Load())
	}
}

func TestCheckCallbackURL(t *testing.T) {
	const apiURL = "https://apis.garmin.com/wellness-api/rest"

	tests := []struct {
		url string
		ok  bool
	}{
		{"https://apis.garmin.com/wellness-api/rest/activities?token=abc", true},
		{"https://APIS.garmin.com/other/path", true},
		{"https://apis.garmin.com.attacker.example/activities", false},
		{"https://attacker.example/activities", false},
		{"http://apis.garmin.com/wellness-api/rest/activities", false},
		{"https://apis.garmin.com:8443/activities", false},
		{"https://user@apis.garmin.com/activities", false},
		{"/relative/path", false},
		{"::not a url", false},
	}

	for _, tt := range tests {
		err := CheckCallbackURL(apiURL, tt.url)
		if tt.ok && err != nil {
			t.Errorf("Expected %s accepted, got %v", tt.url, err)
		}
		if !tt.ok && !errors.Is(err, ErrUntrustedCallback) {
			t.Errorf("Expected %s rejected, got %v", tt.url, err)
		}
	}

	if err := CheckCallbackURL("", "https://apis.garmin.com/activities"); !errors.Is(err, ErrUntrustedCallback) {
		t.Errorf("Expected rejection without an API URL, got %v", err)
	}
}

func TestWhoopRequestChunkPaginates(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v2/activity/workout" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("nextToken") {
		case "":
			fmt.Fprint(w, `{"records":[{"id":"w1","user_id":42,"start":"2024-06-01T08:00:00Z","end":"2024-06-01T09:30:00Z","sport_name":"cycling","score":{"average_heart_rate":140.4,"max_heart_rate":171.6,"distance_meter":40000,"altitude_gain_meter":300}}],"next_token":"page2"}`)
		case "page2":
			fmt.Fprint(w, `{"records":[{"id":"w2","user_id":42,"start":"2024-06-02T08:00:00Z","end":"2024-06-02T08:30:00Z","sport_name":"running"}]}`)
		default:
			t.Errorf("Unexpected token %s", r.URL.Query().Get("nextToken"))
		}
	}))
	defer server.Close()

	client := NewWhoopClient(testProviderConfig(server.URL), server.Client())
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	result, err := client.RequestChunk(context.Background(), "tok", start, start.Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("RequestChunk failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 page requests, got %d", calls.Load())
	}
	if len(result.Listed) != 2 {
		t.Fatalf("Expected 2 listed workouts, got %d", len(result.Listed))
	}

	first := result.Listed[0].Inline
	if first == nil {
		t.Fatal("Expected inline activity")
	}
	if first.ProviderUserID != "42" {
		t.Errorf("Expected provider user 42, got %s", first.ProviderUserID)
	}
	if first.EndTime == nil || first.EndTime.Sub(first.StartTime) != 90*time.Minute {
		t.Errorf("Expected 90 minute span, got %v", first.EndTime)
	}
	if first.AvgHeartRate == nil || *first.AvgHeartRate != 140 {
		t.Errorf("Expected avg HR 140, got %v", first.AvgHeartRate)
	}
	if first.MaxHeartRate == nil || *first.MaxHeartRate != 172 {
		t.Errorf("Expected max HR 172, got %v", first.MaxHeartRate)
	}
	if result.Listed[1].Inline.AvgHeartRate != nil {
		t.Error("Expected nil HR for workout without score")
	}
}

func TestStravaFetchActivity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/activities/987":
			w.Header().Set("X-RateLimit-Limit", "200,2000")
			w.Header().Set("X-RateLimit-Usage", "190,500")
			fmt.Fprint(w, `{"id":987,"athlete":{"id":55},"type":"Ride","sport_type":"MountainBikeRide","start_date":"2024-06-01T08:00:00Z","moving_time":3000,"elapsed_time":3600,"distance":16093.4,"total_elevation_gain":304.8,"average_heartrate":150,"start_latlng":[39.7,-105.2],"location_city":"Golden"}`)
		case "/activities/404":
			http.Error(w, `{"message":"Record Not Found"}`, http.StatusNotFound)
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewStravaClient(testProviderConfig(server.URL), server.Client())

	activities, err := client.FetchActivities(context.Background(), "tok", ActivityRef{NativeID: "987"})
	if err != nil {
		t.Fatalf("FetchActivities failed: %v", err)
	}
	a := activities[0]
	if a.Type != "MountainBikeRide" {
		t.Errorf("Expected sport_type to win, got %s", a.Type)
	}
	if a.DurationSeconds == nil || *a.DurationSeconds != 3000 {
		t.Errorf("Expected moving time 3000, got %v", a.DurationSeconds)
	}
	if a.StartLat == nil || *a.StartLat != 39.7 {
		t.Errorf("Expected start lat 39.7, got %v", a.StartLat)
	}
	if a.Location != "Golden" {
		t.Errorf("Expected location Golden, got %s", a.Location)
	}

	status := client.RateLimits()
	if status.Usage15Min != 190 || status.LimitDaily != 2000 {
		t.Errorf("Expected rate limits from headers, got %+v", status)
	}
	if !client.api.rateLimiter.IsNearLimit(90) {
		t.Error("Expected near limit at 95% of 15 minute window")
	}

	_, err = client.FetchActivities(context.Background(), "tok", ActivityRef{NativeID: "404"})
	if !IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestStravaRequestChunkListsWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/athlete/activities" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("per_page") != "200" {
			t.Errorf("Expected per_page 200, got %s", r.URL.Query().Get("per_page"))
		}
		fmt.Fprint(w, `[{"id":1,"sport_type":"Ride"},{"id":2,"sport_type":"Run"}]`)
	}))
	defer server.Close()

	client := NewStravaClient(testProviderConfig(server.URL), server.Client())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	result, err := client.RequestChunk(context.Background(), "tok", start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("RequestChunk failed: %v", err)
	}
	if len(result.Listed) != 2 {
		t.Fatalf("Expected 2 refs, got %d", len(result.Listed))
	}
	if result.Listed[0].NativeID != "1" || result.Listed[0].Inline != nil {
		t.Errorf("Expected id-only ref, got %+v", result.Listed[0])
	}
}

func TestStravaSubscriptions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/push_subscriptions":
			r.ParseForm()
			if r.FormValue("verify_token") != "test_verify_token" {
				t.Errorf("Expected verify token, got %s", r.FormValue("verify_token"))
			}
			if r.FormValue("client_secret") != "test_client_secret" {
				t.Errorf("Expected client secret, got %s", r.FormValue("client_secret"))
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id":7,"callback_url":%q}`, r.FormValue("callback_url"))
		case r.Method == http.MethodGet && r.URL.Path == "/push_subscriptions":
			fmt.Fprint(w, `[{"id":7,"callback_url":"https://example.com/webhooks/strava"}]`)
		case r.Method == http.MethodDelete && r.URL.Path == "/push_subscriptions/7":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewStravaClient(testProviderConfig(server.URL), server.Client())
	ctx := context.Background()

	sub, err := client.CreateSubscription(ctx, "https://example.com/webhooks/strava")
	if err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	if sub.ID != 7 {
		t.Errorf("Expected subscription 7, got %d", sub.ID)
	}

	subs, err := client.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ListSubscriptions failed: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("Expected 1 subscription, got %d", len(subs))
	}

	if err := client.DeleteSubscription(ctx, 7); err != nil {
		t.Errorf("DeleteSubscription failed: %v", err)
	}
	if err := client.DeleteSubscription(ctx, 8); !IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"id":5}`)
	}))
	defer server.Close()

	client := NewStravaClient(testProviderConfig(server.URL), server.Client())
	client.api.initialDelay = time.Millisecond

	id, err := client.FetchUserID(context.Background(), "tok")
	if err != nil {
		t.Fatalf("FetchUserID failed: %v", err)
	}
	if id != "5" {
		t.Errorf("Expected id 5, got %s", id)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestCalculateCooldown(t *testing.T) {
	fallback := 15 * time.Minute

	if got := CalculateCooldown(errors.New("boom"), fallback); got != fallback {
		t.Errorf("Expected fallback, got %v", got)
	}

	err := fmt.Errorf("wrapped: %w", &HTTPError{StatusCode: 429, RetryAfter: 90 * time.Second})
	if got := CalculateCooldown(err, fallback); got != 90*time.Second {
		t.Errorf("Expected Retry-After 90s, got %v", got)
	}
	if !IsTooManyRequests(err) {
		t.Error("Expected wrapped 429 to be detected")
	}
	if IsUnauthorized(err) {
		t.Error("Expected 429 not to be unauthorized")
	}
}

func TestRegistry(t *testing.T) {
	cfg := &config.Config{Providers: map[string]*config.ProviderConfig{
		Garmin: testProviderConfig("http://garmin.invalid"),
		Whoop:  testProviderConfig("http://whoop.invalid"),
		Strava: testProviderConfig("http://strava.invalid"),
	}}
	r := NewRegistry(cfg, nil)

	names := r.Names()
	if len(names) != 3 || names[0] != Garmin || names[1] != Strava || names[2] != Whoop {
		t.Errorf("Expected sorted provider names, got %v", names)
	}
	if _, err := r.Get("polar"); err == nil {
		t.Error("Expected error for unknown provider")
	}
	b, ok := r.Backfiller(Garmin)
	if !ok || b.MaxWindow() != 30*24*time.Hour {
		t.Errorf("Expected garmin backfiller with 30 day window")
	}

	oc := r.clients[Garmin].OAuthConfig("https://example.com/cb")
	if oc.RedirectURL != "https://example.com/cb" || oc.ClientID != "test_client_id" {
		t.Errorf("Unexpected oauth config %+v", oc)
	}
}

func TestRateLimiterIgnoresMalformedHeaders(t *testing.T) {
	rl := NewRateLimiter(Strava)
	h := http.Header{}
	h.Set("X-RateLimit-Limit", "200")
	h.Set("X-RateLimit-Usage", "10,20")
	rl.UpdateFromHeaders(h)

	if rl.Status().Limit15Min != 0 {
		t.Errorf("Expected malformed header to be ignored, got %+v", rl.Status())
	}
	if rl.IsNearLimit(90) {
		t.Error("Expected no limit pressure without data")
	}

	rl.Update(100, 50, 1000, 950)
	if !rl.IsNearLimit(90) {
		t.Error("Expected daily usage 95% to be near limit")
	}
}
