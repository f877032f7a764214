package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// garminMaxWindow is the largest range the backfill endpoint accepts per request
const garminMaxWindow = 30 * 24 * time.Hour

var minStartPattern = regexp.MustCompile(`(?i)min start time of ([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9:.]+(?:Z|[+-][0-9]{2}:?[0-9]{2})?)`)

// ErrUntrustedCallback is returned for a callback URL that is not served by
// the provider's API host
var ErrUntrustedCallback = errors.New("callback URL is not on the provider API host")

// CheckCallbackURL requires rawURL to use the scheme and host of apiURL.
// Callback requests carry the user's access token.
func CheckCallbackURL(apiURL, rawURL string) error {
	api, err := url.Parse(apiURL)
	if err != nil || api.Host == "" {
		return fmt.Errorf("%w: unusable API URL", ErrUntrustedCallback)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedCallback, err)
	}
	if u.User != nil || !strings.EqualFold(u.Scheme, api.Scheme) || !strings.EqualFold(u.Host, api.Host) {
		return fmt.Errorf("%w: host %q", ErrUntrustedCallback, u.Host)
	}
	return nil
}

// GarminClient talks to the Garmin Health (wellness) API
type GarminClient struct {
	api *apiClient
	cfg *config.ProviderConfig
}

// NewGarminClient creates a Garmin client
func NewGarminClient(cfg *config.ProviderConfig, httpClient *http.Client) *GarminClient {
	return &GarminClient{
		api: newAPIClient(Garmin, cfg.APIURL, httpClient),
		cfg: cfg,
	}
}

// Name implements Client
func (c *GarminClient) Name() string { return Garmin }

// OAuthConfig implements Client
func (c *GarminClient) OAuthConfig(redirectURL string) *oauth2.Config {
	return oauthConfig(c.cfg, redirectURL, nil)
}

// RateLimits implements Client
func (c *GarminClient) RateLimits() RateLimitStatus { return c.api.rateLimiter.Status() }

// GarminSummary is an activity summary as pushed by webhooks or returned by callbacks
type GarminSummary struct {
	SummaryID                        string   `json:"summaryId"`
	ActivityID                       int64    `json:"activityId"`
	UserID                           string   `json:"userId"`
	ActivityType                     string   `json:"activityType"`
	ActivityName                     string   `json:"activityName"`
	StartTimeInSeconds               int64    `json:"startTimeInSeconds"`
	DurationInSeconds                int      `json:"durationInSeconds"`
	DistanceInMeters                 float64  `json:"distanceInMeters"`
	TotalElevationGainInMeters       float64  `json:"totalElevationGainInMeters"`
	AverageHeartRateInBeatsPerMinute float64  `json:"averageHeartRateInBeatsPerMinute"`
	MaxHeartRateInBeatsPerMinute     float64  `json:"maxHeartRateInBeatsPerMinute"`
	StartingLatitudeInDegree         *float64 `json:"startingLatitudeInDegree"`
	StartingLongitudeInDegree        *float64 `json:"startingLongitudeInDegree"`
	LocationName                     string   `json:"locationName"`
}

// NativeID returns the activity id, falling back to the summary id
func (s *GarminSummary) NativeID() string {
	if s.ActivityID != 0 {
		return strconv.FormatInt(s.ActivityID, 10)
	}
	return s.SummaryID
}

// ToActivity converts a summary to the provider-neutral activity
func (s *GarminSummary) ToActivity() *Activity {
	a := &Activity{
		NativeID:            s.NativeID(),
		ProviderUserID:      s.UserID,
		Type:                s.ActivityType,
		StartTime:           time.Unix(s.StartTimeInSeconds, 0).UTC(),
		DistanceMeters:      s.DistanceInMeters,
		ElevationGainMeters: s.TotalElevationGainInMeters,
		AvgHeartRate:        roundedIntPtr(s.AverageHeartRateInBeatsPerMinute),
		MaxHeartRate:        roundedIntPtr(s.MaxHeartRateInBeatsPerMinute),
		Location:            s.LocationName,
		StartLat:            s.StartingLatitudeInDegree,
		StartLng:            s.StartingLongitudeInDegree,
	}
	if s.DurationInSeconds > 0 {
		a.DurationSeconds = intPtr(s.DurationInSeconds)
	}
	return a
}

// FetchUserID implements Client
func (c *GarminClient) FetchUserID(ctx context.Context, accessToken string) (string, error) {
	var resp struct {
		UserID string `json:"userId"`
	}
	if err := c.api.getJSON(ctx, c.api.baseURL+"/user/id", accessToken, metrics.OpGetUser, &resp); err != nil {
		return "", fmt.Errorf("failed to get garmin user id: %w", err)
	}
	if resp.UserID == "" {
		return "", fmt.Errorf("garmin user id response was empty")
	}
	return resp.UserID, nil
}

// FetchActivities implements Client. Garmin has no fetch-by-id endpoint:
// summaries arrive inline or behind a one-time callback URL.
func (c *GarminClient) FetchActivities(ctx context.Context, accessToken string, ref ActivityRef) ([]*Activity, error) {
	if ref.Inline != nil {
		return []*Activity{ref.Inline}, nil
	}
	if ref.CallbackURL == "" {
		return nil, ErrNoActivityRef
	}
	if err := CheckCallbackURL(c.cfg.APIURL, ref.CallbackURL); err != nil {
		return nil, err
	}

	var summaries []GarminSummary
	if err := c.api.getJSON(ctx, ref.CallbackURL, accessToken, metrics.OpCallback, &summaries); err != nil {
		return nil, fmt.Errorf("failed to fetch garmin callback: %w", err)
	}

	activities := make([]*Activity, 0, len(summaries))
	for i := range summaries {
		activities = append(activities, summaries[i].ToActivity())
	}
	return activities, nil
}

// MaxWindow implements Backfiller
func (c *GarminClient) MaxWindow() time.Duration { return garminMaxWindow }

// RequestChunk implements Backfiller using the asynchronous backfill endpoint.
// 202 means summaries will be pushed by webhook, 409 means the window was
// already requested, and 400 with a minimum start time means the window
// starts too early.
func (c *GarminClient) RequestChunk(ctx context.Context, accessToken string, start, end time.Time) (*ChunkResult, error) {
	params := url.Values{
		"summaryStartTimeInSeconds": {strconv.FormatInt(start.Unix(), 10)},
		"summaryEndTimeInSeconds":   {strconv.FormatInt(end.Unix(), 10)},
	}
	rawURL := c.api.baseURL + "/backfill/activities?" + params.Encode()

	status, body, header, err := c.api.send(ctx, http.MethodGet, rawURL, accessToken, metrics.OpBackfillChunk)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusAccepted, http.StatusOK:
		return &ChunkResult{Outcome: ChunkAccepted}, nil
	case http.StatusConflict:
		return &ChunkResult{Outcome: ChunkDuplicate}, nil
	case http.StatusBadRequest:
		if minStart, ok := ParseMinStartTime(string(body)); ok {
			return &ChunkResult{Outcome: ChunkRangeRejected, MinStart: minStart}, nil
		}
	}
	return nil, &HTTPError{StatusCode: status, Body: string(body), RetryAfter: parseRetryAfter(header)}
}

// ParseMinStartTime extracts the timestamp from a "min start time of <RFC3339>" message
func ParseMinStartTime(message string) (time.Time, bool) {
	m := minStartPattern.FindStringSubmatch(message)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, m[1])
	if err != nil {
		// Garmin sometimes omits the zone designator
		t, err = time.Parse("2006-01-02T15:04:05.999999999", m[1])
		if err != nil {
			return time.Time{}, false
		}
	}
	return t.UTC(), true
}
