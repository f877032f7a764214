package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

const (
	stravaMaxWindow = 90 * 24 * time.Hour
	stravaPerPage   = 200 // Strava max
)

var stravaScopes = []string{"read,activity:read_all"}

// StravaClient is a Strava API client
type StravaClient struct {
	api *apiClient
	cfg *config.ProviderConfig
}

// NewStravaClient creates a Strava client
func NewStravaClient(cfg *config.ProviderConfig, httpClient *http.Client) *StravaClient {
	return &StravaClient{
		api: newAPIClient(Strava, cfg.APIURL, httpClient),
		cfg: cfg,
	}
}

// Name implements Client
func (c *StravaClient) Name() string { return Strava }

// OAuthConfig implements Client
func (c *StravaClient) OAuthConfig(redirectURL string) *oauth2.Config {
	return oauthConfig(c.cfg, redirectURL, stravaScopes)
}

// RateLimits implements Client
func (c *StravaClient) RateLimits() RateLimitStatus { return c.api.rateLimiter.Status() }

// StravaActivity is the subset of a detailed Strava activity used for ingestion
type StravaActivity struct {
	ID      int64 `json:"id"`
	Athlete struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	Distance           float64   `json:"distance"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageHeartrate   float64   `json:"average_heartrate"`
	MaxHeartrate       float64   `json:"max_heartrate"`
	StartLatLng        []float64 `json:"start_latlng"`
	LocationCity       string    `json:"location_city"`
}

// ToActivity converts a Strava activity to the provider-neutral activity
func (s *StravaActivity) ToActivity() *Activity {
	activityType := s.SportType
	if activityType == "" {
		activityType = s.Type
	}

	a := &Activity{
		NativeID:            strconv.FormatInt(s.ID, 10),
		ProviderUserID:      strconv.FormatInt(s.Athlete.ID, 10),
		Type:                activityType,
		StartTime:           s.StartDate.UTC(),
		DistanceMeters:      s.Distance,
		ElevationGainMeters: s.TotalElevationGain,
		AvgHeartRate:        roundedIntPtr(s.AverageHeartrate),
		MaxHeartRate:        roundedIntPtr(s.MaxHeartrate),
		Location:            s.LocationCity,
	}

	switch {
	case s.MovingTime > 0:
		a.DurationSeconds = intPtr(s.MovingTime)
	case s.ElapsedTime > 0:
		a.DurationSeconds = intPtr(s.ElapsedTime)
	}

	if len(s.StartLatLng) == 2 {
		lat, lng := s.StartLatLng[0], s.StartLatLng[1]
		a.StartLat = &lat
		a.StartLng = &lng
	}
	return a
}

// FetchUserID implements Client
func (c *StravaClient) FetchUserID(ctx context.Context, accessToken string) (string, error) {
	var athlete struct {
		ID int64 `json:"id"`
	}
	if err := c.api.getJSON(ctx, c.api.baseURL+"/athlete", accessToken, metrics.OpGetUser, &athlete); err != nil {
		return "", fmt.Errorf("failed to get strava athlete: %w", err)
	}
	return strconv.FormatInt(athlete.ID, 10), nil
}

// FetchActivities implements Client
func (c *StravaClient) FetchActivities(ctx context.Context, accessToken string, ref ActivityRef) ([]*Activity, error) {
	if ref.Inline != nil {
		return []*Activity{ref.Inline}, nil
	}
	if ref.NativeID == "" {
		return nil, ErrNoActivityRef
	}

	var activity StravaActivity
	rawURL := c.api.baseURL + "/activities/" + url.PathEscape(ref.NativeID)
	if err := c.api.getJSON(ctx, rawURL, accessToken, metrics.OpGetActivity, &activity); err != nil {
		return nil, fmt.Errorf("failed to get activity %s: %w", ref.NativeID, err)
	}
	return []*Activity{activity.ToActivity()}, nil
}

// ListActivities fetches one page of the athlete's activities started in
// [after, before). Returns whether there may be more pages.
func (c *StravaClient) ListActivities(ctx context.Context, accessToken string, after, before time.Time, page int) ([]StravaActivity, bool, error) {
	if page < 1 {
		page = 1
	}

	params := url.Values{
		"after":    {strconv.FormatInt(after.Unix()-1, 10)},
		"before":   {strconv.FormatInt(before.Unix(), 10)},
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(stravaPerPage)},
	}

	var activities []StravaActivity
	rawURL := c.api.baseURL + "/athlete/activities?" + params.Encode()
	if err := c.api.getJSON(ctx, rawURL, accessToken, metrics.OpListActivities, &activities); err != nil {
		return nil, false, fmt.Errorf("failed to list activities: %w", err)
	}

	// If we got a full page, there might be more
	return activities, len(activities) == stravaPerPage, nil
}

// MaxWindow implements Backfiller
func (c *StravaClient) MaxWindow() time.Duration { return stravaMaxWindow }

// RequestChunk implements Backfiller by listing the window. Summary records
// lack some detail fields, so only ids are returned and the detail is fetched
// during ingestion.
func (c *StravaClient) RequestChunk(ctx context.Context, accessToken string, start, end time.Time) (*ChunkResult, error) {
	result := &ChunkResult{Outcome: ChunkAccepted}

	for page := 1; ; page++ {
		activities, hasMore, err := c.ListActivities(ctx, accessToken, start, end, page)
		if err != nil {
			return nil, err
		}
		for _, a := range activities {
			result.Listed = append(result.Listed, ActivityRef{NativeID: strconv.FormatInt(a.ID, 10)})
		}
		if !hasMore {
			return result, nil
		}
	}
}
