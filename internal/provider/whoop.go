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
	whoopMaxWindow = 30 * 24 * time.Hour
	whoopPageSize  = 25
)

var whoopScopes = []string{"offline", "read:workout", "read:profile"}

// WhoopClient talks to the WHOOP developer API
type WhoopClient struct {
	api *apiClient
	cfg *config.ProviderConfig
}

// NewWhoopClient creates a WHOOP client
func NewWhoopClient(cfg *config.ProviderConfig, httpClient *http.Client) *WhoopClient {
	return &WhoopClient{
		api: newAPIClient(Whoop, cfg.APIURL, httpClient),
		cfg: cfg,
	}
}

// Name implements Client
func (c *WhoopClient) Name() string { return Whoop }

// OAuthConfig implements Client
func (c *WhoopClient) OAuthConfig(redirectURL string) *oauth2.Config {
	return oauthConfig(c.cfg, redirectURL, whoopScopes)
}

// RateLimits implements Client
func (c *WhoopClient) RateLimits() RateLimitStatus { return c.api.rateLimiter.Status() }

// WhoopWorkout is a workout record from the WHOOP API
type WhoopWorkout struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	SportName string    `json:"sport_name"`
	Score     *struct {
		AverageHeartRate  float64 `json:"average_heart_rate"`
		MaxHeartRate      float64 `json:"max_heart_rate"`
		DistanceMeter     float64 `json:"distance_meter"`
		AltitudeGainMeter float64 `json:"altitude_gain_meter"`
	} `json:"score"`
}

// ToActivity converts a workout to the provider-neutral activity. WHOOP
// reports no duration, so it is derived from start and end.
func (w *WhoopWorkout) ToActivity() *Activity {
	end := w.End.UTC()
	a := &Activity{
		NativeID:       w.ID,
		ProviderUserID: strconv.FormatInt(w.UserID, 10),
		Type:           w.SportName,
		StartTime:      w.Start.UTC(),
		EndTime:        &end,
	}
	if w.Score != nil {
		a.DistanceMeters = w.Score.DistanceMeter
		a.ElevationGainMeters = w.Score.AltitudeGainMeter
		a.AvgHeartRate = roundedIntPtr(w.Score.AverageHeartRate)
		a.MaxHeartRate = roundedIntPtr(w.Score.MaxHeartRate)
	}
	return a
}

// FetchUserID implements Client
func (c *WhoopClient) FetchUserID(ctx context.Context, accessToken string) (string, error) {
	var resp struct {
		UserID int64 `json:"user_id"`
	}
	if err := c.api.getJSON(ctx, c.api.baseURL+"/v2/user/profile/basic", accessToken, metrics.OpGetUser, &resp); err != nil {
		return "", fmt.Errorf("failed to get whoop profile: %w", err)
	}
	if resp.UserID == 0 {
		return "", fmt.Errorf("whoop profile response had no user id")
	}
	return strconv.FormatInt(resp.UserID, 10), nil
}

// FetchActivities implements Client
func (c *WhoopClient) FetchActivities(ctx context.Context, accessToken string, ref ActivityRef) ([]*Activity, error) {
	if ref.Inline != nil {
		return []*Activity{ref.Inline}, nil
	}
	if ref.NativeID == "" {
		return nil, ErrNoActivityRef
	}

	var workout WhoopWorkout
	rawURL := c.api.baseURL + "/v2/activity/workout/" + url.PathEscape(ref.NativeID)
	if err := c.api.getJSON(ctx, rawURL, accessToken, metrics.OpGetActivity, &workout); err != nil {
		return nil, fmt.Errorf("failed to get whoop workout %s: %w", ref.NativeID, err)
	}
	return []*Activity{workout.ToActivity()}, nil
}

// MaxWindow implements Backfiller
func (c *WhoopClient) MaxWindow() time.Duration { return whoopMaxWindow }

// RequestChunk implements Backfiller. WHOOP has no async backfill, so the
// window is listed page by page and the workouts are returned for ingestion.
func (c *WhoopClient) RequestChunk(ctx context.Context, accessToken string, start, end time.Time) (*ChunkResult, error) {
	result := &ChunkResult{Outcome: ChunkAccepted}
	nextToken := ""

	for {
		params := url.Values{
			"start": {start.UTC().Format(time.RFC3339)},
			"end":   {end.UTC().Format(time.RFC3339)},
			"limit": {strconv.Itoa(whoopPageSize)},
		}
		if nextToken != "" {
			params.Set("nextToken", nextToken)
		}

		var page struct {
			Records   []WhoopWorkout `json:"records"`
			NextToken string         `json:"next_token"`
		}
		rawURL := c.api.baseURL + "/v2/activity/workout?" + params.Encode()
		if err := c.api.getJSON(ctx, rawURL, accessToken, metrics.OpListActivities, &page); err != nil {
			return nil, fmt.Errorf("failed to list whoop workouts: %w", err)
		}

		for i := range page.Records {
			result.Listed = append(result.Listed, ActivityRef{
				NativeID: page.Records[i].ID,
				Inline:   page.Records[i].ToActivity(),
			})
		}

		if page.NextToken == "" {
			return result, nil
		}
		nextToken = page.NextToken
	}
}
