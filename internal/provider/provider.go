// Package provider holds the HTTP clients for the third-party fitness
// platforms activities are imported from.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"github.com/ryanlecours/loam-logger-sub002/internal/config"
)

// Provider names
const (
	Garmin = "garmin"
	Whoop  = "whoop"
	Strava = "strava"
)

// ErrNoActivityRef is returned when a reference carries nothing to fetch
var ErrNoActivityRef = errors.New("activity reference has no id, callback or inline data")

// Activity is a provider activity in provider units (meters, seconds)
type Activity struct {
	NativeID       string
	ProviderUserID string
	Type           string
	StartTime      time.Time

	// DurationSeconds is set when the provider reports it; otherwise EndTime is
	DurationSeconds *int
	EndTime         *time.Time

	DistanceMeters      float64
	ElevationGainMeters float64
	AvgHeartRate        *int
	MaxHeartRate        *int

	Location string
	StartLat *float64
	StartLng *float64
}

// ActivityRef points at activity data announced by a webhook or listed by a
// backfill. Exactly one of NativeID, CallbackURL or Inline is normally set.
type ActivityRef struct {
	NativeID    string    `json:"nativeId,omitempty"`
	CallbackURL string    `json:"callbackUrl,omitempty"`
	Inline      *Activity `json:"inline,omitempty"`
}

// Client is implemented by every provider
type Client interface {
	Name() string

	// OAuthConfig returns the oauth2 configuration for the provider's token endpoint
	OAuthConfig(redirectURL string) *oauth2.Config

	// FetchUserID returns the provider's id for the token's owner
	FetchUserID(ctx context.Context, accessToken string) (string, error)

	// FetchActivities resolves a reference into full activity detail. A Garmin
	// callback can expand into several activities.
	FetchActivities(ctx context.Context, accessToken string, ref ActivityRef) ([]*Activity, error)

	// RateLimits returns the last rate-limit status seen from the provider
	RateLimits() RateLimitStatus
}

// ChunkOutcome is the provider's answer to one backfill chunk request
type ChunkOutcome int

const (
	// ChunkAccepted means data for the window will arrive (or was listed)
	ChunkAccepted ChunkOutcome = iota
	// ChunkDuplicate means the provider already processed this window
	ChunkDuplicate
	// ChunkRangeRejected means the start precedes the provider's minimum; see MinStart
	ChunkRangeRejected
)

func (o ChunkOutcome) String() string {
	switch o {
	case ChunkAccepted:
		return "accepted"
	case ChunkDuplicate:
		return "duplicate"
	case ChunkRangeRejected:
		return "range_rejected"
	default:
		return fmt.Sprintf("ChunkOutcome(%d)", int(o))
	}
}

// ChunkResult describes the outcome of one backfill chunk request
type ChunkResult struct {
	Outcome ChunkOutcome

	// MinStart is the earliest start the provider accepts (ChunkRangeRejected only)
	MinStart time.Time

	// Listed holds activities found by providers without an async backfill
	// endpoint; the caller ingests them
	Listed []ActivityRef
}

// Backfiller is implemented by providers that can import a historical window
type Backfiller interface {
	// MaxWindow is the largest window a single chunk request may cover
	MaxWindow() time.Duration

	// RequestChunk asks the provider for activities in [start, end).
	// Errors are per-chunk failures; the caller continues with the next chunk.
	RequestChunk(ctx context.Context, accessToken string, start, end time.Time) (*ChunkResult, error)
}

// Registry holds the provider clients by name
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a client for every provider in cfg. Clients are created
// even without credentials so that webhooks and status queries work; token
// refresh reports the missing configuration.
func NewRegistry(cfg *config.Config, httpClient *http.Client) *Registry {
	r := &Registry{clients: make(map[string]Client)}
	for name, pc := range cfg.Providers {
		switch name {
		case Garmin:
			r.clients[name] = NewGarminClient(pc, httpClient)
		case Whoop:
			r.clients[name] = NewWhoopClient(pc, httpClient)
		case Strava:
			r.clients[name] = NewStravaClient(pc, httpClient)
		}
	}
	return r
}

// NewRegistryFromClients builds a registry from explicit clients
func NewRegistryFromClients(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client)}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// Get returns the client for a provider
func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return c, nil
}

// Backfiller returns the provider's backfill implementation, if any
func (r *Registry) Backfiller(name string) (Backfiller, bool) {
	c, ok := r.clients[name]
	if !ok {
		return nil, false
	}
	b, ok := c.(Backfiller)
	return b, ok
}

// Names returns the registered provider names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func oauthConfig(pc *config.ProviderConfig, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  pc.AuthURL,
			TokenURL: pc.TokenURL,
			// Providers expect client credentials in the form body
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURL,
		Scopes:      scopes,
	}
}

func intPtr(v int) *int { return &v }

func roundedIntPtr(v float64) *int {
	if v <= 0 {
		return nil
	}
	return intPtr(int(v + 0.5))
}
