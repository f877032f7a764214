package tokens

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

// defaultTokenLifetime is assumed when a token response omits expires_in
const defaultTokenLifetime = time.Hour

// Refresher exchanges a refresh token at the provider's token endpoint
type Refresher interface {
	Refresh(ctx context.Context, providerName, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher refreshes tokens with golang.org/x/oauth2 using the
// provider clients' endpoint configuration
type OAuthRefresher struct {
	cfg        *config.Config
	registry   *provider.Registry
	httpClient *http.Client
}

// NewOAuthRefresher creates a refresher. httpClient may be nil.
func NewOAuthRefresher(cfg *config.Config, registry *provider.Registry, httpClient *http.Client) *OAuthRefresher {
	return &OAuthRefresher{cfg: cfg, registry: registry, httpClient: httpClient}
}

// Refresh implements Refresher. The returned token's RefreshToken equals the
// input when the provider did not rotate it.
func (r *OAuthRefresher) Refresh(ctx context.Context, providerName, refreshToken string) (*oauth2.Token, error) {
	pc, err := r.cfg.GetProvider(providerName)
	if err != nil || !pc.Configured() {
		metrics.TokenRefreshTotal.WithLabelValues(providerName, metrics.RefreshMissingConfig).Inc()
		return nil, ErrConfigMissing
	}
	client, err := r.registry.Get(providerName)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues(providerName, metrics.RefreshMissingConfig).Inc()
		return nil, ErrConfigMissing
	}

	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	timer := time.Now()
	tok, err := client.OAuthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	metrics.ProviderAPIRequestDuration.WithLabelValues(providerName, metrics.OpRefreshToken).Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues(providerName, metrics.RefreshFailed).Inc()
		refreshErr := &RefreshError{Provider: providerName, Err: err}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			refreshErr.StatusCode = retrieveErr.Response.StatusCode
			refreshErr.Body = string(retrieveErr.Body)
		}
		return nil, refreshErr
	}

	if tok.Expiry.IsZero() {
		tok.Expiry = time.Now().Add(defaultTokenLifetime)
	}
	metrics.TokenRefreshTotal.WithLabelValues(providerName, metrics.RefreshSuccess).Inc()
	return tok, nil
}
