package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// Subscription represents a Strava webhook subscription
type Subscription struct {
	ID            int    `json:"id"`
	ApplicationID int    `json:"application_id"`
	CallbackURL   string `json:"callback_url"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func (c *StravaClient) appCredentials() url.Values {
	return url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
}

// CreateSubscription registers callbackURL for push events.
// Only app credentials are needed, no athlete token.
func (c *StravaClient) CreateSubscription(ctx context.Context, callbackURL string) (*Subscription, error) {
	if c.cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("strava webhook verify token is not configured")
	}

	form := c.appCredentials()
	form.Set("callback_url", callbackURL)
	form.Set("verify_token", c.cfg.WebhookSecret)

	status, body, _, err := c.api.do(ctx, http.MethodPost, c.api.baseURL+"/push_subscriptions", "", form, metrics.OpCreateSubscription)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, &HTTPError{StatusCode: status, Body: string(body)}
	}

	var subscription Subscription
	if err := json.Unmarshal(body, &subscription); err != nil {
		return nil, fmt.Errorf("failed to decode subscription response: %w", err)
	}
	return &subscription, nil
}

// ListSubscriptions lists the application's active webhook subscriptions
func (c *StravaClient) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	var subscriptions []*Subscription
	rawURL := c.api.baseURL + "/push_subscriptions?" + c.appCredentials().Encode()
	if err := c.api.getJSON(ctx, rawURL, "", metrics.OpListSubscriptions, &subscriptions); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subscriptions, nil
}

// DeleteSubscription deletes a webhook subscription
func (c *StravaClient) DeleteSubscription(ctx context.Context, subscriptionID int) error {
	rawURL := fmt.Sprintf("%s/push_subscriptions/%d?%s", c.api.baseURL, subscriptionID, c.appCredentials().Encode())
	status, body, _, err := c.api.send(ctx, http.MethodDelete, rawURL, "", metrics.OpDeleteSubscription)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return &HTTPError{StatusCode: status, Body: string(body)}
	}
	return nil
}
