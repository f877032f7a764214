package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

const (
	defaultMaxRetries   = 3
	defaultInitialDelay = 1 * time.Second
	maxDelay            = 30 * time.Second
	requestTimeout      = 30 * time.Second
)

// HTTPError represents an HTTP error response from a provider API
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsNotFound returns true if the error is a 404 Not Found
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// IsUnauthorized returns true if the error is a 401 Unauthorized
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized
}

// IsTooManyRequests returns true if the error is a 429 Too Many Requests
func IsTooManyRequests(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// apiClient is the HTTP core shared by the provider clients: bearer auth,
// retries with exponential backoff on transport errors and 5xx, rate-limit
// header tracking and request metrics.
type apiClient struct {
	name         string
	baseURL      string
	httpClient   *http.Client
	logger       *slog.Logger
	rateLimiter  *RateLimiter
	maxRetries   int
	initialDelay time.Duration
}

func newAPIClient(name, baseURL string, httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &apiClient{
		name:         name,
		baseURL:      baseURL,
		httpClient:   httpClient,
		logger:       slog.Default().With("provider", name),
		rateLimiter:  NewRateLimiter(name),
		maxRetries:   defaultMaxRetries,
		initialDelay: defaultInitialDelay,
	}
}

// send performs a request and returns the status and body of the first
// response that is neither a transport error nor a 5xx. Callers decide what
// each status means.
func (c *apiClient) send(ctx context.Context, method, rawURL, accessToken, op string) (int, []byte, http.Header, error) {
	return c.do(ctx, method, rawURL, accessToken, nil, op)
}

// do is send with an optional form-encoded body
func (c *apiClient) do(ctx context.Context, method, rawURL, accessToken string, form url.Values, op string) (int, []byte, http.Header, error) {
	var lastErr error
	delay := c.initialDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying request", "operation", op, "attempt", attempt, "delay_ms", delay.Milliseconds())
			select {
			case <-ctx.Done():
				return 0, nil, nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
		}

		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(start)
		metrics.ProviderAPIRequestDuration.WithLabelValues(c.name, op).Observe(duration.Seconds())

		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, nil, ctx.Err()
			}
			lastErr = err
			metrics.ProviderAPIRequestsTotal.WithLabelValues(c.name, op, "error").Inc()
			c.logger.Error("request failed", "operation", op, "error", err, "attempt", attempt)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		metrics.ProviderAPIRequestsTotal.WithLabelValues(c.name, op, strconv.Itoa(resp.StatusCode)).Inc()
		c.rateLimiter.UpdateFromHeaders(resp.Header)
		c.logger.Debug("provider_api_request", "operation", op, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())

		if resp.StatusCode >= 500 {
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
			continue
		}
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", readErr)
			continue
		}

		return resp.StatusCode, respBody, resp.Header, nil
	}

	return 0, nil, nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// getJSON fetches rawURL and decodes a 200 response into out. Any other status
// is returned as an *HTTPError.
func (c *apiClient) getJSON(ctx context.Context, rawURL, accessToken, op string, out any) error {
	status, body, header, err := c.send(ctx, http.MethodGet, rawURL, accessToken, op)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &HTTPError{StatusCode: status, Body: string(body), RetryAfter: parseRetryAfter(header)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// parseRetryAfter extracts retry delay from Retry-After header
func parseRetryAfter(headers http.Header) time.Duration {
	if headers == nil {
		return 0
	}
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
