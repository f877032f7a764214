package provider

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// RateLimiter tracks the rate limits a provider reports in response headers.
// Strava reports "15min,daily" pairs in X-RateLimit-Limit / X-RateLimit-Usage;
// providers that send nothing keep the zero values.
type RateLimiter struct {
	mu          sync.RWMutex
	provider    string
	limit15Min  int
	usage15Min  int
	limitDaily  int
	usageDaily  int
	lastUpdated time.Time
}

// RateLimitStatus represents the current rate limit status
type RateLimitStatus struct {
	Limit15Min    int
	Usage15Min    int
	LimitDaily    int
	UsageDaily    int
	Usage15MinPct float64
	UsageDailyPct float64
	LastUpdated   time.Time
}

// NewRateLimiter creates a new rate limiter for a provider
func NewRateLimiter(provider string) *RateLimiter {
	return &RateLimiter{provider: provider}
}

// Update updates the rate limit information
func (rl *RateLimiter) Update(limit15Min, usage15Min, limitDaily, usageDaily int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limit15Min = limit15Min
	rl.usage15Min = usage15Min
	rl.limitDaily = limitDaily
	rl.usageDaily = usageDaily
	rl.lastUpdated = time.Now()

	metrics.ProviderRateLimitUsage.WithLabelValues(rl.provider, metrics.RateLimitOverall15Min, metrics.BucketLimit).Set(float64(limit15Min))
	metrics.ProviderRateLimitUsage.WithLabelValues(rl.provider, metrics.RateLimitOverall15Min, metrics.BucketUsage).Set(float64(usage15Min))
	metrics.ProviderRateLimitUsage.WithLabelValues(rl.provider, metrics.RateLimitOverallDaily, metrics.BucketLimit).Set(float64(limitDaily))
	metrics.ProviderRateLimitUsage.WithLabelValues(rl.provider, metrics.RateLimitOverallDaily, metrics.BucketUsage).Set(float64(usageDaily))
}

// UpdateFromHeaders parses X-RateLimit-Limit / X-RateLimit-Usage when present
func (rl *RateLimiter) UpdateFromHeaders(headers http.Header) {
	limitHeader := headers.Get("X-RateLimit-Limit")
	usageHeader := headers.Get("X-RateLimit-Usage")
	if limitHeader == "" || usageHeader == "" {
		return
	}

	limits := strings.Split(limitHeader, ",")
	usages := strings.Split(usageHeader, ",")
	if len(limits) != 2 || len(usages) != 2 {
		return
	}

	limit15, err1 := strconv.Atoi(strings.TrimSpace(limits[0]))
	limitDaily, err2 := strconv.Atoi(strings.TrimSpace(limits[1]))
	usage15, err3 := strconv.Atoi(strings.TrimSpace(usages[0]))
	usageDaily, err4 := strconv.Atoi(strings.TrimSpace(usages[1]))
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return
	}

	rl.Update(limit15, usage15, limitDaily, usageDaily)
}

// Status returns the current rate limit status
func (rl *RateLimiter) Status() RateLimitStatus {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	usage15MinPct := 0.0
	if rl.limit15Min > 0 {
		usage15MinPct = float64(rl.usage15Min) / float64(rl.limit15Min) * 100
	}

	usageDailyPct := 0.0
	if rl.limitDaily > 0 {
		usageDailyPct = float64(rl.usageDaily) / float64(rl.limitDaily) * 100
	}

	return RateLimitStatus{
		Limit15Min:    rl.limit15Min,
		Usage15Min:    rl.usage15Min,
		LimitDaily:    rl.limitDaily,
		UsageDaily:    rl.usageDaily,
		Usage15MinPct: usage15MinPct,
		UsageDailyPct: usageDailyPct,
		LastUpdated:   rl.lastUpdated,
	}
}

// IsNearLimit returns true if we're approaching rate limits
func (rl *RateLimiter) IsNearLimit(threshold float64) bool {
	return rl.Status().NearLimit(threshold)
}

// NearLimit reports whether either window's usage is at or above threshold percent
func (s RateLimitStatus) NearLimit(threshold float64) bool {
	return s.Usage15MinPct >= threshold || s.UsageDailyPct >= threshold
}

// CalculateCooldown returns how long to keep a provider's circuit open after
// err. A Retry-After hint wins; otherwise the fallback is used.
func CalculateCooldown(err error, fallback time.Duration) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return fallback
}
