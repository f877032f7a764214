package tokens

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected means no token is stored for the user and provider
	ErrNotConnected = errors.New("provider not connected")

	// ErrMissingRefreshToken means the token expired and cannot be refreshed
	ErrMissingRefreshToken = errors.New("no refresh token stored")

	// ErrConfigMissing means the provider's client credentials are not configured
	ErrConfigMissing = errors.New("provider credentials not configured")

	// ErrTokenRefreshFailed matches every *RefreshError
	ErrTokenRefreshFailed = errors.New("token refresh failed")
)

// RefreshError describes a failed call to the provider's token endpoint.
// StatusCode is 0 for transport errors.
type RefreshError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *RefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s token refresh failed: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s token refresh failed: %v", e.Provider, e.Err)
}

func (e *RefreshError) Is(target error) bool { return target == ErrTokenRefreshFailed }

func (e *RefreshError) Unwrap() error { return e.Err }

// NeedsReconnect reports whether err means the user must reconnect the provider
func NeedsReconnect(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrMissingRefreshToken) ||
		errors.Is(err, ErrConfigMissing) ||
		errors.Is(err, ErrTokenRefreshFailed)
}
