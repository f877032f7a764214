package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/lock"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

type tokenServer struct {
	*httptest.Server
	calls   atomic.Int32
	delay   time.Duration
	status  int
	rotate  bool
	lastReq atomic.Value
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{status: http.StatusOK}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if r.URL.Path != "/oauth/token" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		ts.lastReq.Store(r.PostForm)
		time.Sleep(ts.delay)

		if ts.status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(ts.status)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}

		resp := map[string]any{
			"access_token": "new_access_token",
			"token_type":   "Bearer",
			"expires_in":   21600,
		}
		if ts.rotate {
			resp["refresh_token"] = "rotated_refresh_token"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func setupVaultTest(t *testing.T, ts *tokenServer, providerCfg *config.ProviderConfig) (*database.DB, *OAuthRefresher) {
	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if providerCfg == nil {
		providerCfg = &config.ProviderConfig{
			ClientID:     "test_client_id",
			ClientSecret: "test_client_secret",
			TokenURL:     ts.URL + "/oauth/token",
			APIURL:       ts.URL,
		}
	}
	cfg := &config.Config{Providers: map[string]*config.ProviderConfig{provider.Strava: providerCfg}}
	registry := provider.NewRegistry(cfg, ts.Client())
	return db, NewOAuthRefresher(cfg, registry, ts.Client())
}

func storeToken(t *testing.T, db *database.DB, expiresAt time.Time, refreshToken *string) {
	err := db.UpsertToken(context.Background(), &database.OAuthToken{
		UserID:       "user-1",
		Provider:     provider.Strava,
		AccessToken:  "old_access_token",
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		t.Fatalf("Failed to store token: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func TestGetValidTokenFreshTokenMakesNoCall(t *testing.T) {
	ts := newTokenServer(t)
	db, refresher := setupVaultTest(t, ts, nil)
	vault := NewVault(db, NewMemoryFlight(30*time.Second, time.Minute), refresher, 5*time.Minute)

	storeToken(t, db, time.Now().Add(time.Hour), strPtr("refresh"))

	tok, err := vault.GetValidToken(context.Background(), "user-1", provider.Strava)
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok != "old_access_token" {
		t.Errorf("Expected stored token, got %s", tok)
	}
	if ts.calls.Load() != 0 {
		t.Errorf("Expected no token endpoint calls, got %d", ts.calls.Load())
	}
}

func TestGetValidTokenRefreshesInsideSkewWindow(t *testing.T) {
	ts := newTokenServer(t)
	db, refresher := setupVaultTest(t, ts, nil)
	vault := NewVault(db, NewMemoryFlight(30*time.Second, time.Minute), refresher, 5*time.Minute)

	// Not yet expired, but within the skew window
	storeToken(t, db, time.Now().Add(2*time.Minute), strPtr("refresh"))

	tok, err := vault.GetValidToken(context.Background(), "user-1", provider.Strava)
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if tok != "new_access_token" {
		t.Errorf("Expected refreshed token, got %s", tok)
	}

	form := ts.lastReq.Load().(url.Values)
	if form["grant_type"][0] != "refresh_token" {
		t.Errorf("Expected grant_type refresh_token, got %v", form["grant_type"])
	}
	if form["refresh_token"][0] != "refresh" {
		t.Errorf("Expected refresh_token refresh, got %v", form["refresh_token"])
	}
	if form["client_id"][0] != "test_client_id" {
		t.Errorf("Expected client_id in form body, got %v", form["client_id"])
	}

	stored, _ := db.GetToken(context.Background(), "user-1", provider.Strava)
	if stored.AccessToken != "new_access_token" {
		t.Errorf("Expected stored access token updated, got %s", stored.AccessToken)
	}
	if stored.RefreshToken == nil || *stored.RefreshToken != "refresh" {
		t.Errorf("Expected refresh token unchanged, got %v", stored.RefreshToken)
	}
	if time.Until(stored.ExpiresAt) < 5*time.Hour {
		t.Errorf("Expected expiry about 6h out, got %v", stored.ExpiresAt)
	}
}

func TestGetValidTokenStoresRotatedRefreshToken(t *testing.T) {
	ts := newTokenServer(t)
	ts.rotate = true
	db, refresher := setupVaultTest(t, ts, nil)
	vault := NewVault(db, NewMemoryFlight(30*time.Second, time.Minute), refresher, 5*time.Minute)

	storeToken(t, db, time.Now().Add(-time.Hour), strPtr("refresh"))

	if _, err := vault.GetValidToken(context.Background(), "user-1", provider.Strava); err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}

	stored, _ := db.GetToken(context.Background(), "user-1", provider.Strava)
	if stored.RefreshToken == nil || *stored.RefreshToken != "rotated_refresh_token" {
		t.Errorf("Expected rotated refresh token, got %v", stored.RefreshToken)
	}
}

func TestGetValidTokenConcurrentCallersShareOneRefresh(t *testing.T) {
	ts := newTokenServer(t)
	ts.delay = 100 * time.Millisecond
	db, refresher := setupVaultTest(t, ts, nil)
	vault := NewVault(db, NewMemoryFlight(30*time.Second, time.Minute), refresher, 5*time.Minute)

	storeToken(t, db, time.Now().Add(-time.Minute), strPtr("refresh"))

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = vault.GetValidToken(context.Background(), "user-1", provider.Strava)
		}(i)
	}
	wg.Wait()

	if ts.calls.Load() != 1 {
		t.Errorf("Expected exactly 1 refresh call, got %d", ts.calls.Load())
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("Caller %d failed: %v", i, errs[i])
		}
		if results[i] != "new_access_token" {
			t.Errorf("Caller %d expected new_access_token, got %s", i, results[i])
		}
	}
}

func TestGetValidTokenErrors(t *testing.T) {
	ts := newTokenServer(t)
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		db, refresher := setupVaultTest(t, ts, nil)
		vault := NewVault(db, NewMemoryFlight(30*time.Second, time.Minute), refresher, 0)

		_, err := vault.GetValidToken(ctx, "user-1", provider.Strava)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Expected ErrNotConnected, got %v", err)
		}
		if !NeedsReconnect(err) {
			t.Error("Expected NeedsReconnect")
		}
	})

	t.Run("missing refresh token", func(t *testing.T) {
		db, refresher := setupVaultTest(t, ts, nil)
		vault := NewVault(db, NewMemoryFlight(30*time.Second, time.Minute), refresher, 0)
		storeToken(t, db, time.Now().Add(-time.Hour), nil)

		_, err := vault.GetValidToken(ctx, "user-1", provider.Strava)
		if !errors.Is(err, ErrMissingRefreshToken) {
			t.Errorf("Expected ErrMissingRefreshToken, got %v", err)
		}
	})

	t.Run("config missing", func(t *testing.T) {
		db, refresher := setupVaultTest(t, ts, &config.ProviderConfig{TokenURL: ts.URL + "/oauth/token"})
		vault := NewVault(db, NewMemoryFlight(30*time.Second, time.Minute), refresher, 0)
		storeToken(t, db, time.Now().Add(-time.Hour), strPtr("refresh"))

		before := ts.calls.Load()
		_, err := vault.GetValidToken(ctx, "user-1", provider.Strava)
		if !errors.Is(err, ErrConfigMissing) {
			t.Errorf("Expected ErrConfigMissing, got %v", err)
		}
		if ts.calls.Load() != before {
			t.Error("Expected no token endpoint call without credentials")
		}
	})
}

func TestGetValidTokenFailedRefreshLeavesTokenUntouched(t *testing.T) {
	ts := newTokenServer(t)
	ts.status = http.StatusBadRequest
	db, refresher := setupVaultTest(t, ts, nil)
	vault := NewVault(db, NewMemoryFlight(30*time.Second, time.Minute), refresher, 5*time.Minute)

	expiresAt := time.Now().Add(-time.Hour).Truncate(time.Second)
	storeToken(t, db, expiresAt, strPtr("refresh"))

	_, err := vault.GetValidToken(context.Background(), "user-1", provider.Strava)
	if !errors.Is(err, ErrTokenRefreshFailed) {
		t.Fatalf("Expected ErrTokenRefreshFailed, got %v", err)
	}
	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("Expected *RefreshError, got %T", err)
	}
	if refreshErr.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", refreshErr.StatusCode)
	}

	stored, _ := db.GetToken(context.Background(), "user-1", provider.Strava)
	if stored.AccessToken != "old_access_token" {
		t.Errorf("Expected access token untouched, got %s", stored.AccessToken)
	}
	if !stored.ExpiresAt.Equal(expiresAt) {
		t.Errorf("Expected expiry untouched, got %v", stored.ExpiresAt)
	}
	if *stored.RefreshToken != "refresh" {
		t.Errorf("Expected refresh token untouched, got %s", *stored.RefreshToken)
	}
}

func TestLockedFlightAcrossProcesses(t *testing.T) {
	ts := newTokenServer(t)
	ts.delay = 150 * time.Millisecond
	db, refresher := setupVaultTest(t, ts, nil)

	locks := lock.NewService(lock.NewSQLiteStore(db), time.Minute)

	// Two vaults with separate in-memory coordinators stand in for two processes
	newVault := func() *Vault {
		f := NewLockedFlight(NewMemoryFlight(30*time.Second, time.Minute), locks, 5*time.Second)
		f.pollInterval = 10 * time.Millisecond
		return NewVault(db, f, refresher, 5*time.Minute)
	}
	vaults := []*Vault{newVault(), newVault()}

	storeToken(t, db, time.Now().Add(-time.Minute), strPtr("refresh"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(v *Vault) {
			defer wg.Done()
			tok, err := v.GetValidToken(context.Background(), "user-1", provider.Strava)
			if err != nil {
				t.Errorf("GetValidToken failed: %v", err)
			}
			if tok != "new_access_token" {
				t.Errorf("Expected new_access_token, got %s", tok)
			}
		}(vaults[i%2])
	}
	wg.Wait()

	if ts.calls.Load() != 1 {
		t.Errorf("Expected 1 refresh call across both processes, got %d", ts.calls.Load())
	}
}
