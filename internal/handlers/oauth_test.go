package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ryanlecours/loam-logger-sub002/internal/oauth"
)

type fakeFlow struct {
	authErr     error
	callbackErr error
	conn        *oauth.Connection

	gotProvider string
	gotUserID   string
	gotCode     string
}

func (f *fakeFlow) AuthURL(providerName, userID string) (string, string, error) {
	f.gotProvider, f.gotUserID = providerName, userID
	if f.authErr != nil {
		return "", "", f.authErr
	}
	return "https://connect.example.com/authorize?state=state-1", "state-1", nil
}

func (f *fakeFlow) HandleCallback(_ context.Context, code, state string) (*oauth.Connection, error) {
	f.gotCode = code
	if f.callbackErr != nil {
		return nil, f.callbackErr
	}
	return f.conn, nil
}

func setupOAuthHandlerTest(t *testing.T) (*OAuthHandler, *fakeFlow) {
	flow := &fakeFlow{
		conn: &oauth.Connection{UserID: "user-1", Provider: "garmin", ProviderUserID: "g-1", BackfillJobID: "7"},
	}
	return NewOAuthHandler(flow), flow
}

func TestHandleAuthStart_Success(t *testing.T) {
	handler, flow := setupOAuthHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/start?provider=garmin&userId=user-1", nil)
	w := httptest.NewRecorder()

	handler.HandleAuthStart(w, req)

	if w.Code != http.StatusTemporaryRedirect {
		t.Errorf("Expected status 307, got %d", w.Code)
	}
	if location := w.Header().Get("Location"); location != "https://connect.example.com/authorize?state=state-1" {
		t.Errorf("Expected redirect to provider, got %s", location)
	}
	if flow.gotProvider != "garmin" || flow.gotUserID != "user-1" {
		t.Errorf("Expected garmin/user-1, got %s/%s", flow.gotProvider, flow.gotUserID)
	}
}

func TestHandleAuthStart_BadRequest(t *testing.T) {
	handler, flow := setupOAuthHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/start?provider=garmin", nil)
	w := httptest.NewRecorder()
	handler.HandleAuthStart(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without userId, got %d", w.Code)
	}

	flow.authErr = oauth.ErrProviderNotReady
	req = httptest.NewRequest(http.MethodGet, "/oauth/start?provider=whoop&userId=user-1", nil)
	w = httptest.NewRecorder()
	handler.HandleAuthStart(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unconfigured provider, got %d", w.Code)
	}
}

func TestHandleAuthStart_WrongMethod(t *testing.T) {
	handler, _ := setupOAuthHandlerTest(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/start", nil)
	w := httptest.NewRecorder()

	handler.HandleAuthStart(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleCallback_Success(t *testing.T) {
	handler, flow := setupOAuthHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=state-1", nil)
	w := httptest.NewRecorder()

	handler.HandleCallback(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if flow.gotCode != "abc" {
		t.Errorf("Expected code abc passed through, got %q", flow.gotCode)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "text/html") {
		t.Errorf("Expected HTML response, got %s", w.Header().Get("Content-Type"))
	}
	body := w.Body.String()
	if !strings.Contains(body, "garmin account is now linked") || !strings.Contains(body, "imported in the background") {
		t.Errorf("Expected success page mentioning the import, got %s", body)
	}
}

func TestHandleCallback_AuthorizationDenied(t *testing.T) {
	handler, _ := setupOAuthHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied", nil)
	w := httptest.NewRecorder()

	handler.HandleCallback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "access_denied") {
		t.Error("Expected error message to contain 'access_denied'")
	}
}

func TestHandleCallback_MissingParameters(t *testing.T) {
	handler, _ := setupOAuthHandlerTest(t)

	for _, query := range []string{"?state=s", "?code=c", ""} {
		req := httptest.NewRequest(http.MethodGet, "/oauth/callback"+query, nil)
		w := httptest.NewRecorder()
		handler.HandleCallback(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400 for %q, got %d", query, w.Code)
		}
	}
}

func TestHandleCallback_Errors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{oauth.ErrInvalidState, http.StatusBadRequest},
		{fmt.Errorf("%w: garmin", oauth.ErrProviderMismatch), http.StatusConflict},
		{errors.New("failed to exchange code: boom"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		handler, flow := setupOAuthHandlerTest(t)
		flow.callbackErr = tt.err

		req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=s", nil)
		w := httptest.NewRecorder()
		handler.HandleCallback(w, req)

		if w.Code != tt.want {
			t.Errorf("Expected status %d for %v, got %d", tt.want, tt.err, w.Code)
		}
	}
}
