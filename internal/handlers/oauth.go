package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/ryanlecours/loam-logger-sub002/internal/oauth"
)

// ConnectFlow is the provider connect flow used by the OAuth endpoints
type ConnectFlow interface {
	AuthURL(providerName, userID string) (string, string, error)
	HandleCallback(ctx context.Context, code, state string) (*oauth.Connection, error)
}

// OAuthHandler handles OAuth flow endpoints
type OAuthHandler struct {
	flow   ConnectFlow
	logger *slog.Logger
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(flow ConnectFlow) *OAuthHandler {
	return &OAuthHandler{
		flow:   flow,
		logger: slog.Default(),
	}
}

// HandleAuthStart initiates the OAuth flow by redirecting to the provider
func (h *OAuthHandler) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	providerName := r.URL.Query().Get("provider")
	userID := r.URL.Query().Get("userId")
	if providerName == "" || userID == "" {
		http.Error(w, "Missing provider or userId parameter", http.StatusBadRequest)
		return
	}

	authURL, state, err := h.flow.AuthURL(providerName, userID)
	if err != nil {
		h.logger.Warn("Failed to start OAuth flow", "provider", providerName, "user_id", userID, "error", err)
		http.Error(w, fmt.Sprintf("Cannot connect %s", providerName), http.StatusBadRequest)
		return
	}

	h.logger.Info("Starting OAuth flow", "provider", providerName, "user_id", userID, "state", state)

	// Redirect user to the provider's authorization page
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// HandleCallback processes the OAuth callback from the provider
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	errorParam := r.URL.Query().Get("error")

	// Check for authorization denial
	if errorParam != "" {
		h.logger.Warn("OAuth authorization denied", "error", errorParam)
		http.Error(w, fmt.Sprintf("Authorization failed: %s", errorParam), http.StatusBadRequest)
		return
	}

	if code == "" || state == "" {
		h.logger.Warn("Missing OAuth parameters", "has_code", code != "", "has_state", state != "")
		http.Error(w, "Missing code or state parameter", http.StatusBadRequest)
		return
	}

	conn, err := h.flow.HandleCallback(r.Context(), code, state)
	if err != nil {
		h.logger.Error("Failed to handle OAuth callback", "error", err)

		switch {
		case errors.Is(err, oauth.ErrInvalidState):
			http.Error(w, "Invalid or expired authorization request. Please try again.", http.StatusBadRequest)
		case errors.Is(err, oauth.ErrProviderMismatch):
			http.Error(w, "This account is already connected to another user.", http.StatusConflict)
		default:
			http.Error(w, "Failed to complete authorization", http.StatusBadGateway)
		}
		return
	}

	h.logger.Info("OAuth flow completed successfully",
		"provider", conn.Provider,
		"user_id", conn.UserID,
		"provider_user_id", conn.ProviderUserID)

	importNote := "New activities will sync automatically."
	if conn.BackfillJobID != "" {
		importNote = "This year's activities are now being imported in the background."
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>Connected</title>
	<style>
		body {
			font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif;
			max-width: 600px;
			margin: 100px auto;
			padding: 20px;
			text-align: center;
		}
		h1 { color: #2f6f4f; }
		p { color: #666; line-height: 1.6; }
	</style>
</head>
<body>
	<h1>Account connected</h1>
	<p>Your %s account is now linked.</p>
	<p>%s</p>
	<p>You can close this window and return to the app.</p>
</body>
</html>`, html.EscapeString(conn.Provider), importNote)
}
