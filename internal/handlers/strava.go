package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ryanlecours/loam-logger-sub002/internal/ingest"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

// stravaEvent is a Strava push subscription event
type stravaEvent struct {
	ObjectType     string         `json:"object_type"`
	ObjectID       int64          `json:"object_id"`
	AspectType     string         `json:"aspect_type"`
	OwnerID        int64          `json:"owner_id"`
	SubscriptionID int64          `json:"subscription_id"`
	EventTime      int64          `json:"event_time"`
	Updates        map[string]any `json:"updates"`
}

// deauthorized reports whether the event revokes the app's access
func (e *stravaEvent) deauthorized() bool {
	if e.ObjectType != "athlete" || e.AspectType != "update" {
		return false
	}
	v, ok := e.Updates["authorized"]
	if !ok {
		return false
	}
	switch a := v.(type) {
	case string:
		return a == "false"
	case bool:
		return !a
	}
	return false
}

// HandleStrava serves both the subscription handshake and event delivery
func (h *WebhookHandler) HandleStrava(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.HandleStravaVerification(w, r)
	case http.MethodPost:
		h.HandleStravaEvent(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStravaVerification handles GET requests for subscription verification
func (h *WebhookHandler) HandleStravaVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hubMode := r.URL.Query().Get("hub.mode")
	hubChallenge := r.URL.Query().Get("hub.challenge")
	hubVerifyToken := r.URL.Query().Get("hub.verify_token")

	h.logger.Info("Webhook verification request",
		"hub.mode", hubMode,
		"hub.challenge", hubChallenge[:min(20, len(hubChallenge))],
	)

	pc, err := h.config.GetProvider(provider.Strava)
	if err != nil || pc.WebhookSecret == "" || hubVerifyToken != pc.WebhookSecret {
		h.logger.Warn("Invalid verify token")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": hubChallenge})
	h.logger.Info("Webhook verification successful")
}

// HandleStravaEvent handles POST requests for webhook events
func (h *WebhookHandler) HandleStravaEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	if err := validate(h.schemas.stravaEvent, body); err != nil {
		h.logger.Warn("Invalid Strava event", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	var event stravaEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("Invalid JSON in webhook body", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	h.logger.Info("Received webhook event",
		"object_type", event.ObjectType,
		"object_id", event.ObjectID,
		"aspect_type", event.AspectType,
		"owner_id", event.OwnerID,
	)
	countNotification(provider.Strava, event.ObjectType+"."+event.AspectType)

	ctx := r.Context()
	ownerID := strconv.FormatInt(event.OwnerID, 10)
	objectID := strconv.FormatInt(event.ObjectID, 10)

	var err error
	switch {
	case event.ObjectType == "activity" && event.AspectType == "delete":
		var userID string
		userID, err = h.resolveUser(ctx, provider.Strava, ownerID)
		if err == nil && userID != "" {
			err = h.enqueueDelete(ctx, userID, provider.Strava, objectID)
		}

	case event.ObjectType == "activity":
		var userID string
		userID, err = h.resolveUser(ctx, provider.Strava, ownerID)
		if err == nil && userID != "" {
			err = h.enqueueIngest(ctx, &ingest.Notification{
				UserID:   userID,
				Provider: provider.Strava,
				Items:    []provider.ActivityRef{{NativeID: objectID}},
			})
		}

	case event.deauthorized():
		err = h.enqueueDisconnect(ctx, provider.Strava, ownerID, "deauthorized")

	default:
		h.logger.Debug("Ignoring Strava event", "object_type", event.ObjectType, "aspect_type", event.AspectType)
	}

	if err != nil {
		h.logger.Error("Failed to enqueue webhook", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Respond immediately (async processing)
	w.WriteHeader(http.StatusOK)
}
