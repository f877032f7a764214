package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/ryanlecours/loam-logger-sub002/internal/ingest"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

// permissionActivityExport is the Garmin permission needed to receive activities
const permissionActivityExport = "ACTIVITY_EXPORT"

// garminItemKind tags one entry of a Garmin activity webhook
type garminItemKind int

const (
	garminSummaryItem garminItemKind = iota // summary pushed inline
	garminPingItem                          // callback URL to fetch summaries from
	garminDetailItem                        // activity details with a nested summary
)

// garminItem is one activity entry after shape inspection
type garminItem struct {
	kind        garminItemKind
	userID      string
	callbackURL string
	summary     *provider.GarminSummary
}

func (it garminItem) ref() provider.ActivityRef {
	if it.kind == garminPingItem {
		return provider.ActivityRef{CallbackURL: it.callbackURL}
	}
	return provider.ActivityRef{NativeID: it.summary.NativeID(), Inline: it.summary.ToActivity()}
}

// garminRawItem is the union of fields an activities entry may carry
type garminRawItem struct {
	provider.GarminSummary
	CallbackURL string `json:"callbackURL"`
}

type garminRawDetail struct {
	UserID     string                 `json:"userId"`
	SummaryID  string                 `json:"summaryId"`
	ActivityID int64                  `json:"activityId"`
	Summary    provider.GarminSummary `json:"summary"`
}

// parseGarminActivities resolves the payload into items. The schema has
// already guaranteed exactly one of the two envelopes is present. Callback
// URLs must point at apiURL's host.
func parseGarminActivities(body []byte, apiURL string) ([]garminItem, error) {
	var envelope struct {
		Activities      []json.RawMessage `json:"activities"`
		ActivityDetails []garminRawDetail `json:"activityDetails"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}

	var items []garminItem
	switch {
	case envelope.Activities != nil:
		for _, raw := range envelope.Activities {
			var it garminRawItem
			if err := json.Unmarshal(raw, &it); err != nil {
				return nil, err
			}
			if it.CallbackURL != "" {
				if err := provider.CheckCallbackURL(apiURL, it.CallbackURL); err != nil {
					return nil, err
				}
				items = append(items, garminItem{kind: garminPingItem, userID: it.UserID, callbackURL: it.CallbackURL})
				continue
			}
			summary := it.GarminSummary
			items = append(items, garminItem{kind: garminSummaryItem, userID: it.UserID, summary: &summary})
		}

	case envelope.ActivityDetails != nil:
		for _, d := range envelope.ActivityDetails {
			summary := d.Summary
			if summary.UserID == "" {
				summary.UserID = d.UserID
			}
			if summary.ActivityID == 0 {
				summary.ActivityID = d.ActivityID
			}
			if summary.SummaryID == "" {
				summary.SummaryID = d.SummaryID
			}
			items = append(items, garminItem{kind: garminDetailItem, userID: d.UserID, summary: &summary})
		}

	default:
		return nil, errors.New("no activities in payload")
	}

	for _, it := range items {
		if it.kind != garminPingItem && it.summary.NativeID() == "" {
			return nil, fmt.Errorf("activity for user %s has no id", it.userID)
		}
	}
	return items, nil
}

// HandleGarminActivities handles POST /webhooks/garmin/activities
func (h *WebhookHandler) HandleGarminActivities(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	if err := validate(h.schemas.garminActivities, body); err != nil {
		h.logger.Warn("Invalid Garmin activity payload", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	var apiURL string
	if pc, err := h.config.GetProvider(provider.Garmin); err == nil {
		apiURL = pc.APIURL
	}
	items, err := parseGarminActivities(body, apiURL)
	if err != nil {
		h.logger.Warn("Invalid Garmin activity payload", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	// One job per Garmin user, in arrival order
	var order []string
	grouped := make(map[string][]provider.ActivityRef)
	for _, it := range items {
		if _, seen := grouped[it.userID]; !seen {
			order = append(order, it.userID)
		}
		grouped[it.userID] = append(grouped[it.userID], it.ref())
	}

	ctx := r.Context()
	for _, garminUserID := range order {
		userID, err := h.resolveUser(ctx, provider.Garmin, garminUserID)
		if err != nil {
			h.logger.Error("Failed to resolve Garmin user", "provider_user_id", garminUserID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if userID == "" {
			continue
		}

		refs := grouped[garminUserID]
		countNotification(provider.Garmin, "activity")
		if err := h.enqueueIngest(ctx, &ingest.Notification{UserID: userID, Provider: provider.Garmin, Items: refs}); err != nil {
			h.logger.Error("Failed to enqueue Garmin activities", "user_id", userID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// garminUserEntry is one deregistration or permission change
type garminUserEntry struct {
	UserID      string    `json:"userId"`
	Permissions *[]string `json:"permissions"`
}

// parseGarminUsers accepts a bare array or a single-key envelope around one
func parseGarminUsers(body []byte) ([]garminUserEntry, error) {
	var entries []garminUserEntry
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	var envelope map[string][]garminUserEntry
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	for _, list := range envelope {
		entries = append(entries, list...)
	}
	return entries, nil
}

// HandleGarminDeregistrations handles POST /webhooks/garmin/deregistrations
func (h *WebhookHandler) HandleGarminDeregistrations(w http.ResponseWriter, r *http.Request) {
	h.handleGarminUsers(w, r, "deregistration", func(garminUserEntry) bool { return true })
}

// HandleGarminPermissions handles POST /webhooks/garmin/permissions. Losing
// ACTIVITY_EXPORT is treated like a deregistration.
func (h *WebhookHandler) HandleGarminPermissions(w http.ResponseWriter, r *http.Request) {
	h.handleGarminUsers(w, r, "permissions", func(e garminUserEntry) bool {
		return e.Permissions != nil && !slices.Contains(*e.Permissions, permissionActivityExport)
	})
}

func (h *WebhookHandler) handleGarminUsers(w http.ResponseWriter, r *http.Request, kind string, disconnect func(garminUserEntry) bool) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	if err := validate(h.schemas.garminUsers, body); err != nil {
		h.logger.Warn("Invalid Garmin user payload", "kind", kind, "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	entries, err := parseGarminUsers(body)
	if err != nil {
		h.logger.Warn("Invalid Garmin user payload", "kind", kind, "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	for _, e := range entries {
		countNotification(provider.Garmin, kind)

		userID, err := h.resolveUser(ctx, provider.Garmin, e.UserID)
		if err != nil {
			h.logger.Error("Failed to resolve Garmin user", "provider_user_id", e.UserID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if userID == "" {
			continue
		}
		if !disconnect(e) {
			h.logger.Info("Garmin permissions still allow activity export", "user_id", userID)
			continue
		}

		if err := h.enqueueDisconnect(ctx, provider.Garmin, e.UserID, kind); err != nil {
			h.logger.Error("Failed to enqueue Garmin disconnect", "user_id", userID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}
