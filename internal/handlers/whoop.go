package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/ingest"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

const (
	whoopSignatureHeader = "X-WHOOP-Signature"
	whoopTimestampHeader = "X-WHOOP-Signature-Timestamp"

	// whoopMaxSkew bounds how old a signed request may be
	whoopMaxSkew = 5 * time.Minute
)

var errBadSignature = errors.New("invalid webhook signature")

// whoopEvent is a WHOOP webhook notification. Only the workout id is sent;
// the worker fetches the workout itself.
type whoopEvent struct {
	UserID  flexID `json:"user_id"`
	ID      flexID `json:"id"`
	Type    string `json:"type"`
	TraceID string `json:"trace_id"`
}

// flexID accepts an id sent as a JSON string or number
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*f = flexID(s)
	return nil
}

func (f flexID) String() string { return string(f) }

// HandleWhoop handles POST /webhooks/whoop
func (h *WebhookHandler) HandleWhoop(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	if err := h.verifyWhoopSignature(r, body); err != nil {
		h.logger.Warn("Rejected WHOOP webhook", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := validate(h.schemas.whoopEvent, body); err != nil {
		h.logger.Warn("Invalid WHOOP payload", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	var event whoopEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Warn("Invalid WHOOP payload", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	h.logger.Info("Received WHOOP webhook",
		"type", event.Type,
		"provider_user_id", event.UserID.String(),
		"trace_id", event.TraceID)

	ctx := r.Context()
	var err error
	switch event.Type {
	case "workout.updated":
		countNotification(provider.Whoop, event.Type)
		var userID string
		userID, err = h.resolveUser(ctx, provider.Whoop, event.UserID.String())
		if err == nil && userID != "" {
			err = h.enqueueIngest(ctx, &ingest.Notification{
				UserID:   userID,
				Provider: provider.Whoop,
				Items:    []provider.ActivityRef{{NativeID: event.ID.String()}},
			})
		}
	case "workout.deleted":
		countNotification(provider.Whoop, event.Type)
		var userID string
		userID, err = h.resolveUser(ctx, provider.Whoop, event.UserID.String())
		if err == nil && userID != "" {
			err = h.enqueueDelete(ctx, userID, provider.Whoop, event.ID.String())
		}
	default:
		// Sleep, recovery and other event types are not tracked
		countNotification(provider.Whoop, "other")
		h.logger.Debug("Ignoring WHOOP event type", "type", event.Type)
	}

	if err != nil {
		h.logger.Error("Failed to handle WHOOP webhook", "type", event.Type, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// verifyWhoopSignature checks base64(HMAC-SHA256(timestamp + body)) when a
// webhook secret is configured
func (h *WebhookHandler) verifyWhoopSignature(r *http.Request, body []byte) error {
	pc, err := h.config.GetProvider(provider.Whoop)
	if err != nil || pc.WebhookSecret == "" {
		return nil
	}

	signature := r.Header.Get(whoopSignatureHeader)
	timestamp := r.Header.Get(whoopTimestampHeader)
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing headers", errBadSignature)
	}

	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", errBadSignature)
	}
	if age := h.now().Sub(time.UnixMilli(ms)); age > whoopMaxSkew || age < -whoopMaxSkew {
		return fmt.Errorf("%w: timestamp outside allowed skew", errBadSignature)
	}

	expected := whoopSignature(pc.WebhookSecret, timestamp, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return errBadSignature
	}
	return nil
}

func whoopSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
