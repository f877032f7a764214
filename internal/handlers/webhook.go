package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/ingest"
	"github.com/ryanlecours/loam-logger-sub002/internal/jobs"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

const maxWebhookBody = 4 << 20

// WebhookHandler handles provider webhook callbacks. Every handler validates
// the payload shape, enqueues jobs and answers immediately; the worker does
// the provider calls.
type WebhookHandler struct {
	db      *database.DB
	queue   jobs.Enqueuer
	config  *config.Config
	schemas *payloadSchemas
	logger  *slog.Logger
	now     func() time.Time
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(db *database.DB, queue jobs.Enqueuer, cfg *config.Config) (*WebhookHandler, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &WebhookHandler{
		db:      db,
		queue:   queue,
		config:  cfg,
		schemas: schemas,
		logger:  slog.Default(),
		now:     time.Now,
	}, nil
}

// readBody reads the request body, answering 405 or 400 itself on failure
func (h *WebhookHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("Failed to read webhook body", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()
	return body, true
}

// resolveUser maps a provider user to the internal user. Unknown ids return "".
func (h *WebhookHandler) resolveUser(ctx context.Context, providerName, providerUserID string) (string, error) {
	userID, err := h.db.ResolveUserID(ctx, providerName, providerUserID)
	if err != nil {
		return "", err
	}
	if userID == "" {
		h.logger.Info("Ignoring webhook for unknown provider user",
			"provider", providerName,
			"provider_user_id", providerUserID)
	}
	return userID, nil
}

func (h *WebhookHandler) enqueueIngest(ctx context.Context, n *ingest.Notification) error {
	info, err := h.queue.Enqueue(ctx, jobs.NameIngestActivities, n)
	if err != nil {
		return fmt.Errorf("failed to enqueue ingest job: %w", err)
	}
	h.logger.Info("Enqueued activity notification",
		"provider", n.Provider,
		"user_id", n.UserID,
		"items", len(n.Items),
		"job_id", info.ID)
	return nil
}

func (h *WebhookHandler) enqueueDelete(ctx context.Context, userID, providerName, nativeID string) error {
	info, err := h.queue.Enqueue(ctx, jobs.NameIngestDelete, &jobs.DeletePayload{
		UserID:   userID,
		Provider: providerName,
		NativeID: nativeID,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue delete job: %w", err)
	}
	h.logger.Info("Enqueued activity deletion",
		"provider", providerName,
		"user_id", userID,
		"native_id", nativeID,
		"job_id", info.ID)
	return nil
}

func (h *WebhookHandler) enqueueDisconnect(ctx context.Context, providerName, providerUserID, reason string) error {
	info, err := h.queue.Enqueue(ctx, jobs.NameAccountDisconnect, &jobs.DisconnectPayload{
		Provider:       providerName,
		ProviderUserID: providerUserID,
		Reason:         reason,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue disconnect job: %w", err)
	}
	h.logger.Info("Enqueued account disconnect",
		"provider", providerName,
		"provider_user_id", providerUserID,
		"reason", reason,
		"job_id", info.ID)
	return nil
}

func countNotification(providerName, kind string) {
	metrics.WebhookNotificationsTotal.WithLabelValues(providerName, kind).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}
