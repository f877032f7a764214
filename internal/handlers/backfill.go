package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/backfill"
	"github.com/ryanlecours/loam-logger-sub002/internal/config"
	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/jobs"
	"github.com/ryanlecours/loam-logger-sub002/internal/tokens"
)

// Backfiller runs and reports backfills
type Backfiller interface {
	TriggerBackfill(ctx context.Context, userID, providerName, yearKey string) (*backfill.Result, error)
	Status(ctx context.Context, userID, providerName string) (*backfill.Summary, error)
}

// BackfillHandler serves the internal backfill trigger and import status
// endpoints. Both require the internal API key.
type BackfillHandler struct {
	backfills Backfiller
	queue     jobs.Enqueuer
	config    *config.Config
	logger    *slog.Logger
}

// NewBackfillHandler creates a new backfill handler
func NewBackfillHandler(backfills Backfiller, queue jobs.Enqueuer, cfg *config.Config) *BackfillHandler {
	return &BackfillHandler{
		backfills: backfills,
		queue:     queue,
		config:    cfg,
		logger:    slog.Default(),
	}
}

type backfillRequest struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
	Year     string `json:"year"`

	// Async queues the run on the worker instead of waiting for it
	Async bool `json:"async"`
}

type backfillResponse struct {
	Status           string    `json:"status"`
	SessionID        string    `json:"sessionId,omitempty"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Accepted         int       `json:"accepted"`
	Duplicates       int       `json:"duplicates"`
	Failed           int       `json:"failed"`
	RangeAdjustments int       `json:"rangeAdjustments"`
	Listed           int       `json:"listed"`
	Warnings         []string  `json:"warnings,omitempty"`
}

func (h *BackfillHandler) authorized(w http.ResponseWriter, r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if h.config.InternalAPIKey == "" || authHeader != "Bearer "+h.config.InternalAPIKey {
		h.logger.Warn("Unauthorized internal request", "path", r.URL.Path, "has_auth", authHeader != "")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// HandleTrigger handles POST /internal/backfill
func (h *BackfillHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(w, r) {
		return
	}

	var req backfillRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Provider == "" || req.Year == "" {
		http.Error(w, "userId, provider and year are required", http.StatusBadRequest)
		return
	}

	if req.Async {
		info, err := h.queue.Enqueue(r.Context(), jobs.NameBackfillTrigger, &jobs.BackfillPayload{
			UserID:   req.UserID,
			Provider: req.Provider,
			YearKey:  req.Year,
		})
		if err != nil {
			h.logger.Error("Failed to enqueue backfill", "user_id", req.UserID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": info.ID, "status": info.Status})
		return
	}

	res, err := h.backfills.TriggerBackfill(r.Context(), req.UserID, req.Provider, req.Year)
	if err != nil {
		h.writeTriggerError(w, req, err)
		return
	}

	writeJSON(w, http.StatusOK, &backfillResponse{
		Status:           res.Status,
		SessionID:        res.SessionID,
		Start:            res.Start,
		End:              res.End,
		Accepted:         res.Accepted,
		Duplicates:       res.Duplicates,
		Failed:           res.Failed,
		RangeAdjustments: res.RangeAdjustments,
		Listed:           res.Listed,
		Warnings:         res.Warnings,
	})
}

// writeTriggerError maps backfill errors to statuses
func (h *BackfillHandler) writeTriggerError(w http.ResponseWriter, req backfillRequest, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, backfill.ErrDuplicateWindow):
		status = http.StatusConflict
	case errors.Is(err, backfill.ErrImportInProgress):
		status = http.StatusConflict
	case errors.Is(err, backfill.ErrInvalidYear), errors.Is(err, backfill.ErrUnsupportedProvider):
		status = http.StatusBadRequest
	case errors.Is(err, backfill.ErrRateLimited):
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RateLimitCooldown.Seconds())))
	case tokens.NeedsReconnect(err):
		status = http.StatusPreconditionFailed
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Backfill failed", "user_id", req.UserID, "provider", req.Provider, "year_key", req.Year, "error", err)
		http.Error(w, "Internal server error", status)
		return
	}
	h.logger.Info("Backfill rejected", "user_id", req.UserID, "provider", req.Provider, "year_key", req.Year, "reason", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HandleStatus handles GET /internal/imports/status?userId=&provider=
func (h *BackfillHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(w, r) {
		return
	}

	userID := r.URL.Query().Get("userId")
	providerName := r.URL.Query().Get("provider")
	if userID == "" || providerName == "" {
		http.Error(w, "userId and provider are required", http.StatusBadRequest)
		return
	}

	summary, err := h.backfills.Status(r.Context(), userID, providerName)
	if err != nil {
		h.logger.Error("Failed to load import status", "user_id", userID, "provider", providerName, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HealthHandler reports database reachability
type HealthHandler struct {
	db *database.DB
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *database.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// ServeHTTP implements http.Handler
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
