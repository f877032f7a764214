// Package ingest turns provider activity notifications into rides: fetch,
// filter to cycling, normalize units, skip cross-provider duplicates, upsert.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/imports"
	"github.com/ryanlecours/loam-logger-sub002/internal/jobs"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

// Notification is the payload of an ingest.activities job: activity
// references for one internal user at one provider
type Notification struct {
	UserID   string                 `json:"userId"`
	Provider string                 `json:"provider"`
	Items    []provider.ActivityRef `json:"items"`
}

// TokenSource hands out valid access tokens
type TokenSource interface {
	GetValidToken(ctx context.Context, userID, provider string) (string, error)
}

// BatchResult summarizes one processed notification
type BatchResult struct {
	Created    int
	Updated    int
	Duplicates int
	Filtered   int
	NotFound   int
	Rejected   int
	Failed     int

	// Requeued is the id of the job carrying the failed items, if any
	Requeued string

	// RateLimited is the first 429 seen, so the caller can open the breaker
	RateLimited error
}

// Pipeline processes activity notifications
type Pipeline struct {
	db       *database.DB
	tokens   TokenSource
	registry *provider.Registry
	tracker  *imports.Tracker
	queue    jobs.Enqueuer
	logger   *slog.Logger
}

// NewPipeline creates an ingestion pipeline
func NewPipeline(db *database.DB, tokens TokenSource, registry *provider.Registry, tracker *imports.Tracker, queue jobs.Enqueuer) *Pipeline {
	return &Pipeline{
		db:       db,
		tokens:   tokens,
		registry: registry,
		tracker:  tracker,
		queue:    queue,
		logger:   slog.Default(),
	}
}

// ProcessBatch ingests every item of n. Items fail independently: the
// failed ones are re-enqueued as a new job and the rest are kept.
//
// An error is returned only when the whole batch should be retried: no valid
// token, or a persistence failure outside a single item.
func (p *Pipeline) ProcessBatch(ctx context.Context, n *Notification) (*BatchResult, error) {
	if n.UserID == "" || n.Provider == "" {
		return nil, jobs.Permanent(fmt.Errorf("notification missing user or provider"))
	}
	client, err := p.registry.Get(n.Provider)
	if err != nil {
		return nil, jobs.Permanent(err)
	}

	session, err := p.tracker.ActiveSession(ctx, n.UserID, n.Provider)
	if err != nil {
		return nil, err
	}

	// The token is only needed when an item has to be fetched
	var token string
	getToken := func() (string, error) {
		if token != "" {
			return token, nil
		}
		t, err := p.tokens.GetValidToken(ctx, n.UserID, n.Provider)
		if err != nil {
			return "", err
		}
		token = t
		return token, nil
	}

	res := &BatchResult{}
	detector := NewDetector()
	var failed []provider.ActivityRef

	for _, ref := range n.Items {
		activities, err := p.resolve(ctx, client, ref, getToken)
		if err != nil {
			var te tokenError
			if errors.As(err, &te) {
				return nil, fmt.Errorf("no valid token for %s: %w", n.Provider, err)
			}
			if provider.IsNotFound(err) {
				p.logger.Warn("Activity not found, skipping", "user_id", n.UserID, "provider", n.Provider, "ref", refID(ref))
				res.NotFound++
				continue
			}
			if errors.Is(err, provider.ErrUntrustedCallback) {
				p.logger.Warn("Rejected activity callback", "user_id", n.UserID, "provider", n.Provider, "error", err)
				metrics.RidesIngestedTotal.WithLabelValues(n.Provider, metrics.IngestFailed).Inc()
				res.Rejected++
				continue
			}
			if provider.IsTooManyRequests(err) && res.RateLimited == nil {
				res.RateLimited = err
			}
			p.logger.Error("Failed to fetch activity", "user_id", n.UserID, "provider", n.Provider, "ref", refID(ref), "error", err)
			metrics.RidesIngestedTotal.WithLabelValues(n.Provider, metrics.IngestFailed).Inc()
			res.Failed++
			failed = append(failed, ref)
			continue
		}

		itemFailed := false
		for _, a := range activities {
			outcome, err := p.ingest(ctx, n, session, detector, a)
			if err != nil {
				p.logger.Error("Failed to ingest activity", "user_id", n.UserID, "provider", n.Provider, "native_id", a.NativeID, "error", err)
				outcome = metrics.IngestFailed
				itemFailed = true
			}
			metrics.RidesIngestedTotal.WithLabelValues(n.Provider, outcome).Inc()
			switch outcome {
			case metrics.IngestCreated:
				res.Created++
			case metrics.IngestUpdated:
				res.Updated++
			case metrics.IngestDuplicate:
				res.Duplicates++
			case metrics.IngestFiltered:
				res.Filtered++
			case metrics.IngestFailed:
				res.Failed++
			}
		}
		if itemFailed {
			failed = append(failed, ref)
		}
	}

	if len(failed) > 0 {
		info, err := p.queue.Enqueue(ctx, jobs.NameIngestActivities, &Notification{
			UserID:   n.UserID,
			Provider: n.Provider,
			Items:    failed,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to re-enqueue %d failed items: %w", len(failed), err)
		}
		res.Requeued = info.ID
	}

	if session != nil && res.Created+res.Updated > 0 {
		if err := p.tracker.RecordActivity(ctx, session.ID); err != nil {
			p.logger.Error("Failed to record session activity", "session_id", session.ID, "error", err)
		}
	}

	p.logger.Info("Processed activity batch",
		"user_id", n.UserID,
		"provider", n.Provider,
		"items", len(n.Items),
		"created", res.Created,
		"updated", res.Updated,
		"duplicates", res.Duplicates,
		"filtered", res.Filtered,
		"failed", res.Failed,
	)
	return res, nil
}

type tokenError struct{ err error }

func (e tokenError) Error() string { return e.err.Error() }
func (e tokenError) Unwrap() error { return e.err }

func (p *Pipeline) resolve(ctx context.Context, client provider.Client, ref provider.ActivityRef, getToken func() (string, error)) ([]*provider.Activity, error) {
	if ref.Inline != nil {
		return []*provider.Activity{ref.Inline}, nil
	}
	token, err := getToken()
	if err != nil {
		return nil, tokenError{err}
	}
	return client.FetchActivities(ctx, token, ref)
}

// ingest filters, deduplicates and upserts one activity, returning the
// ingestion outcome
func (p *Pipeline) ingest(ctx context.Context, n *Notification, session *database.ImportSession, detector *Detector, a *provider.Activity) (string, error) {
	if a.NativeID == "" {
		return "", fmt.Errorf("activity has no native id")
	}
	if !IsCycling(n.Provider, a.Type) {
		p.logger.Debug("Skipping non-cycling activity", "provider", n.Provider, "native_id", a.NativeID, "type", a.Type)
		return metrics.IngestFiltered, nil
	}

	ride := Normalize(n.UserID, n.Provider, a)

	own, err := p.db.GetRideByNativeID(ctx, n.Provider, a.NativeID)
	if err != nil {
		return "", err
	}
	if own == nil {
		from, to := CandidateRange(ride.StartTime)
		nearby, err := p.db.ListRidesInRange(ctx, n.UserID, from, to)
		if err != nil {
			return "", err
		}
		if match := detector.Find(nearby, ride); match != nil {
			if err := p.db.RecordDuplicateSkip(ctx, n.Provider, a.NativeID, match.ID); err != nil {
				return "", err
			}
			p.logger.Info("Skipping duplicate activity",
				"user_id", n.UserID,
				"provider", n.Provider,
				"native_id", a.NativeID,
				"duplicate_of_ride_id", match.ID,
				"duplicate_of_provider", match.Provider,
			)
			return metrics.IngestDuplicate, nil
		}
		if session != nil {
			ride.ImportSessionID = &session.ID
		}
	}

	created, err := p.db.UpsertRide(ctx, ride)
	if err != nil {
		return "", err
	}
	if !created {
		return metrics.IngestUpdated, nil
	}

	if err := p.db.IncrementRidesFound(ctx, n.UserID, n.Provider, ride.StartTime); err != nil {
		p.logger.Error("Failed to increment rides found", "user_id", n.UserID, "provider", n.Provider, "error", err)
	}
	return metrics.IngestCreated, nil
}

// ProcessDelete removes a user's ride deleted at the provider. Unknown ids,
// and rides owned by another user, are a no-op.
func (p *Pipeline) ProcessDelete(ctx context.Context, userID, providerName, nativeID string) error {
	deleted, err := p.db.DeleteRideByNativeID(ctx, userID, providerName, nativeID)
	if err != nil {
		return err
	}
	p.logger.Info("Processed activity deletion",
		"user_id", userID,
		"provider", providerName,
		"native_id", nativeID,
		"deleted", deleted)
	return nil
}

func refID(ref provider.ActivityRef) string {
	switch {
	case ref.NativeID != "":
		return ref.NativeID
	case ref.CallbackURL != "":
		return "callback"
	case ref.Inline != nil:
		return ref.Inline.NativeID
	default:
		return ""
	}
}
