package backfill

import (
	"context"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
)

// RequestSummary is the UI view of one backfill request
type RequestSummary struct {
	YearKey        string     `json:"yearKey"`
	Status         string     `json:"status"`
	RidesFound     int        `json:"ridesFound"`
	BackfilledUpTo *time.Time `json:"backfilledUpTo"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	LastError      *string    `json:"lastError,omitempty"`
}

// SessionSummary is the UI view of the latest import session
type SessionSummary struct {
	ID                     string     `json:"id"`
	Status                 string     `json:"status"`
	StartedAt              time.Time  `json:"startedAt"`
	CompletedAt            *time.Time `json:"completedAt,omitempty"`
	LastActivityReceivedAt *time.Time `json:"lastActivityReceivedAt,omitempty"`
	UnassignedRideCount    int        `json:"unassignedRideCount"`
}

// Summary is the import status for one user and provider
type Summary struct {
	UserID   string           `json:"userId"`
	Provider string           `json:"provider"`
	Requests []RequestSummary `json:"backfills"`
	Session  *SessionSummary  `json:"session"`

	// InProgress is true while a session is running
	InProgress bool `json:"inProgress"`
}

// Status reports the backfill requests and latest import session
func (o *Orchestrator) Status(ctx context.Context, userID, providerName string) (*Summary, error) {
	requests, err := o.db.ListBackfillRequests(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}
	session, err := o.tracker.Latest(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		UserID:   userID,
		Provider: providerName,
		Requests: make([]RequestSummary, 0, len(requests)),
	}
	for _, r := range requests {
		s.Requests = append(s.Requests, RequestSummary{
			YearKey:        r.YearKey,
			Status:         r.Status,
			RidesFound:     r.RidesFound,
			BackfilledUpTo: r.BackfilledUpTo,
			CompletedAt:    r.CompletedAt,
			LastError:      r.LastError,
		})
	}
	if session != nil {
		s.Session = &SessionSummary{
			ID:                     session.ID,
			Status:                 session.Status,
			StartedAt:              session.StartedAt,
			CompletedAt:            session.CompletedAt,
			LastActivityReceivedAt: session.LastActivityReceivedAt,
			UnassignedRideCount:    session.UnassignedRideCount,
		}
		s.InProgress = session.Status == database.SessionRunning
	}
	return s, nil
}
