// Package jobs is the durable background job queue. Handlers must be
// idempotent: delivery is at-least-once on every backend.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Job names
const (
	NameIngestActivities  = "ingest.activities"
	NameIngestDelete      = "ingest.delete"
	NameAccountDisconnect = "account.disconnect"
	NameBackfillTrigger   = "backfill.trigger"
)

// Info describes an enqueued job
type Info struct {
	ID     string
	Status string
}

// Enqueuer adds jobs to the queue. The payload is encoded as JSON.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (Info, error)
}

// DeletePayload is the payload of ingest.delete
type DeletePayload struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
	NativeID string `json:"nativeId"`
}

// DisconnectPayload is the payload of account.disconnect. ProviderUserID is
// resolved to the internal user by the worker.
type DisconnectPayload struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"providerUserId"`
	Reason         string `json:"reason,omitempty"`
}

// BackfillPayload is the payload of backfill.trigger
type BackfillPayload struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
	YearKey  string `json:"yearKey"`
}

// ErrPermanent marks a job failure that retrying cannot fix; the job is dropped
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the queue drops the job instead of retrying it
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// DeferredError asks the queue to put the job back untouched until Until.
// It does not count as a failed attempt.
type DeferredError struct {
	Until  time.Time
	Reason string
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.Until.Format(time.RFC3339), e.Reason)
}

// Defer returns a DeferredError
func Defer(until time.Time, reason string) error {
	return &DeferredError{Until: until, Reason: reason}
}

// AsDeferred reports whether err asks for deferral
func AsDeferred(err error) (*DeferredError, bool) {
	var d *DeferredError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
