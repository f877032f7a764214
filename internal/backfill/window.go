package backfill

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
)

// Window is a resolved [Start, End) import range
type Window struct {
	Start time.Time
	End   time.Time

	// Restart is set when a completed YTD request is resumed incrementally
	Restart bool
}

// resolveWindow turns a year key into a concrete window, rejecting keys that
// were already imported or are still running
func (o *Orchestrator) resolveWindow(ctx context.Context, userID, provider, yearKey string) (*Window, error) {
	now := o.now().UTC().Truncate(time.Second)

	prior, err := o.db.GetBackfillRequest(ctx, userID, provider, yearKey)
	if err != nil {
		return nil, err
	}

	if yearKey == database.YearKeyYTD {
		w := &Window{
			Start: time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC),
			End:   now,
		}
		if prior != nil {
			switch prior.Status {
			case database.BackfillInProgress:
				return nil, ErrBackfillInProgress
			case database.BackfillCompleted:
				w.Restart = true
				if prior.BackfilledUpTo != nil {
					w.Start = prior.BackfilledUpTo.UTC().Add(time.Second)
				}
			}
		}
		if !w.Start.Before(w.End) {
			return nil, ErrAlreadyBackfilled
		}
		return w, nil
	}

	year, err := parseYear(yearKey)
	if err != nil {
		return nil, err
	}
	if year < o.minYear || year > now.Year() {
		return nil, fmt.Errorf("%w: %d is outside %d-%d", ErrInvalidYear, year, o.minYear, now.Year())
	}
	if prior != nil && prior.Status != database.BackfillFailed {
		return nil, ErrAlreadyBackfilled
	}

	w := &Window{
		Start: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year, time.December, 31, 23, 59, 59, 0, time.UTC),
	}
	// The current year stops at now; providers reject future ranges
	if w.End.After(now) {
		w.End = now
	}
	return w, nil
}

func parseYear(yearKey string) (int, error) {
	if len(yearKey) != 4 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidYear, yearKey)
	}
	year, err := strconv.Atoi(yearKey)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidYear, yearKey)
	}
	return year, nil
}

// ceilSecond rounds t up to the next whole second
func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}
