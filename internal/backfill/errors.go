package backfill

import (
	"errors"
	"fmt"

	"github.com/ryanlecours/loam-logger-sub002/internal/lock"
)

// ErrDuplicateWindow is matched by both reasons a window cannot be requested
// again. It is a conflict, not a failure.
var ErrDuplicateWindow = errors.New("backfill window already requested")

var (
	// ErrAlreadyBackfilled means the year was already imported (or is pending)
	ErrAlreadyBackfilled = fmt.Errorf("%w: already imported", ErrDuplicateWindow)

	// ErrBackfillInProgress means a YTD run is still in progress
	ErrBackfillInProgress = fmt.Errorf("%w: backfill in progress", ErrDuplicateWindow)

	// ErrImportInProgress means another import holds the lock or session slot
	ErrImportInProgress = fmt.Errorf("import already in progress: %w", lock.ErrLockUnavailable)

	ErrInvalidYear         = errors.New("invalid backfill year")
	ErrUnsupportedProvider = errors.New("provider does not support backfill")

	// ErrRateLimited means the provider's rate-limit circuit is open
	ErrRateLimited = errors.New("provider rate limited, try again later")
)
