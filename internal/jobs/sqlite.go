package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
)

// StatusQueued is the status reported for a job accepted by the SQLite queue
const StatusQueued = "queued"

// SQLiteQueue enqueues into the jobs table of the main database. The worker
// claims from the same table.
type SQLiteQueue struct {
	db     *database.DB
	logger *slog.Logger
}

// NewSQLiteQueue creates a SQLite-backed queue
func NewSQLiteQueue(db *database.DB) *SQLiteQueue {
	return &SQLiteQueue{db: db, logger: slog.Default()}
}

// Enqueue implements Enqueuer
func (q *SQLiteQueue) Enqueue(ctx context.Context, name string, payload any) (Info, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Info{}, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}

	id, err := q.db.EnqueueJob(ctx, name, data)
	if err != nil {
		return Info{}, err
	}

	q.logger.Debug("Enqueued job", "job_id", id, "job_name", name)
	return Info{ID: strconv.FormatInt(id, 10), Status: StatusQueued}, nil
}
