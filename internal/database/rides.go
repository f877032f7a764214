package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// Ride is an ingested cycling activity, unique per (provider, native id)
type Ride struct {
	ID              int64
	UserID          string
	Provider        string
	NativeID        string
	StartTime       time.Time
	DurationSeconds int
	DistanceMiles   float64
	ElevationFeet   float64
	AvgHeartRate    *int
	MaxHeartRate    *int
	ActivityType    string
	Location        *string
	LocationUserSet bool
	StartLat        *float64
	StartLng        *float64
	BikeID          *string
	ImportSessionID *string
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const rideColumns = `
	id, user_id, provider, native_id, start_time, duration_seconds, distance_miles,
	elevation_feet, avg_heart_rate, max_heart_rate, activity_type, location,
	location_user_set, start_lat, start_lng, bike_id, import_session_id, version,
	created_at, updated_at
`

func scanRide(row rowScanner) (*Ride, error) {
	var r Ride
	var startTime, createdAt, updatedAt int64
	err := row.Scan(
		&r.ID, &r.UserID, &r.Provider, &r.NativeID, &startTime, &r.DurationSeconds, &r.DistanceMiles,
		&r.ElevationFeet, &r.AvgHeartRate, &r.MaxHeartRate, &r.ActivityType, &r.Location,
		&r.LocationUserSet, &r.StartLat, &r.StartLng, &r.BikeID, &r.ImportSessionID, &r.Version,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.StartTime = time.Unix(startTime, 0).UTC()
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &r, nil
}

// UpsertRide creates or updates a ride keyed by (provider, native id). The
// uniqueness constraint alone decides between create and update.
//
// On update the import session link and bike are preserved, and a location the
// user set by hand is never replaced; otherwise a non-empty incoming location wins.
// The returned bool is true when the row was created.
func (db *DB) UpsertRide(ctx context.Context, r *Ride) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertRide))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	var id int64
	var version int
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO rides (
			user_id, provider, native_id, start_time, duration_seconds, distance_miles,
			elevation_feet, avg_heart_rate, max_heart_rate, activity_type, location,
			start_lat, start_lng, import_session_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, native_id) DO UPDATE SET
			start_time = excluded.start_time,
			duration_seconds = excluded.duration_seconds,
			distance_miles = excluded.distance_miles,
			elevation_feet = excluded.elevation_feet,
			avg_heart_rate = excluded.avg_heart_rate,
			max_heart_rate = excluded.max_heart_rate,
			activity_type = excluded.activity_type,
			location = CASE
				WHEN rides.location_user_set = 1 THEN rides.location
				WHEN excluded.location IS NOT NULL AND excluded.location <> '' THEN excluded.location
				ELSE rides.location
			END,
			start_lat = COALESCE(excluded.start_lat, rides.start_lat),
			start_lng = COALESCE(excluded.start_lng, rides.start_lng),
			version = rides.version + 1,
			updated_at = excluded.updated_at
		RETURNING id, version
	`,
		r.UserID, r.Provider, r.NativeID, r.StartTime.Unix(), r.DurationSeconds, r.DistanceMiles,
		r.ElevationFeet, r.AvgHeartRate, r.MaxHeartRate, r.ActivityType, r.Location,
		r.StartLat, r.StartLng, r.ImportSessionID, now, now,
	).Scan(&id, &version)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertRide).Inc()
		return false, fmt.Errorf("failed to upsert ride: %w", err)
	}

	r.ID = id
	r.Version = version
	return version == 1, nil
}

// GetRideByNativeID returns a ride by its provider-native id, or nil
func (db *DB) GetRideByNativeID(ctx context.Context, provider, nativeID string) (*Ride, error) {
	r, err := scanRide(db.conn.QueryRowContext(ctx, `
		SELECT `+rideColumns+` FROM rides WHERE provider = ? AND native_id = ?
	`, provider, nativeID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}
	return r, nil
}

// ListRidesInRange returns a user's rides starting in [from, to)
func (db *DB) ListRidesInRange(ctx context.Context, userID string, from, to time.Time) ([]*Ride, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListRidesNear))
	defer timer.ObserveDuration()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE user_id = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time ASC, id ASC
	`, userID, from.Unix(), to.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListRidesNear).Inc()
		return nil, fmt.Errorf("failed to list rides: %w", err)
	}
	defer rows.Close()

	var rides []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ride: %w", err)
		}
		rides = append(rides, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rides: %w", err)
	}
	return rides, nil
}

// CountUnassignedRidesInSession counts rides tagged with the session that have no bike
func (db *DB) CountUnassignedRidesInSession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rides WHERE import_session_id = ? AND bike_id IS NULL
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unassigned rides: %w", err)
	}
	return count, nil
}

// DeleteRideByNativeID removes a user's ride, its duplicate-skip records, and
// its contribution to a completed session's unassigned count, in one
// transaction. Returns false if the user has no such ride.
func (db *DB) DeleteRideByNativeID(ctx context.Context, userID, provider, nativeID string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteRide))
	defer timer.ObserveDuration()

	deleted := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		var sessionID, bikeID *string
		err := tx.QueryRowContext(ctx, `
			SELECT id, import_session_id, bike_id FROM rides WHERE provider = ? AND native_id = ? AND user_id = ?
		`, provider, nativeID, userID).Scan(&id, &sessionID, &bikeID)
		if isNoRows(err) {
			// A skipped duplicate has no ride of its own
			_, err = tx.ExecContext(ctx, `
				DELETE FROM ride_duplicate_skips
				WHERE provider = ? AND native_id = ?
				  AND duplicate_of_ride_id IN (SELECT id FROM rides WHERE user_id = ?)
			`, provider, nativeID, userID)
			return err
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM ride_duplicate_skips WHERE duplicate_of_ride_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rides WHERE id = ?`, id); err != nil {
			return err
		}
		if sessionID != nil && bikeID == nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE import_sessions
				SET unassigned_ride_count = MAX(unassigned_ride_count - 1, 0)
				WHERE id = ? AND status = 'completed'
			`, *sessionID); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteRide).Inc()
		return false, fmt.Errorf("failed to delete ride: %w", err)
	}
	return deleted, nil
}

// RecordDuplicateSkip notes that an activity was not ingested because another
// provider's ride already represents it
func (db *DB) RecordDuplicateSkip(ctx context.Context, provider, nativeID string, duplicateOfRideID int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpRecordDuplicateSkip))
	defer timer.ObserveDuration()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO ride_duplicate_skips (provider, native_id, duplicate_of_ride_id, skipped_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider, native_id) DO UPDATE SET
			duplicate_of_ride_id = excluded.duplicate_of_ride_id,
			skipped_at = excluded.skipped_at
	`, provider, nativeID, duplicateOfRideID, time.Now().Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpRecordDuplicateSkip).Inc()
		return fmt.Errorf("failed to record duplicate skip: %w", err)
	}
	return nil
}

// GetDuplicateSkip returns the ride id an activity was skipped in favour of, or 0
func (db *DB) GetDuplicateSkip(ctx context.Context, provider, nativeID string) (int64, error) {
	var rideID int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT duplicate_of_ride_id FROM ride_duplicate_skips WHERE provider = ? AND native_id = ?
	`, provider, nativeID).Scan(&rideID)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get duplicate skip: %w", err)
	}
	return rideID, nil
}
