package ingest

import (
	"strings"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

// Unit conversion factors
const (
	MilesPerMeter = 0.000621371
	FeetPerMeter  = 3.28084
)

// cyclingTypes are the activity types ingested per provider. Types are
// compared upper-cased.
var cyclingTypes = map[string]map[string]bool{
	provider.Strava: set("RIDE", "MOUNTAINBIKERIDE", "GRAVELRIDE", "EBIKERIDE", "EMOUNTAINBIKERIDE"),
	provider.Garmin: set(
		"CYCLING", "ROAD_BIKING", "MOUNTAIN_BIKING", "GRAVEL_CYCLING", "CYCLOCROSS", "BMX",
		"E_BIKE_MOUNTAIN", "E_BIKE_FITNESS", "RECUMBENT_CYCLING", "TRACK_CYCLING",
	),
	provider.Whoop: set("CYCLING", "MOUNTAIN BIKING"),
}

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// IsCycling reports whether the provider's activity type is a cycling variant
func IsCycling(providerName, activityType string) bool {
	return cyclingTypes[providerName][strings.ToUpper(strings.TrimSpace(activityType))]
}

// Normalize converts a provider activity into a ride for userID
func Normalize(userID, providerName string, a *provider.Activity) *database.Ride {
	r := &database.Ride{
		UserID:          userID,
		Provider:        providerName,
		NativeID:        a.NativeID,
		StartTime:       a.StartTime.UTC().Truncate(time.Second),
		DurationSeconds: durationSeconds(a),
		DistanceMiles:   a.DistanceMeters * MilesPerMeter,
		ElevationFeet:   a.ElevationGainMeters * FeetPerMeter,
		AvgHeartRate:    a.AvgHeartRate,
		MaxHeartRate:    a.MaxHeartRate,
		ActivityType:    a.Type,
		StartLat:        a.StartLat,
		StartLng:        a.StartLng,
	}
	if a.Location != "" {
		loc := a.Location
		r.Location = &loc
	}
	return r
}

// durationSeconds prefers the provider's explicit duration, then end - start
func durationSeconds(a *provider.Activity) int {
	if a.DurationSeconds != nil {
		return *a.DurationSeconds
	}
	if a.EndTime != nil && a.EndTime.After(a.StartTime) {
		return int(a.EndTime.Sub(a.StartTime).Seconds())
	}
	return 0
}
