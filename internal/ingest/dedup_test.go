package ingest

import (
	"math"
	"testing"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
	"github.com/ryanlecours/loam-logger-sub002/internal/provider"
)

func TestUnitConversions(t *testing.T) {
	dur := 3600
	r := Normalize("user-1", provider.Garmin, &provider.Activity{
		NativeID:            "g1",
		Type:                "CYCLING",
		StartTime:           time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC),
		DurationSeconds:     &dur,
		DistanceMeters:      10000,
		ElevationGainMeters: 100,
		Location:            "Boulder",
	})

	if math.Abs(r.DistanceMiles-6.21371) > 1e-4 {
		t.Errorf("Expected about 6.21371 miles, got %f", r.DistanceMiles)
	}
	if math.Abs(r.ElevationFeet-328.084) > 1e-2 {
		t.Errorf("Expected about 328.084 feet, got %f", r.ElevationFeet)
	}
	if r.DurationSeconds != 3600 {
		t.Errorf("Expected explicit duration 3600, got %d", r.DurationSeconds)
	}
	if r.Location == nil || *r.Location != "Boulder" {
		t.Errorf("Expected location Boulder, got %v", r.Location)
	}
}

func TestNormalizeDurationFromTimestamps(t *testing.T) {
	start := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	end := start.Add(95 * time.Minute)

	r := Normalize("user-1", provider.Whoop, &provider.Activity{NativeID: "w1", Type: "cycling", StartTime: start, EndTime: &end})
	if r.DurationSeconds != 95*60 {
		t.Errorf("Expected duration from end - start, got %d", r.DurationSeconds)
	}
	if r.Location != nil {
		t.Errorf("Expected no location, got %q", *r.Location)
	}

	r = Normalize("user-1", provider.Whoop, &provider.Activity{NativeID: "w2", Type: "cycling", StartTime: start})
	if r.DurationSeconds != 0 {
		t.Errorf("Expected zero duration without end time, got %d", r.DurationSeconds)
	}
}

func TestIsCycling(t *testing.T) {
	tests := []struct {
		provider string
		typ      string
		want     bool
	}{
		{provider.Strava, "Ride", true},
		{provider.Strava, "MountainBikeRide", true},
		{provider.Strava, "Run", false},
		{provider.Garmin, "ROAD_BIKING", true},
		{provider.Garmin, "mountain_biking", true},
		{provider.Garmin, "RUNNING", false},
		{provider.Whoop, "Cycling", true},
		{provider.Whoop, "Mountain Biking", true},
		{provider.Whoop, "Yoga", false},
		{"unknown", "Ride", false},
	}
	for _, tt := range tests {
		if got := IsCycling(tt.provider, tt.typ); got != tt.want {
			t.Errorf("IsCycling(%s, %s): expected %v, got %v", tt.provider, tt.typ, tt.want, got)
		}
	}
}

func ride(id int64, providerName string, start time.Time, durSec int, miles, feet float64) *database.Ride {
	return &database.Ride{
		ID:              id,
		UserID:          "user-1",
		Provider:        providerName,
		NativeID:        providerName + "-native",
		StartTime:       start,
		DurationSeconds: durSec,
		DistanceMiles:   miles,
		ElevationFeet:   feet,
	}
}

func TestIsDuplicate(t *testing.T) {
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	garmin := ride(1, provider.Garmin, start, 3600, 20, 1000)

	tests := []struct {
		name      string
		candidate *database.Ride
		want      bool
	}{
		{"within tolerance", ride(0, provider.Strava, start.Add(2*time.Minute), 3700, 20.5, 1080), true},
		{"same provider", ride(0, provider.Garmin, start, 3600, 20, 1000), false},
		{"start too far apart", ride(0, provider.Strava, start.Add(11*time.Minute), 3600, 20, 1000), false},
		{"duration outside 10%", ride(0, provider.Strava, start, 4400, 20, 1000), false},
		{"distance outside 5%", ride(0, provider.Strava, start, 3600, 22, 1000), false},
		{"elevation outside 15%", ride(0, provider.Strava, start, 3600, 20, 1300), false},
		// Absolute bands win for short rides
		{"short ride absolute bands", ride(0, provider.Strava, start, 300, 1.2, 90), true},
	}

	short := ride(2, provider.Garmin, start, 500, 1.0, 10)
	for _, tt := range tests {
		existing := garmin
		if tt.name == "short ride absolute bands" {
			existing = short
		}
		if got := IsDuplicate(existing, tt.candidate); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestDetectorFindsAcrossBucketBoundary(t *testing.T) {
	// 08:09:30 and 08:10:30 sit in adjacent buckets
	existing := []*database.Ride{ride(1, provider.Garmin, time.Date(2024, 6, 1, 8, 9, 30, 0, time.UTC), 3600, 20, 1000)}
	candidate := ride(0, provider.Whoop, time.Date(2024, 6, 1, 8, 10, 30, 0, time.UTC), 3600, 20, 1000)

	if Bucket(existing[0].StartTime) == Bucket(candidate.StartTime) {
		t.Fatal("Expected rides in different buckets")
	}
	if m := NewDetector().Find(existing, candidate); m == nil || m.ID != 1 {
		t.Errorf("Expected match with ride 1, got %+v", m)
	}
}

func TestDetectorIgnoresDistantBuckets(t *testing.T) {
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	existing := []*database.Ride{ride(1, provider.Garmin, start.Add(-30*time.Minute), 3600, 20, 1000)}
	if m := NewDetector().Find(existing, ride(0, provider.Strava, start, 3600, 20, 1000)); m != nil {
		t.Errorf("Expected no match, got %+v", m)
	}
}

func TestDetectorEachRideAbsorbsOneCandidate(t *testing.T) {
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	existing := []*database.Ride{
		ride(1, provider.Garmin, start, 3600, 20, 1000),
		ride(2, provider.Garmin, start.Add(time.Minute), 3600, 20, 1000),
	}
	d := NewDetector()

	first := d.Find(existing, ride(0, provider.Strava, start, 3600, 20, 1000))
	second := d.Find(existing, ride(0, provider.Whoop, start, 3600, 20, 1000))
	third := d.Find(existing, ride(0, provider.Whoop, start, 3600, 20, 1000))

	if first == nil || first.ID != 1 {
		t.Errorf("Expected first candidate to match ride 1, got %+v", first)
	}
	if second == nil || second.ID != 2 {
		t.Errorf("Expected second candidate to match ride 2, got %+v", second)
	}
	if third != nil {
		t.Errorf("Expected no ride left to absorb third candidate, got %+v", third)
	}
}

func TestCandidateRange(t *testing.T) {
	start := time.Date(2024, 6, 1, 8, 14, 0, 0, time.UTC)
	from, to := CandidateRange(start)
	if !from.Equal(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected range from 08:00, got %v", from)
	}
	if !to.Equal(time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("Expected range to 08:30, got %v", to)
	}
}
