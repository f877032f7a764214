package ingest

import (
	"math"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/database"
)

// Duplicate tolerances
const (
	BucketWidth = 10 * time.Minute

	startTolerance         = 10 * time.Minute
	durationToleranceAbs   = 5 * time.Minute
	durationToleranceRel   = 0.10
	distanceToleranceMiles = 0.25
	distanceToleranceRel   = 0.05
	elevationToleranceFeet = 100.0
	elevationToleranceRel  = 0.15
)

// Bucket returns the index of the time bucket t falls in
func Bucket(t time.Time) int64 {
	return t.Unix() / int64(BucketWidth/time.Second)
}

// CandidateRange returns the start-time range covering a ride's own bucket
// and the two adjacent ones
func CandidateRange(start time.Time) (from, to time.Time) {
	b := Bucket(start)
	width := int64(BucketWidth / time.Second)
	return time.Unix((b-1)*width, 0).UTC(), time.Unix((b+2)*width, 0).UTC()
}

// Detector matches candidate rides against existing rides from other
// providers. Each existing ride absorbs at most one candidate for the
// lifetime of the detector, so use one detector per scan.
type Detector struct {
	matched map[int64]bool
}

// NewDetector creates a detector for one scan
func NewDetector() *Detector {
	return &Detector{matched: make(map[int64]bool)}
}

// Find returns the first existing ride that is the same physical activity
// as candidate, or nil. Existing rides outside the candidate's bucket
// neighbourhood are ignored.
func (d *Detector) Find(existing []*database.Ride, candidate *database.Ride) *database.Ride {
	cb := Bucket(candidate.StartTime)
	for _, r := range existing {
		if d.matched[r.ID] {
			continue
		}
		if b := Bucket(r.StartTime); b < cb-1 || b > cb+1 {
			continue
		}
		if !IsDuplicate(r, candidate) {
			continue
		}
		d.matched[r.ID] = true
		return r
	}
	return nil
}

// IsDuplicate reports whether two rides from different providers describe
// the same activity
func IsDuplicate(a, b *database.Ride) bool {
	if a.Provider == b.Provider || a.UserID != b.UserID {
		return false
	}
	if absDuration(a.StartTime.Sub(b.StartTime)) > startTolerance {
		return false
	}

	durA, durB := float64(a.DurationSeconds), float64(b.DurationSeconds)
	if !within(durA, durB, durationToleranceAbs.Seconds(), durationToleranceRel) {
		return false
	}
	if !within(a.DistanceMiles, b.DistanceMiles, distanceToleranceMiles, distanceToleranceRel) {
		return false
	}
	return within(a.ElevationFeet, b.ElevationFeet, elevationToleranceFeet, elevationToleranceRel)
}

// within allows the larger of an absolute band and a band relative to the
// larger value
func within(a, b, abs, rel float64) bool {
	tolerance := math.Max(abs, rel*math.Max(a, b))
	return math.Abs(a-b) <= tolerance
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
