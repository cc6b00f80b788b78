package trip

import (
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"gonum.org/v1/gonum/stat"

	"github.com/overland-data/tripline/internal/config"
)

type parkingSample struct {
	pt        orb.Point
	accuracyM float64
	ts        time.Time
}

// ParkingDetector keeps a rolling window of recent positions and reports
// whether they cluster tightly enough to call the vehicle parked. Eviction
// is by exact sample timestamp relative to the newest sample, so the window
// holds precisely the configured span regardless of fix rate.
type ParkingDetector struct {
	cfg *config.Tuning

	mu     sync.Mutex
	window []parkingSample
}

// NewParkingDetector returns a detector using window/radius from cfg.
func NewParkingDetector(cfg *config.Tuning) *ParkingDetector {
	if cfg == nil {
		cfg = config.DefaultTuning()
	}
	return &ParkingDetector{cfg: cfg}
}

// Observe appends a position to the window and reports whether the vehicle
// is currently parked. An empty or underpopulated window reports not-parked.
// Each sample's reported horizontal error is discounted before the radius
// comparison, so one noisy fix does not break up an otherwise tight cluster.
func (d *ParkingDetector) Observe(lat, lon, accuracyM float64, timestampMS int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	fix := PositionFix{Lat: lat, Lon: lon, AccuracyM: accuracyM, TimestampMS: timestampMS}
	if !fix.Valid() {
		return false
	}

	d.window = append(d.window, parkingSample{
		pt:        fix.Point(),
		accuracyM: accuracyM,
		ts:        fix.Time(),
	})
	d.evictLocked()

	if len(d.window) < d.cfg.GetParkingMinSamples() {
		return false
	}

	centroid := d.centroidLocked()
	radius := d.cfg.GetParkingRadiusM()
	for _, s := range d.window {
		if geo.Distance(centroid, s.pt)-s.accuracyM > radius {
			return false
		}
	}
	return true
}

// evictLocked drops samples older than the window span, measured against the
// newest sample's timestamp rather than wall clock, so replayed recordings
// behave the same as live data.
func (d *ParkingDetector) evictLocked() {
	if len(d.window) == 0 {
		return
	}
	cutoff := d.window[len(d.window)-1].ts.Add(-d.cfg.GetParkingWindow())
	i := 0
	for i < len(d.window) && d.window[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		d.window = append(d.window[:0], d.window[i:]...)
	}
}

// centroidLocked returns the arithmetic-mean center of the window. At this
// spatial scale no great-circle correction is needed.
func (d *ParkingDetector) centroidLocked() orb.Point {
	lons := make([]float64, len(d.window))
	lats := make([]float64, len(d.window))
	for i, s := range d.window {
		lons[i] = s.pt[0]
		lats[i] = s.pt[1]
	}
	return orb.Point{stat.Mean(lons, nil), stat.Mean(lats, nil)}
}

// Len returns the current window population.
func (d *ParkingDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window)
}

// Clear resets the window, called on trip stop and on leaving the parked
// state.
func (d *ParkingDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = nil
}
