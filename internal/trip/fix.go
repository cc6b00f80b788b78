// Package trip implements the driving-detection and trip-recording engine:
// a location filter, a parking detector, a motion-state analyzer and the
// state machine that wires them to a durable upload pipeline.
package trip

import (
	"math"
	"time"

	"github.com/paulmach/orb"
)

// PositionFix is a single GPS sample as delivered by the platform location
// source. Immutable once created.
type PositionFix struct {
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	AccuracyM  float64  `json:"accuracy_m"`
	AltitudeM  *float64 `json:"altitude_m,omitempty"`
	SpeedMps   *float64 `json:"speed_mps,omitempty"`
	BearingDeg *float64 `json:"bearing_deg,omitempty"`
	// TimestampMS is epoch milliseconds at the time of the fix.
	TimestampMS int64  `json:"timestamp_ms"`
	DeviceID    string `json:"device_id"`
}

// Time returns the fix timestamp as a time.Time.
func (f PositionFix) Time() time.Time {
	return time.UnixMilli(f.TimestampMS)
}

// Point returns the fix as an orb lon/lat point.
func (f PositionFix) Point() orb.Point {
	return orb.Point{f.Lon, f.Lat}
}

// Valid reports whether the fix carries usable coordinates.
func (f PositionFix) Valid() bool {
	if math.IsNaN(f.Lat) || math.IsNaN(f.Lon) ||
		math.IsInf(f.Lat, 0) || math.IsInf(f.Lon, 0) {
		return false
	}
	return f.Lat >= -90 && f.Lat <= 90 && f.Lon >= -180 && f.Lon <= 180
}

// QueuedFix is a PositionFix persisted in the durable queue, keyed by a
// locally assigned monotonically increasing identifier. A queued fix is
// removed from the store if and only if the server has acknowledged it.
type QueuedFix struct {
	ID   int64
	Sent bool
	Fix  PositionFix
}

// MotionState is one discrete activity-recognition label.
type MotionState int

const (
	MotionUnknown MotionState = iota
	MotionStationary
	MotionWalking
	MotionRunning
	MotionInVehicle
)

func (s MotionState) String() string {
	switch s {
	case MotionStationary:
		return "stationary"
	case MotionWalking:
		return "walking"
	case MotionRunning:
		return "running"
	case MotionInVehicle:
		return "in_vehicle"
	default:
		return "unknown"
	}
}

// MotionSample is one activity-recognition reading. Samples may arrive out
// of timestamp order and duplicates at the same timestamp are possible.
type MotionSample struct {
	State      MotionState `json:"state"`
	Confidence int         `json:"confidence"` // 0-100
	// TimestampMS is epoch milliseconds at the time of the reading.
	TimestampMS int64 `json:"timestamp_ms"`
}

// Time returns the sample timestamp as a time.Time.
func (s MotionSample) Time() time.Time {
	return time.UnixMilli(s.TimestampMS)
}

// TripState is the data-collection mode of the engine.
type TripState int

const (
	// StateRecording collects and uploads fixes. Initial state on trip start.
	StateRecording TripState = iota
	// StateParked suspends collection until an explicit resume.
	StateParked
)

func (s TripState) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateParked:
		return "parked"
	default:
		return "invalid"
	}
}
