package source

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overland-data/tripline/internal/timeutil"
	"github.com/overland-data/tripline/internal/trip"
)

// Simulated generates a repeating parked/drive cycle for development runs
// without real hardware: a few minutes stationary at a fixed point, then a
// drive north at roughly 15 m/s with in-vehicle motion samples.
type Simulated struct {
	interval time.Duration
	deviceID string
	clock    timeutil.Clock

	baseLat float64
	baseLon float64

	fixes   chan trip.PositionFix
	samples chan trip.MotionSample

	mu        sync.Mutex
	running   bool
	destroyed bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

const (
	simParkedTicks  = 24 // ticks spent parked before each drive
	simDrivingTicks = 36
	simSpeedMps     = 15.0
	simMetersPerDeg = 111320.0
)

// NewSimulated creates a simulator emitting one fix and one motion sample
// per interval, anchored at the given origin.
func NewSimulated(interval time.Duration, lat, lon float64) *Simulated {
	return &Simulated{
		interval: interval,
		deviceID: fmt.Sprintf("sim-%s", uuid.NewString()),
		clock:    timeutil.RealClock{},
		baseLat:  lat,
		baseLon:  lon,
		fixes:    make(chan trip.PositionFix, 16),
		samples:  make(chan trip.MotionSample, 16),
	}
}

// DeviceID returns the generated device identifier stamped on every fix.
func (s *Simulated) DeviceID() string { return s.deviceID }

func (s *Simulated) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return fmt.Errorf("simulated source destroyed")
	}
	if s.running {
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.stop)
	return nil
}

func (s *Simulated) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Simulated) Destroy() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	close(s.fixes)
	close(s.samples)
}

func (s *Simulated) Fixes() <-chan trip.PositionFix    { return s.fixes }
func (s *Simulated) Samples() <-chan trip.MotionSample { return s.samples }

func (s *Simulated) run(stop chan struct{}) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	tick := 0
	offsetM := 0.0
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C():
			phase := tick % (simParkedTicks + simDrivingTicks)
			driving := phase >= simParkedTicks
			tick++

			if driving {
				offsetM += simSpeedMps * s.interval.Seconds()
			}

			fix := s.fixAt(now, offsetM, driving)
			sample := s.sampleAt(now, driving)

			select {
			case s.fixes <- fix:
			case <-stop:
				return
			}
			select {
			case s.samples <- sample:
			case <-stop:
				return
			}
		}
	}
}

func (s *Simulated) fixAt(now time.Time, offsetM float64, driving bool) trip.PositionFix {
	// A little GPS jitter either way, bigger while parked under cover.
	jitterM := 3.0
	accuracy := 8.0
	if !driving {
		jitterM = 8.0
		accuracy = 15.0
	}
	latJitter := (rand.Float64()*2 - 1) * jitterM / simMetersPerDeg
	lonScale := simMetersPerDeg * math.Cos(s.baseLat*math.Pi/180)
	lonJitter := (rand.Float64()*2 - 1) * jitterM / lonScale

	fix := trip.PositionFix{
		Lat:         s.baseLat + offsetM/simMetersPerDeg + latJitter,
		Lon:         s.baseLon + lonJitter,
		AccuracyM:   accuracy,
		TimestampMS: now.UnixMilli(),
		DeviceID:    s.deviceID,
	}
	if driving {
		speed := simSpeedMps
		bearing := 0.0
		fix.SpeedMps = &speed
		fix.BearingDeg = &bearing
	}
	return fix
}

func (s *Simulated) sampleAt(now time.Time, driving bool) trip.MotionSample {
	state := trip.MotionStationary
	conf := 95
	if driving {
		state = trip.MotionInVehicle
		conf = 85 + rand.Intn(11)
	}
	return trip.MotionSample{
		State:       state,
		Confidence:  conf,
		TimestampMS: now.UnixMilli(),
	}
}
