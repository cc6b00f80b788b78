package trip

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/overland-data/tripline/internal/config"
	"github.com/overland-data/tripline/internal/monitoring"
	"github.com/overland-data/tripline/internal/timeutil"
)

// ErrTrackingStopped is returned when starting a machine whose trip has
// already been terminally stopped.
var ErrTrackingStopped = errors.New("trip: tracking already stopped")

// Event is one upload-outcome notification, consumable by UI or logging.
type Event struct {
	Fix     PositionFix
	Outcome Outcome
	Result  FilterResult
	State   TripState
}

// TripStateMachine owns the Recording and Parked states and wires the
// parking detector and motion analyzer verdicts to transitions, turning the
// GPS source and upload pipeline on and off accordingly.
type TripStateMachine struct {
	cfg      *config.Tuning
	clock    timeutil.Clock
	fixes    FixSource
	motion   *MotionAnalyzer
	parking  *ParkingDetector
	pipeline *UploadPipeline

	mu          sync.Mutex
	state       TripState
	running     bool
	stopped     bool
	lastDriving time.Time
	stop        chan struct{}
	events      chan Event
	ctx         context.Context
	wg          sync.WaitGroup
}

// NewTripStateMachine assembles the engine around its collaborators.
func NewTripStateMachine(fixes FixSource, motion *MotionAnalyzer, parking *ParkingDetector, pipeline *UploadPipeline, cfg *config.Tuning, clock timeutil.Clock) *TripStateMachine {
	if cfg == nil {
		cfg = config.DefaultTuning()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &TripStateMachine{
		cfg:      cfg,
		clock:    clock,
		fixes:    fixes,
		motion:   motion,
		parking:  parking,
		pipeline: pipeline,
		state:    StateRecording,
	}
}

// StartTracking starts the trip in the Recording state and returns the
// upload-outcome event stream. Calling it on a machine that is already
// tracking returns the existing stream.
func (m *TripStateMachine) StartTracking(ctx context.Context) (<-chan Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrTrackingStopped
	}
	if m.running {
		ch := m.events
		m.mu.Unlock()
		return ch, nil
	}
	m.running = true
	m.state = StateRecording
	m.ctx = ctx
	m.lastDriving = m.clock.Now()
	m.stop = make(chan struct{})
	m.events = make(chan Event, 16)
	stop := m.stop
	events := m.events
	m.mu.Unlock()

	if err := m.fixes.Start(); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return nil, err
	}
	if err := m.motion.StartTracking(); err != nil {
		m.fixes.Stop()
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return nil, err
	}

	m.wg.Add(1)
	go m.run(stop)
	monitoring.Logf("trip: tracking started")
	return events, nil
}

// run is the coordination loop. Both input streams are consumed here; the
// fix stream only produces while the source is started, so in the Parked
// state the loop idles on the trigger stream.
func (m *TripStateMachine) run(stop chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		case fix, ok := <-m.fixes.Fixes():
			if !ok {
				return
			}
			m.handleFix(fix)
		case t, ok := <-m.motion.Triggers():
			if !ok {
				return
			}
			m.handleTrigger(t)
		}
	}
}

func (m *TripStateMachine) handleFix(fix PositionFix) {
	m.mu.Lock()
	if m.state != StateRecording || m.stopped {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	events := m.events
	m.mu.Unlock()

	outcome, res, err := m.pipeline.Accept(ctx, fix)
	if err != nil {
		monitoring.Logf("trip: store error on accept: %v", err)
	}

	select {
	case events <- Event{Fix: fix, Outcome: outcome, Result: res, State: StateRecording}:
	default:
		// Slow consumers drop events rather than stall collection.
	}

	parked := m.parking.Observe(fix.Lat, fix.Lon, fix.AccuracyM, fix.TimestampMS)
	idle := m.clock.Since(m.lastDrivingTime()) > m.cfg.GetNonDrivingTimeout()
	if parked || idle {
		reason := "parking cluster"
		if !parked {
			reason = "no driving signal"
		}
		m.enterParked(reason)
	}
}

func (m *TripStateMachine) handleTrigger(t time.Time) {
	m.mu.Lock()
	m.lastDriving = t
	resume := m.state == StateParked && m.cfg.GetResumeOnDriving() && !m.stopped
	m.mu.Unlock()

	if resume {
		if err := m.Resume(); err != nil {
			monitoring.Logf("trip: auto-resume failed: %v", err)
		}
	}
}

func (m *TripStateMachine) lastDrivingTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDriving
}

// enterParked suspends collection: GPS off and, unless resume-on-driving is
// enabled, motion observation off too. With the switch on the analyzer keeps
// consuming samples so its trigger can end the parked period. Queued fixes
// stay in the store for the next recording phase.
func (m *TripStateMachine) enterParked(reason string) {
	m.mu.Lock()
	if m.state == StateParked || m.stopped {
		m.mu.Unlock()
		return
	}
	m.state = StateParked
	autoResume := m.cfg.GetResumeOnDriving()
	m.mu.Unlock()

	m.fixes.Stop()
	if autoResume {
		// Resuming needs a driving window observed after parking, not
		// residue from the trip that just ended.
		m.motion.Clear()
	} else {
		m.motion.StopTracking()
	}
	monitoring.Logf("trip: parked (%s)", reason)
}

// Resume returns from Parked to Recording. Parked never promotes itself
// from position data: the GPS source is stopped, so resumption is either an
// external action or, with resume-on-driving enabled, the analyzer trigger.
func (m *TripStateMachine) Resume() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrTrackingStopped
	}
	if m.state != StateParked {
		m.mu.Unlock()
		return nil
	}
	m.state = StateRecording
	m.lastDriving = m.clock.Now()
	m.mu.Unlock()

	m.parking.Clear()
	if err := m.fixes.Start(); err != nil {
		return err
	}
	if err := m.motion.StartTracking(); err != nil {
		return err
	}
	monitoring.Logf("trip: recording resumed")
	return nil
}

// StopTracking terminally stops the trip: GPS off, detectors cleared, and a
// final backlog flush attempted. Idempotent; the second call is a no-op
// returning nil.
func (m *TripStateMachine) StopTracking() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.running = false
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	events := m.events
	m.mu.Unlock()

	m.wg.Wait()
	m.fixes.Stop()
	m.motion.StopTracking()
	m.parking.Clear()
	if events != nil {
		close(events)
	}

	err := m.pipeline.Flush(ctx)
	if err != nil {
		monitoring.Logf("trip: tracking stopped with %v", err)
	} else {
		monitoring.Logf("trip: tracking stopped")
	}
	return err
}

// State returns the current trip state.
func (m *TripStateMachine) State() TripState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats exposes the filter counters for status reporting.
func (m *TripStateMachine) Stats() TrackingStats {
	return m.pipeline.Stats()
}
