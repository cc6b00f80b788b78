package trip

import (
	"errors"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/overland-data/tripline/internal/config"
	"github.com/overland-data/tripline/internal/monitoring"
	"github.com/overland-data/tripline/internal/timeutil"
)

// ErrAnalyzerDestroyed is returned when starting an analyzer whose sample
// source has already been released.
var ErrAnalyzerDestroyed = errors.New("trip: motion analyzer destroyed")

// MotionAnalyzer consumes a stream of activity-recognition samples and emits
// exactly one trigger per detected driving episode. Analysis is throttled on
// an adaptive interval: it speeds up when vehicle presence appears on
// consecutive runs and backs off progressively while the vehicle is idle,
// trading detection latency for battery.
type MotionAnalyzer struct {
	cfg    *config.Tuning
	clock  timeutil.Clock
	source MotionSource

	mu               sync.Mutex
	history          []MotionSample
	newestMS         int64
	lastAnalysis     time.Time // zero means never analyzed since start
	interval         time.Duration
	drivingStreak    int
	nonDrivingStreak int
	tracking         bool
	destroyed        bool
	stop             chan struct{}

	triggers chan time.Time
}

// NewMotionAnalyzer returns an analyzer reading samples from source.
func NewMotionAnalyzer(source MotionSource, cfg *config.Tuning, clock timeutil.Clock) *MotionAnalyzer {
	if cfg == nil {
		cfg = config.DefaultTuning()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MotionAnalyzer{
		cfg:      cfg,
		clock:    clock,
		source:   source,
		interval: cfg.GetInitialAnalysisInterval(),
		triggers: make(chan time.Time, 4),
	}
}

// Triggers returns the one-shot driving-detected event stream.
func (a *MotionAnalyzer) Triggers() <-chan time.Time {
	return a.triggers
}

// StartTracking starts consuming the sample source. Starting an already
// tracking analyzer is a no-op.
func (a *MotionAnalyzer) StartTracking() error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return ErrAnalyzerDestroyed
	}
	if a.tracking {
		a.mu.Unlock()
		return nil
	}
	a.tracking = true
	a.lastAnalysis = time.Time{}
	a.interval = a.cfg.GetInitialAnalysisInterval()
	a.drivingStreak = 0
	a.nonDrivingStreak = 0
	stop := make(chan struct{})
	a.stop = stop
	a.mu.Unlock()

	if a.source != nil {
		if err := a.source.Start(); err != nil {
			a.mu.Lock()
			a.tracking = false
			a.mu.Unlock()
			return err
		}
		go a.run(stop)
	}
	return nil
}

func (a *MotionAnalyzer) run(stop chan struct{}) {
	samples := a.source.Samples()
	for {
		select {
		case <-stop:
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			a.Observe(s)
		}
	}
}

// StopTracking stops sample consumption and clears the history. The
// analyzer may be started again. Stopping a stopped analyzer is a no-op.
func (a *MotionAnalyzer) StopTracking() {
	a.mu.Lock()
	if !a.tracking {
		a.mu.Unlock()
		return
	}
	a.tracking = false
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	}
	a.clearLocked()
	a.mu.Unlock()

	if a.source != nil {
		a.source.Stop()
	}
}

// Clear drops the sample history and resets the adaptive schedule.
func (a *MotionAnalyzer) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearLocked()
}

func (a *MotionAnalyzer) clearLocked() {
	a.history = nil
	a.newestMS = 0
	a.lastAnalysis = time.Time{}
	a.interval = a.cfg.GetInitialAnalysisInterval()
	a.drivingStreak = 0
	a.nonDrivingStreak = 0
}

// Destroy stops tracking, releases the sample source and clears history
// irreversibly.
func (a *MotionAnalyzer) Destroy() {
	a.StopTracking()

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	a.mu.Unlock()

	if a.source != nil {
		a.source.Destroy()
	}
}

// Observe feeds one sample into the analyzer. Samples arriving while not
// tracking are ignored. Analysis runs at most once per adaptive interval,
// except the very first analysis after StartTracking which runs
// unconditionally.
func (a *MotionAnalyzer) Observe(s MotionSample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.tracking || a.destroyed {
		return
	}

	a.history = append(a.history, s)
	if s.TimestampMS > a.newestMS {
		a.newestMS = s.TimestampMS
	}
	a.trimLocked()

	now := a.clock.Now()
	if !a.lastAnalysis.IsZero() && now.Sub(a.lastAnalysis) < a.interval {
		return
	}
	a.lastAnalysis = now
	a.analyzeLocked(now)
}

// trimLocked drops history entries older than the retention window,
// measured against the newest sample timestamp. After a long run of
// non-driving analyses the shortened window applies so memory stays bounded
// through long idle periods.
func (a *MotionAnalyzer) trimLocked() {
	retention := a.cfg.GetMotionRetention()
	if a.nonDrivingStreak >= a.cfg.GetAggressiveCleanupAfter() {
		retention = a.cfg.GetMotionAggressiveKeep()
	}
	cutoff := a.newestMS - retention.Milliseconds()

	kept := a.history[:0]
	for _, s := range a.history {
		if s.TimestampMS >= cutoff {
			kept = append(kept, s)
		}
	}
	a.history = kept
}

// analyzeLocked scans candidate windows ending at the most recent sample
// for a qualifying driving window, firing at most one trigger.
func (a *MotionAnalyzer) analyzeLocked(now time.Time) {
	minWin := a.cfg.GetMinWindow()
	maxWin := a.cfg.GetMaxWindow()
	minDur := a.cfg.GetMinAnalysisDuration()
	vehicleTh := a.cfg.GetVehicleTimeThreshold()
	confTh := a.cfg.GetConfidenceThreshold()

	bestVehiclePct := 0.0
	for i := 0; i+2 <= len(a.history); i++ {
		st := computeWindowStats(a.history[i:])
		if st.Duration < minWin || st.Duration > maxWin {
			continue
		}
		if st.VehicleTimePct > bestVehiclePct {
			bestVehiclePct = st.VehicleTimePct
		}
		if st.Duration >= minDur && st.VehicleTimePct >= vehicleTh && st.AvgConfidence >= confTh {
			monitoring.Logf("motion: driving detected (window=%s vehicle=%.0f%% conf=%.0f)",
				st.Duration, st.VehicleTimePct*100, st.AvgConfidence)
			select {
			case a.triggers <- now:
			default:
			}
			// One shot per episode: the next trigger requires a freshly
			// accumulated history.
			a.history = nil
			a.newestMS = 0
			a.interval = a.cfg.GetFastAnalysisInterval()
			a.drivingStreak = 0
			a.nonDrivingStreak = 0
			return
		}
	}

	if bestVehiclePct >= vehicleTh/2 && bestVehiclePct > 0 {
		a.drivingStreak++
		a.nonDrivingStreak = 0
	} else {
		a.nonDrivingStreak++
		a.drivingStreak = 0
	}

	switch {
	case a.drivingStreak >= a.cfg.GetDrivingStreakForFast():
		a.interval = a.cfg.GetFastAnalysisInterval()
	case a.nonDrivingStreak >= a.cfg.GetNonDrivingStreakForBG():
		a.interval = a.cfg.GetBackgroundInterval()
	case a.nonDrivingStreak >= a.cfg.GetNonDrivingStreakForLow():
		a.interval = a.cfg.GetLowAnalysisInterval()
	default:
		a.interval = a.cfg.GetInitialAnalysisInterval()
	}
}

// HistoryLen returns the current sample history size.
func (a *MotionAnalyzer) HistoryLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

// AnalysisInterval returns the current adaptive throttle interval.
func (a *MotionAnalyzer) AnalysisInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

// windowStats summarises one candidate analysis window.
type windowStats struct {
	// Duration is the wall-clock span covered by the window samples.
	Duration time.Duration
	// VehicleTimePct is the fraction of wall-clock time during which the
	// dominant state was in-vehicle. Independent of confidence.
	VehicleTimePct float64
	// AvgConfidence is the mean confidence of in-vehicle samples.
	AvgConfidence float64
}

// computeWindowStats derives per-window statistics. Each inter-sample
// segment is attributed to the state of the sample opening it. Out-of-order
// and duplicate timestamps are tolerated: samples are ordered by timestamp
// first and zero-length segments contribute nothing.
func computeWindowStats(win []MotionSample) windowStats {
	sorted := make([]MotionSample, len(win))
	copy(sorted, win)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TimestampMS < sorted[j].TimestampMS
	})

	var totalMS, vehicleMS int64
	for i := 0; i+1 < len(sorted); i++ {
		seg := sorted[i+1].TimestampMS - sorted[i].TimestampMS
		if seg <= 0 {
			continue
		}
		totalMS += seg
		if sorted[i].State == MotionInVehicle {
			vehicleMS += seg
		}
	}

	var confs []float64
	for _, s := range sorted {
		if s.State == MotionInVehicle {
			confs = append(confs, float64(s.Confidence))
		}
	}

	st := windowStats{Duration: time.Duration(totalMS) * time.Millisecond}
	if totalMS > 0 {
		st.VehicleTimePct = float64(vehicleMS) / float64(totalMS)
	}
	if len(confs) > 0 {
		st.AvgConfidence = stat.Mean(confs, nil)
	}
	return st
}
