package trip

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/overland-data/tripline/internal/config"
	"github.com/overland-data/tripline/internal/timeutil"
)

// fastAnalysisTuning keeps windows short enough that a test can cover a
// driving episode with a handful of samples.
func fastAnalysisTuning() *config.Tuning {
	return &config.Tuning{
		MinWindow:               strptr("1s"),
		MaxWindow:               strptr("1m"),
		MinAnalysisDuration:     strptr("1s"),
		InitialAnalysisInterval: strptr("100ms"),
	}
}

func drainTriggers(a *MotionAnalyzer) int {
	n := 0
	for {
		select {
		case <-a.Triggers():
			n++
		default:
			return n
		}
	}
}

func feedSamples(clock *timeutil.MockClock, a *MotionAnalyzer, samples []MotionSample) {
	for _, s := range samples {
		clock.Advance(200 * time.Millisecond)
		a.Observe(s)
	}
}

func vehicleSamples(baseMS int64, n int, stepMS int64, conf int) []MotionSample {
	out := make([]MotionSample, n)
	for i := range out {
		out[i] = MotionSample{State: MotionInVehicle, Confidence: conf, TimestampMS: baseMS + int64(i)*stepMS}
	}
	return out
}

func TestAnalyzerFiresOncePerEpisode(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a := NewMotionAnalyzer(nil, fastAnalysisTuning(), clock)
	if err := a.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	feedSamples(clock, a, vehicleSamples(1_000_000, 10, 200, 90))

	if got := drainTriggers(a); got != 1 {
		t.Fatalf("triggers = %d, want 1", got)
	}
	// The qualifying window was consumed; only post-trigger samples remain.
	if got := a.HistoryLen(); got != 4 {
		t.Errorf("history after trigger = %d, want 4", got)
	}
}

func TestAnalyzerIgnoresWalking(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a := NewMotionAnalyzer(nil, fastAnalysisTuning(), clock)
	if err := a.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	samples := make([]MotionSample, 20)
	for i := range samples {
		samples[i] = MotionSample{State: MotionWalking, Confidence: 95, TimestampMS: 1_000_000 + int64(i)*200}
	}
	feedSamples(clock, a, samples)

	if got := drainTriggers(a); got != 0 {
		t.Fatalf("triggers = %d, want 0", got)
	}
}

func TestAnalyzerThrottlesAfterFirstAnalysis(t *testing.T) {
	cfg := fastAnalysisTuning()
	cfg.InitialAnalysisInterval = strptr("1h")
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a := NewMotionAnalyzer(nil, cfg, clock)
	if err := a.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	// The first sample analyzes unconditionally; everything after is inside
	// the throttle interval and accumulates silently.
	for _, s := range vehicleSamples(1_000_000, 10, 200, 90) {
		a.Observe(s)
	}
	if got := drainTriggers(a); got != 0 {
		t.Fatalf("triggers while throttled = %d, want 0", got)
	}

	clock.Advance(2 * time.Hour)
	a.Observe(MotionSample{State: MotionInVehicle, Confidence: 90, TimestampMS: 1_002_000})
	if got := drainTriggers(a); got != 1 {
		t.Fatalf("triggers after throttle elapsed = %d, want 1", got)
	}
}

func TestAnalyzerIgnoresSamplesWhileStopped(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a := NewMotionAnalyzer(nil, fastAnalysisTuning(), clock)

	a.Observe(MotionSample{State: MotionInVehicle, Confidence: 90, TimestampMS: 1_000_000})
	if got := a.HistoryLen(); got != 0 {
		t.Errorf("history while stopped = %d, want 0", got)
	}

	if err := a.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	a.Observe(MotionSample{State: MotionInVehicle, Confidence: 90, TimestampMS: 1_000_200})
	a.StopTracking()
	if got := a.HistoryLen(); got != 0 {
		t.Errorf("history after stop = %d, want 0", got)
	}
}

func TestAnalyzerDestroyIsTerminal(t *testing.T) {
	a := NewMotionAnalyzer(nil, fastAnalysisTuning(), timeutil.NewMockClock(time.Unix(1000, 0)))
	a.Destroy()
	if err := a.StartTracking(); !errors.Is(err, ErrAnalyzerDestroyed) {
		t.Fatalf("StartTracking after destroy = %v, want ErrAnalyzerDestroyed", err)
	}
}

func TestAnalyzerBacksOffWhileIdle(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a := NewMotionAnalyzer(nil, nil, clock)
	if err := a.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	cfg := config.DefaultTuning()
	observeIdle := func(n int, baseMS int64) {
		for i := 0; i < n; i++ {
			clock.Advance(61 * time.Second)
			a.Observe(MotionSample{State: MotionStationary, Confidence: 95, TimestampMS: baseMS + int64(i)*10_000})
		}
	}

	observeIdle(5, 1_000_000)
	if got := a.AnalysisInterval(); got != cfg.GetLowAnalysisInterval() {
		t.Errorf("interval after 5 idle analyses = %v, want %v", got, cfg.GetLowAnalysisInterval())
	}

	// Idle analyses now run on the low interval, so keep advancing past it.
	for i := 0; i < 5; i++ {
		clock.Advance(3 * time.Minute)
		a.Observe(MotionSample{State: MotionStationary, Confidence: 95, TimestampMS: 1_050_000 + int64(i)*10_000})
	}
	if got := a.AnalysisInterval(); got != cfg.GetBackgroundInterval() {
		t.Errorf("interval after 10 idle analyses = %v, want %v", got, cfg.GetBackgroundInterval())
	}
}

func TestAnalyzerSpeedsUpOnDrivingPresence(t *testing.T) {
	cfg := &config.Tuning{
		MinWindow:               strptr("1s"),
		MaxWindow:               strptr("1m"),
		MinAnalysisDuration:     strptr("1h"), // windows never qualify outright
		InitialAnalysisInterval: strptr("100ms"),
		NonDrivingStreakForLow:  intptr(100),
		NonDrivingStreakForBG:   intptr(100),
		AggressiveCleanupAfter:  intptr(100),
	}
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a := NewMotionAnalyzer(nil, cfg, clock)
	if err := a.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	// Alternating in-vehicle and walking keeps vehicle presence above half
	// the threshold without ever producing a qualifying window.
	for i := 0; i < 12; i++ {
		state := MotionInVehicle
		if i%2 == 1 {
			state = MotionWalking
		}
		clock.Advance(200 * time.Millisecond)
		a.Observe(MotionSample{State: state, Confidence: 90, TimestampMS: 1_000_000 + int64(i)*200})
	}

	if got := drainTriggers(a); got != 0 {
		t.Fatalf("triggers = %d, want 0", got)
	}
	if got := a.AnalysisInterval(); got != config.DefaultTuning().GetFastAnalysisInterval() {
		t.Errorf("interval = %v, want fast %v", got, config.DefaultTuning().GetFastAnalysisInterval())
	}
}

func TestAnalyzerTrimsOldHistory(t *testing.T) {
	cfg := &config.Tuning{
		MotionRetention:         strptr("1m"),
		InitialAnalysisInterval: strptr("1h"), // analysis out of the way
	}
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	a := NewMotionAnalyzer(nil, cfg, clock)
	if err := a.StartTracking(); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	base := int64(1_000_000)
	for i := 0; i < 5; i++ {
		a.Observe(MotionSample{State: MotionStationary, Confidence: 90, TimestampMS: base + int64(i)*10_000})
	}
	if got := a.HistoryLen(); got != 5 {
		t.Fatalf("history = %d, want 5", got)
	}

	// A sample 90s after the first evicts everything outside the 60s window.
	a.Observe(MotionSample{State: MotionStationary, Confidence: 90, TimestampMS: base + 90_000})
	if got := a.HistoryLen(); got != 3 {
		t.Errorf("history after trim = %d, want 3", got)
	}
}

func TestWindowStatsConfidenceIndependence(t *testing.T) {
	mk := func(conf int) []MotionSample {
		return []MotionSample{
			{State: MotionInVehicle, Confidence: conf, TimestampMS: 0},
			{State: MotionWalking, Confidence: 80, TimestampMS: 30_000},
			{State: MotionInVehicle, Confidence: conf, TimestampMS: 60_000},
			{State: MotionInVehicle, Confidence: conf, TimestampMS: 90_000},
		}
	}

	lo := computeWindowStats(mk(10))
	hi := computeWindowStats(mk(99))
	if lo.VehicleTimePct != hi.VehicleTimePct {
		t.Errorf("vehicle pct varies with confidence: %f vs %f", lo.VehicleTimePct, hi.VehicleTimePct)
	}
	// Segments 0-30s and 60-90s open on in-vehicle samples: 2/3 of the span.
	if want := 2.0 / 3.0; math.Abs(lo.VehicleTimePct-want) > 1e-9 {
		t.Errorf("vehicle pct = %f, want %f", lo.VehicleTimePct, want)
	}
	if lo.AvgConfidence != 10 || hi.AvgConfidence != 99 {
		t.Errorf("avg confidence = %f / %f", lo.AvgConfidence, hi.AvgConfidence)
	}
}

func TestWindowStatsToleratesDisorder(t *testing.T) {
	ordered := []MotionSample{
		{State: MotionInVehicle, Confidence: 90, TimestampMS: 0},
		{State: MotionInVehicle, Confidence: 90, TimestampMS: 30_000},
		{State: MotionWalking, Confidence: 85, TimestampMS: 60_000},
	}
	shuffled := []MotionSample{ordered[2], ordered[0], ordered[1], ordered[1]} // plus a duplicate

	a := computeWindowStats(ordered)
	b := computeWindowStats(shuffled)
	if a.Duration != b.Duration || a.VehicleTimePct != b.VehicleTimePct {
		t.Errorf("disorder changed stats: %+v vs %+v", a, b)
	}
}
