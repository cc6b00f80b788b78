package trip

import (
	"sync"
	"time"

	"github.com/paulmach/orb/geo"

	"github.com/overland-data/tripline/internal/config"
	"github.com/overland-data/tripline/internal/timeutil"
)

// TrackingStats is a snapshot of the filter's running counters.
type TrackingStats struct {
	TotalReceived int64     `json:"total_received"`
	TotalSent     int64     `json:"total_sent"`
	LastSentAt    time.Time `json:"last_sent_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// FilterResult is the outcome of evaluating one fix. Never persisted;
// consumed immediately by the caller.
type FilterResult struct {
	ShouldSend bool
	Reason     string
	Stats      TrackingStats
}

// LocationFilter decides whether a new raw fix is novel enough to record.
// Pure decision plus counters; no I/O. It never fails: malformed input is
// reported as a rejection with the reason set.
type LocationFilter struct {
	cfg   *config.Tuning
	clock timeutil.Clock

	mu         sync.Mutex
	received   int64
	sent       int64
	lastFix    PositionFix
	lastSentAt time.Time
	haveLast   bool
	lastErr    string
}

// NewLocationFilter returns a filter using thresholds from cfg.
func NewLocationFilter(cfg *config.Tuning, clock timeutil.Clock) *LocationFilter {
	if cfg == nil {
		cfg = config.DefaultTuning()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LocationFilter{cfg: cfg, clock: clock}
}

// Evaluate decides whether fix should be recorded and updates the running
// counters. Always returns a result.
func (f *LocationFilter) Evaluate(fix PositionFix) FilterResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.received++

	if !fix.Valid() {
		return f.reject("invalid coordinates")
	}
	if max := f.cfg.GetFilterMaxAccuracyM(); fix.AccuracyM > max {
		return f.reject("accuracy above threshold")
	}

	if f.haveLast {
		dist := geo.Distance(f.lastFix.Point(), fix.Point())
		elapsed := fix.Time().Sub(f.lastFix.Time())
		if elapsed < 0 {
			elapsed = 0
		}
		if dist < f.cfg.GetFilterMinDistanceM() && elapsed < f.cfg.GetFilterMinInterval() {
			return f.reject("below distance and interval thresholds")
		}
	}

	f.sent++
	f.lastFix = fix
	f.lastSentAt = f.clock.Now()
	f.haveLast = true
	return FilterResult{ShouldSend: true, Reason: "accepted", Stats: f.statsLocked()}
}

func (f *LocationFilter) reject(reason string) FilterResult {
	return FilterResult{ShouldSend: false, Reason: reason, Stats: f.statsLocked()}
}

// RecordSendError stores the most recent delivery error so subsequent
// results can surface it.
func (f *LocationFilter) RecordSendError(err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastErr = err.Error()
}

// ClearSendError forgets the last delivery error after a successful upload.
func (f *LocationFilter) ClearSendError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastErr = ""
}

// Stats returns a snapshot of the running counters.
func (f *LocationFilter) Stats() TrackingStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsLocked()
}

func (f *LocationFilter) statsLocked() TrackingStats {
	return TrackingStats{
		TotalReceived: f.received,
		TotalSent:     f.sent,
		LastSentAt:    f.lastSentAt,
		LastError:     f.lastErr,
	}
}

// Reset clears counters and the last-fix memory, typically at trip start.
func (f *LocationFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = 0
	f.sent = 0
	f.haveLast = false
	f.lastSentAt = time.Time{}
	f.lastErr = ""
}
