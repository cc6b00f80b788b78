// Package source provides position-fix and motion-sample sources backed by
// recordings or a simulator, standing in for the platform location and
// activity-recognition APIs.
package source

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overland-data/tripline/internal/monitoring"
	"github.com/overland-data/tripline/internal/trip"
)

// record is one line of a JSONL recording: exactly one of the fields set.
type record struct {
	Fix    *trip.PositionFix  `json:"fix,omitempty"`
	Motion *trip.MotionSample `json:"motion,omitempty"`
}

// Replay reads a JSONL recording of fixes and motion samples and delivers
// them through a FixSource and a MotionSource. Records are paced by their
// timestamps divided by Speed; Speed 0 disables pacing entirely.
type Replay struct {
	path  string
	speed float64

	fixes   chan trip.PositionFix
	samples chan trip.MotionSample

	fixOn    atomic.Bool
	motionOn atomic.Bool

	stop      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	running bool
}

// NewReplay creates a replay over the recording at path. speed > 1
// compresses time; 0 replays as fast as the consumer accepts.
func NewReplay(path string, speed float64) *Replay {
	return &Replay{
		path:    path,
		speed:   speed,
		fixes:   make(chan trip.PositionFix, 16),
		samples: make(chan trip.MotionSample, 16),
		stop:    make(chan struct{}),
	}
}

// Run reads the recording to the end, delivering records to whichever side
// is currently started. It returns when the file is exhausted or Close is
// called.
func (r *Replay) Run() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("replay already running")
	}
	r.running = true
	r.mu.Unlock()

	// Only this goroutine closes the delivery channels, after it is done
	// sending, so Close can never race a send on a closed channel.
	defer close(r.fixes)
	defer close(r.samples)

	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	var lastTS int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		select {
		case <-r.stop:
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			monitoring.Logf("replay: skipping malformed line: %v", err)
			continue
		}

		ts := recordTS(rec)
		if r.speed > 0 && lastTS > 0 && ts > lastTS {
			delay := time.Duration(float64(ts-lastTS)/r.speed) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-r.stop:
				return nil
			}
		}
		if ts > 0 {
			lastTS = ts
		}

		switch {
		case rec.Fix != nil && r.fixOn.Load():
			select {
			case r.fixes <- *rec.Fix:
			case <-r.stop:
				return nil
			}
		case rec.Motion != nil && r.motionOn.Load():
			select {
			case r.samples <- *rec.Motion:
			case <-r.stop:
				return nil
			}
		}
	}
	return scanner.Err()
}

// Close stops the replay. Safe to call at any point, including before Run
// and more than once; the delivery channels are closed by Run on its way
// out, never here.
func (r *Replay) Close() {
	r.closeOnce.Do(func() { close(r.stop) })
}

func recordTS(rec record) int64 {
	if rec.Fix != nil {
		return rec.Fix.TimestampMS
	}
	if rec.Motion != nil {
		return rec.Motion.TimestampMS
	}
	return 0
}

// FixSource returns the position-fix side of the replay.
func (r *Replay) FixSource() trip.FixSource {
	return (*replayFixSource)(r)
}

// MotionSource returns the motion-sample side of the replay.
func (r *Replay) MotionSource() trip.MotionSource {
	return (*replayMotionSource)(r)
}

type replayFixSource Replay

func (s *replayFixSource) Start() error {
	(*Replay)(s).fixOn.Store(true)
	return nil
}

func (s *replayFixSource) Stop() {
	(*Replay)(s).fixOn.Store(false)
}

func (s *replayFixSource) Fixes() <-chan trip.PositionFix {
	return s.fixes
}

type replayMotionSource Replay

func (s *replayMotionSource) Start() error {
	(*Replay)(s).motionOn.Store(true)
	return nil
}

func (s *replayMotionSource) Stop() {
	(*Replay)(s).motionOn.Store(false)
}

func (s *replayMotionSource) Destroy() {
	s.Stop()
	(*Replay)(s).Close()
}

func (s *replayMotionSource) Samples() <-chan trip.MotionSample {
	return s.samples
}
