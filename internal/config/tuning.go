package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Tuning represents the engine tuning parameters. All fields are optional in
// JSON; the Get* accessors supply defaults for anything left unset, so
// partial configs are safe. The same schema is accepted at startup and for
// runtime updates.
type Tuning struct {
	// Location filter params
	FilterMinDistanceM *float64 `json:"filter_min_distance_m,omitempty"`
	FilterMinInterval  *string  `json:"filter_min_interval,omitempty"` // duration string like "10s"
	FilterMaxAccuracyM *float64 `json:"filter_max_accuracy_m,omitempty"`

	// Parking detector params
	ParkingWindow     *string  `json:"parking_window,omitempty"` // duration string like "20m"
	ParkingRadiusM    *float64 `json:"parking_radius_m,omitempty"`
	ParkingMinSamples *int     `json:"parking_min_samples,omitempty"`

	// Motion analyzer params
	MotionRetention         *string  `json:"motion_retention,omitempty"`
	MotionAggressiveKeep    *string  `json:"motion_aggressive_keep,omitempty"`
	MinWindow               *string  `json:"min_window,omitempty"`
	MaxWindow               *string  `json:"max_window,omitempty"`
	MinAnalysisDuration     *string  `json:"min_analysis_duration,omitempty"`
	VehicleTimeThreshold    *float64 `json:"vehicle_time_threshold,omitempty"`
	ConfidenceThreshold     *float64 `json:"confidence_threshold,omitempty"`
	InitialAnalysisInterval *string  `json:"initial_analysis_interval,omitempty"`
	FastAnalysisInterval    *string  `json:"fast_analysis_interval,omitempty"`
	LowAnalysisInterval     *string  `json:"low_analysis_interval,omitempty"`
	BackgroundInterval      *string  `json:"background_analysis_interval,omitempty"`
	DrivingStreakForFast    *int     `json:"driving_streak_for_fast,omitempty"`
	NonDrivingStreakForLow  *int     `json:"non_driving_streak_for_low,omitempty"`
	NonDrivingStreakForBG   *int     `json:"non_driving_streak_for_background,omitempty"`
	AggressiveCleanupAfter  *int     `json:"aggressive_cleanup_after,omitempty"`

	// Trip state machine params
	ResumeOnDriving   *bool   `json:"resume_on_driving,omitempty"`
	NonDrivingTimeout *string `json:"non_driving_timeout,omitempty"`
}

// DefaultTuning returns a Tuning with all fields unset, meaning every Get*
// accessor reports its built-in default.
func DefaultTuning() *Tuning {
	return &Tuning{}
}

// LoadTuning loads a Tuning from a JSON file. The file is validated to have
// a .json extension and to be under the max file size. Fields omitted from
// the JSON retain their defaults.
func LoadTuning(path string) (*Tuning, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultTuning()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Tuning) Validate() error {
	if c.VehicleTimeThreshold != nil {
		if *c.VehicleTimeThreshold < 0 || *c.VehicleTimeThreshold > 1 {
			return fmt.Errorf("vehicle_time_threshold must be between 0 and 1, got %f", *c.VehicleTimeThreshold)
		}
	}
	if c.ConfidenceThreshold != nil {
		if *c.ConfidenceThreshold < 0 || *c.ConfidenceThreshold > 100 {
			return fmt.Errorf("confidence_threshold must be between 0 and 100, got %f", *c.ConfidenceThreshold)
		}
	}
	if c.ParkingRadiusM != nil && *c.ParkingRadiusM <= 0 {
		return fmt.Errorf("parking_radius_m must be positive, got %f", *c.ParkingRadiusM)
	}
	if c.ParkingMinSamples != nil && *c.ParkingMinSamples < 1 {
		return fmt.Errorf("parking_min_samples must be at least 1, got %d", *c.ParkingMinSamples)
	}

	durations := map[string]*string{
		"filter_min_interval":          c.FilterMinInterval,
		"parking_window":               c.ParkingWindow,
		"motion_retention":             c.MotionRetention,
		"motion_aggressive_keep":       c.MotionAggressiveKeep,
		"min_window":                   c.MinWindow,
		"max_window":                   c.MaxWindow,
		"min_analysis_duration":        c.MinAnalysisDuration,
		"initial_analysis_interval":    c.InitialAnalysisInterval,
		"fast_analysis_interval":       c.FastAnalysisInterval,
		"low_analysis_interval":        c.LowAnalysisInterval,
		"background_analysis_interval": c.BackgroundInterval,
		"non_driving_timeout":          c.NonDrivingTimeout,
	}
	for name, v := range durations {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetFilterMinDistanceM returns the minimum displacement in meters for a fix
// to be considered novel.
func (c *Tuning) GetFilterMinDistanceM() float64 {
	if c.FilterMinDistanceM == nil {
		return 25.0
	}
	return *c.FilterMinDistanceM
}

// GetFilterMinInterval returns the minimum spacing between sent fixes.
func (c *Tuning) GetFilterMinInterval() time.Duration {
	return durationOr(c.FilterMinInterval, 10*time.Second)
}

// GetFilterMaxAccuracyM returns the horizontal-accuracy cutoff beyond which
// a fix is rejected as noise.
func (c *Tuning) GetFilterMaxAccuracyM() float64 {
	if c.FilterMaxAccuracyM == nil {
		return 100.0
	}
	return *c.FilterMaxAccuracyM
}

// GetParkingWindow returns the parking detector's rolling window length.
func (c *Tuning) GetParkingWindow() time.Duration {
	return durationOr(c.ParkingWindow, 20*time.Minute)
}

// GetParkingRadiusM returns the clustering radius for the parked verdict.
func (c *Tuning) GetParkingRadiusM() float64 {
	if c.ParkingRadiusM == nil {
		return 200.0
	}
	return *c.ParkingRadiusM
}

// GetParkingMinSamples returns the minimum window population required before
// a parked verdict can be reported.
func (c *Tuning) GetParkingMinSamples() int {
	if c.ParkingMinSamples == nil {
		return 3
	}
	return *c.ParkingMinSamples
}

// GetMotionRetention returns the motion history retention window.
func (c *Tuning) GetMotionRetention() time.Duration {
	return durationOr(c.MotionRetention, 5*time.Minute)
}

// GetMotionAggressiveKeep returns the shortened retention window applied
// after a long run of non-driving analyses.
func (c *Tuning) GetMotionAggressiveKeep() time.Duration {
	return durationOr(c.MotionAggressiveKeep, 2*time.Minute)
}

// GetMinWindow returns the shortest candidate analysis window.
func (c *Tuning) GetMinWindow() time.Duration {
	return durationOr(c.MinWindow, 60*time.Second)
}

// GetMaxWindow returns the longest candidate analysis window.
func (c *Tuning) GetMaxWindow() time.Duration {
	return durationOr(c.MaxWindow, 5*time.Minute)
}

// GetMinAnalysisDuration returns the minimum wall-clock span a window must
// cover before it may qualify as driving.
func (c *Tuning) GetMinAnalysisDuration() time.Duration {
	return durationOr(c.MinAnalysisDuration, 60*time.Second)
}

// GetVehicleTimeThreshold returns the minimum fraction of wall-clock time a
// qualifying window must spend in the in-vehicle state.
func (c *Tuning) GetVehicleTimeThreshold() float64 {
	if c.VehicleTimeThreshold == nil {
		return 0.6
	}
	return *c.VehicleTimeThreshold
}

// GetConfidenceThreshold returns the minimum mean confidence of in-vehicle
// samples within a qualifying window.
func (c *Tuning) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 70.0
	}
	return *c.ConfidenceThreshold
}

// GetInitialAnalysisInterval returns the analysis throttle interval used
// after start and after a trigger.
func (c *Tuning) GetInitialAnalysisInterval() time.Duration {
	return durationOr(c.InitialAnalysisInterval, 60*time.Second)
}

// GetFastAnalysisInterval returns the throttle interval used once vehicle
// presence has been observed on consecutive analyses.
func (c *Tuning) GetFastAnalysisInterval() time.Duration {
	return durationOr(c.FastAnalysisInterval, 30*time.Second)
}

// GetLowAnalysisInterval returns the first back-off interval.
func (c *Tuning) GetLowAnalysisInterval() time.Duration {
	return durationOr(c.LowAnalysisInterval, 2*time.Minute)
}

// GetBackgroundInterval returns the deepest back-off interval.
func (c *Tuning) GetBackgroundInterval() time.Duration {
	return durationOr(c.BackgroundInterval, 5*time.Minute)
}

// GetDrivingStreakForFast returns the consecutive driving-presence analyses
// required before switching to the fast interval.
func (c *Tuning) GetDrivingStreakForFast() int {
	if c.DrivingStreakForFast == nil {
		return 3
	}
	return *c.DrivingStreakForFast
}

// GetNonDrivingStreakForLow returns the consecutive non-driving analyses
// required before backing off to the low interval.
func (c *Tuning) GetNonDrivingStreakForLow() int {
	if c.NonDrivingStreakForLow == nil {
		return 5
	}
	return *c.NonDrivingStreakForLow
}

// GetNonDrivingStreakForBG returns the consecutive non-driving analyses
// required before backing off to the background interval.
func (c *Tuning) GetNonDrivingStreakForBG() int {
	if c.NonDrivingStreakForBG == nil {
		return 10
	}
	return *c.NonDrivingStreakForBG
}

// GetAggressiveCleanupAfter returns the non-driving streak length that
// switches history trimming to the shortened retention window.
func (c *Tuning) GetAggressiveCleanupAfter() int {
	if c.AggressiveCleanupAfter == nil {
		return 5
	}
	return *c.AggressiveCleanupAfter
}

// GetResumeOnDriving reports whether a driving trigger received while parked
// resumes recording automatically. Off by default: once parked, collection
// is suspended until an explicit resume.
func (c *Tuning) GetResumeOnDriving() bool {
	if c.ResumeOnDriving == nil {
		return false
	}
	return *c.ResumeOnDriving
}

// GetNonDrivingTimeout returns how long the engine may go without any
// driving signal before treating the vehicle as parked.
func (c *Tuning) GetNonDrivingTimeout() time.Duration {
	return durationOr(c.NonDrivingTimeout, 10*time.Minute)
}
