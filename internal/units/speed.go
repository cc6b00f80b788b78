// Package units provides shared constants and conversion for speed units.
package units

// Unit constants. Fixes carry speed in m/s; display units are a
// presentation concern.
const (
	MPS = "mps"
	MPH = "mph"
	KPH = "kph"
)

// ValidUnits contains all valid unit values.
var ValidUnits = []string{MPS, MPH, KPH}

// IsValid checks if the given unit is in the list of valid units.
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// ConvertSpeed converts a speed in meters per second to the target units.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.23694
	case KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}
