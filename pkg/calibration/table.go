package calibration

import "errors"

// ErrInvalidBounds is returned alongside the (0, 0) bounds when a table could
// not be produced or loaded.
var ErrInvalidBounds = errors.New("calibration bounds unavailable")

// Sample is one measured calibration point.
type Sample struct {
	DutyCycle int `json:"dutyCycle"`
	Speed     int `json:"speed"`
}

// Table is ordered by ascending duty cycle. Speeds are expected, not
// guaranteed, to be non-decreasing.
type Table []Sample

// Bounds is a (min, max) speed pair. The zero value means "no calibration".
type Bounds struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Valid reports whether b is not the (0, 0) sentinel and not inverted.
func (b Bounds) Valid() bool {
	return (b.Min != 0 || b.Max != 0) && b.Min <= b.Max
}

// Contains reports whether speed lies in [Min, Max].
func (b Bounds) Contains(speed int) bool {
	return speed >= b.Min && speed <= b.Max
}

// Mean is the midpoint speed, rounded down.
func (b Bounds) Mean() int {
	return (b.Min + b.Max) / 2
}

// Intersect returns the speeds both a and b can reach: the larger minimum
// and the smaller maximum.
func Intersect(a, b Bounds) Bounds {
	return Bounds{Min: max(a.Min, b.Min), Max: min(a.Max, b.Max)}
}

// Bounds returns the observed speed extremes, or (0, 0) for an empty table.
func (t Table) Bounds() Bounds {
	if len(t) == 0 {
		return Bounds{}
	}
	b := Bounds{Min: t[0].Speed, Max: t[0].Speed}
	for _, s := range t[1:] {
		b.Min = min(b.Min, s.Speed)
		b.Max = max(b.Max, s.Speed)
	}
	return b
}

// DutyCycleFor returns the duty cycle of the first sample whose speed and the
// next sample's speed bracket speed. It does not interpolate.
func (t Table) DutyCycleFor(speed int) (int, bool) {
	if len(t) == 1 && t[0].Speed == speed {
		return t[0].DutyCycle, true
	}
	for i := 0; i+1 < len(t); i++ {
		if t[i].Speed <= speed && t[i+1].Speed >= speed {
			return t[i].DutyCycle, true
		}
	}
	return 0, false
}

// Clone returns a copy of t.
func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	return append(Table(nil), t...)
}
