package core

import "time"

// Throttle is the reaper's adaptive sleep duration, bounded to
// [min, max]. It is doubled while the downstream pipeline stays full and
// halved when capacity is observed, which backs off quickly under
// sustained congestion but recovers promptly once it clears.
//
// A Throttle is owned by a single reaper instance and is not safe for
// concurrent use on its own.
type Throttle struct {
	d   time.Duration
	min time.Duration
	max time.Duration
}

// NewThrottle creates a throttle starting at initial, clamped to [min, max].
func NewThrottle(initial, min, max time.Duration) *Throttle {
	t := &Throttle{d: initial, min: min, max: max}
	if t.d < min {
		t.d = min
	}
	if t.d > max {
		t.d = max
	}
	return t
}

// Current returns the current sleep duration.
func (t *Throttle) Current() time.Duration {
	return t.d
}

// Double doubles the duration, capped at max. It reports whether the cap
// was hit, so the caller can log sustained congestion.
func (t *Throttle) Double() bool {
	t.d *= 2
	if t.d >= t.max {
		t.d = t.max
		return true
	}
	return false
}

// Halve halves the duration, floored at min.
func (t *Throttle) Halve() {
	t.d /= 2
	if t.d < t.min {
		t.d = t.min
	}
}
