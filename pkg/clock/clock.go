package clock

import (
	"time"
)

// Clock supplies non-decreasing elapsed-time readings relative to an
// arbitrary per-process epoch. Readings are immune to wall-clock steps.
type Clock interface {
	Now() time.Duration
	Sleep(d time.Duration)
}

type systemClock struct {
	epoch time.Time
}

func (c *systemClock) Now() time.Duration {
	// time.Since uses the runtime's monotonic reading
	return time.Since(c.epoch)
}

func (c *systemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

var sysClock = &systemClock{epoch: time.Now()}

// System returns the process-wide monotonic clock.
func System() Clock {
	return sysClock
}

// Seconds converts a clock reading to the floating point seconds carried on
// the wire.
func Seconds(d time.Duration) float64 {
	return d.Seconds()
}

// Duration converts wire seconds back to a clock reading.
func Duration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
