package billing

import "time"

// Day is the unit every billing rule is expressed in.
const Day = 24 * time.Hour

// Clock supplies the current instant. Drivers take a Clock so tests can pin "now".
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// DaysBetween returns the whole days elapsed from a to b, floor((b-a)/24h).
// It is never negative: b before a yields 0.
func DaysBetween(a, b time.Time) int {
	d := b.Sub(a)
	if d <= 0 {
		return 0
	}
	return int(d / Day)
}
