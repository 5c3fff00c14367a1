package service

import "time"

// TimestampLayout is how build timestamps are written into a payload.
const TimestampLayout = "2006-01-02T15:04:05Z"

// Clock provides time operations. This interface enables deterministic testing.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the actual system time.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock implements Clock with a fixed time for testing.
type TestClock struct {
	FixedTime time.Time
}

// Now returns the fixed time.
func (t TestClock) Now() time.Time {
	return t.FixedTime
}

// BuildTimestamp formats the clock's current time in UTC.
func BuildTimestamp(c Clock) string {
	return c.Now().UTC().Format(TimestampLayout)
}
