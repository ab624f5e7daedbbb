package media

import (
	"math"
	"time"
)

const (
	// TimeUnset marks an unknown time or a disabled timeout.
	TimeUnset int64 = math.MinInt64 + 1
	// TimeEndOfSource is the presentation time carried by end-of-stream markers.
	TimeEndOfSource int64 = math.MinInt64
)

// Timer is the subset of *time.Timer used by timeout logic.
type Timer interface {
	Stop() bool
}

// TimeProvider is an interface for getting the current time and scheduling
// callbacks. This allows injecting a controllable clock for deterministic
// testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc calls f on its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f using the standard library timer.
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// GetTimeProvider returns tp if non-nil, otherwise RealTimeProvider.
func GetTimeProvider(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return RealTimeProvider{}
}

// UsToMs converts microseconds to milliseconds, passing TimeUnset through.
func UsToMs(us int64) int64 {
	if us == TimeUnset || us == TimeEndOfSource {
		return us
	}
	return us / 1000
}

// MsToUs converts milliseconds to microseconds, passing TimeUnset through.
func MsToUs(ms int64) int64 {
	if ms == TimeUnset || ms == TimeEndOfSource {
		return ms
	}
	return ms * 1000
}
