// Package clock abstracts time so that backoff schedules and access
// windows can be tested deterministically. Production code uses Real();
// tests use Fake() and drive time with Advance.
package clock

import "time"

// Clock is the subset of the time package used by the engine
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// AfterFunc calls f after d elapses. Stop on the returned Timer
	// cancels a pending call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled call
type Timer interface {
	// Stop reports whether the call was cancelled before firing
	Stop() bool
}

// Real returns a Clock backed by the standard time package
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
