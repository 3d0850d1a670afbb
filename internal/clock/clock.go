// Package clock provides an injectable time source so timer-driven code
// (debounce windows, inactivity countdowns, lockout expiry) can be driven
// deterministically in tests.
//
// Production code uses Real(). Tests use Fake(start) and call Advance to
// fire timers synchronously, in deadline order.
package clock

import "time"

// Clock is the subset of the time package the session guard depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for d, then calls f. The returned Timer can cancel
	// or reschedule the pending call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if it already
	// fired or was stopped.
	Stop() bool

	// Reset reschedules the timer to fire after d. Returns true if the
	// timer was active before the reset.
	Reset(d time.Duration) bool
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
