// Package clock abstracts wall time and identifier generation so replay
// pacing, history timestamps and action log IDs are deterministic in tests.
//
// Production code injects Real(); tests inject a Fake whose time only moves
// when Advance is called.
package clock

import "time"

// Clock is the subset of the time package the state core depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for d, then calls f in its own goroutine (real) or
	// synchronously inside Advance (fake). The returned Timer cancels the
	// pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable scheduled call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns true if the call stopped
// the timer, false if it had already fired or been stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// UnixMilli returns c.Now() as epoch milliseconds, the timestamp unit of
// every persisted and exported document.
func UnixMilli(c Clock) int64 {
	return c.Now().UnixMilli()
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}
