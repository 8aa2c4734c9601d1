package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time stands still until Advance
// or Set is called; AfterFunc callbacks fire synchronously, in deadline
// order, inside the call that moves time past their deadline.
//
// Do not call Advance from within an AfterFunc callback.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

// NewFake returns a Fake clock set to initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc schedules f to run once the clock has advanced by d. If d <= 0,
// f runs synchronously before AfterFunc returns.
func (c *Fake) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	waiter := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, waiter)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if waiter.stopped || waiter.fired {
			return false
		}
		waiter.stopped = true
		return true
	}}
}

// Advance moves the clock forward by d and fires every callback whose
// deadline falls within the new time. Callbacks scheduled by a firing
// callback also fire if their deadline is within the target.
//
// Time is stepped to each deadline before its callback runs, so a callback
// observes Now() equal to its own deadline.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		waiter := c.nextExpired(target)
		if waiter == nil {
			break
		}
		waiter.callback()
	}

	c.mu.Lock()
	if target.After(c.current) {
		c.current = target
	}
	c.mu.Unlock()
}

// Set jumps the clock to t without firing anything if t is not later than
// the current time; otherwise it behaves like Advance.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	now := c.current
	if !t.After(now) {
		c.current = t
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Advance(t.Sub(now))
}

// PendingCount returns the number of scheduled, not yet fired callbacks.
func (c *Fake) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			count++
		}
	}
	return count
}

// nextExpired pops the earliest waiter due at or before target and moves
// the clock to its deadline.
func (c *Fake) nextExpired(target time.Time) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.waiters[:0]
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			live = append(live, waiter)
		}
	}
	c.waiters = live

	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
		return nil
	}

	waiter := c.waiters[0]
	waiter.fired = true
	c.waiters = c.waiters[1:]
	if waiter.deadline.After(c.current) {
		c.current = waiter.deadline
	}
	return waiter
}
