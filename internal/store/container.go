package store

import (
	"sync"
	"time"

	"github.com/bjpl/describe-it-sub004/internal/clock"
)

// Store is a minimal reactive state container implementing Handle and
// TransitionSource. Domain stores embed or wrap it; the state core only ever
// sees the Handle contract.
//
// Thread-safety: all methods are safe for concurrent use. Transitions are
// serialized, and listeners observe them in exactly the order they were
// applied. Listeners run synchronously on the goroutine that made the
// transition and must not call SetState or Update on the same Store.
type Store[T any] struct {
	dispatch sync.Mutex // serializes apply + notify

	mu        sync.Mutex
	state     T
	initial   T
	listeners []listener[T]
	nextID    int

	clock clock.Clock
}

type listener[T any] struct {
	id int
	fn func(Transition[T])
}

// Option configures a Store.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock used to time transitions. Default: clock.Real().
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// New creates a Store holding initial. Reset returns to initial.
func New[T any](initial T, opts ...Option) *Store[T] {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{state: initial, initial: initial, clock: o.clock}
}

// GetState implements Handle.
func (s *Store[T]) GetState() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState implements Handle.
func (s *Store[T]) SetState(next T, label string) {
	s.Update(label, func(T) T { return next })
}

// Update applies fn to the current state and records how long fn took as
// the transition's duration.
func (s *Store[T]) Update(label string, fn func(current T) T) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	previous := s.state
	s.mu.Unlock()

	start := s.clock.Now()
	next := fn(previous)
	end := s.clock.Now()

	s.mu.Lock()
	s.state = next
	listeners := make([]listener[T], len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	tr := Transition[T]{
		Previous: previous,
		Next:     next,
		Label:    label,
		At:       end,
		Duration: end.Sub(start),
	}
	for _, l := range listeners {
		l.fn(tr)
	}
}

// Reset restores the initial state.
func (s *Store[T]) Reset(label string) {
	s.SetState(s.initial, label)
}

// Subscribe implements Handle.
func (s *Store[T]) Subscribe(fn func(next T, label string)) func() {
	return s.SubscribeTransitions(func(tr Transition[T]) {
		fn(tr.Next, tr.Label)
	})
}

// SubscribeTransitions implements TransitionSource.
func (s *Store[T]) SubscribeTransitions(fn func(Transition[T])) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listener[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// ListenerCount returns the number of active subscriptions.
func (s *Store[T]) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

var (
	_ Handle[int]           = (*Store[int])(nil)
	_ TransitionSource[int] = (*Store[int])(nil)
	_ Updater[int]          = (*Store[int])(nil)
)

// Millis converts a duration to fractional milliseconds, the unit used in
// every exported document.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
