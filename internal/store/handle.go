package store

import "time"

// Handle is the contract every domain store exposes to the state core.
// Persistence, cross-tab sync, debugging and replay depend on nothing else
// about a store.
type Handle[T any] interface {
	// GetState returns the current state.
	GetState() T

	// SetState replaces the state. label names the action that caused the
	// transition; an empty label marks an anonymous transition.
	SetState(next T, label string)

	// Subscribe registers fn to be called synchronously after every
	// transition. The returned function removes the subscription.
	Subscribe(fn func(next T, label string)) (unsubscribe func())
}

// Updater is an optional upgrade of Handle. Update derives the next state
// from the current one with no other transition in between, so a
// read-modify-write cannot lose a concurrent change. Consumers fall back
// to GetState and SetState otherwise.
type Updater[T any] interface {
	Update(label string, fn func(current T) T)
}

// Transition describes one applied state change.
type Transition[T any] struct {
	Previous T
	Next     T
	Label    string
	At       time.Time
	Duration time.Duration
}

// TransitionSource is an optional upgrade of Handle. Stores that implement
// it report the exact previous state and how long the transition took;
// consumers fall back to Subscribe otherwise.
type TransitionSource[T any] interface {
	SubscribeTransitions(fn func(Transition[T])) (unsubscribe func())
}
