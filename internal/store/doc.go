// Package store defines the contract between domain state containers and the
// state core, plus Store, a small generic container implementing it.
//
// The core (persistence, cross-tab sync, debug registry, replay) depends only
// on Handle: get state, set state with an action label, subscribe to
// transitions. Containers that also implement TransitionSource hand the
// debug registry exact previous states and transition durations.
package store
