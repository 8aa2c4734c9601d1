// Package channel fans cross-tab updates out to per-key listeners.
//
// A Manager is one tab's view of two optional sources: storage-change
// notifications raised by the shared medium when another tab writes, and a
// same-origin Bus carrying explicit broadcasts. Either may be absent; a
// Manager with neither is inert but still usable.
//
// Sources only queue messages; each Manager delivers them to its listeners
// on its own goroutine, so a listener never runs on another tab's stack.
// Delivery is at-most-once with no ordering guarantee across writers. The
// last message a tab processes wins.
package channel
