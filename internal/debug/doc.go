// Package debug records the transitions of registered stores for
// time-travel debugging.
//
// A Registry observes any number of stores. Registration and monitoring are
// independent: a registered store can be driven by replay whether or not it
// is monitored, and only monitored stores are logged. For every labelled
// transition of a monitored store the registry
//   - appends an ActionLogEntry to a bounded, oldest-first log
//   - updates the store's PerformanceMetric incrementally
//   - appends a Snapshot to the store's bounded snapshot ring
//
// Recorded states are plain trees (see package plain) cloned at capture
// time, so later mutation of live state never rewrites history.
package debug
