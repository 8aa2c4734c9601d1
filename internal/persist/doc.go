// Package persist keeps a store's state in a storage medium across restarts
// and, optionally, in step with other tabs sharing the medium.
//
// A persisted entry is an envelope {state, version, timestamp}. state holds
// only the projected fields; version is compared against the coordinator's
// configured version on load and a migration function bridges the gap.
// Loading shallow-merges the persisted fields into the store's defaults, so
// fields added since the entry was written keep their default values.
package persist
