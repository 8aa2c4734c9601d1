// Package replay drives recorded action logs back into live stores.
//
// An Engine moves between three states:
//
//	Idle -> Replaying <-> Paused
//	          |              |
//	          +----> Idle <--+   (stop or end of log)
//
// Entries are applied in order with the recorded pacing scaled by a speed
// factor. Each step is a clock timer, so a replay can be paused, resumed or
// stopped between any two steps. A step that has been applied stays applied.
package replay
