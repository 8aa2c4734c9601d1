// Package plain converts arbitrary Go state into plain data trees.
//
// A plain tree contains only nil, bool, float64, string, []any and
// map[string]any - the shapes encoding/json produces when decoding into an
// interface value. Every component that records, persists or compares store
// state goes through this package so that:
//   - recorded history never aliases live state (deep clone on capture)
//   - values that cannot be serialized (funcs, channels, NaN) never abort a
//     capture; they are replaced by a deterministic placeholder string
//   - two trees compare and serialize identically regardless of map order
//
// Canonical serialization sorts object keys by UTF-16 code units, NFC
// normalizes strings and disables HTML escaping, so equal trees always produce
// equal bytes.
package plain
