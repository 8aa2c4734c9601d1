package debug

import (
	"sort"
	"strconv"

	"github.com/bjpl/describe-it-sub004/internal/plain"
)

// Diff structurally compares two states. Both are converted to plain trees
// first, so unserializable values compare by their placeholder.
//
// Objects compare by key set, regardless of order: keys only in newState
// are added, keys only in oldState are removed, and keys in both recurse.
// Arrays compare element by element at equal positions, so a reordered
// array reports changes. Anything else that differs is changed.
func Diff(oldState, newState any) []StateDiffEntry {
	var out []StateDiffEntry
	diffTrees(nil, plain.From(oldState), plain.From(newState), &out)
	return out
}

func diffTrees(path []string, a, b any, out *[]StateDiffEntry) {
	if plain.Equal(a, b) {
		return
	}

	aObj, aIsObj := a.(map[string]any)
	bObj, bIsObj := b.(map[string]any)
	if aIsObj && bIsObj {
		for _, key := range unionKeys(aObj, bObj) {
			av, inA := aObj[key]
			bv, inB := bObj[key]
			switch {
			case !inA:
				*out = append(*out, StateDiffEntry{Path: extend(path, key), NewValue: bv, Kind: DiffAdded})
			case !inB:
				*out = append(*out, StateDiffEntry{Path: extend(path, key), OldValue: av, Kind: DiffRemoved})
			default:
				diffTrees(extend(path, key), av, bv, out)
			}
		}
		return
	}

	aArr, aIsArr := a.([]any)
	bArr, bIsArr := b.([]any)
	if aIsArr && bIsArr {
		for i := 0; i < max(len(aArr), len(bArr)); i++ {
			key := strconv.Itoa(i)
			switch {
			case i >= len(aArr):
				*out = append(*out, StateDiffEntry{Path: extend(path, key), NewValue: bArr[i], Kind: DiffAdded})
			case i >= len(bArr):
				*out = append(*out, StateDiffEntry{Path: extend(path, key), OldValue: aArr[i], Kind: DiffRemoved})
			default:
				diffTrees(extend(path, key), aArr[i], bArr[i], out)
			}
		}
		return
	}

	*out = append(*out, StateDiffEntry{Path: extend(path), OldValue: a, NewValue: b, Kind: DiffChanged})
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// extend returns a fresh copy of path with elems appended.
func extend(path []string, elems ...string) []string {
	out := make([]string, 0, len(path)+len(elems))
	out = append(out, path...)
	return append(out, elems...)
}
