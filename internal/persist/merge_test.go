package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddedMeta struct {
	Owner string `json:"owner"`
}

type board struct {
	embeddedMeta
	Cards  map[string]int `json:"cards"`
	Hidden string         `json:"-"`
	Title  string
}

func TestShallowMerge_Struct(t *testing.T) {
	current := board{Cards: map[string]int{"a": 1}, Hidden: "h", Title: "old"}

	next, skipped, err := shallowMerge(current, map[string]any{
		"cards":   map[string]any{"b": 2.0},
		"owner":   "ana",
		"Title":   "new",
		"unknown": true,
		"Hidden":  "ignored",
	})

	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, map[string]int{"b": 2}, next.Cards, "persisted maps replace, never merge")
	assert.Equal(t, "ana", next.Owner)
	assert.Equal(t, "new", next.Title)
	assert.Equal(t, "h", next.Hidden)
	assert.Equal(t, map[string]int{"a": 1}, current.Cards)
}

func TestShallowMerge_PointerDoesNotMutateCurrent(t *testing.T) {
	current := &board{Title: "old"}

	next, _, err := shallowMerge(current, map[string]any{"Title": "new"})

	require.NoError(t, err)
	assert.Equal(t, "new", next.Title)
	assert.Equal(t, "old", current.Title)
}

func TestShallowMerge_Map(t *testing.T) {
	current := map[string]any{"a": 1.0, "b": []any{"x"}}

	next, skipped, err := shallowMerge(current, map[string]any{"b": []any{"y"}, "c": "z"})

	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, map[string]any{"a": 1.0, "b": []any{"y"}, "c": "z"}, next)
	assert.Equal(t, []any{"x"}, current["b"])
}

func TestShallowMerge_ReportsUndecodableFields(t *testing.T) {
	next, skipped, err := shallowMerge(board{Title: "keep"}, map[string]any{"Title": 12.0})

	require.NoError(t, err)
	assert.Equal(t, []string{"Title"}, skipped)
	assert.Equal(t, "keep", next.Title)
}

func TestShallowMerge_UnsupportedType(t *testing.T) {
	_, _, err := shallowMerge(42, map[string]any{"x": 1})
	require.Error(t, err)
}

func TestProject_Fields(t *testing.T) {
	got, err := project(board{Title: "t", Cards: map[string]int{"a": 1}}, []string{"Title", "missing"}, nil)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Title": "t"}, got)
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"state":{"a":1},"version":3,"timestamp":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, 3, env.Version)
	assert.Equal(t, int64(1700000000000), env.Timestamp)
	assert.Equal(t, map[string]any{"a": 1.0}, env.State)

	for _, bad := range []string{
		`{"state":{"a":1}}`,
		`{"state":"x","version":1}`,
		`{"state":{},"version":1.5}`,
		`nope`,
	} {
		_, err := ParseEnvelope([]byte(bad))
		assert.Error(t, err, bad)
	}
}
