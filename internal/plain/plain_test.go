package plain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name    string         `json:"name"`
	Tags    []string       `json:"tags"`
	Extra   map[string]int `json:"extra,omitempty"`
	secret  string
	Skipped string `json:"-"`
}

type withFunc struct {
	Label    string       `json:"label"`
	Callback func() error `json:"callback"`
	Events   chan int     `json:"events"`
	Score    float64      `json:"score"`
}

func TestFrom_JSONRoundTrip(t *testing.T) {
	in := profile{Name: "ana", Tags: []string{"a", "b"}, secret: "x", Skipped: "y"}

	out := From(in)

	assert.Equal(t, map[string]any{
		"name": "ana",
		"tags": []any{"a", "b"},
	}, out)
}

func TestFrom_DoesNotAlias(t *testing.T) {
	src := map[string]any{"items": []any{"a"}}

	out := From(src).(map[string]any)
	src["items"].([]any)[0] = "mutated"

	assert.Equal(t, "a", out["items"].([]any)[0])
}

func TestFrom_ReplacesUnserializableValues(t *testing.T) {
	in := withFunc{
		Label:    "x",
		Callback: func() error { return nil },
		Events:   make(chan int),
		Score:    math.NaN(),
	}

	out := From(in)

	assert.Equal(t, map[string]any{
		"label":    "x",
		"callback": "[unserializable func() error]",
		"events":   "[unserializable chan int]",
		"score":    "[unserializable float64]",
	}, out)
}

func TestFrom_PlaceholderIsDeterministic(t *testing.T) {
	a := From(withFunc{Callback: func() error { return nil }})
	b := From(withFunc{Callback: func() error { return assert.AnError }})

	assert.Equal(t, a, b)
}

func TestFrom_HonoursMarshalers(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := map[string]any{"at": ts, "fn": func() {}}

	out := From(in).(map[string]any)

	assert.Equal(t, "2026-01-02T03:04:05Z", out["at"])
	assert.Equal(t, "[unserializable func()]", out["fn"])
}

func TestFrom_SelfReferenceTerminates(t *testing.T) {
	type node struct {
		Next *node `json:"next"`
		Fn   func()
	}
	n := &node{}
	n.Next = n

	assert.NotPanics(t, func() { From(n) })
}

func TestFrom_SharedSelfReferencesAreMarked(t *testing.T) {
	type node struct {
		Name  string `json:"name"`
		Left  *node  `json:"left"`
		Right *node  `json:"right"`
	}
	n := &node{Name: "root"}
	n.Left, n.Right = n, n

	done := make(chan any, 1)
	go func() { done <- From(n) }()

	select {
	case got := <-done:
		assert.Equal(t, map[string]any{"name": "root", "left": Circular, "right": Circular}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("From did not terminate on a doubly self-referencing struct")
	}
}

func TestFrom_RepeatedReferenceIsNotACycle(t *testing.T) {
	type leaf struct {
		V  int    `json:"v"`
		Fn func() `json:"fn"`
	}
	type pair struct {
		A *leaf `json:"a"`
		B *leaf `json:"b"`
	}
	shared := &leaf{V: 1}

	got := From(pair{A: shared, B: shared})

	obj, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), obj["a"].(map[string]any)["v"])
	assert.Equal(t, float64(1), obj["b"].(map[string]any)["v"], "siblings sharing a pointer are both expanded")
}

func TestObject_RejectsNonObjects(t *testing.T) {
	_, err := Object([]int{1, 2})
	require.Error(t, err)

	obj, err := Object(nil)
	require.NoError(t, err)
	assert.Empty(t, obj)
}

func TestDecode(t *testing.T) {
	tree := map[string]any{"name": "ana", "tags": []any{"z"}}

	p, err := Decode[profile](tree)

	require.NoError(t, err)
	assert.Equal(t, "ana", p.Name)
	assert.Equal(t, []string{"z"}, p.Tags)
}

func TestCanonical_SortsKeysAndSkipsHTMLEscaping(t *testing.T) {
	data, err := Canonical(map[string]any{"b": 1, "a": "<x>", "c": []any{true, nil}})

	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1,"c":[true,null]}`, string(data))
}

func TestCanonical_NormalizesNFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := Canonical(map[string]any{"k": decomposed})
	require.NoError(t, err)
	b, err := Canonical(map[string]any{"k": composed})
	require.NoError(t, err)

	assert.Equal(t, string(b), string(a))
}

func TestCanonical_UTF16KeyOrder(t *testing.T) {
	// U+FF61 sorts before U+1F600 in UTF-8 but after it in UTF-16.
	data, err := Canonical(map[string]any{"\U0001F600": 1, "｡": 2})

	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":1,\"｡\":2}", string(data))
}

func TestSize(t *testing.T) {
	assert.Equal(t, len(`{"a":1}`), Size(map[string]any{"a": 1}))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(From(map[string]int{"a": 1}), map[string]any{"a": float64(1)}))
	assert.False(t, Equal([]any{1.0, 2.0}, []any{2.0, 1.0}))
}
