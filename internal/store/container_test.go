package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bjpl/describe-it-sub004/internal/clock"
)

type cart struct {
	Items    []string `json:"items"`
	Currency string   `json:"currency"`
}

func TestStore_SetStateNotifiesInOrder(t *testing.T) {
	s := New(cart{Currency: "EUR"})

	var labels []string
	s.Subscribe(func(next cart, label string) {
		labels = append(labels, label)
	})

	s.SetState(cart{Items: []string{"a"}}, "add")
	s.SetState(cart{Items: []string{"a", "b"}}, "add")
	s.SetState(cart{}, "")

	assert.Equal(t, []string{"add", "add", ""}, labels)
	assert.Equal(t, cart{}, s.GetState())
}

func TestStore_TransitionCarriesPreviousAndDuration(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(1, WithClock(fake))

	var got Transition[int]
	s.SubscribeTransitions(func(tr Transition[int]) { got = tr })

	s.Update("increment", func(n int) int {
		fake.Advance(40 * time.Millisecond)
		return n + 1
	})

	assert.Equal(t, 1, got.Previous)
	assert.Equal(t, 2, got.Next)
	assert.Equal(t, "increment", got.Label)
	assert.Equal(t, 40*time.Millisecond, got.Duration)
	assert.Equal(t, 40.0, Millis(got.Duration))
}

func TestStore_Unsubscribe(t *testing.T) {
	s := New(0)
	calls := 0
	unsubscribe := s.Subscribe(func(int, string) { calls++ })

	s.SetState(1, "a")
	unsubscribe()
	unsubscribe()
	s.SetState(2, "b")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.ListenerCount())
}

func TestStore_Reset(t *testing.T) {
	s := New(cart{Currency: "USD"})
	s.SetState(cart{Items: []string{"x"}}, "add")

	s.Reset("reset")

	assert.Equal(t, cart{Currency: "USD"}, s.GetState())
}
