package replay

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjpl/describe-it-sub004/internal/clock"
	"github.com/bjpl/describe-it-sub004/internal/debug"
	"github.com/bjpl/describe-it-sub004/internal/store"
)

type counter struct {
	Count int `json:"count"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingTarget remembers every applied step.
type recordingTarget struct {
	known   map[string]bool
	failing map[string]bool
	applied []string
}

func (r *recordingTarget) Apply(key string, _ any, label string) (bool, error) {
	if !r.known[key] {
		return false, nil
	}
	if r.failing[key] {
		return true, errors.New("decode failed")
	}
	r.applied = append(r.applied, key+" "+label)
	return true, nil
}

func entry(key, action string, ts int64, count int) debug.ActionLogEntry {
	return debug.ActionLogEntry{
		ID:         action,
		Timestamp:  ts,
		StoreKey:   key,
		ActionName: action,
		NextState:  map[string]any{"count": float64(count)},
	}
}

func threeEntryLog() []debug.ActionLogEntry {
	return []debug.ActionLogEntry{
		entry("c", "first", 10_000, 1),
		entry("c", "second", 13_000, 2),
		entry("c", "third", 16_000, 3),
	}
}

func newEngine(target Target, fake *clock.Fake, opts ...Option) *Engine {
	base := []Option{WithClock(fake), WithLogger(quietLogger())}
	return New(target, append(base, opts...)...)
}

func TestEngine_TimingAtDoubleSpeed(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	target := &recordingTarget{known: map[string]bool{"c": true}}
	var visited []int
	var finishedAt time.Time
	e := newEngine(target, fake,
		WithOnStep(func(i int, _ debug.ActionLogEntry, _ bool) { visited = append(visited, i) }),
		WithOnDone(func() { finishedAt = fake.Now() }),
	)

	require.NoError(t, e.Start(threeEntryLog(), 2))
	assert.Equal(t, Replaying, e.State())
	assert.Equal(t, []int{0}, visited)

	fake.Advance(1499 * time.Millisecond)
	assert.Equal(t, []int{0}, visited)
	fake.Advance(time.Millisecond)
	assert.Equal(t, []int{0, 1}, visited)

	fake.Advance(1500 * time.Millisecond)
	assert.Equal(t, []int{0, 1, 2}, visited)
	assert.Equal(t, time.UnixMilli(3000), finishedAt)
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, e.Index())
	assert.Equal(t, []string{"c replay:first", "c replay:second", "c replay:third"}, target.applied)

	select {
	case <-e.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestEngine_FloorDelay(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	target := &recordingTarget{known: map[string]bool{"c": true}}
	e := newEngine(target, fake)

	log := []debug.ActionLogEntry{entry("c", "a", 100, 1), entry("c", "b", 100, 2), entry("c", "c", 101, 3)}
	require.NoError(t, e.Start(log, 1))

	fake.Advance(9 * time.Millisecond)
	assert.Len(t, target.applied, 1)
	fake.Advance(time.Millisecond)
	assert.Len(t, target.applied, 2)
	fake.Advance(DefaultFloor)
	assert.Len(t, target.applied, 3)
}

func TestEngine_StartValidation(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	e := newEngine(&recordingTarget{known: map[string]bool{"c": true}}, fake)

	assert.ErrorIs(t, e.Start(nil, 1), ErrEmptyLog)
	assert.ErrorIs(t, e.Start(threeEntryLog(), 0), ErrInvalidSpeed)
	assert.ErrorIs(t, e.Start(threeEntryLog(), -1), ErrInvalidSpeed)

	require.NoError(t, e.StartDefault(threeEntryLog()))
	assert.ErrorIs(t, e.Start(threeEntryLog(), 1), ErrAlreadyReplaying)

	e.Pause()
	assert.ErrorIs(t, e.Start(threeEntryLog(), 1), ErrAlreadyReplaying)
}

func TestEngine_SkipsMissingAndFailingStores(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	target := &recordingTarget{
		known:   map[string]bool{"c": true, "broken": true},
		failing: map[string]bool{"broken": true},
	}
	var appliedFlags []bool
	e := newEngine(target, fake, WithOnStep(func(_ int, _ debug.ActionLogEntry, applied bool) {
		appliedFlags = append(appliedFlags, applied)
	}))

	log := []debug.ActionLogEntry{
		entry("c", "a", 0, 1),
		entry("gone", "b", 10, 2),
		entry("broken", "c", 20, 3),
		entry("c", "d", 30, 4),
	}
	require.NoError(t, e.Start(log, 1))
	fake.Advance(time.Second)

	assert.Equal(t, []bool{true, false, true, true}, appliedFlags)
	assert.Equal(t, []string{"c replay:a", "c replay:d"}, target.applied)
	assert.Equal(t, Idle, e.State())
}

func TestEngine_PauseResume(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	target := &recordingTarget{known: map[string]bool{"c": true}}
	e := newEngine(target, fake)

	require.NoError(t, e.Start(threeEntryLog(), 1))
	e.Pause()
	assert.Equal(t, Paused, e.State())
	assert.Equal(t, 1, e.Index())

	fake.Advance(time.Hour)
	assert.Len(t, target.applied, 1, "paused replay does not advance")
	assert.Equal(t, 0, fake.PendingCount())

	e.Resume()
	assert.Equal(t, Replaying, e.State())
	assert.Len(t, target.applied, 2, "resume applies the kept position immediately")

	fake.Advance(3 * time.Second)
	assert.Len(t, target.applied, 3)
	assert.Equal(t, Idle, e.State())
}

func TestEngine_Stop(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	target := &recordingTarget{known: map[string]bool{"c": true}}
	doneCalled := false
	e := newEngine(target, fake, WithOnDone(func() { doneCalled = true }))

	require.NoError(t, e.Start(threeEntryLog(), 1))
	done := e.Done()
	e.Stop()

	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, e.Index())
	<-done

	fake.Advance(time.Hour)
	assert.Len(t, target.applied, 1, "applied steps stay, nothing more runs")
	assert.False(t, doneCalled)

	require.NoError(t, e.Start(threeEntryLog(), 1), "stopped engine can start again")
}

func TestEngine_PauseFromStepCallback(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	target := &recordingTarget{known: map[string]bool{"c": true}}
	var e *Engine
	e = newEngine(target, fake, WithOnStep(func(i int, _ debug.ActionLogEntry, _ bool) {
		if i == 1 {
			e.Pause()
		}
	}))

	require.NoError(t, e.Start(threeEntryLog(), 1))
	fake.Advance(time.Hour)

	assert.Equal(t, Paused, e.State())
	assert.Equal(t, 2, e.Index())
	assert.Len(t, target.applied, 2)
}

// capturingClock keeps every scheduled callback so a test can run one after
// its timer was stopped, the way a real timer that already fired would.
type capturingClock struct {
	*clock.Fake
	scheduled []func()
}

func (c *capturingClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	c.scheduled = append(c.scheduled, f)
	return c.Fake.AfterFunc(d, f)
}

func TestEngine_FiredStepIsDroppedAfterPauseResume(t *testing.T) {
	clk := &capturingClock{Fake: clock.NewFake(time.UnixMilli(0))}
	target := &recordingTarget{known: map[string]bool{"c": true}}
	e := New(target, WithClock(clk), WithLogger(quietLogger()))

	require.NoError(t, e.Start(threeEntryLog(), 1))
	require.Len(t, clk.scheduled, 1)
	fired := clk.scheduled[0]

	e.Pause()
	e.Resume()
	assert.Equal(t, []string{"c replay:first", "c replay:second"}, target.applied)
	assert.Equal(t, 2, e.Index())

	// The callback fired before Pause but only got the lock now.
	fired()
	assert.Equal(t, []string{"c replay:first", "c replay:second"}, target.applied)
	assert.Equal(t, 2, e.Index())

	clk.Advance(time.Minute)
	assert.Equal(t, []string{"c replay:first", "c replay:second", "c replay:third"}, target.applied)
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 0, clk.PendingCount())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "replaying", Replaying.String())
	assert.Equal(t, "paused", Paused.String())
	assert.Equal(t, "State(9)", State(9).String())
}

// TestEngine_Determinism records a session on one store and replays it into
// a fresh store registered under the same key.
func TestEngine_Determinism(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))

	recorder := debug.NewRegistry(debug.WithClock(fake), debug.WithLogger(quietLogger()))
	original := store.New(counter{})
	debug.Register[counter](recorder, "counter", original, debug.RegisterOptions{Monitor: true})
	for i := 1; i <= 5; i++ {
		original.Update("add", func(c counter) counter { return counter{Count: c.Count + i} })
		fake.Advance(time.Duration(i) * 100 * time.Millisecond)
	}
	original.SetState(counter{Count: original.GetState().Count * 2}, "double")
	log := recorder.Logs(debug.LogFilter{})

	player := debug.NewRegistry(debug.WithClock(fake), debug.WithLogger(quietLogger()))
	fresh := store.New(counter{})
	debug.Register[counter](player, "counter", fresh, debug.RegisterOptions{})

	e := newEngine(player, fake)
	require.NoError(t, e.Start(log, 4))
	fake.Advance(time.Minute)

	assert.Equal(t, Idle, e.State())
	assert.Equal(t, original.GetState(), fresh.GetState())
	assert.Equal(t, counter{Count: 30}, fresh.GetState())
}
