package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bjpl/describe-it-sub004/internal/clock"
	"github.com/bjpl/describe-it-sub004/internal/debug"
)

// DefaultFloor is the shortest delay between two steps.
const DefaultFloor = 10 * time.Millisecond

// LabelPrefix prefixes the action name of every replayed transition.
const LabelPrefix = "replay:"

var (
	// ErrAlreadyReplaying is returned by Start while a replay is running or
	// paused.
	ErrAlreadyReplaying = errors.New("replay: already replaying")

	// ErrEmptyLog is returned by Start for a log without entries.
	ErrEmptyLog = errors.New("replay: empty log")

	// ErrInvalidSpeed is returned by Start for a non-positive speed.
	ErrInvalidSpeed = errors.New("replay: speed must be positive")
)

// State is the engine's lifecycle state.
type State int

const (
	Idle State = iota
	Replaying
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Replaying:
		return "replaying"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Target applies a recorded state to the store registered under key. It
// reports false when no such store exists. *debug.Registry implements it.
type Target interface {
	Apply(key string, state any, label string) (bool, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock that paces steps. Default: clock.Real().
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithFloor sets the shortest delay between steps. Non-positive values are
// ignored. Default: DefaultFloor.
func WithFloor(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.floor = d
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithOnStep registers a callback run after every step. applied is false
// when the entry's store was not registered and the step was skipped.
func WithOnStep(fn func(index int, entry debug.ActionLogEntry, applied bool)) Option {
	return func(e *Engine) {
		e.onStep = fn
	}
}

// WithOnDone registers a callback run when a replay reaches the end of its
// log. It does not run on Stop.
func WithOnDone(fn func()) Option {
	return func(e *Engine) {
		e.onDone = fn
	}
}

// Engine replays action logs against a Target. Safe for concurrent use.
type Engine struct {
	target Target
	clock  clock.Clock
	floor  time.Duration
	logger *slog.Logger
	onStep func(int, debug.ActionLogEntry, bool)
	onDone func()

	mu    sync.Mutex
	state State
	log   []debug.ActionLogEntry
	speed float64
	index int
	timer *clock.Timer
	done  chan struct{}
	// stepping is set while an entry is being applied.
	stepping bool
	// run identifies the current replay; scheduled steps of an earlier run
	// see a different value and do nothing.
	run int
	// gen identifies the current schedule within a run. Pause advances it,
	// so a timer that fired before the pause cannot step after a resume.
	gen int
}

// New creates an idle engine.
func New(target Target, opts ...Option) *Engine {
	e := &Engine{
		target: target,
		clock:  clock.Real(),
		floor:  DefaultFloor,
		logger: slog.Default(),
		done:   closedChan(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// StartDefault starts a replay at speed 1.
func (e *Engine) StartDefault(log []debug.ActionLogEntry) error {
	return e.Start(log, 1)
}

// Start replays log at speed. The first entry is applied before Start
// returns; each later entry is applied after
//
//	max((log[i+1].Timestamp - log[i].Timestamp) / speed, floor)
func (e *Engine) Start(log []debug.ActionLogEntry, speed float64) error {
	if len(log) == 0 {
		return ErrEmptyLog
	}
	if speed <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidSpeed, speed)
	}

	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return ErrAlreadyReplaying
	}
	e.run++
	run := e.run
	e.state = Replaying
	e.log = append([]debug.ActionLogEntry(nil), log...)
	e.speed = speed
	e.index = 0
	e.done = make(chan struct{})
	gen := e.gen
	e.mu.Unlock()

	e.logger.Info("replay started", "entries", len(log), "speed", speed)
	e.step(run, gen)
	return nil
}

// Pause cancels the pending step. The position is kept.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Replaying {
		return
	}
	e.state = Paused
	e.gen++
	e.stopTimerLocked()
	e.logger.Debug("replay paused", "index", e.index)
}

// Resume continues a paused replay. The entry at the kept position is
// applied immediately.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state != Paused {
		e.mu.Unlock()
		return
	}
	e.state = Replaying
	run, gen := e.run, e.gen
	stepping := e.stepping
	e.logger.Debug("replay resumed", "index", e.index)
	e.mu.Unlock()

	// A step still applying schedules its successor itself.
	if !stepping {
		e.step(run, gen)
	}
}

// Stop cancels the pending step and resets the position. Steps already
// applied stay applied.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Idle {
		return
	}
	e.stopTimerLocked()
	e.logger.Info("replay stopped", "index", e.index)
	e.resetLocked()
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Index returns the position of the next entry to apply.
func (e *Engine) Index() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// Done returns a channel closed when the current replay ends, by Stop or by
// reaching the end of the log. It is already closed while Idle.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// step applies the entry at the current index and schedules the next one.
// It does nothing unless run and gen are current and no other step is
// applying.
func (e *Engine) step(run, gen int) {
	e.mu.Lock()
	if e.run != run || e.gen != gen || e.state != Replaying || e.stepping {
		e.mu.Unlock()
		return
	}
	i := e.index
	entry := e.log[i]
	e.stepping = true
	e.mu.Unlock()

	applied, err := e.target.Apply(entry.StoreKey, entry.NextState, LabelPrefix+entry.ActionName)
	switch {
	case err != nil:
		e.logger.Warn("replay step failed", "index", i, "store", entry.StoreKey, "action", entry.ActionName, "error", err)
	case !applied:
		e.logger.Debug("replay step skipped: store not registered", "index", i, "store", entry.StoreKey)
	}
	if e.onStep != nil {
		e.onStep(i, entry, applied)
	}

	e.mu.Lock()
	e.stepping = false
	if e.run != run {
		e.mu.Unlock()
		return
	}
	e.index = i + 1
	if e.index >= len(e.log) {
		e.resetLocked()
		e.mu.Unlock()
		e.logger.Info("replay finished", "entries", i+1)
		if e.onDone != nil {
			e.onDone()
		}
		return
	}
	if e.state == Replaying {
		delay := e.delayLocked(i)
		next := e.gen
		e.timer = e.clock.AfterFunc(delay, func() { e.step(run, next) })
	}
	e.mu.Unlock()
}

// delayLocked returns the wait between entry i and entry i+1.
func (e *Engine) delayLocked(i int) time.Duration {
	gap := time.Duration(e.log[i+1].Timestamp-e.log[i].Timestamp) * time.Millisecond
	delay := time.Duration(float64(gap) / e.speed)
	return max(delay, e.floor)
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) resetLocked() {
	e.run++
	e.state = Idle
	e.index = 0
	e.log = nil
	e.timer = nil
	close(e.done)
}
