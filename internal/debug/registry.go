package debug

import (
	"errors"
	"fmt"
	"log/slog"
	rdebug "runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/bjpl/describe-it-sub004/internal/clock"
	"github.com/bjpl/describe-it-sub004/internal/plain"
	"github.com/bjpl/describe-it-sub004/internal/store"
)

const (
	// DefaultMaxLogSize bounds the action log.
	DefaultMaxLogSize = 1000

	// DefaultMaxSnapshots bounds each store's snapshot ring.
	DefaultMaxSnapshots = 50
)

// ErrNoSnapshot is returned when no snapshot falls inside a requested range.
var ErrNoSnapshot = errors.New("debug: no snapshot in range")

// ErrInvalidRange is returned for a snapshot range whose start is after its
// end.
var ErrInvalidRange = errors.New("debug: invalid range")

// Registry is the owned debugging service for a set of stores. Create one at
// start-up and pass it to whatever registers stores. Safe for concurrent use.
type Registry struct {
	maxLogSize   int
	maxSnapshots int
	clock        clock.Clock
	ids          clock.IDGenerator
	stack        func() string
	logger       *slog.Logger

	mu        sync.Mutex
	stores    map[string]*registration
	monitored map[string]bool
	logs      []ActionLogEntry
	metrics   map[string]*PerformanceMetric
	snapshots map[string][]Snapshot
}

// registration is the type-erased view of one registered store.
type registration struct {
	detach   func()
	apply    func(state any, label string) error
	metadata map[string]any
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxLogSize bounds the action log. Default: DefaultMaxLogSize.
func WithMaxLogSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxLogSize = n
		}
	}
}

// WithMaxSnapshots bounds each store's snapshot ring. Default:
// DefaultMaxSnapshots.
func WithMaxSnapshots(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxSnapshots = n
		}
	}
}

// WithClock sets the clock used for entry timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithIDGenerator sets the entry ID generator. Default: UUIDv7.
func WithIDGenerator(g clock.IDGenerator) Option {
	return func(r *Registry) {
		r.ids = g
	}
}

// WithStackCapture records fn's result as each entry's stack trace.
// Use CaptureStack for the calling goroutine's stack.
func WithStackCapture(fn func() string) Option {
	return func(r *Registry) {
		r.stack = fn
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// CaptureStack returns the calling goroutine's stack.
func CaptureStack() string {
	return string(rdebug.Stack())
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		maxLogSize:   DefaultMaxLogSize,
		maxSnapshots: DefaultMaxSnapshots,
		clock:        clock.Real(),
		ids:          clock.UUIDv7Generator{},
		logger:       slog.Default(),
		stores:       make(map[string]*registration),
		monitored:    make(map[string]bool),
		metrics:      make(map[string]*PerformanceMetric),
		snapshots:    make(map[string][]Snapshot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterOptions configures one registration.
type RegisterOptions struct {
	// Monitor starts monitoring the store immediately.
	Monitor bool

	// Metadata is attached to every entry recorded for the store.
	Metadata map[string]any
}

// Register subscribes the registry to handle under key. Registering a key
// again replaces the previous subscription.
//
// Handles implementing store.TransitionSource report the exact previous
// state and the transition's duration. Other handles are observed through
// Subscribe; the previous state is then the last state seen and the
// duration is zero.
func Register[T any](r *Registry, key string, handle store.Handle[T], opts RegisterOptions) {
	reg := &registration{
		metadata: opts.Metadata,
		apply: func(state any, label string) error {
			next, err := plain.Decode[T](state)
			if err != nil {
				return err
			}
			handle.SetState(next, label)
			return nil
		},
	}

	if src, ok := handle.(store.TransitionSource[T]); ok {
		reg.detach = src.SubscribeTransitions(func(tr store.Transition[T]) {
			if !r.shouldRecord(key, tr.Label) {
				return
			}
			r.record(key, tr.Label, plain.From(tr.Previous), plain.From(tr.Next), store.Millis(tr.Duration))
		})
	} else {
		var prevMu sync.Mutex
		previous := plain.From(handle.GetState())
		reg.detach = handle.Subscribe(func(next T, label string) {
			nextTree := plain.From(next)
			prevMu.Lock()
			prevTree := previous
			previous = nextTree
			prevMu.Unlock()
			if !r.shouldRecord(key, label) {
				return
			}
			r.record(key, label, prevTree, nextTree, 0)
		})
	}

	r.mu.Lock()
	old := r.stores[key]
	r.stores[key] = reg
	if opts.Monitor {
		r.monitored[key] = true
	}
	r.mu.Unlock()

	if old != nil {
		old.detach()
	}
	r.logger.Debug("store registered", "store", key, "monitored", opts.Monitor)
}

// Unregister detaches the store's subscription and stops monitoring it.
// Recorded logs, metrics and snapshots are kept.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	reg := r.stores[key]
	delete(r.stores, key)
	delete(r.monitored, key)
	r.mu.Unlock()

	if reg != nil {
		reg.detach()
		r.logger.Debug("store unregistered", "store", key)
	}
}

// Monitor starts logging transitions of key. The key need not be registered
// yet.
func (r *Registry) Monitor(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitored[key] = true
}

// Unmonitor stops logging transitions of key.
func (r *Registry) Unmonitor(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.monitored, key)
}

// IsMonitored reports whether key is monitored.
func (r *Registry) IsMonitored(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monitored[key]
}

// IsRegistered reports whether a store is registered under key.
func (r *Registry) IsRegistered(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.stores[key]
	return ok
}

// Stores returns the registered keys, sorted.
func (r *Registry) Stores() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.stores))
	for key := range r.stores {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Apply sets the state of the store registered under key. state is a plain
// tree decoded into the store's state type. It reports false, with a nil
// error, when no store is registered under key.
func (r *Registry) Apply(key string, state any, label string) (bool, error) {
	r.mu.Lock()
	reg := r.stores[key]
	r.mu.Unlock()

	if reg == nil {
		return false, nil
	}
	if err := reg.apply(state, label); err != nil {
		return true, err
	}
	return true, nil
}

func (r *Registry) shouldRecord(key, label string) bool {
	if label == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monitored[key]
}

// record appends one entry. prev and next are plain trees owned by the
// registry from here on.
func (r *Registry) record(key, label string, prev, next any, durationMs float64) {
	now := clock.UnixMilli(r.clock)
	memory := plain.Size(next)
	var stack string
	if r.stack != nil {
		stack = r.stack()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var metadata map[string]any
	if reg := r.stores[key]; reg != nil && len(reg.metadata) > 0 {
		metadata = reg.metadata
	}
	r.logs = append(r.logs, ActionLogEntry{
		ID:            r.ids.Generate(),
		Timestamp:     now,
		StoreKey:      key,
		ActionName:    label,
		PreviousState: prev,
		NextState:     next,
		DurationMs:    durationMs,
		StackTrace:    stack,
		Metadata:      metadata,
	})
	if over := len(r.logs) - r.maxLogSize; over > 0 {
		clear(r.logs[:over])
		r.logs = r.logs[over:]
	}

	metric := r.metrics[key]
	if metric == nil {
		metric = newMetric(key)
		r.metrics[key] = metric
	}
	metric.observe(label, durationMs, memory, now)

	snaps := append(r.snapshots[key], Snapshot{Timestamp: now, State: next})
	if over := len(snaps) - r.maxSnapshots; over > 0 {
		clear(snaps[:over])
		snaps = snaps[over:]
	}
	r.snapshots[key] = snaps
}

// Logs returns the recorded entries matching filter, oldest first.
func (r *Registry) Logs(filter LogFilter) []ActionLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ActionLogEntry, 0, len(r.logs))
	for _, e := range r.logs {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Metrics returns a copy of key's metric.
func (r *Registry) Metrics(key string) (PerformanceMetric, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metrics[key]
	if !ok {
		return PerformanceMetric{}, false
	}
	return m.clone(), true
}

// Snapshots returns key's snapshots, oldest first.
func (r *Registry) Snapshots(key string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snapshots[key]...)
}

// GetStateDiff compares the first snapshot taken at or after from with the
// last snapshot taken at or before to. A range with from after to is
// rejected with ErrInvalidRange; a range holding no snapshot yields
// ErrNoSnapshot.
func (r *Registry) GetStateDiff(key string, from, to int64) ([]StateDiffEntry, error) {
	if from > to {
		return nil, fmt.Errorf("%w: from %d is after to %d", ErrInvalidRange, from, to)
	}

	r.mu.Lock()
	snaps := r.snapshots[key]
	older, newer := -1, -1
	for i := range snaps {
		if older < 0 && snaps[i].Timestamp >= from {
			older = i
		}
		if snaps[i].Timestamp <= to {
			newer = i
		}
	}
	var oldState, newState any
	if older >= 0 && newer >= older {
		oldState, newState = snaps[older].State, snaps[newer].State
	}
	r.mu.Unlock()

	if older < 0 || newer < older {
		return nil, ErrNoSnapshot
	}
	return Diff(oldState, newState), nil
}

// FindSlowActions returns the entries whose duration exceeds threshold,
// optionally restricted to one store.
func (r *Registry) FindSlowActions(threshold time.Duration, key string) []ActionLogEntry {
	limit := store.Millis(threshold)

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ActionLogEntry
	for _, e := range r.logs {
		if key != "" && e.StoreKey != key {
			continue
		}
		if e.DurationMs > limit {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops every recorded entry, metric and snapshot. Registrations and
// the monitored set are kept.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = nil
	r.metrics = make(map[string]*PerformanceMetric)
	r.snapshots = make(map[string][]Snapshot)
}
