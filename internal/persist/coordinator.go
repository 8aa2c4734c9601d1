package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bjpl/describe-it-sub004/internal/channel"
	"github.com/bjpl/describe-it-sub004/internal/clock"
	"github.com/bjpl/describe-it-sub004/internal/storage"
	"github.com/bjpl/describe-it-sub004/internal/store"
)

// Labels of the transitions the coordinator itself applies. Transitions
// carrying these labels are never written back or re-broadcast.
const (
	LabelRehydrate = "persist/rehydrate"
	LabelSync      = "persist/sync"
	LabelImport    = "persist/import"
)

// MigrateFunc upgrades persisted fields written under fromVersion to the
// coordinator's current version.
type MigrateFunc func(state map[string]any, fromVersion int) (map[string]any, error)

// Options configures a Coordinator.
type Options[T any] struct {
	// Name is the storage key. Required. See storage.Key.
	Name string

	// Fields lists the top-level JSON fields to persist. Empty persists
	// every field. Ignored when Partialize is set.
	Fields []string

	// Partialize projects the state to its persisted fields.
	Partialize func(T) (map[string]any, error)

	// Version is the current schema version.
	Version int

	// Migrate upgrades envelopes written under another version. Without it,
	// such envelopes are discarded.
	Migrate MigrateFunc

	// Cipher encrypts the serialized envelope.
	Cipher storage.Cipher

	// SyncAcrossTabs broadcasts every write and merges updates from other
	// tabs. Requires Channels.
	SyncAcrossTabs bool

	// Channels is the tab's cross-tab channel manager.
	Channels *channel.Manager

	// SkipHydration stops Start from scheduling hydration; the caller calls
	// Rehydrate itself.
	SkipHydration bool

	// OnRehydrated runs once hydration finishes. err describes a discarded
	// envelope; the state is then unchanged.
	OnRehydrated func(state T, err error)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Coordinator drives one store through a fixed pipeline:
//
//	hydrate -> apply-transition -> persist -> broadcast
//
// Hydration restores the persisted projection once, asynchronously. After
// hydration every transition of the store is projected, serialized,
// optionally encrypted and written; with SyncAcrossTabs each successful
// write is broadcast, and updates from other tabs are merged back in.
//
// Storage faults never reach the caller and never roll back in-memory state.
type Coordinator[T any] struct {
	handle  store.Handle[T]
	adapter *storage.Adapter
	opts    Options[T]
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	hydrated  bool
	hydrating bool
	done      chan struct{}
	detach    []func()
}

// New attaches a coordinator to handle. Hydration does not start until
// Start or Rehydrate is called, so construction never blocks.
func New[T any](handle store.Handle[T], adapter *storage.Adapter, opts Options[T]) (*Coordinator[T], error) {
	if handle == nil {
		return nil, errors.New("persist: handle is required")
	}
	if opts.Name == "" {
		return nil, errors.New("persist: name is required")
	}
	if opts.SyncAcrossTabs && opts.Channels == nil {
		return nil, fmt.Errorf("persist: %s: sync across tabs requires a channel manager", opts.Name)
	}
	if adapter == nil {
		adapter = storage.NewAdapter(nil)
	}

	c := &Coordinator[T]{
		handle:  handle,
		adapter: adapter.WithCipher(opts.Cipher),
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
		done:    make(chan struct{}),
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("store", opts.Name)

	c.detach = append(c.detach, handle.Subscribe(c.onTransition))
	if opts.SyncAcrossTabs {
		c.detach = append(c.detach, opts.Channels.Subscribe(opts.Name, c.onMessage))
		opts.Channels.StartListening()
	}
	return c, nil
}

// Key returns the storage key.
func (c *Coordinator[T]) Key() string {
	return c.opts.Name
}

// Start schedules hydration on its own goroutine and returns a channel that
// is closed once the store has hydrated.
func (c *Coordinator[T]) Start() <-chan struct{} {
	if c.opts.SkipHydration {
		return c.done
	}
	go func() {
		if err := c.Rehydrate(context.Background()); err != nil {
			c.logger.Warn("persisted state discarded", "error", err)
		}
	}()
	return c.done
}

// Hydrated returns a channel closed once hydration has finished.
func (c *Coordinator[T]) Hydrated() <-chan struct{} {
	return c.done
}

// HasHydrated reports whether hydration has finished.
func (c *Coordinator[T]) HasHydrated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydrated
}

// Rehydrate restores the persisted projection into the store. It runs at
// most once; a call made while another is in flight, or after hydration
// finished, returns nil immediately.
//
// A non-nil error describes a persisted envelope that was discarded (bad
// payload, unmigratable version). The store keeps its defaults and is still
// marked hydrated.
func (c *Coordinator[T]) Rehydrate(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.hydrated || c.hydrating {
		c.mu.Unlock()
		return nil
	}
	c.hydrating = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.hydrating = false
		c.hydrated = true
		c.mu.Unlock()
		close(c.done)
		if c.opts.OnRehydrated != nil {
			c.opts.OnRehydrated(c.handle.GetState(), err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return c.stageHydrate()
}

// ExportState serializes the current projection as an envelope.
func (c *Coordinator[T]) ExportState() (string, error) {
	fields, err := project(c.handle.GetState(), c.opts.Fields, c.opts.Partialize)
	if err != nil {
		return "", newError(ErrCodeProjection, c.opts.Name, "project state", err)
	}
	data, err := Envelope{State: fields, Version: c.opts.Version, Timestamp: clock.UnixMilli(c.clock)}.Marshal()
	if err != nil {
		return "", fmt.Errorf("export %s: %w", c.opts.Name, err)
	}
	return string(data), nil
}

// ImportState parses a serialized envelope, migrates it if needed, merges it
// into the live state and persists immediately. On failure nothing is
// applied.
func (c *Coordinator[T]) ImportState(serialized string) error {
	env, err := ParseEnvelope([]byte(serialized))
	if err != nil {
		return newError(ErrCodeMalformed, c.opts.Name, "import payload is not a valid envelope", err)
	}
	fields, _, err := c.upgrade(env)
	if err != nil {
		return err
	}
	if err := c.stageApply(fields, LabelImport, true); err != nil {
		return err
	}
	c.stagePersist(c.handle.GetState())
	return nil
}

// ClearStorage removes the persisted entry. The live state is untouched.
func (c *Coordinator[T]) ClearStorage() {
	c.adapter.Remove(c.opts.Name)
}

// Close detaches the coordinator from the store and the channel manager.
func (c *Coordinator[T]) Close() {
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
}

// stageHydrate reads the envelope and applies it.
func (c *Coordinator[T]) stageHydrate() error {
	raw, ok := c.adapter.Get(c.opts.Name)
	if !ok {
		c.logger.Debug("no persisted state")
		return nil
	}
	env, err := ParseEnvelope([]byte(raw))
	if err != nil {
		return newError(ErrCodeMalformed, c.opts.Name, "persisted payload is not a valid envelope", err)
	}
	fields, migrated, err := c.upgrade(env)
	if err != nil {
		return err
	}
	if err := c.stageApply(fields, LabelRehydrate, false); err != nil {
		return err
	}
	c.logger.Debug("rehydrated", "version", env.Version, "migrated", migrated)
	if migrated {
		c.stagePersist(c.handle.GetState())
	}
	return nil
}

// upgrade checks the envelope version and migrates when it differs.
func (c *Coordinator[T]) upgrade(env Envelope) (fields map[string]any, migrated bool, err error) {
	if env.Version == c.opts.Version {
		return env.State, false, nil
	}
	if c.opts.Migrate == nil {
		return nil, false, newError(ErrCodeVersionMismatch, c.opts.Name,
			fmt.Sprintf("persisted version %d does not match %d and no migration is configured", env.Version, c.opts.Version), nil)
	}

	fields, err = runMigrate(c.opts.Migrate, env.State, env.Version)
	if err != nil {
		return nil, false, newError(ErrCodeMigrationFailed, c.opts.Name,
			fmt.Sprintf("migrating from version %d to %d", env.Version, c.opts.Version), err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, true, nil
}

// runMigrate calls migrate, turning a panic into an error.
func runMigrate(migrate MigrateFunc, state map[string]any, from int) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("migration panicked: %v", r)
		}
	}()
	return migrate(state, from)
}

// stageApply shallow-merges fields into the live state under label. With
// strict set, any field that fails to decode rejects the whole merge.
//
// When the handle is a store.Updater the merge runs against the state
// current at apply time, so transitions made meanwhile are kept.
func (c *Coordinator[T]) stageApply(fields map[string]any, label string, strict bool) error {
	next, skipped, err := shallowMerge(c.handle.GetState(), fields)
	if err != nil {
		return newError(ErrCodeMergeFailed, c.opts.Name, "merge persisted fields", err)
	}
	if len(skipped) > 0 {
		if strict {
			return newError(ErrCodeMergeFailed, c.opts.Name,
				fmt.Sprintf("fields %v do not decode into the state type", skipped), nil)
		}
		c.logger.Warn("persisted fields skipped", "fields", skipped)
	}

	u, ok := c.handle.(store.Updater[T])
	if !ok {
		c.handle.SetState(next, label)
		return nil
	}
	u.Update(label, func(current T) T {
		merged, _, err := shallowMerge(current, fields)
		if err != nil {
			c.logger.Warn("merge against current state failed", "error", err)
			return current
		}
		return merged
	})
	return nil
}

// onTransition is the store subscription: persist, then broadcast.
func (c *Coordinator[T]) onTransition(next T, label string) {
	switch label {
	case LabelRehydrate, LabelSync, LabelImport:
		return
	}
	if !c.HasHydrated() {
		return
	}
	c.stagePersist(next)
}

// stagePersist projects, serializes and writes state. Failures are logged
// and skip the write.
func (c *Coordinator[T]) stagePersist(state T) {
	fields, err := project(state, c.opts.Fields, c.opts.Partialize)
	if err != nil {
		c.logger.Warn("persist skipped: projection failed", "error", err)
		return
	}
	data, err := Envelope{State: fields, Version: c.opts.Version, Timestamp: clock.UnixMilli(c.clock)}.Marshal()
	if err != nil {
		c.logger.Warn("persist skipped: serialization failed", "error", err)
		return
	}
	if !c.adapter.Set(c.opts.Name, string(data)) {
		return
	}
	c.stageBroadcast(fields)
}

// stageBroadcast posts the projected fields to the other tabs.
func (c *Coordinator[T]) stageBroadcast(fields map[string]any) {
	if !c.opts.SyncAcrossTabs {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		c.logger.Warn("broadcast skipped: serialization failed", "error", err)
		return
	}
	c.opts.Channels.Broadcast(c.opts.Name, payload)
}

// onMessage merges an update from another tab. The last message processed
// wins; nothing is written back or re-broadcast.
func (c *Coordinator[T]) onMessage(msg channel.Message) {
	if msg.Removed {
		c.logger.Debug("persisted entry removed by another tab")
		return
	}

	var fields map[string]any
	switch msg.Origin {
	case channel.OriginStorage:
		raw, ok := c.adapter.Decode(c.opts.Name, string(msg.Value))
		if !ok {
			return
		}
		env, err := ParseEnvelope([]byte(raw))
		if err != nil {
			c.logger.Warn("cross-tab update ignored: malformed envelope", "error", err)
			return
		}
		fields, _, err = c.upgrade(env)
		if err != nil {
			c.logger.Warn("cross-tab update ignored", "error", err)
			return
		}
	default:
		if err := json.Unmarshal(msg.Value, &fields); err != nil || fields == nil {
			c.logger.Warn("cross-tab update ignored: payload is not an object", "error", err)
			return
		}
	}

	if err := c.stageApply(fields, LabelSync, false); err != nil {
		c.logger.Warn("cross-tab update ignored", "error", err)
	}
}
