// Package app wires the state core for one tab from a config.Config: the
// storage medium, the cross-tab channel manager, the debug registry and one
// persistence coordinator per configured store.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/bjpl/describe-it-sub004/internal/channel"
	"github.com/bjpl/describe-it-sub004/internal/clock"
	"github.com/bjpl/describe-it-sub004/internal/config"
	"github.com/bjpl/describe-it-sub004/internal/debug"
	"github.com/bjpl/describe-it-sub004/internal/persist"
	"github.com/bjpl/describe-it-sub004/internal/replay"
	"github.com/bjpl/describe-it-sub004/internal/storage"
	"github.com/bjpl/describe-it-sub004/internal/store"
)

var (
	// ErrUnknownStore is returned by Attach for a name missing from the
	// config's stores list.
	ErrUnknownStore = errors.New("app: store not configured")

	// ErrAlreadyAttached is returned by Attach for a name attached before.
	ErrAlreadyAttached = errors.New("app: store already attached")

	// ErrClosed is returned by Attach after Close.
	ErrClosed = errors.New("app: runtime closed")
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithBackend uses backend instead of opening the configured driver. The
// runtime does not close it.
func WithBackend(backend storage.Backend) Option {
	return func(r *Runtime) {
		r.backend = backend
	}
}

// WithBus connects the runtime to the other tabs. Without it only storage
// change notifications cross tabs.
func WithBus(bus channel.Bus) Option {
	return func(r *Runtime) {
		r.bus = bus
	}
}

// WithClock sets the clock. Default: clock.Real().
func WithClock(c clock.Clock) Option {
	return func(r *Runtime) {
		r.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithGetenv sets the environment lookup used for the encryption
// passphrase. Default: os.Getenv.
func WithGetenv(getenv func(string) string) Option {
	return func(r *Runtime) {
		r.getenv = getenv
	}
}

// Runtime is one tab's state core. Create it with Open, attach stores with
// Attach and release it with Close.
type Runtime struct {
	cfg      *config.Config
	backend  storage.Backend
	closeDB  func() error
	bus      channel.Bus
	adapter  *storage.Adapter
	cipher   storage.Cipher
	channels *channel.Manager
	registry *debug.Registry
	clock    clock.Clock
	logger   *slog.Logger
	getenv   func(string) string

	mu       sync.Mutex
	closed   bool
	attached map[string]func()
}

// Open builds a Runtime from cfg. Unless WithBackend is given, the
// configured storage driver is opened here and closed by Close.
func Open(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Runtime{
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   slog.Default(),
		getenv:   os.Getenv,
		closeDB:  func() error { return nil },
		attached: make(map[string]func()),
	}
	for _, opt := range opts {
		opt(r)
	}

	cipher, err := cfg.Cipher(r.getenv)
	if err != nil {
		return nil, fmt.Errorf("app: encryption: %w", err)
	}
	r.cipher = cipher

	if r.backend == nil {
		backend, closeDB, err := cfg.OpenBackend()
		if err != nil {
			return nil, fmt.Errorf("app: open %s storage: %w", cfg.Storage.Driver, err)
		}
		r.backend, r.closeDB = backend, closeDB
	}

	r.adapter = storage.NewAdapter(r.backend, storage.WithLogger(r.logger))
	r.channels = channel.NewManager(r.adapter.Watcher(), r.bus, channel.WithLogger(r.logger))
	r.registry = debug.NewRegistry(
		debug.WithMaxLogSize(cfg.Debug.MaxLogSize),
		debug.WithMaxSnapshots(cfg.Debug.MaxSnapshots),
		debug.WithClock(r.clock),
		debug.WithLogger(r.logger),
	)

	r.logger.Debug("runtime opened",
		"namespace", cfg.Namespace,
		"driver", cfg.Storage.Driver,
		"encrypted", cipher != nil,
		"stores", len(cfg.Stores),
	)
	return r, nil
}

// Config returns the configuration the runtime was opened with.
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Registry returns the debug registry every attached store is registered in.
func (r *Runtime) Registry() *debug.Registry {
	return r.registry
}

// Channels returns the tab's cross-tab channel manager.
func (r *Runtime) Channels() *channel.Manager {
	return r.channels
}

// Adapter returns the storage adapter, without encryption.
func (r *Runtime) Adapter() *storage.Adapter {
	return r.adapter
}

// Attach connects handle to the store configured under name and schedules
// its hydration.
//
// The storage key, schema version, persisted fields and cross-tab sync come
// from the config and override those fields of opts; a Partialize set in
// opts still wins over the configured fields. The encryption cipher, clock
// and logger default to the runtime's. The store is registered in the debug
// registry, monitored from the start when the config lists it under
// debug.monitored.
func Attach[T any](r *Runtime, name string, handle store.Handle[T], opts persist.Options[T]) (*persist.Coordinator[T], error) {
	sc, ok := r.cfg.Store(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, dup := r.attached[name]; dup {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, name)
	}

	opts.Name = r.cfg.Key(name)
	opts.Version = sc.Version
	if opts.Partialize == nil {
		opts.Fields = sc.Fields
	}
	opts.SyncAcrossTabs = sc.SyncAcrossTabs
	if sc.SyncAcrossTabs {
		opts.Channels = r.channels
	}
	if opts.Cipher == nil {
		opts.Cipher = r.cipher
	}
	if opts.Clock == nil {
		opts.Clock = r.clock
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}

	coord, err := persist.New(handle, r.adapter, opts)
	if err != nil {
		return nil, err
	}
	monitored := slices.Contains(r.cfg.Debug.Monitored, name)
	debug.Register(r.registry, name, handle, debug.RegisterOptions{Monitor: monitored})

	r.attached[name] = func() {
		coord.Close()
		r.registry.Unregister(name)
	}
	r.logger.Debug("store attached",
		"store", name,
		"key", opts.Name,
		"version", opts.Version,
		"sync", opts.SyncAcrossTabs,
		"monitored", monitored,
	)

	coord.Start()
	return coord, nil
}

// Attached returns the names of the attached stores, sorted.
func (r *Runtime) Attached() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.attached))
	for name := range r.attached {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewReplayer returns a replay engine over the registry, paced by the
// configured floor and the runtime's clock.
func (r *Runtime) NewReplayer(opts ...replay.Option) *replay.Engine {
	base := []replay.Option{
		replay.WithClock(r.clock),
		replay.WithFloor(r.cfg.Replay.Floor),
		replay.WithLogger(r.logger),
	}
	return replay.New(r.registry, append(base, opts...)...)
}

// Replay starts a replay of log at the configured default speed.
func (r *Runtime) Replay(log []debug.ActionLogEntry, opts ...replay.Option) (*replay.Engine, error) {
	e := r.NewReplayer(opts...)
	if err := e.Start(log, r.cfg.Replay.DefaultSpeed); err != nil {
		return nil, err
	}
	return e, nil
}

// Close detaches every attached store, stops cross-tab delivery and closes
// the storage medium opened by Open. It must not be called from a store
// listener.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	detach := make([]func(), 0, len(r.attached))
	for _, fn := range r.attached {
		detach = append(detach, fn)
	}
	r.attached = nil
	r.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	r.channels.Close()
	if err := r.closeDB(); err != nil {
		return fmt.Errorf("app: close storage: %w", err)
	}
	return nil
}
