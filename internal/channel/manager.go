package channel

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/bjpl/describe-it-sub004/internal/storage"
)

// Listener receives cross-tab messages for one key.
type Listener func(Message)

// Manager is one tab's publish/subscribe hub for cross-tab updates. It is an
// owned service: create one per tab at start-up and pass it to every
// coordinator that syncs across tabs.
//
// Incoming messages are queued and delivered to listeners on the Manager's
// own goroutine, in arrival order. A listener may therefore write to a store
// whose own listeners write to storage or post on the bus.
type Manager struct {
	watcher storage.Watcher
	bus     Bus
	logger  *slog.Logger
	queue   *deliveryQueue

	mu        sync.Mutex
	listening bool
	started   bool
	stopped   chan struct{}
	detach    []func()
	listeners map[string]map[int]Listener
	nextID    int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager over an optional storage watcher and an
// optional bus. Nothing is attached until StartListening.
func NewManager(watcher storage.Watcher, bus Bus, opts ...Option) *Manager {
	m := &Manager{
		watcher:   watcher,
		bus:       bus,
		logger:    slog.Default(),
		queue:     newDeliveryQueue(),
		stopped:   make(chan struct{}),
		listeners: make(map[string]map[int]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartListening attaches exactly one storage-change listener and one bus
// listener, and starts the delivery goroutine on first use. Repeated calls
// are no-ops.
func (m *Manager) StartListening() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listening {
		return
	}
	m.listening = true
	if !m.started {
		m.started = true
		go m.run()
	}

	if m.watcher != nil {
		m.detach = append(m.detach, m.watcher.Watch(m.onStorageChange))
	}
	if m.bus != nil {
		m.detach = append(m.detach, m.bus.Listen(m.enqueue))
	}
	m.logger.Debug("cross-tab listening started",
		"storage", m.watcher != nil,
		"broadcast", m.bus != nil,
	)
}

// StopListening detaches from both sources. Subscriptions are kept, so a
// later StartListening resumes delivery.
func (m *Manager) StopListening() {
	m.mu.Lock()
	detach := m.detach
	m.detach = nil
	m.listening = false
	m.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
}

// Flush blocks until every message received so far has been delivered to
// the listeners. It must not be called from a listener.
func (m *Manager) Flush() {
	m.queue.WaitIdle()
}

// Close detaches from both sources, delivers what is already queued and
// stops the delivery goroutine. The Manager cannot listen again. It must
// not be called from a listener.
func (m *Manager) Close() {
	m.StopListening()
	m.queue.Close()

	m.mu.Lock()
	if !m.started {
		m.started = true
		close(m.stopped)
	}
	m.mu.Unlock()
	<-m.stopped
}

// Listening reports whether the manager is attached to its sources.
func (m *Manager) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

// Subscribe registers fn for messages about key. Removing the last listener
// for a key frees the key's listener set.
func (m *Manager) Subscribe(key string, fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.listeners[key]
	if !ok {
		set = make(map[int]Listener)
		m.listeners[key] = set
	}
	id := m.nextID
	m.nextID++
	set[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			set, ok := m.listeners[key]
			if !ok {
				return
			}
			delete(set, id)
			if len(set) == 0 {
				delete(m.listeners, key)
			}
		})
	}
}

// Broadcast posts value for key to the other tabs. It does not write
// storage; the caller already has. Returns false if there is no bus or the
// post failed.
func (m *Manager) Broadcast(key string, value []byte) bool {
	if m.bus == nil {
		return false
	}
	if err := m.bus.Post(Message{Key: key, Value: value, Origin: OriginBroadcast}); err != nil {
		m.logger.Warn("cross-tab broadcast failed", "key", key, "error", err)
		return false
	}
	return true
}

// ListenerCount returns the number of listeners for key.
func (m *Manager) ListenerCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[key])
}

// Keys returns the keys that currently have listeners, sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.listeners))
	for key := range m.listeners {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) onStorageChange(change storage.Change) {
	m.enqueue(Message{
		Key:     change.Key,
		Value:   []byte(change.Value),
		Removed: change.Removed,
		Origin:  OriginStorage,
	})
}

func (m *Manager) enqueue(msg Message) {
	if !m.queue.Enqueue(msg) {
		m.logger.Debug("cross-tab message dropped: manager closed", "key", msg.Key)
	}
}

// run delivers queued messages until the queue is closed and drained.
func (m *Manager) run() {
	defer close(m.stopped)
	for {
		if msg, ok := m.queue.TryDequeue(); ok {
			m.dispatch(msg)
			m.queue.Done()
			continue
		}
		if _, open := <-m.queue.Wait(); !open && m.queue.Len() == 0 {
			return
		}
	}
}

// dispatch delivers msg to the key's listeners without holding m.mu.
func (m *Manager) dispatch(msg Message) {
	m.mu.Lock()
	set := m.listeners[msg.Key]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	m.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	m.logger.Debug("cross-tab message", "key", msg.Key, "origin", msg.Origin.String(), "listeners", len(fns))
	for _, fn := range fns {
		fn(msg)
	}
}
