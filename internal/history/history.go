// Package history keeps a linear undo/redo stack per entity.
//
// Each entity's history is a slice of field snapshots and a current index.
// Saving after an undo discards the undone entries, so history never
// branches.
package history

import (
	"log/slog"
	"sync"

	"github.com/bjpl/describe-it-sub004/internal/clock"
	"github.com/bjpl/describe-it-sub004/internal/plain"
)

// DefaultLimit bounds each entity's history.
const DefaultLimit = 50

// Action names why a snapshot was saved.
type Action string

const (
	ActionManual Action = "manual"
	ActionAuto   Action = "auto"
	ActionSubmit Action = "submit"
	ActionReset  Action = "reset"
)

// Entity is anything whose fields can be captured and restored.
type Entity interface {
	// Fields returns the entity's current field values. Values must be
	// serializable; anything else is recorded as a placeholder.
	Fields() map[string]any

	// SetFields restores field values through the entity's normal update
	// path, so derived state is recomputed.
	SetFields(fields map[string]any)
}

// Entry is one saved snapshot.
type Entry struct {
	Timestamp int64          `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
	Action    Action         `json:"action"`
}

type stack struct {
	entries []Entry
	index   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLimit bounds each entity's history. Default: DefaultLimit.
func WithLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithClock sets the clock used for entry timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager holds the histories of any number of entities, keyed by ID.
// Safe for concurrent use.
type Manager struct {
	limit  int
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	stacks map[string]*stack
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		limit:  DefaultLimit,
		clock:  clock.Real(),
		logger: slog.Default(),
		stacks: make(map[string]*stack),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SaveSnapshot records entity's current fields as the newest entry of id's
// history, discarding any entries after the current index first. Beyond the
// limit the oldest entry is dropped.
func (m *Manager) SaveSnapshot(id string, entity Entity, action Action) {
	fields := cloneFields(entity.Fields())
	now := clock.UnixMilli(m.clock)

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stacks[id]
	if s == nil {
		s = &stack{index: -1}
		m.stacks[id] = s
	}
	if discarded := len(s.entries) - (s.index + 1); discarded > 0 {
		m.logger.Debug("history branch truncated", "entity", id, "discarded", discarded)
	}
	s.entries = append(s.entries[:s.index+1], Entry{Timestamp: now, Fields: fields, Action: action})
	if over := len(s.entries) - m.limit; over > 0 {
		s.entries = append(s.entries[:0:0], s.entries[over:]...)
	}
	s.index = len(s.entries) - 1
}

// Undo restores the entry before the current one. It reports false, and
// changes nothing, when there is nothing to undo.
func (m *Manager) Undo(id string, entity Entity) bool {
	return m.move(id, entity, -1)
}

// Redo restores the entry after the current one. It reports false, and
// changes nothing, when there is nothing to redo.
func (m *Manager) Redo(id string, entity Entity) bool {
	return m.move(id, entity, 1)
}

func (m *Manager) move(id string, entity Entity, delta int) bool {
	m.mu.Lock()
	s := m.stacks[id]
	if s == nil {
		m.mu.Unlock()
		return false
	}
	target := s.index + delta
	if target < 0 || target >= len(s.entries) {
		m.mu.Unlock()
		return false
	}
	fields := cloneFields(s.entries[target].Fields)
	s.index = target
	m.mu.Unlock()

	entity.SetFields(fields)
	return true
}

// CanUndo reports whether Undo would succeed.
func (m *Manager) CanUndo(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stacks[id]
	return s != nil && s.index > 0
}

// CanRedo reports whether Redo would succeed.
func (m *Manager) CanRedo(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stacks[id]
	return s != nil && s.index < len(s.entries)-1
}

// Entries returns a copy of id's history, oldest first.
func (m *Manager) Entries(id string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stacks[id]
	if s == nil {
		return nil
	}
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		e.Fields = cloneFields(e.Fields)
		out[i] = e
	}
	return out
}

// Index returns the current position in id's history, or -1 if there is
// none.
func (m *Manager) Index(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.stacks[id]; s != nil {
		return s.index
	}
	return -1
}

// Reset forgets id's history.
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stacks, id)
}

func cloneFields(fields map[string]any) map[string]any {
	obj, ok := plain.From(fields).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return obj
}
