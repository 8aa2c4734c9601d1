package storage

import (
	"context"
	"sync"
)

// MemoryMedium is a process-wide key-value medium shared by several views,
// the way one origin's storage is shared by all of its tabs. A write through
// one view raises a Change on every other view's watchers, never on its own.
//
// A non-zero quota bounds the total size of keys plus values in bytes.
type MemoryMedium struct {
	mu       sync.Mutex
	data     map[string]string
	quota    int
	disabled bool
	views    []*MemoryView
}

// NewMemoryMedium creates an empty medium. quota <= 0 means unbounded.
func NewMemoryMedium(quota int) *MemoryMedium {
	return &MemoryMedium{data: make(map[string]string), quota: quota}
}

// View returns a new handle on the medium, one per tab.
func (m *MemoryMedium) View() *MemoryView {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := &MemoryView{medium: m, watchers: make(map[int]func(Change))}
	m.views = append(m.views, v)
	return v
}

// SetDisabled toggles the medium off and on. A disabled medium fails every
// operation with ErrUnavailable, like storage turned off by privacy settings.
func (m *MemoryMedium) SetDisabled(disabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = disabled
}

// Len returns the number of stored keys.
func (m *MemoryMedium) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// usedLocked returns the bytes in use if key held value. Must be called with
// m.mu held.
func (m *MemoryMedium) usedLocked(key, value string) int {
	used := 0
	for k, v := range m.data {
		if k == key {
			continue
		}
		used += len(k) + len(v)
	}
	return used + len(key) + len(value)
}

// MemoryView is one tab's Backend on a MemoryMedium. It implements Watcher.
type MemoryView struct {
	medium *MemoryMedium

	mu       sync.Mutex
	watchers map[int]func(Change)
	nextID   int
}

// Get implements Backend.
func (v *MemoryView) Get(_ context.Context, key string) (string, bool, error) {
	m := v.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled {
		return "", false, ErrUnavailable
	}
	value, ok := m.data[key]
	return value, ok, nil
}

// Set implements Backend.
func (v *MemoryView) Set(_ context.Context, key, value string) error {
	m := v.medium
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return ErrUnavailable
	}
	if m.quota > 0 && m.usedLocked(key, value) > m.quota {
		m.mu.Unlock()
		return ErrQuotaExceeded
	}
	m.data[key] = value
	others := m.otherViewsLocked(v)
	m.mu.Unlock()

	for _, other := range others {
		other.notify(Change{Key: key, Value: value})
	}
	return nil
}

// Remove implements Backend.
func (v *MemoryView) Remove(_ context.Context, key string) error {
	m := v.medium
	m.mu.Lock()
	if m.disabled {
		m.mu.Unlock()
		return ErrUnavailable
	}
	_, existed := m.data[key]
	delete(m.data, key)
	others := m.otherViewsLocked(v)
	m.mu.Unlock()

	if existed {
		for _, other := range others {
			other.notify(Change{Key: key, Removed: true})
		}
	}
	return nil
}

// Watch implements Watcher. fn runs synchronously on the writer's goroutine.
func (v *MemoryView) Watch(fn func(Change)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextID
	v.nextID++
	v.watchers[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.watchers, id)
	}
}

func (v *MemoryView) notify(change Change) {
	v.mu.Lock()
	fns := make([]func(Change), 0, len(v.watchers))
	for id := 0; id < v.nextID; id++ {
		if fn, ok := v.watchers[id]; ok {
			fns = append(fns, fn)
		}
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

func (m *MemoryMedium) otherViewsLocked(self *MemoryView) []*MemoryView {
	others := make([]*MemoryView, 0, len(m.views))
	for _, view := range m.views {
		if view != self {
			others = append(others, view)
		}
	}
	return others
}
