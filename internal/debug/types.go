package debug

// ActionLogEntry is one recorded transition. Entries are immutable once
// appended; PreviousState and NextState are shared with every reader and
// must not be modified.
type ActionLogEntry struct {
	ID            string         `json:"id"`
	Timestamp     int64          `json:"timestamp"`
	StoreKey      string         `json:"storeKey"`
	ActionName    string         `json:"actionName"`
	PreviousState any            `json:"previousState,omitempty"`
	NextState     any            `json:"nextState,omitempty"`
	DurationMs    float64        `json:"durationMs"`
	StackTrace    string         `json:"stackTrace,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// PerformanceMetric aggregates the recorded transitions of one store.
// Durations are in milliseconds and keyed by action name.
type PerformanceMetric struct {
	StoreKey         string             `json:"storeKey"`
	ActionCounts     map[string]int     `json:"actionCounts"`
	AverageDurations map[string]float64 `json:"averageDurations"`
	MaxDurations     map[string]float64 `json:"maxDurations"`
	MemoryUsageBytes int                `json:"memoryUsageBytes"`
	LastUpdated      int64              `json:"lastUpdated"`
}

func newMetric(key string) *PerformanceMetric {
	return &PerformanceMetric{
		StoreKey:         key,
		ActionCounts:     make(map[string]int),
		AverageDurations: make(map[string]float64),
		MaxDurations:     make(map[string]float64),
	}
}

// observe folds one transition into the metric.
func (m *PerformanceMetric) observe(action string, durationMs float64, memory int, at int64) {
	n := m.ActionCounts[action] + 1
	m.ActionCounts[action] = n
	m.AverageDurations[action] += (durationMs - m.AverageDurations[action]) / float64(n)
	if n == 1 || durationMs > m.MaxDurations[action] {
		m.MaxDurations[action] = durationMs
	}
	m.MemoryUsageBytes = memory
	m.LastUpdated = at
}

func (m *PerformanceMetric) clone() PerformanceMetric {
	out := *m
	out.ActionCounts = make(map[string]int, len(m.ActionCounts))
	for k, v := range m.ActionCounts {
		out.ActionCounts[k] = v
	}
	out.AverageDurations = make(map[string]float64, len(m.AverageDurations))
	for k, v := range m.AverageDurations {
		out.AverageDurations[k] = v
	}
	out.MaxDurations = make(map[string]float64, len(m.MaxDurations))
	for k, v := range m.MaxDurations {
		out.MaxDurations[k] = v
	}
	return out
}

// Snapshot is a store's state right after a recorded transition.
type Snapshot struct {
	Timestamp int64 `json:"timestamp"`
	State     any   `json:"state"`
}

// DiffKind classifies a StateDiffEntry.
type DiffKind string

const (
	DiffAdded   DiffKind = "added"
	DiffRemoved DiffKind = "removed"
	DiffChanged DiffKind = "changed"
)

// StateDiffEntry is one leaf-level difference between two states. Path
// holds object keys and, for arrays, decimal element indexes.
type StateDiffEntry struct {
	Path     []string `json:"path"`
	OldValue any      `json:"oldValue"`
	NewValue any      `json:"newValue"`
	Kind     DiffKind `json:"kind"`
}

// LogFilter selects action log entries. Zero fields match everything.
type LogFilter struct {
	StoreKey   string
	ActionName string
	// Since and Until bound the entry timestamp, inclusive.
	Since int64
	Until int64
	// Limit keeps only the most recent Limit matches.
	Limit int
}

func (f LogFilter) match(e ActionLogEntry) bool {
	if f.StoreKey != "" && e.StoreKey != f.StoreKey {
		return false
	}
	if f.ActionName != "" && e.ActionName != f.ActionName {
		return false
	}
	if f.Since != 0 && e.Timestamp < f.Since {
		return false
	}
	if f.Until != 0 && e.Timestamp > f.Until {
		return false
	}
	return true
}
