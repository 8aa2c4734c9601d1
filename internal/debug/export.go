package debug

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/bjpl/describe-it-sub004/internal/clock"
)

// ExportFormatVersion is the version written to, and required of, debug
// export documents.
const ExportFormatVersion = 1

// ExportOptions controls ExportDebugData.
type ExportOptions struct {
	// IncludeState keeps the previous and next states of log entries.
	// Snapshots always carry their state.
	IncludeState bool
}

// ExportMetadata describes an export document.
type ExportMetadata struct {
	ExportedAt int64    `json:"exportedAt"`
	Version    int      `json:"version"`
	Stores     []string `json:"stores"`
}

// ExportDocument is the serialized form of a registry's recordings.
type ExportDocument struct {
	Metadata           ExportMetadata               `json:"metadata"`
	Logs               []ActionLogEntry             `json:"logs"`
	PerformanceMetrics map[string]PerformanceMetric `json:"performanceMetrics"`
	Snapshots          map[string][]Snapshot        `json:"snapshots"`
}

// ImportError reports why an export document was rejected.
type ImportError struct {
	// Field locates the offending part of the document, e.g. "logs[3].id".
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ImportError) Error() string {
	msg := "debug import: "
	if e.Field != "" {
		msg += e.Field + ": "
	}
	msg += e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ImportError) Unwrap() error {
	return e.Err
}

// IsImportError reports whether err is an *ImportError.
func IsImportError(err error) bool {
	var ie *ImportError
	return errors.As(err, &ie)
}

// Export builds an export document from the current recordings.
func (r *Registry) Export(opts ExportOptions) ExportDocument {
	exportedAt := clock.UnixMilli(r.clock)

	r.mu.Lock()
	defer r.mu.Unlock()

	doc := ExportDocument{
		Metadata: ExportMetadata{
			ExportedAt: exportedAt,
			Version:    ExportFormatVersion,
		},
		Logs:               make([]ActionLogEntry, len(r.logs)),
		PerformanceMetrics: make(map[string]PerformanceMetric, len(r.metrics)),
		Snapshots:          make(map[string][]Snapshot, len(r.snapshots)),
	}

	stores := make(map[string]bool)
	for i, e := range r.logs {
		if !opts.IncludeState {
			e.PreviousState = nil
			e.NextState = nil
		}
		doc.Logs[i] = e
		stores[e.StoreKey] = true
	}
	for key, m := range r.metrics {
		doc.PerformanceMetrics[key] = m.clone()
		stores[key] = true
	}
	for key, snaps := range r.snapshots {
		doc.Snapshots[key] = append([]Snapshot(nil), snaps...)
		stores[key] = true
	}
	for key := range r.stores {
		stores[key] = true
	}

	doc.Metadata.Stores = make([]string, 0, len(stores))
	for key := range stores {
		doc.Metadata.Stores = append(doc.Metadata.Stores, key)
	}
	sort.Strings(doc.Metadata.Stores)
	return doc
}

// ExportDebugData serializes the recordings as indented JSON.
func (r *Registry) ExportDebugData(opts ExportOptions) ([]byte, error) {
	data, err := json.MarshalIndent(r.Export(opts), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("debug export: %w", err)
	}
	return data, nil
}

// ParseExport decodes and validates an export document without touching
// any registry.
func ParseExport(data []byte) (ExportDocument, error) {
	var doc ExportDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return ExportDocument{}, &ImportError{Message: "document is not a valid export", Err: err}
	}
	if err := doc.validate(); err != nil {
		return ExportDocument{}, err
	}
	return doc, nil
}

func (doc ExportDocument) validate() error {
	if doc.Metadata.Version != ExportFormatVersion {
		return &ImportError{
			Field:   "metadata.version",
			Message: fmt.Sprintf("unsupported version %d, want %d", doc.Metadata.Version, ExportFormatVersion),
		}
	}

	seen := make(map[string]bool, len(doc.Logs))
	var last int64
	for i, e := range doc.Logs {
		field := fmt.Sprintf("logs[%d]", i)
		switch {
		case e.ID == "":
			return &ImportError{Field: field + ".id", Message: "missing"}
		case seen[e.ID]:
			return &ImportError{Field: field + ".id", Message: fmt.Sprintf("duplicate id %q", e.ID)}
		case e.StoreKey == "":
			return &ImportError{Field: field + ".storeKey", Message: "missing"}
		case e.ActionName == "":
			return &ImportError{Field: field + ".actionName", Message: "missing"}
		case e.DurationMs < 0:
			return &ImportError{Field: field + ".durationMs", Message: "negative"}
		case e.Timestamp < last:
			return &ImportError{Field: field + ".timestamp", Message: "entries are not in chronological order"}
		}
		seen[e.ID] = true
		last = e.Timestamp
	}

	for key, m := range doc.PerformanceMetrics {
		if m.StoreKey != key {
			return &ImportError{
				Field:   "performanceMetrics." + key,
				Message: fmt.Sprintf("storeKey %q does not match its key", m.StoreKey),
			}
		}
		for action, n := range m.ActionCounts {
			if n < 0 {
				return &ImportError{Field: "performanceMetrics." + key + ".actionCounts." + action, Message: "negative"}
			}
		}
	}

	for key, snaps := range doc.Snapshots {
		for i := 1; i < len(snaps); i++ {
			if snaps[i].Timestamp < snaps[i-1].Timestamp {
				return &ImportError{
					Field:   fmt.Sprintf("snapshots.%s[%d].timestamp", key, i),
					Message: "snapshots are not in chronological order",
				}
			}
		}
	}
	return nil
}

// ImportDebugData replaces the registry's logs, metrics and snapshots with
// those of an export document. The document is validated in full first; on
// any error the registry is unchanged and the error is an *ImportError.
//
// Logs and snapshot rings longer than the registry's bounds keep their most
// recent entries.
func (r *Registry) ImportDebugData(data []byte) error {
	doc, err := ParseExport(data)
	if err != nil {
		return err
	}

	logs := doc.Logs
	if over := len(logs) - r.maxLogSize; over > 0 {
		logs = logs[over:]
	}
	metrics := make(map[string]*PerformanceMetric, len(doc.PerformanceMetrics))
	for key, m := range doc.PerformanceMetrics {
		imported := newMetric(key)
		for action, n := range m.ActionCounts {
			imported.ActionCounts[action] = n
		}
		for action, v := range m.AverageDurations {
			imported.AverageDurations[action] = v
		}
		for action, v := range m.MaxDurations {
			imported.MaxDurations[action] = v
		}
		imported.MemoryUsageBytes = m.MemoryUsageBytes
		imported.LastUpdated = m.LastUpdated
		metrics[key] = imported
	}
	snapshots := make(map[string][]Snapshot, len(doc.Snapshots))
	for key, snaps := range doc.Snapshots {
		if over := len(snaps) - r.maxSnapshots; over > 0 {
			snaps = snaps[over:]
		}
		snapshots[key] = snaps
	}

	r.mu.Lock()
	r.logs = logs
	r.metrics = metrics
	r.snapshots = snapshots
	r.mu.Unlock()

	r.logger.Info("debug data imported", "logs", len(logs), "stores", len(doc.Metadata.Stores))
	return nil
}
