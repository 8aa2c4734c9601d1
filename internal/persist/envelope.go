package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the persisted form of a store: the projected fields, the
// schema version they were written under, and the write time in epoch
// milliseconds.
type Envelope struct {
	State     map[string]any `json:"state"`
	Version   int            `json:"version"`
	Timestamp int64          `json:"timestamp"`
}

// ParseEnvelope decodes a serialized envelope. The state must be a JSON
// object and the version an integer.
func ParseEnvelope(data []byte) (Envelope, error) {
	var raw struct {
		State     json.RawMessage `json:"state"`
		Version   *json.Number    `json:"version"`
		Timestamp json.Number     `json:"timestamp"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	trimmed := bytes.TrimSpace(raw.State)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, errors.New("envelope state must be an object")
	}
	if raw.Version == nil {
		return Envelope{}, errors.New("envelope version is required")
	}
	version, err := raw.Version.Int64()
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope version must be an integer: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env.State); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope state: %w", err)
	}
	env.Version = int(version)
	if raw.Timestamp != "" {
		if ts, err := raw.Timestamp.Int64(); err == nil {
			env.Timestamp = ts
		} else if f, err := raw.Timestamp.Float64(); err == nil {
			env.Timestamp = int64(f)
		}
	}
	return env, nil
}

// Marshal serializes the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	if e.State == nil {
		e.State = map[string]any{}
	}
	return json.Marshal(e)
}
