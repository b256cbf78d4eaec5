package codec

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/vessel/errs"
)

// Record is the persisted envelope for a container snapshot.
type Record struct {
	State        any            `json:"state"`
	Version      uint64         `json:"version"`
	SyncMetadata map[string]any `json:"syncMetadata,omitempty"`
}

// MarshalRecord serializes the record to its storage form.
func MarshalRecord(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errs.New("codec", errs.CodeValidation,
			errs.WithMessage("state not serializable"), errs.WithCause(err))
	}
	return data, nil
}

// UnmarshalRecord parses a stored record. Records without a state field are
// malformed and produce a validation error, never a silent default.
func UnmarshalRecord(data []byte) (Record, error) {
	var raw struct {
		State        json.RawMessage `json:"state"`
		Version      uint64          `json:"version"`
		SyncMetadata map[string]any  `json:"syncMetadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, errs.New("codec", errs.CodeValidation,
			errs.WithMessage("record is not valid JSON"), errs.WithCause(err))
	}
	if len(raw.State) == 0 {
		return Record{}, errs.New("codec", errs.CodeValidation,
			errs.WithMessage("record missing state field"))
	}
	var state any
	if err := json.Unmarshal(raw.State, &state); err != nil {
		return Record{}, errs.New("codec", errs.CodeValidation,
			errs.WithMessage("record state not decodable"), errs.WithCause(err))
	}
	return Record{
		State:        Revive(state),
		Version:      raw.Version,
		SyncMetadata: raw.SyncMetadata,
	}, nil
}

// DecodeState re-marshals the record state into a typed target. Map and Set
// wrapper fields round-trip through their custom JSON codecs.
func (r Record) DecodeState(target any) error {
	data, err := json.Marshal(r.State)
	if err != nil {
		return fmt.Errorf("encode record state: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return errs.New("codec", errs.CodeValidation,
			errs.WithMessage("record state does not match target shape"), errs.WithCause(err))
	}
	return nil
}

// DeepEqual reports structural equality between two serializable values.
// Both sides are reduced to canonical JSON, so Map/Set entry order and
// int/float representation differences do not affect the comparison.
func DeepEqual(a, b any) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// Clone produces a deep copy of a serializable value. Mutating the clone
// never affects the original.
func Clone(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return Revive(out)
}

// CloneRecord deep-copies a record.
func CloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	out := &Record{
		State:        Clone(rec.State),
		Version:      rec.Version,
		SyncMetadata: nil,
	}
	if rec.SyncMetadata != nil {
		meta, ok := Clone(rec.SyncMetadata).(map[string]any)
		if !ok {
			meta = make(map[string]any, len(rec.SyncMetadata))
			for k, v := range rec.SyncMetadata {
				meta[k] = v
			}
		}
		out.SyncMetadata = meta
	}
	return out
}

// Canonical renders a value as deterministic JSON. Object keys are emitted
// in sorted order, making the output suitable as a cache key.
func Canonical(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize value: %w", err)
	}
	return string(data), nil
}
