// Package codec serializes container state to the persisted record format.
// Non-JSON-native containers are wrapped as {"__type":"Map","entries":[...]}
// and {"__type":"Set","values":[...]} so round-trips preserve structure.
package codec

import (
	"fmt"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/coachpo/vessel/errs"
)

const (
	typeField  = "__type"
	typeMap    = "Map"
	typeSet    = "Set"
	entriesKey = "entries"
	valuesKey  = "values"
)

// Map is a map-like container with arbitrary comparable keys. It survives
// JSON serialization through the wrapper form.
type Map map[any]any

// Set is a set-like container. It survives JSON serialization through the
// wrapper form.
type Set map[any]struct{}

// NewSet builds a set from the provided values.
func NewSet(values ...any) Set {
	s := make(Set, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// MarshalJSON encodes the map as its wrapper form with deterministic entry
// order.
func (m Map) MarshalJSON() ([]byte, error) {
	entries := make([][2]any, 0, len(m))
	for k, v := range m {
		entries = append(entries, [2]any{k, v})
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		encoded, err := json.Marshal(e[0])
		if err != nil {
			return nil, fmt.Errorf("encode map key: %w", err)
		}
		keys[i] = string(encoded)
	}
	sort.Sort(&entrySorter{entries: entries, keys: keys})
	return json.Marshal(map[string]any{
		typeField:  typeMap,
		entriesKey: entries,
	})
}

// UnmarshalJSON decodes the wrapper form back into a map.
func (m *Map) UnmarshalJSON(data []byte) error {
	var wrapper struct {
		Type    string   `json:"__type"`
		Entries [][2]any `json:"entries"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("decode map wrapper: %w", err)
	}
	if wrapper.Type != typeMap {
		return errs.New("codec", errs.CodeValidation, errs.WithMessage(fmt.Sprintf("expected Map wrapper, got %q", wrapper.Type)))
	}
	out := make(Map, len(wrapper.Entries))
	for _, entry := range wrapper.Entries {
		key := Revive(entry[0])
		if !hashableKey(key) {
			continue
		}
		out[key] = Revive(entry[1])
	}
	*m = out
	return nil
}

// MarshalJSON encodes the set as its wrapper form with deterministic value
// order.
func (s Set) MarshalJSON() ([]byte, error) {
	values := make([]any, 0, len(s))
	for v := range s {
		values = append(values, v)
	}
	keys := make([]string, len(values))
	for i, v := range values {
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode set value: %w", err)
		}
		keys[i] = string(encoded)
	}
	sort.Sort(&valueSorter{values: values, keys: keys})
	return json.Marshal(map[string]any{
		typeField: typeSet,
		valuesKey: values,
	})
}

// UnmarshalJSON decodes the wrapper form back into a set.
func (s *Set) UnmarshalJSON(data []byte) error {
	var wrapper struct {
		Type   string `json:"__type"`
		Values []any  `json:"values"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("decode set wrapper: %w", err)
	}
	if wrapper.Type != typeSet {
		return errs.New("codec", errs.CodeValidation, errs.WithMessage(fmt.Sprintf("expected Set wrapper, got %q", wrapper.Type)))
	}
	out := make(Set, len(wrapper.Values))
	for _, v := range wrapper.Values {
		value := Revive(v)
		if !hashableKey(value) {
			continue
		}
		out[value] = struct{}{}
	}
	*s = out
	return nil
}

// Revive walks a decoded JSON value and converts wrapper objects back into
// Map and Set containers. Plain objects, arrays, and scalars pass through.
func Revive(v any) any {
	switch value := v.(type) {
	case map[string]any:
		switch value[typeField] {
		case typeMap:
			return reviveMap(value)
		case typeSet:
			return reviveSet(value)
		}
		out := make(map[string]any, len(value))
		for k, child := range value {
			out[k] = Revive(child)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = Revive(child)
		}
		return out
	default:
		return v
	}
}

func reviveMap(wrapper map[string]any) any {
	raw, ok := wrapper[entriesKey].([]any)
	if !ok {
		return wrapper
	}
	out := make(Map, len(raw))
	for _, item := range raw {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		key := Revive(pair[0])
		if !hashableKey(key) {
			continue
		}
		out[key] = Revive(pair[1])
	}
	return out
}

func reviveSet(wrapper map[string]any) any {
	raw, ok := wrapper[valuesKey].([]any)
	if !ok {
		return wrapper
	}
	out := make(Set, len(raw))
	for _, item := range raw {
		value := Revive(item)
		if !hashableKey(value) {
			continue
		}
		out[value] = struct{}{}
	}
	return out
}

// hashableKey guards against runtime panics when a revived key is itself a
// container. JSON object keys are always scalars, so entries carrying
// composite keys are dropped rather than crashing the decode path.
func hashableKey(v any) bool {
	switch v.(type) {
	case nil, bool, string, float64, int, int64:
		return true
	default:
		return false
	}
}

type entrySorter struct {
	entries [][2]any
	keys    []string
}

func (s *entrySorter) Len() int           { return len(s.entries) }
func (s *entrySorter) Less(i, j int) bool { return s.keys[i] < s.keys[j] }
func (s *entrySorter) Swap(i, j int) {
	s.entries[i], s.entries[j] = s.entries[j], s.entries[i]
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
}

type valueSorter struct {
	values []any
	keys   []string
}

func (s *valueSorter) Len() int           { return len(s.values) }
func (s *valueSorter) Less(i, j int) bool { return s.keys[i] < s.keys[j] }
func (s *valueSorter) Swap(i, j int) {
	s.values[i], s.values[j] = s.values[j], s.values[i]
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
}
