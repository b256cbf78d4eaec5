// Package merge implements field-level merging of remote container snapshots
// into local state. Each synced container carries a Spec mapping field names
// to pure merge functions; fields without an explicit function use the
// default incoming-wins-if-present policy. The policy table is resolved once
// at construction time, not per update.
package merge

import "sync"

// Func merges an incoming remote field value with the current local one and
// returns the merged result. Implementations must be pure and, for
// cross-context convergence, commutative and idempotent with respect to any
// embedded timestamps.
type Func func(incoming, current any) any

// Spec maps field identifiers to merge functions.
type Spec map[string]Func

// IncomingWins is the default field policy: the incoming value replaces the
// current one whenever the incoming snapshot carries the field.
func IncomingWins(incoming, _ any) any { return incoming }

// CurrentWins keeps the local value regardless of the incoming snapshot.
func CurrentWins(_, current any) any { return current }

// Resolved is a merge table fixed at container construction.
type Resolved struct {
	mu       sync.RWMutex
	fields   map[string]Func
	fallback Func
}

// Resolve fixes the spec into a merge table. A nil fallback defaults to
// IncomingWins.
func Resolve(spec Spec, fallback Func) *Resolved {
	if fallback == nil {
		fallback = IncomingWins
	}
	fields := make(map[string]Func, len(spec))
	for name, fn := range spec {
		if fn != nil {
			fields[name] = fn
		}
	}
	return &Resolved{
		mu:       sync.RWMutex{},
		fields:   fields,
		fallback: fallback,
	}
}

// Apply merges an incoming snapshot into the current one field by field and
// returns the merged object. Fields present only locally are retained;
// fields present only remotely are admitted through their merge function.
func (r *Resolved) Apply(incoming, current map[string]any) map[string]any {
	if r == nil {
		return incoming
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make(map[string]any, len(current)+len(incoming))
	for field, value := range current {
		merged[field] = value
	}
	for field, incomingValue := range incoming {
		currentValue, present := merged[field]
		fn, ok := r.fields[field]
		if !ok {
			fn = r.fallback
		}
		if !present {
			merged[field] = fn(incomingValue, nil)
			continue
		}
		merged[field] = fn(incomingValue, currentValue)
	}
	return merged
}
