// Package storage defines the pluggable key-value backend contract used by
// the persistence engine: namespaced record access plus an optional change
// feed with deep-equality suppression.
package storage

import (
	"context"
	"strings"

	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/errs"
)

// Adapter is the backend contract. Keys handed to an adapter are logical
// container keys; the adapter prepends its namespace prefix before touching
// the underlying store and strips it again on the way out. Absent keys
// surface as errs.CodeNotFound, never as zero records.
type Adapter interface {
	Get(ctx context.Context, key string) (codec.Record, error)
	Set(ctx context.Context, key string, record codec.Record) error
	Delete(ctx context.Context, key string) error
	Contains(ctx context.Context, key string) (bool, error)
	// Keys lists all logical keys in the adapter's namespace, prefix
	// stripped.
	Keys(ctx context.Context) ([]string, error)
	// ClearAll removes every key in the namespace. An empty namespace
	// prefix is a programmer error: the call fails without touching the
	// store rather than wiping unrelated data.
	ClearAll(ctx context.Context) error
}

// Event describes one observed storage change. OldValue is nil for inserts,
// NewValue is nil for deletes. Payloads are deep clones: mutating an event
// never affects stored state or other subscribers.
type Event struct {
	Key      string
	OldValue *codec.Record
	NewValue *codec.Record
}

// Watcher is implemented by adapters that can report changes. Dispatch is
// asynchronous, and a write whose serialized value deep-equals the previous
// stored value produces no event.
type Watcher interface {
	Watch(fn func(Event)) (remove func())
}

// WatchAdapter combines storage access with a change feed; the persistence
// engine requires this for cross-context sync.
type WatchAdapter interface {
	Adapter
	Watcher
}

// Keyspace implements the namespace-prefix discipline shared by adapters.
// An empty prefix is legal for reads and writes but makes ClearAll a
// programmer error.
type Keyspace struct {
	prefix string
}

// NewKeyspace wraps a namespace prefix. Surrounding whitespace is not a
// namespace.
func NewKeyspace(prefix string) Keyspace {
	return Keyspace{prefix: strings.TrimSpace(prefix)}
}

// Prefix returns the raw namespace prefix.
func (k Keyspace) Prefix() string { return k.prefix }

// Empty reports whether the keyspace carries no prefix.
func (k Keyspace) Empty() bool { return k.prefix == "" }

// Full maps a logical key to its stored form.
func (k Keyspace) Full(key string) string {
	if k.prefix == "" {
		return key
	}
	return k.prefix + ":" + key
}

// Trim maps a stored key back to its logical form. The second return is
// false for keys outside this namespace.
func (k Keyspace) Trim(full string) (string, bool) {
	if k.prefix == "" {
		return full, true
	}
	return strings.CutPrefix(full, k.prefix+":")
}

// ErrEmptyNamespace builds the rejection for ClearAll on an unnamespaced
// adapter.
func ErrEmptyNamespace(scope string) error {
	return errs.Validation(scope, "clearAll requires a namespace prefix")
}

// Changed applies the suppression rule: a write is a change only when the
// serialized forms differ.
func Changed(oldRecord, newRecord *codec.Record) bool {
	if oldRecord == nil || newRecord == nil {
		return oldRecord != newRecord
	}
	return !codec.DeepEqual(*oldRecord, *newRecord)
}
