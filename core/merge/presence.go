package merge

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/vessel/internal/clock"
	"github.com/coachpo/vessel/internal/observability"
)

// PresenceEntry is a live participant record refreshed by heartbeats.
type PresenceEntry struct {
	Payload    any   `json:"payload"`
	LastSeenAt int64 `json:"lastSeenAt"`
}

// PresenceField is the state shape used by presence-style fields: a set of
// heartbeat entries plus per-id removal tombstones. An entity is live iff its
// heartbeat is within the TTL and no newer tombstone exists for its id.
type PresenceField struct {
	Entries    map[string]PresenceEntry `json:"entries"`
	Tombstones map[string]int64         `json:"tombstones,omitempty"`
}

// NewPresenceField constructs an empty presence field.
func NewPresenceField() PresenceField {
	return PresenceField{
		Entries:    make(map[string]PresenceEntry),
		Tombstones: nil,
	}
}

// Heartbeat refreshes (or creates) the entry for id. A tombstone older than
// the new heartbeat stops suppressing it under the liveness rule.
func (f PresenceField) Heartbeat(id string, payload any, now time.Time) PresenceField {
	out := f.clone()
	out.Entries[id] = PresenceEntry{Payload: payload, LastSeenAt: now.UnixMilli()}
	return out
}

// Remove tombstones id at the provided time. A remote heartbeat older than
// the tombstone can no longer resurrect the entry.
func (f PresenceField) Remove(id string, now time.Time) PresenceField {
	out := f.clone()
	delete(out.Entries, id)
	if out.Tombstones == nil {
		out.Tombstones = make(map[string]int64, 1)
	}
	out.Tombstones[id] = now.UnixMilli()
	return out
}

// Live returns the field with dead entries pruned: entries outside the TTL
// window or suppressed by a newer tombstone are dropped. Pruning happens
// lazily on read; no background sweep is implied.
func (f PresenceField) Live(now time.Time, ttl time.Duration) PresenceField {
	cutoff := now.Add(-ttl).UnixMilli()
	out := PresenceField{
		Entries:    make(map[string]PresenceEntry, len(f.Entries)),
		Tombstones: nil,
	}
	for id, entry := range f.Entries {
		if entry.LastSeenAt < cutoff {
			continue
		}
		if ts, ok := f.Tombstones[id]; ok && entry.LastSeenAt <= ts {
			continue
		}
		out.Entries[id] = entry
	}
	// A tombstone only suppresses heartbeats older than itself; once those
	// heartbeats have aged out of the TTL window the tombstone is inert.
	for id, ts := range f.Tombstones {
		if ts < cutoff {
			continue
		}
		if out.Tombstones == nil {
			out.Tombstones = make(map[string]int64)
		}
		out.Tombstones[id] = ts
	}
	return out
}

func (f PresenceField) clone() PresenceField {
	out := PresenceField{
		Entries:    make(map[string]PresenceEntry, len(f.Entries)),
		Tombstones: nil,
	}
	for id, entry := range f.Entries {
		out.Entries[id] = entry
	}
	if f.Tombstones != nil {
		out.Tombstones = make(map[string]int64, len(f.Tombstones))
		for id, ts := range f.Tombstones {
			out.Tombstones[id] = ts
		}
	}
	return out
}

// Presence builds a merge function for presence-style fields. Per id, the
// newer heartbeat wins across contexts; tombstones take the max timestamp;
// the merged result is pruned through the TTL-and-tombstone liveness rule.
// The rule is commutative and idempotent over wall-clock timestamps; clock
// skew across contexts is an accepted approximation.
func Presence(ttl time.Duration, clk clock.Clock) Func {
	if clk == nil {
		clk = clock.System{}
	}
	return func(incoming, current any) any {
		in, okIn := decodePresence(incoming)
		cur, okCur := decodePresence(current)
		switch {
		case !okIn && !okCur:
			return current
		case !okIn:
			return cur.Live(clk.Now(), ttl)
		case !okCur:
			return in.Live(clk.Now(), ttl)
		}

		merged := NewPresenceField()
		for id, entry := range cur.Entries {
			merged.Entries[id] = entry
		}
		for id, entry := range in.Entries {
			if existing, ok := merged.Entries[id]; !ok || entry.LastSeenAt > existing.LastSeenAt {
				merged.Entries[id] = entry
			}
		}
		for id, ts := range cur.Tombstones {
			merged = withTombstone(merged, id, ts)
		}
		for id, ts := range in.Tombstones {
			merged = withTombstone(merged, id, ts)
		}
		return merged.Live(clk.Now(), ttl)
	}
}

func withTombstone(f PresenceField, id string, ts int64) PresenceField {
	if f.Tombstones == nil {
		f.Tombstones = make(map[string]int64)
	}
	if existing, ok := f.Tombstones[id]; !ok || ts > existing {
		f.Tombstones[id] = ts
	}
	return f
}

// decodePresence accepts either a PresenceField value or its decoded JSON
// object form.
func decodePresence(v any) (PresenceField, bool) {
	switch value := v.(type) {
	case nil:
		return PresenceField{}, false
	case PresenceField:
		return value, true
	case *PresenceField:
		if value == nil {
			return PresenceField{}, false
		}
		return *value, true
	default:
		data, err := json.Marshal(value)
		if err != nil {
			observability.Log().Debug("presence field not serializable", observability.F("error", err))
			return PresenceField{}, false
		}
		var field PresenceField
		if err := json.Unmarshal(data, &field); err != nil {
			return PresenceField{}, false
		}
		if field.Entries == nil {
			field.Entries = make(map[string]PresenceEntry)
		}
		return field, true
	}
}
