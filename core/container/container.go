// Package container implements the reactive state-container kernel: base
// containers holding locally-owned state, derived containers computed from
// other containers with automatic dependency tracking, and the subscription
// machinery shared by both.
//
// Containers are plain constructed objects with their own lifecycle; there is
// no ambient registry. Composition happens by holding references.
package container

import (
	"sync"
)

// Observable is the untyped view of a container used by the dependency
// tracker and the subscription layer.
type Observable interface {
	// AddObserver registers a change callback and returns its removal
	// function. Callbacks fire after a state change has been applied.
	AddObserver(fn func()) (remove func())
}

// Source is a readable, observable container producing values of type T.
type Source[T any] interface {
	Observable
	// Value returns the current snapshot. Base containers never fail;
	// derived containers surface the last computation error.
	Value() (T, error)
}

// Track records which containers a computation reads. A computation receives
// a Track and routes every container read through Read, which appends the
// producer to the recorded dependency set.
type Track struct {
	mu   sync.Mutex
	deps []Observable
	seen map[Observable]struct{}
}

// NewTrack constructs an empty dependency recorder.
func NewTrack() *Track {
	return &Track{
		mu:   sync.Mutex{},
		deps: nil,
		seen: make(map[Observable]struct{}),
	}
}

func (t *Track) observe(o Observable) {
	if t == nil || o == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[o]; ok {
		return
	}
	t.seen[o] = struct{}{}
	t.deps = append(t.deps, o)
}

// Dependencies returns the producers recorded so far, in first-read order.
func (t *Track) Dependencies() []Observable {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Observable, len(t.deps))
	copy(out, t.deps)
	return out
}

// Read reads a container inside a tracked computation, recording it as a
// dependency edge. A nil track performs an untracked read.
func Read[T any](t *Track, src Source[T]) (T, error) {
	if src == nil {
		var zero T
		return zero, nil
	}
	if t != nil {
		t.observe(src)
	}
	return src.Value()
}

// Watch subscribes to a selected slice of a container's state. The listener
// fires only when the selected value changes under eq. A nil eq falls back
// to the default identity comparison.
func Watch[T, S any](src Source[T], selector func(T) S, listener func(S), eq EqualFunc[S]) (remove func()) {
	if src == nil || selector == nil || listener == nil {
		return func() {}
	}
	if eq == nil {
		eq = Equal[S]
	}
	var mu sync.Mutex
	var prev S
	var primed bool
	if current, err := src.Value(); err == nil {
		prev = selector(current)
		primed = true
	}
	return src.AddObserver(func() {
		current, err := src.Value()
		if err != nil {
			return
		}
		next := selector(current)
		mu.Lock()
		changed := !primed || !eq(prev, next)
		if changed {
			prev = next
			primed = true
		}
		mu.Unlock()
		if changed {
			listener(next)
		}
	})
}
