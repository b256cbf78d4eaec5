package container

import "sync"

// Base is a locally-owned, synchronously mutable state container. State is
// only ever replaced, never mutated in place, so identity comparison detects
// changes.
type Base[T any] struct {
	mu        sync.Mutex
	name      string
	state     T
	version   uint64
	equal     EqualFunc[T]
	observers observerList
}

// BaseOption configures a base container.
type BaseOption[T any] func(*Base[T])

// WithEquality overrides the container's equality function. Writes equal to
// the current state under this function skip notification entirely.
func WithEquality[T any](eq EqualFunc[T]) BaseOption[T] {
	return func(b *Base[T]) {
		if eq != nil {
			b.equal = eq
		}
	}
}

// WithName labels the container for logs and telemetry.
func WithName[T any](name string) BaseOption[T] {
	return func(b *Base[T]) {
		b.name = name
	}
}

// NewBase constructs a base container holding the initial state.
func NewBase[T any](initial T, opts ...BaseOption[T]) *Base[T] {
	b := &Base[T]{
		mu:        sync.Mutex{},
		name:      "",
		state:     initial,
		version:   0,
		equal:     Equal[T],
		observers: observerList{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name returns the container's label.
func (b *Base[T]) Name() string { return b.name }

// Get returns the current snapshot synchronously.
func (b *Base[T]) Get() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Value implements Source for tracked reads. Base containers never fail.
func (b *Base[T]) Value() (T, error) {
	return b.Get(), nil
}

// Version returns the number of applied state changes. Persistence throttling
// keys off this counter.
func (b *Base[T]) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Set replaces the state. When the new value equals the current one under
// the container's equality function, no version bump or notification occurs.
func (b *Base[T]) Set(next T) {
	b.mu.Lock()
	if b.equal(b.state, next) {
		b.mu.Unlock()
		return
	}
	b.state = next
	b.version++
	b.mu.Unlock()
	b.observers.notify()
}

// Update applies a functional transformation to the current state.
func (b *Base[T]) Update(fn func(T) T) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	next := fn(b.state)
	if b.equal(b.state, next) {
		b.mu.Unlock()
		return
	}
	b.state = next
	b.version++
	b.mu.Unlock()
	b.observers.notify()
}

// AddObserver registers an untyped change callback.
func (b *Base[T]) AddObserver(fn func()) (remove func()) {
	remove, _ = b.observers.add(fn)
	return remove
}

// Subscribe registers a listener receiving the new snapshot after every
// applied change. Equality-suppressed writes never reach the listener.
func (b *Base[T]) Subscribe(listener func(T)) (remove func()) {
	if listener == nil {
		return func() {}
	}
	return b.AddObserver(func() {
		listener(b.Get())
	})
}

// ObserverCount reports the number of registered observers.
func (b *Base[T]) ObserverCount() int {
	return b.observers.len()
}
