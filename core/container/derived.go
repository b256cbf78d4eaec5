package container

import (
	"sync"
	"sync/atomic"

	"github.com/coachpo/vessel/internal/observability"
	"github.com/coachpo/vessel/lib/telemetry"
)

// Derived is a container whose state is computed from other containers. The
// computation runs inside a tracking context; every container read through
// the Track becomes a dependency edge. Producer subscriptions exist only
// while the derived container itself is observed, so unobserved computations
// cost nothing.
type Derived[T any] struct {
	mu       sync.Mutex
	name     string
	compute  func(*Track) (T, error)
	equal    EqualFunc[T]
	lockDeps bool

	active   bool
	hasValue bool
	cached   T
	lastErr  error
	version  uint64

	deps       []Observable
	depsLocked bool
	unsubs     []func()

	observers observerList
	runs      atomic.Uint64
}

// DerivedOption configures a derived container.
type DerivedOption[T any] func(*Derived[T])

// WithDerivedEquality overrides the result equality function used to decide
// whether a recomputation notifies observers.
func WithDerivedEquality[T any](eq EqualFunc[T]) DerivedOption[T] {
	return func(d *Derived[T]) {
		if eq != nil {
			d.equal = eq
		}
	}
}

// WithLockedDependencies fixes the dependency set after the first tracked
// run. Later runs reuse the recorded producers verbatim; new reads are
// ignored for subscription purposes. Intended for computations whose
// dependency set is structurally constant, trading shape-change correctness
// for zero subscription churn.
func WithLockedDependencies[T any]() DerivedOption[T] {
	return func(d *Derived[T]) {
		d.lockDeps = true
	}
}

// WithDerivedName labels the container for logs and telemetry.
func WithDerivedName[T any](name string) DerivedOption[T] {
	return func(d *Derived[T]) {
		d.name = name
	}
}

// NewDerived constructs a derived container around the computation function.
func NewDerived[T any](compute func(*Track) (T, error), opts ...DerivedOption[T]) *Derived[T] {
	d := new(Derived[T])
	d.compute = compute
	d.equal = Equal[T]
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Name returns the container's label.
func (d *Derived[T]) Name() string { return d.name }

// Get returns the current snapshot. While observed, the cached value is
// served; while idle, the computation runs afresh on every read and records
// no subscriptions. A computation failure surfaces as the error with the
// previous good value (if any) still returned.
func (d *Derived[T]) Get() (T, error) {
	return d.Value()
}

// Value implements Source.
func (d *Derived[T]) Value() (T, error) {
	d.mu.Lock()
	if d.active {
		value, err := d.cached, d.lastErr
		d.mu.Unlock()
		return value, err
	}
	d.mu.Unlock()
	d.recordRun()
	return d.compute(NewTrack())
}

// Version counts the applied value changes while observed.
func (d *Derived[T]) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Recomputations reports how many times the computation function has run.
func (d *Derived[T]) Recomputations() uint64 {
	return d.runs.Load()
}

// AddObserver registers an untyped change callback. The first observer
// activates the container: the computation runs once under tracking and the
// recorded producers are subscribed. Removing the last observer tears all
// producer subscriptions down again.
func (d *Derived[T]) AddObserver(fn func()) (remove func()) {
	removeEntry, count := d.observers.add(fn)
	if count == 1 {
		d.activate()
	}
	return func() {
		removeEntry()
		if d.observers.len() == 0 {
			d.deactivate()
		}
	}
}

// Subscribe registers a listener receiving the recomputed snapshot whenever
// it changes under the container's equality function.
func (d *Derived[T]) Subscribe(listener func(T)) (remove func()) {
	if listener == nil {
		return func() {}
	}
	return d.AddObserver(func() {
		value, err := d.Value()
		if err != nil {
			return
		}
		listener(value)
	})
}

// ObserverCount reports the number of registered observers.
func (d *Derived[T]) ObserverCount() int {
	return d.observers.len()
}

func (d *Derived[T]) activate() {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return
	}
	d.active = true
	d.mu.Unlock()

	track := NewTrack()
	d.recordRun()
	value, err := d.compute(track)

	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	if err != nil {
		d.lastErr = err
		observability.Log().Error("derived computation failed",
			observability.F("container", d.name), observability.F("error", err))
	} else {
		d.cached = value
		d.hasValue = true
		d.lastErr = nil
	}
	deps := d.resolveDeps(track)
	d.mu.Unlock()

	d.subscribeTo(deps)
}

func (d *Derived[T]) deactivate() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	unsubs := d.unsubs
	d.unsubs = nil
	d.deps = nil
	var zero T
	d.cached = zero
	d.hasValue = false
	d.lastErr = nil
	d.mu.Unlock()

	for _, unsub := range unsubs {
		if unsub != nil {
			unsub()
		}
	}
}

// resolveDeps picks the producer set to subscribe to after a tracked run.
// Caller holds d.mu.
func (d *Derived[T]) resolveDeps(track *Track) []Observable {
	if d.lockDeps {
		if !d.depsLocked {
			d.deps = track.Dependencies()
			d.depsLocked = true
		}
		return d.deps
	}
	d.deps = track.Dependencies()
	return d.deps
}

func (d *Derived[T]) subscribeTo(deps []Observable) {
	unsubs := make([]func(), 0, len(deps))
	for _, dep := range deps {
		unsubs = append(unsubs, dep.AddObserver(d.onProducerChange))
	}
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		return
	}
	d.unsubs = unsubs
	d.mu.Unlock()
}

func (d *Derived[T]) onProducerChange() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	track := NewTrack()
	d.recordRun()
	value, err := d.compute(track)

	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	if err != nil {
		// Keep the previous good value; the failure surfaces on reads.
		d.lastErr = err
		d.mu.Unlock()
		observability.Log().Error("derived recomputation failed",
			observability.F("container", d.name), observability.F("error", err))
		return
	}
	d.lastErr = nil
	changed := !d.hasValue || !d.equal(d.cached, value)
	if changed {
		d.cached = value
		d.hasValue = true
		d.version++
	}
	resub := !d.lockDeps && !sameDeps(d.deps, track.Dependencies())
	var oldUnsubs []func()
	var newDeps []Observable
	if resub {
		oldUnsubs = d.unsubs
		d.unsubs = nil
		newDeps = d.resolveDeps(track)
	}
	d.mu.Unlock()

	if resub {
		for _, unsub := range oldUnsubs {
			if unsub != nil {
				unsub()
			}
		}
		d.subscribeTo(newDeps)
	}
	if changed {
		d.observers.notify()
	}
}

func (d *Derived[T]) recordRun() {
	d.runs.Add(1)
	telemetry.Engine().Recompute(d.name)
}

func sameDeps(current, next []Observable) bool {
	if len(current) != len(next) {
		return false
	}
	for i := range current {
		if current[i] != next[i] {
			return false
		}
	}
	return true
}
