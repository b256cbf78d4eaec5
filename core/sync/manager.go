// Package sync binds base containers to storage adapters: local changes are
// serialized and written through a per-container throttle, remote changes are
// merged back in field by field. Every manager carries a unique origin ID so
// a context never re-applies its own broadcasts.
package sync

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/internal/clock"
	"github.com/coachpo/vessel/internal/observability"
	"github.com/coachpo/vessel/storage"
)

const defaultThrottle = 200 * time.Millisecond

// Manager owns one adapter connection and the bindings attached to it.
type Manager struct {
	adapter  storage.WatchAdapter
	origin   string
	throttle time.Duration
	limiter  *rate.Limiter
	clk      clock.Clock

	mu          sync.Mutex
	bindings    map[string]remoteApplier
	removeWatch func()
	closed      bool
}

type remoteApplier interface {
	applyRecord(rec *codec.Record)
	Detach()
}

// Option configures a manager.
type Option func(*Manager)

// WithThrottle sets the per-container write coalescing interval.
func WithThrottle(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.throttle = interval
		}
	}
}

// WithRateLimit caps writes across all bindings sharing this manager's
// backend. Zero or negative perSecond disables the limiter.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(m *Manager) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock overrides the wall clock used for sync metadata timestamps.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clk = clk
		}
	}
}

// WithOrigin fixes the origin ID instead of generating one. Intended for
// tests that need deterministic origins.
func WithOrigin(origin string) Option {
	return func(m *Manager) {
		if origin != "" {
			m.origin = origin
		}
	}
}

// NewManager attaches to the adapter and starts routing its change feed.
func NewManager(adapter storage.WatchAdapter, opts ...Option) *Manager {
	m := &Manager{
		adapter:     adapter,
		origin:      uuid.NewString(),
		throttle:    defaultThrottle,
		limiter:     nil,
		clk:         clock.System{},
		mu:          sync.Mutex{},
		bindings:    make(map[string]remoteApplier),
		removeWatch: nil,
		closed:      false,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.removeWatch = adapter.Watch(m.onEvent)
	return m
}

// Origin returns this context's unique identifier.
func (m *Manager) Origin() string { return m.origin }

// Close stops routing and detaches every binding. Pending throttled writes
// are dropped; call Flush on the bindings first if they must land.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	removeWatch := m.removeWatch
	bindings := make([]remoteApplier, 0, len(m.bindings))
	for _, b := range m.bindings {
		bindings = append(bindings, b)
	}
	m.bindings = make(map[string]remoteApplier)
	m.mu.Unlock()

	if removeWatch != nil {
		removeWatch()
	}
	for _, b := range bindings {
		b.Detach()
	}
}

// onEvent routes one adapter change to the binding for its key. Deletes and
// our own broadcasts are dropped here.
func (m *Manager) onEvent(event storage.Event) {
	if event.NewValue == nil {
		return
	}
	if originOf(event.NewValue) == m.origin {
		return
	}
	m.mu.Lock()
	b := m.bindings[event.Key]
	m.mu.Unlock()
	if b == nil {
		return
	}
	b.applyRecord(event.NewValue)
}

func (m *Manager) register(key string, b remoteApplier) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if _, exists := m.bindings[key]; exists {
		return false
	}
	m.bindings[key] = b
	return true
}

func (m *Manager) unregister(key string) {
	m.mu.Lock()
	delete(m.bindings, key)
	m.mu.Unlock()
}

func originOf(rec *codec.Record) string {
	if rec == nil || rec.SyncMetadata == nil {
		return ""
	}
	origin, _ := rec.SyncMetadata["origin"].(string)
	return origin
}

func logWriteFailure(key string, err error) {
	// Persistence is best-effort relative to in-memory truth: the local
	// state change is never rolled back.
	observability.Log().Error("persist write failed",
		observability.F("key", key), observability.F("error", err))
}
