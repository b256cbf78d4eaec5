package bridge

import (
	"context"
	"sync"

	"github.com/coachpo/vessel/errs"
)

// MemoryHub connects in-process bridge endpoints, the reference transport
// used by tests and single-process multi-context setups. An envelope
// published on one endpoint reaches every other endpoint on the hub.
type MemoryHub struct {
	mu        sync.Mutex
	nextID    uint64
	endpoints map[uint64]*memoryEndpoint
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		mu:        sync.Mutex{},
		nextID:    0,
		endpoints: make(map[uint64]*memoryEndpoint),
	}
}

// Endpoint attaches a new bridge to the hub.
func (h *MemoryHub) Endpoint() Bridge {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ep := &memoryEndpoint{
		hub:         h,
		id:          h.nextID,
		mu:          sync.Mutex{},
		nextSubID:   0,
		subscribers: make(map[uint64]func(Envelope)),
		closed:      false,
	}
	h.endpoints[ep.id] = ep
	return ep
}

func (h *MemoryHub) broadcast(from uint64, env Envelope) {
	h.mu.Lock()
	targets := make([]*memoryEndpoint, 0, len(h.endpoints))
	for id, ep := range h.endpoints {
		if id != from {
			targets = append(targets, ep)
		}
	}
	h.mu.Unlock()

	for _, ep := range targets {
		ep.deliver(env)
	}
}

func (h *MemoryHub) drop(id uint64) {
	h.mu.Lock()
	delete(h.endpoints, id)
	h.mu.Unlock()
}

type memoryEndpoint struct {
	hub *MemoryHub
	id  uint64

	mu          sync.Mutex
	nextSubID   uint64
	subscribers map[uint64]func(Envelope)
	closed      bool
}

func (ep *memoryEndpoint) Publish(ctx context.Context, env Envelope) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err() //nolint:wrapcheck
	}
	ep.mu.Lock()
	closed := ep.closed
	ep.mu.Unlock()
	if closed {
		return errs.New("bridge", errs.CodeUnavailable, errs.WithMessage("endpoint closed"))
	}
	go ep.hub.broadcast(ep.id, env)
	return nil
}

func (ep *memoryEndpoint) Subscribe(fn func(Envelope)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	ep.mu.Lock()
	ep.nextSubID++
	id := ep.nextSubID
	ep.subscribers[id] = fn
	ep.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ep.mu.Lock()
			delete(ep.subscribers, id)
			ep.mu.Unlock()
		})
	}
}

func (ep *memoryEndpoint) Close() error {
	ep.mu.Lock()
	ep.closed = true
	ep.subscribers = make(map[uint64]func(Envelope))
	ep.mu.Unlock()
	ep.hub.drop(ep.id)
	return nil
}

func (ep *memoryEndpoint) deliver(env Envelope) {
	ep.mu.Lock()
	targets := make([]func(Envelope), 0, len(ep.subscribers))
	for _, fn := range ep.subscribers {
		targets = append(targets, fn)
	}
	ep.mu.Unlock()
	for _, fn := range targets {
		fn(env)
	}
}
