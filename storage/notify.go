package storage

import (
	"sync"

	"github.com/coachpo/vessel/codec"
)

// Hub fans storage events out to watchers. Adapters embed one and call Emit
// after each successful mutation; the hub applies the deep-equality
// suppression rule, deep-clones payloads per watcher, and dispatches off the
// caller's goroutine while preserving per-hub event order.
type Hub struct {
	mu       sync.Mutex
	nextID   uint64
	watchers map[uint64]func(Event)
	queue    []Event
	draining bool
}

// Watch registers a change callback and returns its removal function.
func (h *Hub) Watch(fn func(Event)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	if h.watchers == nil {
		h.watchers = make(map[uint64]func(Event))
	}
	h.nextID++
	id := h.nextID
	h.watchers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, id)
			h.mu.Unlock()
		})
	}
}

// WatcherCount reports the number of registered watchers.
func (h *Hub) WatcherCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// Emit queues a change event. Writes whose serialized form equals the
// previous stored value are suppressed here, so adapters can call Emit
// unconditionally after a mutation.
func (h *Hub) Emit(key string, oldRecord, newRecord *codec.Record) {
	if !Changed(oldRecord, newRecord) {
		return
	}
	event := Event{
		Key:      key,
		OldValue: codec.CloneRecord(oldRecord),
		NewValue: codec.CloneRecord(newRecord),
	}

	h.mu.Lock()
	if len(h.watchers) == 0 {
		h.mu.Unlock()
		return
	}
	h.queue = append(h.queue, event)
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true
	h.mu.Unlock()

	go h.drain()
}

func (h *Hub) drain() {
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.draining = false
			h.mu.Unlock()
			return
		}
		event := h.queue[0]
		h.queue = h.queue[1:]
		targets := make([]func(Event), 0, len(h.watchers))
		for _, fn := range h.watchers {
			targets = append(targets, fn)
		}
		h.mu.Unlock()

		for _, fn := range targets {
			fn(Event{
				Key:      event.Key,
				OldValue: codec.CloneRecord(event.OldValue),
				NewValue: codec.CloneRecord(event.NewValue),
			})
		}
	}
}
