package bridge

import (
	"context"
	"sync"

	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/errs"
	"github.com/coachpo/vessel/internal/observability"
	"github.com/coachpo/vessel/storage"
)

// Relay pumps a local adapter's change feed onto a bridge and applies
// envelopes arriving from other contexts back into the adapter. The adapter
// write then surfaces through the normal local change path, so sync managers
// on this side merge remote state without knowing a bridge exists.
type Relay struct {
	adapter   storage.WatchAdapter
	bridge    Bridge
	namespace string
	origin    string

	mu          sync.Mutex
	lastApplied map[string]*codec.Record
	removeWatch func()
	removeSub   func()
	closed      bool
}

// NewRelay wires the adapter to the bridge and starts relaying both ways.
// Origin must be unique per context; envelopes carrying it are ignored on
// the way in.
func NewRelay(adapter storage.WatchAdapter, b Bridge, namespace, origin string) (*Relay, error) {
	if origin == "" {
		return nil, errs.Validation("bridge", "relay origin required")
	}
	r := &Relay{
		adapter:     adapter,
		bridge:      b,
		namespace:   namespace,
		origin:      origin,
		mu:          sync.Mutex{},
		lastApplied: make(map[string]*codec.Record),
		removeWatch: nil,
		removeSub:   nil,
		closed:      false,
	}
	r.removeWatch = adapter.Watch(r.onLocalChange)
	r.removeSub = b.Subscribe(r.onEnvelope)
	return r, nil
}

// Close stops relaying in both directions. The bridge itself stays open.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	removeWatch := r.removeWatch
	removeSub := r.removeSub
	r.mu.Unlock()

	if removeWatch != nil {
		removeWatch()
	}
	if removeSub != nil {
		removeSub()
	}
}

// onLocalChange forwards a local storage change to the other contexts. The
// change we just applied from an envelope is recognised by value and not
// echoed back.
func (r *Relay) onLocalChange(event storage.Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	applied, ok := r.lastApplied[event.Key]
	if ok && !storage.Changed(applied, event.NewValue) {
		delete(r.lastApplied, event.Key)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	env := Envelope{
		Namespace: r.namespace,
		Key:       event.Key,
		OldValue:  event.OldValue,
		NewValue:  event.NewValue,
		Origin:    r.origin,
	}
	if err := r.bridge.Publish(context.Background(), env); err != nil {
		observability.Log().Error("bridge publish failed",
			observability.F("key", event.Key), observability.F("error", err))
	}
}

// onEnvelope applies a remote change to the local adapter.
func (r *Relay) onEnvelope(env Envelope) {
	if env.Origin == r.origin || env.Namespace != r.namespace {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.lastApplied[env.Key] = codec.CloneRecord(env.NewValue)
	r.mu.Unlock()

	ctx := context.Background()
	var err error
	if env.NewValue == nil {
		err = r.adapter.Delete(ctx, env.Key)
	} else {
		err = r.adapter.Set(ctx, env.Key, *env.NewValue)
	}
	if err != nil {
		observability.Log().Error("bridge apply failed",
			observability.F("key", env.Key), observability.F("error", err))
	}
}
