package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/coachpo/vessel/codec"
)

func TestKeyspacePrefixing(t *testing.T) {
	ks := NewKeyspace("app")
	if got := ks.Full("counter"); got != "app:counter" {
		t.Fatalf("Full() = %q", got)
	}
	key, ok := ks.Trim("app:counter")
	if !ok || key != "counter" {
		t.Fatalf("Trim() = %q, %v", key, ok)
	}
	if _, ok := ks.Trim("other:counter"); ok {
		t.Fatal("Trim accepted a foreign namespace")
	}

	bare := NewKeyspace("  ")
	if !bare.Empty() {
		t.Fatal("whitespace prefix should be empty")
	}
	if got := bare.Full("k"); got != "k" {
		t.Fatalf("empty keyspace Full() = %q", got)
	}
}

func TestChangedAppliesDeepEquality(t *testing.T) {
	left := &codec.Record{State: map[string]any{"a": float64(1)}, Version: 1}  //nolint:exhaustruct
	right := &codec.Record{State: map[string]any{"a": float64(1)}, Version: 1} //nolint:exhaustruct
	if Changed(left, right) {
		t.Fatal("structurally equal records reported as changed")
	}
	right.Version = 2
	if !Changed(left, right) {
		t.Fatal("version bump not reported as changed")
	}
	if !Changed(left, nil) || !Changed(nil, right) {
		t.Fatal("insert/delete transitions must report as changed")
	}
	if Changed(nil, nil) {
		t.Fatal("nil to nil is not a change")
	}
}

func TestHubPreservesEmitOrder(t *testing.T) {
	var hub Hub
	var mu sync.Mutex
	var seen []uint64
	done := make(chan struct{})

	remove := hub.Watch(func(e Event) {
		mu.Lock()
		seen = append(seen, e.NewValue.Version)
		if len(seen) == 5 {
			close(done)
		}
		mu.Unlock()
	})
	defer remove()

	for i := uint64(1); i <= 5; i++ {
		hub.Emit("k", nil, &codec.Record{State: "v", Version: i}) //nolint:exhaustruct
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, version := range seen {
		if version != uint64(i+1) {
			t.Fatalf("events out of order: %v", seen)
		}
	}
}

func TestHubSuppressedEmitDeliversNothing(t *testing.T) {
	var hub Hub
	events := make(chan Event, 4)
	remove := hub.Watch(func(e Event) { events <- e })
	defer remove()

	rec := &codec.Record{State: "same", Version: 1} //nolint:exhaustruct
	hub.Emit("k", rec, rec)

	select {
	case e := <-events:
		t.Fatalf("suppressed emit delivered: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubRemoveStopsDelivery(t *testing.T) {
	var hub Hub
	events := make(chan Event, 4)
	remove := hub.Watch(func(e Event) { events <- e })
	remove()
	remove() // idempotent

	hub.Emit("k", nil, &codec.Record{State: "v", Version: 1}) //nolint:exhaustruct
	select {
	case e := <-events:
		t.Fatalf("removed watcher still delivered: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
	if hub.WatcherCount() != 0 {
		t.Fatalf("watcher count = %d", hub.WatcherCount())
	}
}
