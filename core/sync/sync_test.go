package sync

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/core/container"
	"github.com/coachpo/vessel/core/merge"
	"github.com/coachpo/vessel/errs"
	"github.com/coachpo/vessel/internal/clock"
	"github.com/coachpo/vessel/storage"
	"github.com/coachpo/vessel/storage/memstore"
)

func deepEqual[T any](a, b T) bool { return codec.DeepEqual(a, b) }

func newBase(initial map[string]any) *container.Base[map[string]any] {
	return container.NewBase(initial, container.WithEquality(deepEqual[map[string]any]))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestThrottleCoalescesRapidWrites(t *testing.T) {
	region := memstore.NewRegion()
	adapter := memstore.NewWithRegion(region, "app")
	observer := memstore.NewWithRegion(region, "app")

	writes := make(chan storage.Event, 16)
	removeWatch := observer.Watch(func(e storage.Event) { writes <- e })
	defer removeWatch()

	m := NewManager(adapter, WithThrottle(100*time.Millisecond))
	defer m.Close()

	base := newBase(map[string]any{"n": float64(0)})
	binding, err := Bind(context.Background(), m, "counter", base, nil)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer binding.Detach()

	base.Set(map[string]any{"n": float64(1)})
	base.Set(map[string]any{"n": float64(2)})
	base.Set(map[string]any{"n": float64(3)})

	select {
	case e := <-writes:
		state, _ := e.NewValue.State.(map[string]any)
		if state["n"] != float64(3) {
			t.Fatalf("coalesced write carried stale state: %+v", state)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the throttled write")
	}

	// Exactly one write for the burst.
	select {
	case e := <-writes:
		t.Fatalf("second write for a single throttle window: %+v", e.NewValue)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFlushForcesPendingWrite(t *testing.T) {
	adapter := memstore.New("app")
	m := NewManager(adapter, WithThrottle(time.Hour))
	defer m.Close()

	base := newBase(map[string]any{"v": "initial"})
	binding, err := Bind(context.Background(), m, "doc", base, nil)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer binding.Detach()

	base.Set(map[string]any{"v": "updated"})
	if err := binding.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	rec, err := adapter.Get(context.Background(), "doc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	state, _ := rec.State.(map[string]any)
	if state["v"] != "updated" {
		t.Fatalf("flushed state = %+v", state)
	}
	if originOf(&rec) != m.Origin() {
		t.Fatalf("record origin = %q, want %q", originOf(&rec), m.Origin())
	}

	// Nothing pending afterwards.
	if err := binding.Flush(context.Background()); err != nil {
		t.Fatalf("idle Flush() error = %v", err)
	}
}

func TestBindHydratesFromStorage(t *testing.T) {
	adapter := memstore.New("app")
	seed := codec.Record{ //nolint:exhaustruct
		State:   map[string]any{"v": "persisted"},
		Version: 5,
	}
	if err := adapter.Set(context.Background(), "doc", seed); err != nil {
		t.Fatalf("seed Set() error = %v", err)
	}

	m := NewManager(adapter)
	defer m.Close()

	base := newBase(map[string]any{"v": "local", "extra": "kept"})
	binding, err := Bind(context.Background(), m, "doc", base, nil)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer binding.Detach()

	got := base.Get()
	if got["v"] != "persisted" {
		t.Fatalf("hydration did not apply: %+v", got)
	}
	// Local-only fields survive the field merge.
	if got["extra"] != "kept" {
		t.Fatalf("local-only field dropped: %+v", got)
	}
}

func TestDuplicateKeyRejected(t *testing.T) {
	m := NewManager(memstore.New("app"))
	defer m.Close()

	first, err := Bind(context.Background(), m, "doc", newBase(map[string]any{}), nil)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer first.Detach()

	_, err = Bind(context.Background(), m, "doc", newBase(map[string]any{}), nil)
	if errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestRemoteChangeMergesIntoLocal(t *testing.T) {
	region := memstore.NewRegion()
	ctx := context.Background()

	managerA := NewManager(memstore.NewWithRegion(region, "app"), WithThrottle(10*time.Millisecond))
	defer managerA.Close()
	managerB := NewManager(memstore.NewWithRegion(region, "app"), WithThrottle(10*time.Millisecond))
	defer managerB.Close()

	baseA := newBase(map[string]any{"title": "old"})
	baseB := newBase(map[string]any{"title": "old"})

	bindingA, err := Bind(ctx, managerA, "room", baseA, nil)
	if err != nil {
		t.Fatalf("Bind(A) error = %v", err)
	}
	defer bindingA.Detach()
	bindingB, err := Bind(ctx, managerB, "room", baseB, nil)
	if err != nil {
		t.Fatalf("Bind(B) error = %v", err)
	}
	defer bindingB.Detach()

	baseA.Set(map[string]any{"title": "new"})
	if err := bindingA.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	waitFor(t, "remote title to land", func() bool {
		return baseB.Get()["title"] == "new"
	})
}

func TestOwnBroadcastNotReapplied(t *testing.T) {
	adapter := memstore.New("app")
	m := NewManager(adapter, WithThrottle(10*time.Millisecond))
	defer m.Close()

	base := newBase(map[string]any{"n": float64(0)})
	binding, err := Bind(context.Background(), m, "counter", base, nil)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer binding.Detach()

	base.Set(map[string]any{"n": float64(1)})
	if err := binding.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	// Let the adapter's change event round-trip.
	time.Sleep(200 * time.Millisecond)
	if got := base.Version(); got != 1 {
		t.Fatalf("own broadcast re-applied: version = %d", got)
	}
}

type roomState struct {
	Title    string              `json:"title"`
	Presence merge.PresenceField `json:"presence"`
}

func newRoomBase() *container.Base[roomState] {
	return container.NewBase(
		roomState{Title: "", Presence: merge.NewPresenceField()},
		container.WithEquality(deepEqual[roomState]))
}

// Two contexts share a presence-synced container with a 2-second TTL.
// Context A heartbeats once and goes silent for 3 seconds; context B's view
// must drop A's entry.
func TestPresenceAcrossTwoContexts(t *testing.T) {
	region := memstore.NewRegion()
	clk := clock.NewFake(time.Unix(10_000, 0))
	ctx := context.Background()
	const ttl = 2 * time.Second

	spec := merge.Spec{"presence": merge.Presence(ttl, clk)}

	managerA := NewManager(memstore.NewWithRegion(region, "app"),
		WithThrottle(10*time.Millisecond), WithClock(clk))
	defer managerA.Close()
	managerB := NewManager(memstore.NewWithRegion(region, "app"),
		WithThrottle(10*time.Millisecond), WithClock(clk))
	defer managerB.Close()

	baseA := newRoomBase()
	baseB := newRoomBase()

	bindingA, err := Bind(ctx, managerA, "room", baseA, spec)
	if err != nil {
		t.Fatalf("Bind(A) error = %v", err)
	}
	defer bindingA.Detach()
	bindingB, err := Bind(ctx, managerB, "room", baseB, spec)
	if err != nil {
		t.Fatalf("Bind(B) error = %v", err)
	}
	defer bindingB.Detach()

	// A announces itself and the snapshot reaches B.
	baseA.Update(func(s roomState) roomState {
		s.Presence = s.Presence.Heartbeat("ctx-a", nil, clk.Now())
		return s
	})
	if err := bindingA.Flush(ctx); err != nil {
		t.Fatalf("Flush(A) error = %v", err)
	}
	waitFor(t, "A's heartbeat at B", func() bool {
		_, ok := baseB.Get().Presence.Entries["ctx-a"]
		return ok
	})

	// A goes silent past the TTL.
	clk.Advance(3 * time.Second)

	live := baseB.Get().Presence.Live(clk.Now(), ttl)
	if _, ok := live.Entries["ctx-a"]; ok {
		t.Fatal("stale heartbeat still live at B")
	}

	// The next merge prunes the entry out of B's stored state too.
	baseB.Update(func(s roomState) roomState {
		s.Presence = s.Presence.Heartbeat("ctx-b", nil, clk.Now())
		return s
	})
	if err := bindingB.Flush(ctx); err != nil {
		t.Fatalf("Flush(B) error = %v", err)
	}
	waitFor(t, "A's entry pruned at A", func() bool {
		entries := baseA.Get().Presence.Entries
		_, hasA := entries["ctx-a"]
		_, hasB := entries["ctx-b"]
		return hasB && !hasA
	})
}

func TestManagerCloseDetachesBindings(t *testing.T) {
	adapter := memstore.New("app")
	m := NewManager(adapter, WithThrottle(10*time.Millisecond))

	base := newBase(map[string]any{"n": float64(0)})
	if _, err := Bind(context.Background(), m, "counter", base, nil); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	m.Close()

	base.Set(map[string]any{"n": float64(9)})
	time.Sleep(100 * time.Millisecond)

	if _, err := adapter.Get(context.Background(), "counter"); !errs.IsNotFound(err) {
		t.Fatalf("closed manager still persisted: %v", err)
	}

	// A closed manager accepts no new bindings.
	if _, err := Bind(context.Background(), m, "other", newBase(map[string]any{}), nil); errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("expected conflict on closed manager, got %v", err)
	}

	// Closing again is a no-op.
	m.Close()
}

func TestDetachStopsPersistence(t *testing.T) {
	adapter := memstore.New("app")
	m := NewManager(adapter, WithThrottle(10*time.Millisecond))
	defer m.Close()

	base := newBase(map[string]any{"n": float64(0)})
	binding, err := Bind(context.Background(), m, "counter", base, nil)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	binding.Detach()

	base.Set(map[string]any{"n": float64(9)})
	time.Sleep(100 * time.Millisecond)

	if _, err := adapter.Get(context.Background(), "counter"); !errs.IsNotFound(err) {
		t.Fatalf("detached binding still persisted: %v", err)
	}

	// Rebinding the key works after detach.
	rebound, err := Bind(context.Background(), m, "counter", base, nil)
	if err != nil {
		t.Fatalf("rebinding error = %v", err)
	}
	rebound.Detach()
}
