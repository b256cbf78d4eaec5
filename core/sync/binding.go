package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/core/container"
	"github.com/coachpo/vessel/core/merge"
	"github.com/coachpo/vessel/errs"
	"github.com/coachpo/vessel/internal/observability"
	"github.com/coachpo/vessel/lib/telemetry"
)

// Binding connects one base container to one storage key. Local changes are
// coalesced through a pending slot with a single scheduled timer: a change
// while a timer is armed only replaces the payload, so at most one write per
// throttle interval lands, always carrying the most recent state.
type Binding[T any] struct {
	manager *Manager
	key     string
	base    *container.Base[T]
	table   *merge.Resolved

	mu       sync.Mutex
	pending  *codec.Record
	timer    *time.Timer
	applying bool
	unsub    func()
	detached bool
}

// Bind attaches a base container to the manager's adapter under the key,
// hydrates it from storage, and starts persisting its changes. The merge
// spec decides how remote snapshots fold into local state; nil means
// incoming-wins for every field.
func Bind[T any](ctx context.Context, m *Manager, key string, base *container.Base[T], spec merge.Spec) (*Binding[T], error) {
	if key == "" {
		return nil, errs.Validation("sync", "binding key required")
	}
	if base == nil {
		return nil, errs.Validation("sync", "base container required")
	}
	b := &Binding[T]{
		manager:  m,
		key:      key,
		base:     base,
		table:    merge.Resolve(spec, nil),
		mu:       sync.Mutex{},
		pending:  nil,
		timer:    nil,
		applying: false,
		unsub:    nil,
		detached: false,
	}
	if !m.register(key, b) {
		return nil, errs.New("sync", errs.CodeConflict,
			errs.WithKey(key), errs.WithMessage("key already bound"))
	}
	if err := b.Load(ctx); err != nil {
		m.unregister(key)
		return nil, err
	}
	b.unsub = base.AddObserver(b.onLocalChange)
	return b, nil
}

// Key returns the storage key this binding persists under.
func (b *Binding[T]) Key() string { return b.key }

// Load hydrates the container from storage through the merge path. A missing
// record leaves local state untouched.
func (b *Binding[T]) Load(ctx context.Context) error {
	rec, err := b.manager.adapter.Get(ctx, b.key)
	if errs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", b.key, err)
	}
	b.applyRecord(&rec)
	return nil
}

// Flush forces the pending throttled write out immediately. A no-op when
// nothing is pending.
func (b *Binding[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	rec := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	if rec == nil {
		return nil
	}
	return b.write(ctx, rec)
}

// Detach stops persisting and routing for this binding. The container keeps
// working locally.
func (b *Binding[T]) Detach() {
	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		return
	}
	b.detached = true
	unsub := b.unsub
	b.unsub = nil
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	b.manager.unregister(b.key)
}

// onLocalChange snapshots the new state into the pending slot and arms the
// throttle timer unless one is already running.
func (b *Binding[T]) onLocalChange() {
	b.mu.Lock()
	if b.applying || b.detached {
		b.mu.Unlock()
		return
	}
	b.pending = b.snapshotRecord()
	if b.timer == nil {
		b.timer = time.AfterFunc(b.manager.throttle, b.fire)
	}
	b.mu.Unlock()
}

func (b *Binding[T]) fire() {
	b.mu.Lock()
	rec := b.pending
	b.pending = nil
	b.timer = nil
	detached := b.detached
	b.mu.Unlock()
	if rec == nil || detached {
		return
	}
	if err := b.write(context.Background(), rec); err != nil {
		logWriteFailure(b.key, err)
	}
}

// snapshotRecord captures the current state with sync metadata. Caller holds
// b.mu; the base container is read with its own lock.
func (b *Binding[T]) snapshotRecord() *codec.Record {
	return &codec.Record{
		State:   b.base.Get(),
		Version: b.base.Version(),
		SyncMetadata: map[string]any{
			"origin":    b.manager.origin,
			"updatedAt": b.manager.clk.Now().UnixMilli(),
		},
	}
}

func (b *Binding[T]) write(ctx context.Context, rec *codec.Record) error {
	if limiter := b.manager.limiter; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if err := b.manager.adapter.Set(ctx, b.key, *rec); err != nil {
		return fmt.Errorf("persist %s: %w", b.key, err)
	}
	telemetry.Engine().PersistWrite(b.key)
	return nil
}

// applyRecord folds a remote snapshot into local state: both sides are
// reduced to their serialized object form, merged field by field, and the
// result applied as a normal equality-skipped update.
func (b *Binding[T]) applyRecord(rec *codec.Record) {
	if rec == nil {
		return
	}
	merged := b.mergeIncoming(rec.State)

	var next T
	carrier := codec.Record{State: merged, Version: 0, SyncMetadata: nil}
	if err := carrier.DecodeState(&next); err != nil {
		observability.Log().Error("remote record rejected",
			observability.F("key", b.key), observability.F("error", err))
		return
	}

	b.mu.Lock()
	b.applying = true
	b.mu.Unlock()
	b.base.Set(next)
	b.mu.Lock()
	b.applying = false
	b.mu.Unlock()

	telemetry.Engine().MergeApplied(b.key)
}

// mergeIncoming applies the field merge table when both sides are object
// shaped; otherwise the incoming value wins whole.
func (b *Binding[T]) mergeIncoming(incoming any) any {
	currentAny := codec.Clone(b.base.Get())
	currentMap, currentOK := currentAny.(map[string]any)
	incomingMap, incomingOK := codec.Clone(incoming).(map[string]any)
	if !currentOK || !incomingOK {
		return incoming
	}
	return b.table.Apply(incomingMap, currentMap)
}
