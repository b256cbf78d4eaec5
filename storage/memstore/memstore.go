// Package memstore is the in-process reference adapter: a mutex-guarded map
// of serialized records with a change feed. Multiple stores can share one
// Region under different namespaces, which is how tests simulate several
// execution contexts over one backend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/errs"
	"github.com/coachpo/vessel/storage"
)

// Region is the shared backing area: stored records keyed by full
// (namespaced) key plus the change hub all attached stores emit through.
type Region struct {
	mu      sync.RWMutex
	records map[string]*codec.Record
	hub     storage.Hub
}

// NewRegion creates an empty backing region.
func NewRegion() *Region {
	r := new(Region)
	r.records = make(map[string]*codec.Record)
	return r
}

// Store is a namespaced view over a region.
type Store struct {
	region *Region
	ks     storage.Keyspace
}

// New creates a store over a private region.
func New(namespace string) *Store {
	return NewWithRegion(NewRegion(), namespace)
}

// NewWithRegion attaches a store to a shared region. Stores with the same
// namespace on the same region observe each other's writes.
func NewWithRegion(region *Region, namespace string) *Store {
	return &Store{region: region, ks: storage.NewKeyspace(namespace)}
}

func checkCtx(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memstore %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}

// Get returns the stored record for the key.
func (s *Store) Get(ctx context.Context, key string) (codec.Record, error) {
	if err := checkCtx(ctx, "get"); err != nil {
		return codec.Record{}, err //nolint:exhaustruct
	}
	s.region.mu.RLock()
	rec, ok := s.region.records[s.ks.Full(key)]
	s.region.mu.RUnlock()
	if !ok {
		return codec.Record{}, errs.New("memstore", errs.CodeNotFound, //nolint:exhaustruct
			errs.WithKey(key), errs.WithMessage("record not found"))
	}
	return *codec.CloneRecord(rec), nil
}

// Set stores the record under the key and emits a change event when the
// serialized value differs from what was stored before.
func (s *Store) Set(ctx context.Context, key string, record codec.Record) error {
	if err := checkCtx(ctx, "set"); err != nil {
		return err
	}
	full := s.ks.Full(key)
	stored := codec.CloneRecord(&record)

	s.region.mu.Lock()
	previous := s.region.records[full]
	s.region.records[full] = stored
	s.region.mu.Unlock()

	s.region.hub.Emit(full, previous, stored)
	return nil
}

// Delete removes the key. Deleting an absent key is a no-op and emits
// nothing.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := checkCtx(ctx, "delete"); err != nil {
		return err
	}
	full := s.ks.Full(key)

	s.region.mu.Lock()
	previous, existed := s.region.records[full]
	delete(s.region.records, full)
	s.region.mu.Unlock()

	if existed {
		s.region.hub.Emit(full, previous, nil)
	}
	return nil
}

// Contains reports whether the key is stored.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	if err := checkCtx(ctx, "contains"); err != nil {
		return false, err
	}
	s.region.mu.RLock()
	_, ok := s.region.records[s.ks.Full(key)]
	s.region.mu.RUnlock()
	return ok, nil
}

// Keys lists the logical keys in this store's namespace, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := checkCtx(ctx, "keys"); err != nil {
		return nil, err
	}
	s.region.mu.RLock()
	keys := make([]string, 0, len(s.region.records))
	for full := range s.region.records {
		if key, ok := s.ks.Trim(full); ok {
			keys = append(keys, key)
		}
	}
	s.region.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// ClearAll removes every key in this store's namespace. Refuses to run
// without a namespace prefix.
func (s *Store) ClearAll(ctx context.Context) error {
	if s.ks.Empty() {
		return storage.ErrEmptyNamespace("memstore")
	}
	if err := checkCtx(ctx, "clearAll"); err != nil {
		return err
	}
	type removal struct {
		full     string
		previous *codec.Record
	}
	s.region.mu.Lock()
	removed := make([]removal, 0)
	for full, rec := range s.region.records {
		if _, ok := s.ks.Trim(full); ok {
			removed = append(removed, removal{full: full, previous: rec})
			delete(s.region.records, full)
		}
	}
	s.region.mu.Unlock()

	for _, r := range removed {
		s.region.hub.Emit(r.full, r.previous, nil)
	}
	return nil
}

// Watch subscribes to change events for this store's namespace. Keys in the
// delivered events are logical (prefix stripped); dispatch is asynchronous.
func (s *Store) Watch(fn func(storage.Event)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	return s.region.hub.Watch(func(event storage.Event) {
		key, ok := s.ks.Trim(event.Key)
		if !ok {
			return
		}
		event.Key = key
		fn(event)
	})
}
