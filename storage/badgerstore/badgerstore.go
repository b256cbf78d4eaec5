// Package badgerstore is the embedded durable adapter on BadgerDB. Records
// are stored as serialized JSON under namespaced keys; change events are
// emitted locally through the shared hub, so a single process gets the same
// watch semantics as the in-memory adapter with real durability underneath.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/errs"
	"github.com/coachpo/vessel/internal/observability"
	"github.com/coachpo/vessel/storage"
)

// Options configures the adapter.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory opens a non-persistent database, used by tests.
	InMemory bool
	// SyncWrites forces fsync on every write.
	SyncWrites bool
}

// Store is a namespaced adapter over one BadgerDB database.
type Store struct {
	db  *badger.DB
	ks  storage.Keyspace
	hub storage.Hub
}

// Open creates the adapter. The caller owns the store and must Close it.
func Open(opts Options, namespace string) (*Store, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errs.Validation("badgerstore", "path required for a persistent database")
	}
	cfg := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, errs.New("badgerstore", errs.CodeStorage,
			errs.WithMessage("open database"), errs.WithCause(err))
	}
	return &Store{db: db, ks: storage.NewKeyspace(namespace), hub: storage.Hub{}}, nil //nolint:exhaustruct
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	return nil
}

func checkCtx(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("badgerstore %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}

// Get returns the stored record for the key.
func (s *Store) Get(ctx context.Context, key string) (codec.Record, error) {
	if err := checkCtx(ctx, "get"); err != nil {
		return codec.Record{}, err //nolint:exhaustruct
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(s.ks.Full(key)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return codec.Record{}, errs.New("badgerstore", errs.CodeNotFound, //nolint:exhaustruct
			errs.WithKey(key), errs.WithMessage("record not found"))
	}
	if err != nil {
		return codec.Record{}, errs.New("badgerstore", errs.CodeStorage, //nolint:exhaustruct
			errs.WithKey(key), errs.WithMessage("read record"), errs.WithCause(err))
	}
	return codec.UnmarshalRecord(data)
}

// Set stores the record and emits a change event when the serialized value
// differs from the previous one.
func (s *Store) Set(ctx context.Context, key string, record codec.Record) error {
	if err := checkCtx(ctx, "set"); err != nil {
		return err
	}
	data, err := codec.MarshalRecord(record)
	if err != nil {
		return err
	}
	full := s.ks.Full(key)

	var previous *codec.Record
	err = s.db.Update(func(txn *badger.Txn) error {
		previous = s.readPrevious(txn, full)
		return txn.Set([]byte(full), data)
	})
	if err != nil {
		return errs.New("badgerstore", errs.CodeStorage,
			errs.WithKey(key), errs.WithMessage("write record"), errs.WithCause(err))
	}
	s.hub.Emit(full, previous, &record)
	return nil
}

// Delete removes the key. Absent keys are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := checkCtx(ctx, "delete"); err != nil {
		return err
	}
	full := s.ks.Full(key)
	var previous *codec.Record
	err := s.db.Update(func(txn *badger.Txn) error {
		previous = s.readPrevious(txn, full)
		if previous == nil {
			return nil
		}
		return txn.Delete([]byte(full))
	})
	if err != nil {
		return errs.New("badgerstore", errs.CodeStorage,
			errs.WithKey(key), errs.WithMessage("delete record"), errs.WithCause(err))
	}
	if previous != nil {
		s.hub.Emit(full, previous, nil)
	}
	return nil
}

// Contains reports whether the key is stored.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	if err := checkCtx(ctx, "contains"); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(s.ks.Full(key)))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errs.New("badgerstore", errs.CodeStorage,
			errs.WithKey(key), errs.WithMessage("probe record"), errs.WithCause(err))
	}
	return true, nil
}

// Keys lists the logical keys in this store's namespace, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := checkCtx(ctx, "keys"); err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			full := string(it.Item().Key())
			if key, ok := s.ks.Trim(full); ok {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New("badgerstore", errs.CodeStorage,
			errs.WithMessage("list keys"), errs.WithCause(err))
	}
	sort.Strings(keys)
	return keys, nil
}

// ClearAll removes every key in the namespace. Refuses to run without a
// namespace prefix.
func (s *Store) ClearAll(ctx context.Context) error {
	if s.ks.Empty() {
		return storage.ErrEmptyNamespace("badgerstore")
	}
	if err := checkCtx(ctx, "clearAll"); err != nil {
		return err
	}
	type removal struct {
		full     string
		previous *codec.Record
	}
	var removed []removal
	err := s.db.Update(func(txn *badger.Txn) error {
		removed = removed[:0]
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		var fulls []string
		for it.Rewind(); it.Valid(); it.Next() {
			full := string(it.Item().Key())
			if _, ok := s.ks.Trim(full); !ok {
				continue
			}
			fulls = append(fulls, full)
			removed = append(removed, removal{full: full, previous: s.decodeItem(it.Item())})
		}
		it.Close()
		for _, full := range fulls {
			if err := txn.Delete([]byte(full)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.New("badgerstore", errs.CodeStorage,
			errs.WithMessage("clear namespace"), errs.WithCause(err))
	}
	for _, r := range removed {
		s.hub.Emit(r.full, r.previous, nil)
	}
	return nil
}

// Watch subscribes to local change events, logical keys only.
func (s *Store) Watch(fn func(storage.Event)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	return s.hub.Watch(func(event storage.Event) {
		key, ok := s.ks.Trim(event.Key)
		if !ok {
			return
		}
		event.Key = key
		fn(event)
	})
}

// readPrevious loads the current record inside a transaction, nil when
// absent or undecodable.
func (s *Store) readPrevious(txn *badger.Txn, full string) *codec.Record {
	item, err := txn.Get([]byte(full))
	if err != nil {
		return nil
	}
	return s.decodeItem(item)
}

func (s *Store) decodeItem(item *badger.Item) *codec.Record {
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil
	}
	rec, err := codec.UnmarshalRecord(data)
	if err != nil {
		observability.Log().Error("stored record undecodable",
			observability.F("key", string(item.Key())), observability.F("error", err))
		return nil
	}
	return &rec
}
