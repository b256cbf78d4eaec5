// Package pgstore is the remote-process reference adapter: records live in a
// PostgreSQL jsonb table shared by every context in the namespace, and change
// events ride LISTEN/NOTIFY so remote writes surface through the same Watch
// contract as the in-process adapters.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/errs"
	"github.com/coachpo/vessel/internal/observability"
	"github.com/coachpo/vessel/storage"
)

const notifyChannel = "vessel_record_changes"

// Store is a namespaced adapter over one pgx pool. Each store runs its own
// listener connection; remote events carry the last value this store
// observed for the key as OldValue.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
	ks       storage.Keyspace
	hub      storage.Hub

	mu    sync.Mutex
	known map[string]*codec.Record

	cancel context.CancelFunc
	done   chan struct{}
}

// New connects the adapter and starts the notification listener.
func New(ctx context.Context, dsn, namespace string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.New("pgstore", errs.CodeStorage,
			errs.WithMessage("create pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("pgstore", errs.CodeStorage,
			errs.WithMessage("ping database"), errs.WithCause(err))
	}
	s := NewWithPool(pool, namespace)
	s.ownsPool = true
	return s, nil
}

// NewWithPool attaches the adapter to an existing pool. The caller keeps
// ownership of the pool; Close stops only the listener.
func NewWithPool(pool *pgxpool.Pool, namespace string) *Store {
	listenCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:     pool,
		ownsPool: false,
		ks:       storage.NewKeyspace(namespace),
		hub:      storage.Hub{}, //nolint:exhaustruct
		mu:       sync.Mutex{},
		known:    make(map[string]*codec.Record),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.listen(listenCtx)
	return s
}

// Close stops the listener. The pool is closed only when this store created
// it via New.
func (s *Store) Close() {
	s.cancel()
	<-s.done
	if s.ownsPool {
		s.pool.Close()
	}
}

// Get returns the stored record for the key.
func (s *Store) Get(ctx context.Context, key string) (codec.Record, error) {
	full := s.ks.Full(key)
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM vessel_records WHERE key = $1`, full).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return codec.Record{}, errs.New("pgstore", errs.CodeNotFound, //nolint:exhaustruct
			errs.WithKey(key), errs.WithMessage("record not found"))
	}
	if err != nil {
		return codec.Record{}, errs.New("pgstore", errs.CodeStorage, //nolint:exhaustruct
			errs.WithKey(key), errs.WithMessage("read record"), errs.WithCause(err))
	}
	return codec.UnmarshalRecord(data)
}

// Set upserts the record and notifies the channel when the serialized value
// changed. The previous row is read under lock inside the same transaction
// so concurrent writers serialize per key.
func (s *Store) Set(ctx context.Context, key string, record codec.Record) error {
	data, err := codec.MarshalRecord(record)
	if err != nil {
		return err
	}
	full := s.ks.Full(key)

	previous, changed, err := s.withRowLock(ctx, full, func(tx pgx.Tx, prev []byte) (bool, error) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO vessel_records (key, record, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (key) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
			full, data); err != nil {
			return false, err
		}
		return prev == nil || string(prev) != string(data), nil
	})
	if err != nil {
		return errs.New("pgstore", errs.CodeStorage,
			errs.WithKey(key), errs.WithMessage("write record"), errs.WithCause(err))
	}
	s.remember(full, &record)
	if changed {
		s.hub.Emit(full, previous, &record)
	}
	return nil
}

// Delete removes the key. Absent keys are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	full := s.ks.Full(key)
	previous, changed, err := s.withRowLock(ctx, full, func(tx pgx.Tx, prev []byte) (bool, error) {
		if prev == nil {
			return false, nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM vessel_records WHERE key = $1`, full); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return errs.New("pgstore", errs.CodeStorage,
			errs.WithKey(key), errs.WithMessage("delete record"), errs.WithCause(err))
	}
	s.remember(full, nil)
	if changed {
		s.hub.Emit(full, previous, nil)
	}
	return nil
}

// Contains reports whether the key is stored.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM vessel_records WHERE key = $1)`, s.ks.Full(key)).Scan(&exists)
	if err != nil {
		return false, errs.New("pgstore", errs.CodeStorage,
			errs.WithKey(key), errs.WithMessage("probe record"), errs.WithCause(err))
	}
	return exists, nil
}

// Keys lists the logical keys in this store's namespace, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM vessel_records`)
	if err != nil {
		return nil, errs.New("pgstore", errs.CodeStorage,
			errs.WithMessage("list keys"), errs.WithCause(err))
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var full string
		if err := rows.Scan(&full); err != nil {
			return nil, errs.New("pgstore", errs.CodeStorage,
				errs.WithMessage("scan key"), errs.WithCause(err))
		}
		if key, ok := s.ks.Trim(full); ok {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("pgstore", errs.CodeStorage,
			errs.WithMessage("iterate keys"), errs.WithCause(err))
	}
	sort.Strings(keys)
	return keys, nil
}

// ClearAll removes every key in the namespace, notifying the channel and
// emitting a delete event per cleared key. Refuses to run without a
// namespace prefix. starts_with avoids LIKE wildcard expansion for prefixes
// containing % or _.
func (s *Store) ClearAll(ctx context.Context) error {
	if s.ks.Empty() {
		return storage.ErrEmptyNamespace("pgstore")
	}
	prefix := s.ks.Prefix() + ":"

	type clearedRow struct {
		full     string
		previous *codec.Record
	}
	cleared := make([]clearedRow, 0)

	err := func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		rows, err := tx.Query(ctx,
			`SELECT key, record FROM vessel_records WHERE starts_with(key, $1) FOR UPDATE`, prefix)
		if err != nil {
			return fmt.Errorf("collect keys: %w", err)
		}
		for rows.Next() {
			var full string
			var data []byte
			if err := rows.Scan(&full, &data); err != nil {
				rows.Close()
				return fmt.Errorf("scan row: %w", err)
			}
			var previous *codec.Record
			if rec, err := codec.UnmarshalRecord(data); err == nil {
				previous = &rec
			}
			cleared = append(cleared, clearedRow{full: full, previous: previous})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate rows: %w", err)
		}
		if len(cleared) == 0 {
			return tx.Commit(ctx)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM vessel_records WHERE starts_with(key, $1)`, prefix); err != nil {
			return fmt.Errorf("delete rows: %w", err)
		}
		for _, row := range cleared {
			if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, row.full); err != nil {
				return fmt.Errorf("notify: %w", err)
			}
		}
		return tx.Commit(ctx)
	}()
	if err != nil {
		return errs.New("pgstore", errs.CodeStorage,
			errs.WithMessage("clear namespace"), errs.WithCause(err))
	}

	for _, row := range cleared {
		s.remember(row.full, nil)
		s.hub.Emit(row.full, row.previous, nil)
	}
	observability.Log().Debug("namespace cleared",
		observability.F("namespace", s.ks.Prefix()),
		observability.F("rows", len(cleared)))
	return nil
}

// Watch subscribes to change events for this store's namespace: local
// writes plus LISTEN/NOTIFY traffic from other contexts.
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

// withRowLock runs fn inside a transaction holding the row lock for the
// key, notifies the channel when fn reports a change, and returns the
// previous record.
func (s *Store) withRowLock(ctx context.Context, full string,
	fn func(tx pgx.Tx, prev []byte) (bool, error),
) (*codec.Record, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev []byte
	err = tx.QueryRow(ctx,
		`SELECT record FROM vessel_records WHERE key = $1 FOR UPDATE`, full).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("read previous: %w", err)
	}

	changed, err := fn(tx, prev)
	if err != nil {
		return nil, false, err
	}
	if changed {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, full); err != nil {
			return nil, false, fmt.Errorf("notify: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	var previous *codec.Record
	if prev != nil {
		if rec, err := codec.UnmarshalRecord(prev); err == nil {
			previous = &rec
		}
	}
	return previous, changed, nil
}

// listen holds a dedicated connection on the notify channel and replays
// remote changes into the hub. Connection loss is retried with a flat delay.
func (s *Store) listen(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			observability.Log().Error("notification listener lost",
				observability.F("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		s.handleNotification(ctx, notification.Payload)
	}
}

// handleNotification resolves the notified key's current value and emits it
// against the last value this store observed. Our own writes arrive here
// too; by then known already matches the stored value, so the hub's
// suppression drops the duplicate.
func (s *Store) handleNotification(ctx context.Context, full string) {
	key, ok := s.ks.Trim(full)
	if !ok {
		return
	}
	var current *codec.Record
	rec, err := s.Get(ctx, key)
	switch {
	case err == nil:
		current = &rec
	case errs.IsNotFound(err):
		current = nil
	default:
		observability.Log().Error("notified record unreadable",
			observability.F("key", key), observability.F("error", err))
		return
	}

	s.mu.Lock()
	previous := s.known[full]
	s.mu.Unlock()
	s.remember(full, current)
	s.hub.Emit(full, previous, current)
}

func (s *Store) remember(full string, rec *codec.Record) {
	s.mu.Lock()
	if rec == nil {
		delete(s.known, full)
	} else {
		s.known[full] = codec.CloneRecord(rec)
	}
	s.mu.Unlock()
}
