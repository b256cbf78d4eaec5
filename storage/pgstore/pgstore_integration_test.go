package pgstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/errs"
	"github.com/coachpo/vessel/storage"
)

var (
	testPool    *pgxpool.Pool
	testDSN     string
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "vessel"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres adapter tests skipped: container start: %v\n", err)
		os.Exit(0)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres adapter tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	testDSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/vessel?sslmode=disable", host, port.Port())

	if err := Migrate(ctx, testDSN); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, testDSN)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func openStore(t *testing.T, namespace string) *Store {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
	s := NewWithPool(testPool, namespace)
	t.Cleanup(s.Close)
	return s
}

func TestRecordRoundTrip(t *testing.T) {
	s := openStore(t, "it-roundtrip")
	ctx := context.Background()

	want := codec.Record{ //nolint:exhaustruct
		State:   map[string]any{"tags": codec.NewSet("x", "y"), "count": float64(2)},
		Version: 7,
	}
	if err := s.Set(ctx, "doc", want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(ctx, "doc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version != 7 || !codec.DeepEqual(got.State, want.State) {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	if _, err := s.Get(ctx, "absent"); !errs.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestCrossStoreNotification(t *testing.T) {
	writer := openStore(t, "it-notify")
	reader := openStore(t, "it-notify")
	ctx := context.Background()

	events := make(chan storage.Event, 8)
	remove := reader.Watch(func(e storage.Event) { events <- e })
	defer remove()

	// Listener needs a moment to attach before the write lands.
	time.Sleep(500 * time.Millisecond)

	if err := writer.Set(ctx, "shared", codec.Record{State: "hello", Version: 1}); err != nil { //nolint:exhaustruct
		t.Fatalf("Set() error = %v", err)
	}

	select {
	case e := <-events:
		if e.Key != "shared" {
			t.Fatalf("event key = %q", e.Key)
		}
		if e.NewValue == nil || e.NewValue.State != "hello" {
			t.Fatalf("event new value = %+v", e.NewValue)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for cross-store notification")
	}
}

func TestOwnWriteNotDuplicatedByListener(t *testing.T) {
	s := openStore(t, "it-self")
	ctx := context.Background()

	events := make(chan storage.Event, 8)
	remove := s.Watch(func(e storage.Event) { events <- e })
	defer remove()
	time.Sleep(500 * time.Millisecond)

	if err := s.Set(ctx, "k", codec.Record{State: "v", Version: 1}); err != nil { //nolint:exhaustruct
		t.Fatalf("Set() error = %v", err)
	}

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("missing local change event")
	}
	select {
	case e := <-events:
		t.Fatalf("own write delivered twice: %+v", e)
	case <-time.After(2 * time.Second):
	}
}

func TestClearAllScopedAndGuarded(t *testing.T) {
	first := openStore(t, "it-clear-a")
	second := openStore(t, "it-clear-b")
	bare := openStore(t, "")
	ctx := context.Background()

	if err := first.Set(ctx, "k", codec.Record{State: 1, Version: 1}); err != nil { //nolint:exhaustruct
		t.Fatalf("Set() error = %v", err)
	}
	if err := second.Set(ctx, "k", codec.Record{State: 2, Version: 1}); err != nil { //nolint:exhaustruct
		t.Fatalf("Set() error = %v", err)
	}

	if err := bare.ClearAll(ctx); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for empty namespace, got %v", err)
	}

	if err := first.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if _, err := first.Get(ctx, "k"); !errs.IsNotFound(err) {
		t.Fatalf("expected cleared namespace, got %v", err)
	}
	if _, err := second.Get(ctx, "k"); err != nil {
		t.Fatalf("ClearAll crossed namespaces: %v", err)
	}
}

func TestClearAllEmitsDeleteEvents(t *testing.T) {
	owner := openStore(t, "it-clear-events")
	remote := openStore(t, "it-clear-events")
	ctx := context.Background()

	// The owner writes the records so its listener state knows them both.
	for _, key := range []string{"one", "two"} {
		if err := owner.Set(ctx, key, codec.Record{State: key, Version: 1}); err != nil { //nolint:exhaustruct
			t.Fatalf("Set(%s) error = %v", key, err)
		}
	}

	ownerEvents := make(chan storage.Event, 8)
	removeOwner := owner.Watch(func(e storage.Event) { ownerEvents <- e })
	defer removeOwner()
	time.Sleep(500 * time.Millisecond)

	if err := remote.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}

	deleted := make(map[string]bool)
	deadline := time.After(10 * time.Second)
	for len(deleted) < 2 {
		select {
		case e := <-ownerEvents:
			if e.NewValue != nil {
				t.Fatalf("clear produced a non-delete event: %+v", e)
			}
			if e.OldValue == nil {
				t.Fatalf("delete event missing old value for %q", e.Key)
			}
			deleted[e.Key] = true
		case <-deadline:
			t.Fatalf("timed out; delete events seen: %v", deleted)
		}
	}
	if !deleted["one"] || !deleted["two"] {
		t.Fatalf("unexpected cleared keys: %v", deleted)
	}
}

func TestClearAllWildcardPrefixSafe(t *testing.T) {
	wildcard := openStore(t, "it-wild%")
	sibling := openStore(t, "it-wildx")
	ctx := context.Background()

	if err := wildcard.Set(ctx, "k", codec.Record{State: 1, Version: 1}); err != nil { //nolint:exhaustruct
		t.Fatalf("Set() error = %v", err)
	}
	if err := sibling.Set(ctx, "k", codec.Record{State: 2, Version: 1}); err != nil { //nolint:exhaustruct
		t.Fatalf("Set() error = %v", err)
	}

	if err := wildcard.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if _, err := wildcard.Get(ctx, "k"); !errs.IsNotFound(err) {
		t.Fatalf("expected cleared namespace, got %v", err)
	}
	// A % in the namespace must not match other namespaces.
	if _, err := sibling.Get(ctx, "k"); err != nil {
		t.Fatalf("wildcard prefix crossed namespaces: %v", err)
	}
}

func TestCloseReleasesOwnedPool(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
	ctx := context.Background()
	s, err := New(ctx, testDSN, "it-owned")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Set(ctx, "k", codec.Record{State: 1, Version: 1}); err != nil { //nolint:exhaustruct
		t.Fatalf("Set() error = %v", err)
	}

	s.Close()

	// The store created the pool, so Close shuts it down.
	if _, err := s.Get(ctx, "k"); err == nil || errs.IsNotFound(err) {
		t.Fatalf("expected closed-pool failure, got %v", err)
	}
}

func TestKeysStripped(t *testing.T) {
	s := openStore(t, "it-keys")
	ctx := context.Background()
	for _, key := range []string{"b", "a"} {
		if err := s.Set(ctx, key, codec.Record{State: key, Version: 1}); err != nil { //nolint:exhaustruct
			t.Fatalf("Set(%s) error = %v", key, err)
		}
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("Keys() = %v", keys)
	}
}
