// Package query implements the asynchronous query-cache engine: containers
// whose state is fetched through a caller-supplied fetcher, keyed by resolved
// reactive parameters, cached with a staleness window, deduplicated while in
// flight, and retried with exponential backoff.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/core/container"
	"github.com/coachpo/vessel/errs"
	"github.com/coachpo/vessel/internal/clock"
	"github.com/coachpo/vessel/internal/observability"
	"github.com/coachpo/vessel/lib/telemetry"
)

// Fetcher loads data for the resolved parameter set. Fetcher rejections are
// absorbed into the container's error state, never thrown through the
// synchronous read path.
type Fetcher[D any] func(ctx context.Context, params map[string]any) (D, error)

// Config describes a query container.
type Config[D any] struct {
	Name      string
	Fetcher   Fetcher[D]
	Params    map[string]Param
	StaleTime time.Duration
	Retry     RetryPolicy
	Clock     clock.Clock
}

// Result is the synchronous view of a query container. Data and Err can
// coexist: after a failed refetch the previous data is still served
// (stale-while-error).
type Result[D any] struct {
	Data      D
	HasData   bool
	Err       error
	FetchedAt time.Time
	Fetching  bool
}

// Container is a query-backed state container. It implements
// container.Source[Result[D]] so derived computations can read it through
// the dependency tracker.
type Container[D any] struct {
	mu      sync.Mutex
	cfg     Config[D]
	clk     clock.Clock
	entries map[string]*entry[D]

	state *container.Base[Result[D]]

	observerMu    sync.Mutex
	observerCount int
	paramUnsubs   []func()
	paramDeps     []container.Observable
}

type entry[D any] struct {
	data      D
	hasData   bool
	err       error
	fetchedAt time.Time
	flight    *flight[D]
}

// flight is a single in-progress fetch shared by every caller of the same
// key. At most one flight exists per key at a time.
type flight[D any] struct {
	done chan struct{}
	data D
	err  error
}

// New constructs a query container. The fetcher is required.
func New[D any](cfg Config[D]) (*Container[D], error) {
	if cfg.Fetcher == nil {
		return nil, errs.Validation("query", "fetcher required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	cfg.Retry = cfg.Retry.normalize()
	q := &Container[D]{
		mu:            sync.Mutex{},
		cfg:           cfg,
		clk:           clk,
		entries:       make(map[string]*entry[D]),
		state:         nil,
		observerMu:    sync.Mutex{},
		observerCount: 0,
		paramUnsubs:   nil,
		paramDeps:     nil,
	}
	q.state = container.NewBase(Result[D]{}, //nolint:exhaustruct
		container.WithName[Result[D]](cfg.Name),
		container.WithEquality(q.resultEqual))
	return q, nil
}

// Name returns the container's label.
func (q *Container[D]) Name() string { return q.cfg.Name }

// Get returns the current snapshot for the resolved key. It never suspends;
// cache freshness and in-flight fetches are reflected in the Result.
func (q *Container[D]) Get() Result[D] {
	key, _, err := q.resolveKey(nil)
	if err != nil {
		return Result[D]{Err: err} //nolint:exhaustruct
	}
	return q.snapshot(key)
}

// Value implements container.Source.
func (q *Container[D]) Value() (Result[D], error) {
	return q.Get(), nil
}

// GetData returns the last known data for the resolved key, or the zero
// value before the first resolution.
func (q *Container[D]) GetData() D {
	return q.Get().Data
}

// Fetch forces a fetch for the currently resolved key regardless of
// staleness and returns the settled data. Concurrent callers for the same
// key collapse onto a single fetcher invocation.
func (q *Container[D]) Fetch(ctx context.Context) (D, error) {
	key, params, err := q.resolveKey(nil)
	if err != nil {
		var zero D
		return zero, err
	}
	return q.fetchKey(ctx, key, params, true)
}

// FetchParams fetches with an explicit parameter set, bypassing the
// configured reactive accessors. Used for prefetching keys that are not
// currently selected.
func (q *Container[D]) FetchParams(ctx context.Context, params map[string]any) (D, error) {
	key, err := canonicalKey(params)
	if err != nil {
		var zero D
		return zero, err
	}
	return q.fetchKey(ctx, key, params, true)
}

// Ensure fetches only when the cached entry for the resolved key is missing
// or stale, and returns the settled data.
func (q *Container[D]) Ensure(ctx context.Context) (D, error) {
	key, params, err := q.resolveKey(nil)
	if err != nil {
		var zero D
		return zero, err
	}
	return q.fetchKey(ctx, key, params, false)
}

// Invalidate marks every cached entry stale. Observed containers refetch on
// the next ensure cycle; unobserved ones refetch on their next read-through.
func (q *Container[D]) Invalidate() {
	q.mu.Lock()
	for _, e := range q.entries {
		e.fetchedAt = time.Time{}
	}
	q.mu.Unlock()
	if q.observers() > 0 {
		go q.ensureCurrent()
	}
}

// AddObserver registers a change callback. The first observer activates
// parameter tracking and triggers an initial ensure cycle.
func (q *Container[D]) AddObserver(fn func()) (remove func()) {
	removeState := q.state.AddObserver(fn)

	q.observerMu.Lock()
	q.observerCount++
	first := q.observerCount == 1
	q.observerMu.Unlock()
	if first {
		q.activate()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			removeState()
			q.observerMu.Lock()
			q.observerCount--
			last := q.observerCount == 0
			q.observerMu.Unlock()
			if last {
				q.deactivate()
			}
		})
	}
}

// Subscribe registers a listener receiving the query snapshot on every
// change (data arrival, error transition, or re-key).
func (q *Container[D]) Subscribe(listener func(Result[D])) (remove func()) {
	if listener == nil {
		return func() {}
	}
	return q.AddObserver(func() {
		listener(q.state.Get())
	})
}

func (q *Container[D]) observers() int {
	q.observerMu.Lock()
	defer q.observerMu.Unlock()
	return q.observerCount
}

// activate resolves params under tracking, subscribes to the referenced
// containers, and kicks off the initial ensure cycle.
func (q *Container[D]) activate() {
	track := container.NewTrack()
	key, params, err := q.resolveKey(track)

	deps := track.Dependencies()
	unsubs := make([]func(), 0, len(deps))
	for _, dep := range deps {
		unsubs = append(unsubs, dep.AddObserver(q.onParamChange))
	}
	q.observerMu.Lock()
	q.paramUnsubs = unsubs
	q.paramDeps = deps
	q.observerMu.Unlock()

	if err != nil {
		q.publish(Result[D]{Err: err}) //nolint:exhaustruct
		return
	}
	q.publish(q.snapshot(key))
	go q.ensure(key, params)
}

func (q *Container[D]) deactivate() {
	q.observerMu.Lock()
	unsubs := q.paramUnsubs
	q.paramUnsubs = nil
	q.paramDeps = nil
	q.observerMu.Unlock()
	for _, unsub := range unsubs {
		if unsub != nil {
			unsub()
		}
	}
	// In-flight fetches are not cancelled; they settle into the cache for
	// the next observer.
}

// onParamChange re-resolves the key, refreshes parameter subscriptions, and
// ensures freshness for the new key.
func (q *Container[D]) onParamChange() {
	if q.observers() == 0 {
		return
	}
	track := container.NewTrack()
	key, params, err := q.resolveKey(track)

	q.observerMu.Lock()
	same := sameObservables(q.paramDeps, track.Dependencies())
	var oldUnsubs []func()
	if !same {
		oldUnsubs = q.paramUnsubs
		q.paramUnsubs = nil
	}
	q.observerMu.Unlock()
	if !same {
		for _, unsub := range oldUnsubs {
			if unsub != nil {
				unsub()
			}
		}
		deps := track.Dependencies()
		unsubs := make([]func(), 0, len(deps))
		for _, dep := range deps {
			unsubs = append(unsubs, dep.AddObserver(q.onParamChange))
		}
		q.observerMu.Lock()
		q.paramUnsubs = unsubs
		q.paramDeps = deps
		q.observerMu.Unlock()
	}

	if err != nil {
		q.publish(Result[D]{Err: err}) //nolint:exhaustruct
		return
	}
	q.publish(q.snapshot(key))
	go q.ensure(key, params)
}

func (q *Container[D]) ensureCurrent() {
	key, params, err := q.resolveKey(nil)
	if err != nil {
		return
	}
	q.ensure(key, params)
}

func (q *Container[D]) ensure(key string, params map[string]any) {
	if _, err := q.fetchKey(context.Background(), key, params, false); err != nil {
		observability.Log().Debug("query ensure failed",
			observability.F("query", q.cfg.Name), observability.F("error", err))
	}
}

// resolveKey evaluates the parameter mapping (under tracking when track is
// non-nil) and derives the canonical cache key.
func (q *Container[D]) resolveKey(track *container.Track) (string, map[string]any, error) {
	params := make(map[string]any, len(q.cfg.Params))
	for name, param := range q.cfg.Params {
		value, err := param.resolve(track)
		if err != nil {
			return "", nil, errs.New("query/"+q.cfg.Name, errs.CodeComputation,
				errs.WithMessage("resolve param "+name), errs.WithCause(err))
		}
		params[name] = value
	}
	key, err := canonicalKey(params)
	if err != nil {
		return "", nil, err
	}
	return key, params, nil
}

// snapshot builds the synchronous view of a key's entry.
func (q *Container[D]) snapshot(key string) Result[D] {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	if !ok {
		return Result[D]{} //nolint:exhaustruct
	}
	return Result[D]{
		Data:      e.data,
		HasData:   e.hasData,
		Err:       e.err,
		FetchedAt: e.fetchedAt,
		Fetching:  e.flight != nil,
	}
}

func (q *Container[D]) fresh(e *entry[D]) bool {
	if !e.hasData || q.cfg.StaleTime <= 0 {
		return false
	}
	return q.clk.Now().Sub(e.fetchedAt) < q.cfg.StaleTime
}

// fetchKey serves the freshness/dedup algorithm: fresh entries are returned
// without network activity (unless forced), an in-flight fetch for the same
// key absorbs the caller, and otherwise a new flight starts.
func (q *Container[D]) fetchKey(ctx context.Context, key string, params map[string]any, force bool) (D, error) {
	q.mu.Lock()
	e, ok := q.entries[key]
	if !ok {
		e = new(entry[D])
		q.entries[key] = e
	}

	if !force && q.fresh(e) && e.flight == nil {
		data := e.data
		q.mu.Unlock()
		telemetry.Engine().CacheHit(q.cfg.Name)
		return data, nil
	}

	if e.flight != nil {
		fl := e.flight
		q.mu.Unlock()
		telemetry.Engine().DedupedFetch(q.cfg.Name)
		return q.await(ctx, fl)
	}

	fl := &flight[D]{done: make(chan struct{})} //nolint:exhaustruct
	e.flight = fl
	q.mu.Unlock()

	telemetry.Engine().CacheMiss(q.cfg.Name)
	go q.runFlight(key, params, fl)
	return q.await(ctx, fl)
}

func (q *Container[D]) await(ctx context.Context, fl *flight[D]) (D, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-fl.done:
		return fl.data, fl.err
	case <-ctx.Done():
		var zero D
		return zero, ctx.Err()
	}
}

// runFlight executes the fetcher with the retry policy and settles the
// flight. On exhaustion the error is stored on the entry without discarding
// previously cached data.
func (q *Container[D]) runFlight(key string, params map[string]any, fl *flight[D]) {
	data, err := q.fetchWithRetry(params)

	q.mu.Lock()
	e := q.entries[key]
	if e != nil && e.flight == fl {
		e.flight = nil
		if err != nil {
			e.err = err
		} else {
			e.data = data
			e.hasData = true
			e.err = nil
			e.fetchedAt = q.clk.Now()
		}
	}
	q.mu.Unlock()

	fl.data = data
	fl.err = err
	close(fl.done)

	// Results are delivered only to observers still present; the cache is
	// warm either way.
	if q.observers() > 0 {
		if current, _, resolveErr := q.resolveKey(nil); resolveErr == nil && current == key {
			q.publish(q.snapshot(key))
		}
	}
}

func (q *Container[D]) fetchWithRetry(params map[string]any) (D, error) {
	policy := q.cfg.Retry
	wait := policy.backoff()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		telemetry.Engine().Fetch(q.cfg.Name)
		data, err := q.cfg.Fetcher(context.Background(), params)
		if err == nil {
			return data, nil
		}
		lastErr = err
		observability.Log().Debug("query fetch attempt failed",
			observability.F("query", q.cfg.Name),
			observability.F("attempt", attempt),
			observability.F("error", err))
		if attempt == policy.MaxAttempts {
			break
		}
		time.Sleep(wait())
	}
	var zero D
	return zero, errs.New("query/"+q.cfg.Name, errs.CodeFetch,
		errs.WithMessage("fetch failed after retries"), errs.WithCause(lastErr))
}

func (q *Container[D]) publish(result Result[D]) {
	q.state.Set(result)
}

// resultEqual suppresses notifications when nothing observable changed.
func (q *Container[D]) resultEqual(prev, next Result[D]) bool {
	if prev.HasData != next.HasData || prev.Fetching != next.Fetching {
		return false
	}
	if !prev.FetchedAt.Equal(next.FetchedAt) {
		return false
	}
	if !sameError(prev.Err, next.Err) {
		return false
	}
	if container.Equal(any(prev.Data), any(next.Data)) {
		return true
	}
	return codec.DeepEqual(prev.Data, next.Data)
}

// sameError treats errors as equal by message, so a transition from one
// failure to a different one still notifies observers.
func sameError(prev, next error) bool {
	if prev == nil || next == nil {
		return prev == nil && next == nil
	}
	return prev.Error() == next.Error()
}

func sameObservables(current, next []container.Observable) bool {
	if len(current) != len(next) {
		return false
	}
	for i := range current {
		if current[i] != next[i] {
			return false
		}
	}
	return true
}
