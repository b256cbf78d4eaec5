package query

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// Prefetch warms the cache for several explicit parameter sets with bounded
// concurrency. Entries already fresh are skipped; failures are aggregated
// and do not abort the remaining fetches.
func (q *Container[D]) Prefetch(ctx context.Context, paramSets []map[string]any, workers int) error {
	if len(paramSets) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(paramSets) {
		workers = len(paramSets)
	}

	var mu sync.Mutex
	var failures []error
	p := pool.New().WithMaxGoroutines(workers)
	for _, params := range paramSets {
		set := params
		p.Go(func() {
			key, err := canonicalKey(set)
			if err == nil {
				_, err = q.fetchKey(ctx, key, set, false)
			}
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()
	return errors.Join(failures...)
}
