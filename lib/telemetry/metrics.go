package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments bundles the engine's metric counters. All counters are safe
// for concurrent use and resolve lazily against the global meter provider.
type Instruments struct {
	recomputations metric.Int64Counter
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	dedupedFetches metric.Int64Counter
	fetches        metric.Int64Counter
	persistWrites  metric.Int64Counter
	mergesApplied  metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	instruments     *Instruments
)

// Engine returns the process-wide instrument set.
func Engine() *Instruments {
	instrumentsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("github.com/coachpo/vessel")
		instruments = &Instruments{
			recomputations: mustCounter(meter, "vessel_derived_recomputations_total", "Derived container computation runs."),
			cacheHits:      mustCounter(meter, "vessel_query_cache_hits_total", "Query reads served from a fresh cache entry."),
			cacheMisses:    mustCounter(meter, "vessel_query_cache_misses_total", "Query reads that required a fetch."),
			dedupedFetches: mustCounter(meter, "vessel_query_fetches_deduped_total", "Query fetches collapsed onto an in-flight request."),
			fetches:        mustCounter(meter, "vessel_query_fetches_total", "Query fetcher invocations."),
			persistWrites:  mustCounter(meter, "vessel_persist_writes_total", "Throttled storage writes issued."),
			mergesApplied:  mustCounter(meter, "vessel_merge_applied_total", "Remote snapshots merged into local state."),
		}
	})
	return instruments
}

// mustCounter ignores instrument-creation errors; the API returns a usable
// no-op instrument alongside the error.
func mustCounter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, _ := meter.Int64Counter(name, metric.WithDescription(description))
	return counter
}

func nameAttr(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("container", name))
}

// Recompute records a derived computation run.
func (i *Instruments) Recompute(name string) {
	i.recomputations.Add(context.Background(), 1, nameAttr(name))
}

// CacheHit records a query read served from fresh cache.
func (i *Instruments) CacheHit(name string) {
	i.cacheHits.Add(context.Background(), 1, nameAttr(name))
}

// CacheMiss records a query read that required network activity.
func (i *Instruments) CacheMiss(name string) {
	i.cacheMisses.Add(context.Background(), 1, nameAttr(name))
}

// DedupedFetch records a caller attached to an in-flight fetch.
func (i *Instruments) DedupedFetch(name string) {
	i.dedupedFetches.Add(context.Background(), 1, nameAttr(name))
}

// Fetch records a fetcher invocation.
func (i *Instruments) Fetch(name string) {
	i.fetches.Add(context.Background(), 1, nameAttr(name))
}

// PersistWrite records a throttled storage write.
func (i *Instruments) PersistWrite(name string) {
	i.persistWrites.Add(context.Background(), 1, nameAttr(name))
}

// MergeApplied records a remote snapshot merged into local state.
func (i *Instruments) MergeApplied(name string) {
	i.mergesApplied.Add(context.Background(), 1, nameAttr(name))
}
