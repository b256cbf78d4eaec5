package query

import (
	"github.com/coachpo/vessel/codec"
	"github.com/coachpo/vessel/core/container"
)

// Param supplies one named query parameter: either a constant or a reactive
// accessor evaluated through the dependency tracker. A query container
// automatically re-keys when any container referenced by an accessor
// changes.
type Param struct {
	constant any
	accessor func(*container.Track) (any, error)
}

// Const builds a constant parameter.
func Const(value any) Param {
	return Param{constant: value, accessor: nil}
}

// Reactive builds a parameter from a tracked accessor function.
func Reactive(fn func(*container.Track) (any, error)) Param {
	return Param{constant: nil, accessor: fn}
}

// From builds a reactive parameter reading a single container.
func From[T any](src container.Source[T]) Param {
	return Reactive(func(track *container.Track) (any, error) {
		value, err := container.Read(track, src)
		if err != nil {
			return nil, err
		}
		return value, nil
	})
}

func (p Param) resolve(track *container.Track) (any, error) {
	if p.accessor == nil {
		return p.constant, nil
	}
	return p.accessor(track)
}

// canonicalKey derives the cache key from resolved parameter values. Keys
// are deterministic: object fields serialize in sorted order.
func canonicalKey(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	return codec.Canonical(params)
}
