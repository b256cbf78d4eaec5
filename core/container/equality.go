package container

import "reflect"

// EqualFunc compares two snapshots and reports whether they are equal for
// notification-suppression purposes.
type EqualFunc[T any] func(prev, next T) bool

// Equal is the default equality: identity comparison for comparable values.
// Values of uncomparable dynamic types never compare equal, so every write
// of such a value counts as a change.
func Equal[T any](prev, next T) bool {
	pv, nv := any(prev), any(next)
	if pv == nil || nv == nil {
		return pv == nil && nv == nil
	}
	pt := reflect.TypeOf(pv)
	if pt != reflect.TypeOf(nv) {
		return false
	}
	if !pt.Comparable() {
		return false
	}
	return pv == nv
}

// ShallowEqual compares one structural level: maps and slices match when
// they have the same length and identical elements, everything else falls
// back to identity.
func ShallowEqual[T any](prev, next T) bool {
	pv, nv := any(prev), any(next)
	if pv == nil || nv == nil {
		return pv == nil && nv == nil
	}
	left := reflect.ValueOf(pv)
	right := reflect.ValueOf(nv)
	if left.Type() != right.Type() {
		return false
	}
	switch left.Kind() {
	case reflect.Slice, reflect.Array:
		if left.Len() != right.Len() {
			return false
		}
		for i := 0; i < left.Len(); i++ {
			if !identityEqual(left.Index(i), right.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Map:
		if left.Len() != right.Len() {
			return false
		}
		iter := left.MapRange()
		for iter.Next() {
			other := right.MapIndex(iter.Key())
			if !other.IsValid() {
				return false
			}
			if !identityEqual(iter.Value(), other) {
				return false
			}
		}
		return true
	default:
		return Equal(pv, nv)
	}
}

func identityEqual(a, b reflect.Value) bool {
	if !a.Comparable() {
		return false
	}
	return a.Equal(b)
}
