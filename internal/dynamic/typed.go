package dynamic

import (
	"fmt"
	"math"
)

// ValueOrDefault returns the value stored under key converted to T, or def
// when the key is absent. A stored null converts to T's zero value.
func ValueOrDefault[T any](r *Record, key string, def T) (T, error) {
	v, ok := r.Lookup(key)
	if !ok {
		return def, nil
	}
	out, err := As[T](v)
	if err != nil {
		return def, fmt.Errorf("%q: %w", key, err)
	}
	return out, nil
}

// As converts v to T. Integers convert to any integer or float type they fit
// in; floats only convert to float types. Anything else must match exactly.
func As[T any](v Value) (T, error) {
	var zero T
	if v.IsNull() {
		return zero, nil
	}
	if out, ok := any(v).(T); ok {
		return out, nil
	}
	if out, ok := v.Interface().(T); ok {
		return out, nil
	}

	mismatch := fmt.Errorf("%w: %s is not %T", ErrTypeMismatch, v.Kind(), zero)
	switch p := any(&zero).(type) {
	case *int:
		n, ok := v.AsInt()
		if !ok || n < math.MinInt || n > math.MaxInt {
			return zero, mismatch
		}
		*p = int(n)
	case *int32:
		n, ok := v.AsInt()
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return zero, mismatch
		}
		*p = int32(n)
	case *uint:
		n, ok := v.AsInt()
		if !ok || n < 0 {
			return zero, mismatch
		}
		*p = uint(n)
	case *float64:
		f, ok := v.AsFloat()
		if !ok {
			return zero, mismatch
		}
		*p = f
	case *float32:
		f, ok := v.AsFloat()
		if !ok {
			return zero, mismatch
		}
		*p = float32(f)
	default:
		return zero, mismatch
	}
	return zero, nil
}
