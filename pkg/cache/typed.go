package cache

import "context"

// GetAs retrieves a value and asserts it to T. A present entry of the
// wrong dynamic type reports false, the same as a miss, so callers never
// see a panic from a stale mixed-type namespace.
func GetAs[T any](ctx context.Context, c Cache, namespace string, identifier any) (T, bool) {
	var zero T
	value, ok := c.Get(ctx, namespace, identifier)
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
