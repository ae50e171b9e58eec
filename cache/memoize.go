package cache

import "context"

// Memoize wraps f so results are looked up in c under keyFn(arg) before f is
// called, and stored afterwards.
func Memoize[A any, K comparable, R any](f func(A) R, keyFn func(A) K, c *Bounded[K, R]) func(A) R {
	return func(arg A) R {
		key := keyFn(arg)
		if val, ok := c.Get(key); ok {
			return val
		}
		val := f(arg)
		c.Set(key, val)
		return val
	}
}

// MemoizeAsync is Memoize for functions that take a context and may fail.
// Errors are not cached. Concurrent calls that derive the same key are not
// coalesced: each miss calls f. Use resource.Deduplicator in front of f
// when a single in-flight call per key is required.
func MemoizeAsync[A any, K comparable, R any](f func(context.Context, A) (R, error), keyFn func(A) K, c *Bounded[K, R]) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		key := keyFn(arg)
		if val, ok := c.Get(key); ok {
			return val, nil
		}
		val, err := f(ctx, arg)
		if err != nil {
			var zero R
			return zero, err
		}
		c.Set(key, val)
		return val, nil
	}
}
