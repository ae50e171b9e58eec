// Package cache provides a generic, fixed capacity in-process cache with TTL
// expiry and selectable eviction, plus memoization helpers built on it.
//
// # Bounded Cache
//
// [New] returns a [Bounded] cache configured by a [Config]:
//
//	c := cache.New[string, User](cache.Config{
//	    TTL:      5 * time.Minute,
//	    MaxSize:  100,
//	    Strategy: cache.LFU,
//	})
//	c.Set("user:123", user)
//	user, ok := c.Get("user:123")
//
// The cache never holds more than MaxSize entries. When a [Bounded.Set] for a
// new key would overflow, expired entries are swept first and, if the cache
// is still full, exactly one victim is evicted:
//
//   - [LRU] evicts the entry with the oldest last access, then the oldest
//     creation time.
//   - [LFU] evicts the entry with the lowest access count, then the oldest
//     last access.
//   - [FIFO] evicts the entry created first, regardless of access.
//
// Victim selection is a linear scan. The cache is meant for tens to hundreds
// of entries, where the scan is cheaper than maintaining ordered indexes.
//
// # Expiry
//
// An entry expires once it is older than TTL. [Bounded.Get] and [Bounded.Has]
// never report an expired entry, [Bounded.Size] and [Bounded.Keys] sweep
// before answering. [Bounded.Peek] is the one exception: it returns a value
// that has expired but not yet been purged, which is what the query package
// serves as a stale fallback.
//
// # Memoization
//
// [Memoize] and [MemoizeAsync] wrap a function so its results are cached by a
// derived key:
//
//	lookup := cache.MemoizeAsync(fetchUser,
//	    func(id string) string { return "user:" + id }, c)
//	user, err := lookup(ctx, "123")
//
// [MemoizeAsync] does not deduplicate concurrent calls for the same key. Two
// goroutines that miss at the same time both call the wrapped function. Put a
// resource.Deduplicator in front of the function when that matters.
//
// # Thread Safety
//
// All [Bounded] methods are safe for concurrent use. A single sync.RWMutex
// guards each instance, and the sweep, evict and insert steps of a Set run
// under one critical section.
package cache
