package cache

import (
	"fmt"
	"sync"
	"time"
)

// Bounded is a fixed capacity, TTL aware key/value cache. It never holds more
// than Config.MaxSize entries and never returns an entry older than
// Config.TTL. Values are returned as-is, so pointer values remain shared
// with the caller.
type Bounded[K comparable, V any] struct {
	mutex   sync.RWMutex
	entries map[K]*entry[V]
	cfg     Config
	clock   Clock
	victim  victimFunc[V]
	onEvict func(K, V)
	seq     uint64
}

// New returns an empty Bounded cache.
func New[K comparable, V any](cfg Config, opts ...Option) *Bounded[K, V] {
	o := applyOptions(opts)
	cfg = cfg.normalize()
	c := &Bounded[K, V]{
		entries: make(map[K]*entry[V], cfg.MaxSize),
		cfg:     cfg,
		clock:   o.clock,
		victim:  victimFor[V](cfg.Strategy),
	}
	if o.onEvict != nil {
		fn, ok := o.onEvict.(func(K, V))
		if !ok {
			panic(fmt.Sprintf("cache: WithOnEvict callback is %T, want func(%T, %T)", o.onEvict, *new(K), *new(V)))
		}
		c.onEvict = fn
	}
	return c
}

// Config returns the configuration the cache was created with.
func (c *Bounded[K, V]) Config() Config {
	return c.cfg
}

// Set inserts or overwrites key. Overwriting resets the entry's age and
// access metadata.
func (c *Bounded[K, V]) Set(key K, value V) {
	c.mutex.Lock()
	ev := c.set(key, value, c.clock.Now())
	c.mutex.Unlock()
	c.notify(ev)
}

// SetIfAbsent stores value only when key has no live entry. It returns true
// if the value was stored.
func (c *Bounded[K, V]) SetIfAbsent(key K, value V) bool {
	return c.SetIf(key, value, func(live bool) bool { return !live })
}

// SetIf stores value when cond returns true. cond is called with the cache
// lock held and is told whether key currently has a live entry; it must not
// call back into the cache. SetIf returns true if the value was stored.
func (c *Bounded[K, V]) SetIf(key K, value V, cond func(live bool) bool) bool {
	c.mutex.Lock()
	now := c.clock.Now()
	e, ok := c.entries[key]
	if !cond(ok && !e.expired(now, c.cfg.TTL)) {
		c.mutex.Unlock()
		return false
	}
	ev := c.set(key, value, now)
	c.mutex.Unlock()
	c.notify(ev)
	return true
}

type eviction[K comparable, V any] struct {
	key   K
	value V
	ok    bool
}

func (c *Bounded[K, V]) notify(ev eviction[K, V]) {
	if ev.ok && c.onEvict != nil {
		c.onEvict(ev.key, ev.value)
	}
}

func (c *Bounded[K, V]) set(key K, value V, now time.Time) eviction[K, V] {
	var ev eviction[K, V]
	c.sweep(now)
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.cfg.MaxSize {
		ev = c.evict()
	}
	c.seq++
	c.entries[key] = &entry[V]{
		value:          value,
		createdAt:      now,
		lastAccessedAt: now,
		seq:            c.seq,
	}
	return ev
}

// Get returns the value for key and records the access. Expired entries are
// removed when observed.
func (c *Bounded[K, V]) Get(key K) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	now := c.clock.Now()
	if e.expired(now, c.cfg.TTL) {
		delete(c.entries, key)
		return zero, false
	}
	e.accessCount++
	e.lastAccessedAt = now
	return e.value, true
}

// Has reports whether key has a live entry without touching its access
// metadata.
func (c *Bounded[K, V]) Has(key K) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	e, ok := c.entries[key]
	return ok && !e.expired(c.clock.Now(), c.cfg.TTL)
}

// Peek returns the value for key even if it has expired, as long as it has
// not been purged yet. Access metadata is left untouched.
func (c *Bounded[K, V]) Peek(key K) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if e, ok := c.entries[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Delete removes key and reports whether it was present.
func (c *Bounded[K, V]) Delete(key K) bool {
	c.mutex.Lock()
	_, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mutex.Unlock()
	return ok
}

// Clear removes every entry.
func (c *Bounded[K, V]) Clear() {
	c.mutex.Lock()
	c.entries = make(map[K]*entry[V], c.cfg.MaxSize)
	c.mutex.Unlock()
}

// Size returns the number of live entries.
func (c *Bounded[K, V]) Size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sweep(c.clock.Now())
	return len(c.entries)
}

// Keys returns the keys of all live entries in no particular order.
func (c *Bounded[K, V]) Keys() []K {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sweep(c.clock.Now())
	keys := make([]K, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// sweep drops expired entries. Caller must hold the write lock.
func (c *Bounded[K, V]) sweep(now time.Time) {
	if c.cfg.TTL <= 0 {
		return
	}
	for k, e := range c.entries {
		if e.expired(now, c.cfg.TTL) {
			delete(c.entries, k)
		}
	}
}

// evict removes exactly one entry chosen by the strategy and returns it.
// Caller must hold the write lock.
func (c *Bounded[K, V]) evict() eviction[K, V] {
	var (
		victimKey K
		victim    *entry[V]
	)
	for k, e := range c.entries {
		if victim == nil || c.victim(e, victim) {
			victimKey, victim = k, e
		}
	}
	if victim == nil {
		return eviction[K, V]{}
	}
	delete(c.entries, victimKey)
	return eviction[K, V]{key: victimKey, value: victim.value, ok: true}
}
