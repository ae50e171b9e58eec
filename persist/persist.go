// Package persist provides a TTL cache that writes through to a
// storage.Storage so entries survive process restarts.
//
// Durability is best effort. Write failures are logged and dropped, read
// failures and corrupted entries are treated as misses, and corrupted
// entries are removed on sight. Nothing in this package returns an error to
// callers of Get or Set.
//
// The cache has no capacity bound and owns no timer. Expired entries are
// removed when read or by [Cache.Cleanup], which the application runs on its
// own schedule, usually through a [Janitor].
package persist

import (
	"context"
	"strings"
	"time"

	"github.com/agentuity/go-querycache/cache"
	"github.com/agentuity/go-querycache/logger"
	"github.com/agentuity/go-querycache/storage"
	"github.com/cockroachdb/errors"
)

// DefaultPrefix namespaces storage keys written by a Cache.
const DefaultPrefix = "cache:"

// DefaultTTL is how long entries stay valid unless WithTTL is given.
const DefaultTTL = 24 * time.Hour

type config struct {
	prefix string
	ttl    time.Duration
	log    logger.Logger
	clock  cache.Clock
}

// Option configures a persisted Cache.
type Option func(*config)

// WithPrefix sets the storage key namespace. Defaults to DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithTTL sets the entry lifetime. Defaults to DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets where swallowed failures are reported.
func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock cache.Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Cache is a TTL-only cache persisted to a storage.Storage.
type Cache[K ~string, V any] struct {
	store  storage.Storage
	codec  Codec[V]
	prefix string
	ttl    time.Duration
	log    logger.Logger
	clock  cache.Clock
}

// New returns a Cache encoding values with msgpack.
func New[K ~string, V any](store storage.Storage, opts ...Option) *Cache[K, V] {
	return NewWithCodec[K, V](store, Msgpack[V](), opts...)
}

// NewWithCodec returns a Cache encoding values with codec.
func NewWithCodec[K ~string, V any](store storage.Storage, codec Codec[V], opts ...Option) *Cache[K, V] {
	cfg := config{
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		log:    logger.NewDiscardLogger(),
		clock:  cache.SystemClock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache[K, V]{
		store:  store,
		codec:  codec,
		prefix: cfg.prefix,
		ttl:    cfg.ttl,
		log:    cfg.log.WithPrefix("[persist]"),
		clock:  cfg.clock,
	}
}

func (c *Cache[K, V]) storageKey(key K) string {
	return c.prefix + string(key)
}

func (c *Cache[K, V]) expired(r record, now time.Time) bool {
	return now.Sub(time.UnixMilli(r.Timestamp)) > c.ttl
}

// Set writes value under key. Failures are logged, never returned.
func (c *Cache[K, V]) Set(ctx context.Context, key K, value V) {
	data, err := c.codec.Encode(value)
	if err != nil {
		c.log.Warn("cannot encode value for %q: %v", key, err)
		return
	}
	buf, err := encodeRecord(record{Timestamp: c.clock.Now().UnixMilli(), Value: data})
	if err != nil {
		c.log.Warn("cannot encode record for %q: %v", key, err)
		return
	}
	if err := c.store.Set(ctx, c.storageKey(key), buf); err != nil {
		c.log.Warn("cannot write %q: %v", key, err)
	}
}

// Get returns the value for key. Missing, expired, unreadable and corrupted
// entries are all misses; expired and corrupted ones are removed.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, bool) {
	var zero V
	skey := c.storageKey(key)
	data, ok, err := c.store.Get(ctx, skey)
	if err != nil {
		c.log.Warn("cannot read %q: %v", key, err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	r, err := decodeRecord(data)
	if err == nil && c.expired(r, c.clock.Now()) {
		c.remove(ctx, skey)
		return zero, false
	}
	var val V
	if err == nil {
		val, err = c.codec.Decode(r.Value)
	}
	if err != nil {
		c.log.Debug("removing corrupt entry %q: %v", key, err)
		c.remove(ctx, skey)
		return zero, false
	}
	return val, true
}

// Has reports whether Get would hit, without decoding the value.
func (c *Cache[K, V]) Has(ctx context.Context, key K) bool {
	data, ok, err := c.store.Get(ctx, c.storageKey(key))
	if err != nil || !ok {
		return false
	}
	r, err := decodeRecord(data)
	return err == nil && !c.expired(r, c.clock.Now())
}

// Delete removes key.
func (c *Cache[K, V]) Delete(ctx context.Context, key K) {
	c.remove(ctx, c.storageKey(key))
}

func (c *Cache[K, V]) remove(ctx context.Context, skey string) {
	if err := c.store.Remove(ctx, skey); err != nil {
		c.log.Warn("cannot remove %q: %v", skey, err)
	}
}

// Keys returns the keys of all stored entries, live or not, without the
// namespace prefix.
func (c *Cache[K, V]) Keys(ctx context.Context) ([]K, error) {
	skeys, err := c.store.Keys(ctx, c.prefix)
	if err != nil {
		return nil, errors.Wrap(err, "persist: list keys")
	}
	keys := make([]K, 0, len(skeys))
	for _, sk := range skeys {
		keys = append(keys, K(strings.TrimPrefix(sk, c.prefix)))
	}
	return keys, nil
}

// Clear removes every entry under the namespace.
func (c *Cache[K, V]) Clear(ctx context.Context) error {
	skeys, err := c.store.Keys(ctx, c.prefix)
	if err != nil {
		return errors.Wrap(err, "persist: list keys")
	}
	for _, sk := range skeys {
		c.remove(ctx, sk)
	}
	return nil
}

// Cleanup removes every entry under the namespace that has expired or cannot
// be decoded, and returns how many were removed. Only a failure to list keys
// is returned as an error.
func (c *Cache[K, V]) Cleanup(ctx context.Context) (int, error) {
	skeys, err := c.store.Keys(ctx, c.prefix)
	if err != nil {
		return 0, errors.Wrap(err, "persist: list keys")
	}
	now := c.clock.Now()
	removed := 0
	for _, sk := range skeys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		data, ok, err := c.store.Get(ctx, sk)
		if err != nil {
			c.log.Warn("cleanup cannot read %q: %v", sk, err)
			continue
		}
		if !ok {
			continue
		}
		r, err := decodeRecord(data)
		if err == nil && !c.expired(r, now) {
			if _, err = c.codec.Decode(r.Value); err == nil {
				continue
			}
		}
		if err := c.store.Remove(ctx, sk); err != nil {
			c.log.Warn("cleanup cannot remove %q: %v", sk, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.log.Debug("cleanup removed %d entries", removed)
	}
	return removed, nil
}
